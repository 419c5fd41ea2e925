// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"github.com/gomlx/planrt/failure"
)

// StageInputs copies the host data of the input bindings [0, nInput) to their device buffers.
//
// host and buffers are indexed by binding: entries of the outputs are ignored. Each host slice must
// have exactly buffer.Size bytes, in the layout of the buffer.
func StageInputs(dev Device, host [][]byte, buffers []*Buffer, nInput int) error {
	if err := checkTransfer(host, buffers, nInput); err != nil {
		return err
	}
	for ii := range nInput {
		if err := checkHost(host[ii], buffers[ii]); err != nil {
			return err
		}
		if err := dev.CopyHostToDevice(buffers[ii].addr, host[ii]); err != nil {
			return failure.Wrapf(err, failure.InvalidArgument, "staging input %s", buffers[ii].Key)
		}
	}
	return nil
}

// DrainOutputs copies the device buffers of the output bindings [nInput, len(buffers)) to host.
// Entries of the inputs are ignored.
func DrainOutputs(dev Device, buffers []*Buffer, host [][]byte, nInput int) error {
	if err := checkTransfer(host, buffers, nInput); err != nil {
		return err
	}
	for ii := nInput; ii < len(buffers); ii++ {
		if err := checkHost(host[ii], buffers[ii]); err != nil {
			return err
		}
		if err := dev.CopyDeviceToHost(host[ii], buffers[ii].addr); err != nil {
			return failure.Wrapf(err, failure.InvalidArgument, "draining output %s", buffers[ii].Key)
		}
	}
	return nil
}

func checkTransfer(host [][]byte, buffers []*Buffer, nInput int) error {
	if len(host) != len(buffers) {
		return failure.Errorf(failure.InvalidArgument, "%d host slices for %d buffers", len(host), len(buffers))
	}
	if nInput < 0 || nInput > len(buffers) {
		return failure.Errorf(failure.InvalidArgument, "nInput=%d out of range for %d buffers", nInput, len(buffers))
	}
	return nil
}

func checkHost(host []byte, buf *Buffer) error {
	if !buf.Valid() {
		return failure.Errorf(failure.InvalidArgument, "transfer with released buffer")
	}
	if len(host) != buf.Size {
		return failure.Errorf(failure.InvalidArgument, "host data for %s has %d bytes, buffer has %d",
			buf.Key, len(host), buf.Size)
	}
	return nil
}
