// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cpu implements a device whose memory is host memory: it's the reference device of
// planrt, used to run graphs on the CPU and to test the engine.
//
// Its configuration accepts the options:
//
//   - memory=<size>: capacity of the device, e.g. "memory=64MiB". Default is unlimited.
//   - align=<bytes>: alignment of the allocations, a power of 2. Default is 256.
//
// Example: PLANRT_DEVICE="cpu:memory=1GiB,align=64".
package cpu

import (
	"fmt"
	"math"
	"math/bits"
	"strconv"
	"sync"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/planrt/device"
	"github.com/gomlx/planrt/failure"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DeviceName to be used in PLANRT_DEVICE to specify this device.
const DeviceName = "cpu"

// DefaultAlignment of allocations.
const DefaultAlignment = 256

// baseAddress of the simulated device address space: the zero Address is never valid.
const baseAddress = device.Address(0x10000)

func init() {
	device.Register(DeviceName, func(config string) device.Device {
		dev, err := New(config)
		if err != nil {
			exceptions.Panicf("cpu device: %+v", err)
		}
		return dev
	})
}

// Device implements device.Device with host memory.
type Device struct {
	capacity  uint64 // 0 means unlimited.
	alignment int

	mu          sync.Mutex
	regions     map[device.Address][]byte
	nextAddress device.Address
	used        uint64
	finalized   bool
}

// Compile-time check that cpu.Device implements device.Device.
var _ device.Device = (*Device)(nil)

// New creates a cpu device with the given configuration, see package documentation.
func New(config string) (*Device, error) {
	options, err := device.ParseOptions(config)
	if err != nil {
		return nil, err
	}
	d := &Device{
		alignment:   DefaultAlignment,
		regions:     make(map[device.Address][]byte),
		nextAddress: baseAddress,
	}
	for key, value := range options {
		switch key {
		case "memory":
			d.capacity, err = humanize.ParseBytes(value)
			if err != nil {
				return nil, errors.Wrapf(err, "cpu device: invalid memory %q", value)
			}
		case "align":
			d.alignment, err = strconv.Atoi(value)
			if err != nil || d.alignment <= 0 || bits.OnesCount(uint(d.alignment)) != 1 {
				return nil, errors.Errorf("cpu device: align must be a power of 2, got %q", value)
			}
		default:
			return nil, errors.Errorf("cpu device: unknown option %q", key)
		}
	}
	klog.V(1).Infof("cpu device created: %s", d.Description())
	return d, nil
}

// Name implements device.Device.
func (d *Device) Name() string { return DeviceName }

// String implements fmt.Stringer.
func (d *Device) String() string { return DeviceName }

// Description implements device.Device.
func (d *Device) Description() string {
	capacity := "unlimited"
	if d.capacity > 0 {
		capacity = humanize.IBytes(d.capacity)
	}
	return fmt.Sprintf("CPU device (memory=%s, align=%d)", capacity, d.alignment)
}

// Alignment of the allocations.
func (d *Device) Alignment() int { return d.alignment }

func (d *Device) alignUp(size int) int {
	return (size + d.alignment - 1) &^ (d.alignment - 1)
}

// Malloc implements device.Device.
func (d *Device) Malloc(size int) (device.Address, error) {
	if size <= 0 {
		return 0, failure.Errorf(failure.InvalidArgument, "cpu device: Malloc(%d)", size)
	}
	if size > math.MaxInt-2*d.alignment {
		return 0, failure.Errorf(failure.AllocationFailed, "cpu device: Malloc(%d) larger than the address space", size)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.finalized {
		return 0, failure.Errorf(failure.InvalidState, "cpu device: Malloc after Finalize")
	}
	reserved := uint64(d.alignUp(size))
	if d.capacity > 0 && d.used+reserved > d.capacity {
		return 0, failure.Errorf(failure.AllocationFailed, "cpu device: can't allocate %s, %s of %s in use",
			humanize.IBytes(reserved), humanize.IBytes(d.used), humanize.IBytes(d.capacity))
	}

	// Over-allocate to align the start of the region.
	var raw []byte
	if exception := exceptions.Try(func() { raw = make([]byte, size+d.alignment) }); exception != nil {
		return 0, failure.Errorf(failure.AllocationFailed, "cpu device: can't allocate %s: %v",
			humanize.IBytes(reserved), exception)
	}
	offset := 0
	if misalignment := int(uintptr(unsafe.Pointer(&raw[0])) % uintptr(d.alignment)); misalignment != 0 {
		offset = d.alignment - misalignment
	}
	addr := d.nextAddress
	d.nextAddress += device.Address(reserved)
	d.regions[addr] = raw[offset : offset+size : offset+size]
	d.used += reserved
	klog.V(3).Infof("cpu device: Malloc(%d) -> %s", size, addr)
	return addr, nil
}

// Free implements device.Device.
func (d *Device) Free(addr device.Address) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	region, found := d.regions[addr]
	if !found {
		return failure.Errorf(failure.InvalidArgument, "cpu device: Free(%s) of unknown address", addr)
	}
	delete(d.regions, addr)
	d.used -= uint64(d.alignUp(len(region)))
	return nil
}

// region returns the memory at [addr, addr+size), which must be inside one allocation.
func (d *Device) region(addr device.Address, size int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	memory, found := d.regions[addr]
	if !found {
		return nil, failure.Errorf(failure.InvalidArgument, "cpu device: unknown address %s", addr)
	}
	if size > len(memory) {
		return nil, failure.Errorf(failure.InvalidArgument, "cpu device: access of %d bytes at %s, region has %d bytes",
			size, addr, len(memory))
	}
	return memory[:size], nil
}

// CopyHostToDevice implements device.Device.
func (d *Device) CopyHostToDevice(dst device.Address, src []byte) error {
	memory, err := d.region(dst, len(src))
	if err != nil {
		return err
	}
	copy(memory, src)
	return nil
}

// CopyDeviceToHost implements device.Device.
func (d *Device) CopyDeviceToHost(dst []byte, src device.Address) error {
	memory, err := d.region(src, len(dst))
	if err != nil {
		return err
	}
	copy(dst, memory)
	return nil
}

// Memory implements device.Device.
func (d *Device) Memory(addr device.Address, size int) ([]byte, error) {
	return d.region(addr, size)
}

// MemInfo implements device.Device. Without a memory limit, total is the memory in use.
func (d *Device) MemInfo() (free, total uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.capacity == 0 {
		return 0, d.used
	}
	return d.capacity - d.used, d.capacity
}

// Finalize implements device.Device.
func (d *Device) Finalize() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.finalized {
		return
	}
	d.finalized = true
	if len(d.regions) > 0 {
		klog.Warningf("cpu device finalized with %d regions (%s) still allocated", len(d.regions), humanize.IBytes(d.used))
	}
	d.regions = nil
	d.used = 0
}
