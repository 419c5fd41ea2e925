// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"maps"

	"github.com/gomlx/planrt/device"
	"github.com/gomlx/planrt/failure"
	"github.com/gomlx/planrt/network"
	"github.com/gomlx/planrt/plugin"
	"github.com/google/uuid"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"k8s.io/klog/v2"
)

// Serialized plan layout:
//
//	[magic(4)] [version(2)] [flags(2)] [body_size(4)] [crc32(4)] [body]
//
// The body is the msgpack encoding of planWire, lz4 block compressed if flagLZ4 is set.
// The checksum is of the uncompressed body.
const (
	planMagic      = "PLRT"
	planVersion    = 1
	planHeaderSize = 16

	flagLZ4 = 1

	// lz4MaxRatio bounds how much an lz4 block can expand: a match of at most 255 bytes per
	// length byte of input.
	lz4MaxRatio = 255
)

// planWire is what is serialized of a CompiledGraph: everything needed to rebuild it.
type planWire struct {
	ID          string                 `msgpack:"id"`
	Description *network.Description   `msgpack:"description"`
	Profiles    []*OptimizationProfile `msgpack:"profiles"`
	Config      BuildConfig            `msgpack:"config"`
}

// description returns a copy of the description of cg with its current weights.
func (cg *CompiledGraph) description() *network.Description {
	desc := cg.desc.Clone()
	for layerIdx, roles := range *cg.weights.Load() {
		desc.Layers[layerIdx].Weights = maps.Clone(roles)
	}
	return desc
}

// encodeSorted encodes v with msgpack with map keys sorted, so equal values have equal encodings.
func encodeSorted(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Serialize returns an opaque blob from which Deserialize recreates an equivalent CompiledGraph,
// with the same ID and the current weights.
func (cg *CompiledGraph) Serialize() ([]byte, error) {
	body, err := encodeSorted(&planWire{
		ID:          cg.id.String(),
		Description: cg.description(),
		Profiles:    cg.profiles,
		Config:      cg.config,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "encoding graph %q", cg.name)
	}

	var flags uint16
	payload := body
	compressed := make([]byte, lz4.CompressBlockBound(len(body)))
	n, err := lz4.CompressBlock(body, compressed, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "compressing graph %q", cg.name)
	}
	if n > 0 && n < len(body) {
		flags |= flagLZ4
		payload = compressed[:n]
	}

	blob := make([]byte, planHeaderSize, planHeaderSize+len(payload))
	copy(blob, planMagic)
	binary.LittleEndian.PutUint16(blob[4:], planVersion)
	binary.LittleEndian.PutUint16(blob[6:], flags)
	binary.LittleEndian.PutUint32(blob[8:], uint32(len(body)))
	binary.LittleEndian.PutUint32(blob[12:], crc32.ChecksumIEEE(body))
	blob = append(blob, payload...)
	klog.V(1).Infof("serialized graph %q: %d bytes (%d uncompressed)", cg.name, len(blob), len(body))
	return blob, nil
}

// Deserialize recreates a CompiledGraph serialized with CompiledGraph.Serialize, for the given device.
//
// Malformed, truncated or tampered data fails with failure.CorruptPlan. The registry must provide the
// plugins used by the graph, as with Build.
func Deserialize(dev device.Device, data []byte, registry *plugin.Registry) (*CompiledGraph, error) {
	if len(data) < planHeaderSize {
		return nil, failure.Errorf(failure.CorruptPlan, "plan of %d bytes is truncated", len(data))
	}
	if string(data[:4]) != planMagic {
		return nil, failure.Errorf(failure.CorruptPlan, "invalid plan magic %q", data[:4])
	}
	if version := binary.LittleEndian.Uint16(data[4:]); version != planVersion {
		return nil, failure.Errorf(failure.CorruptPlan, "plan version %d not supported (want %d)", version, planVersion)
	}
	flags := binary.LittleEndian.Uint16(data[6:])
	bodySize := int(binary.LittleEndian.Uint32(data[8:]))
	checksum := binary.LittleEndian.Uint32(data[12:])
	payload := data[planHeaderSize:]

	body := payload
	if flags&flagLZ4 != 0 {
		if bodySize > lz4MaxRatio*len(payload) {
			return nil, failure.Errorf(failure.CorruptPlan, "plan body size %d not possible for %d compressed bytes",
				bodySize, len(payload))
		}
		body = make([]byte, bodySize)
		n, err := lz4.UncompressBlock(payload, body)
		if err != nil {
			return nil, failure.Wrapf(err, failure.CorruptPlan, "decompressing plan")
		}
		body = body[:n]
	}
	if len(body) != bodySize {
		return nil, failure.Errorf(failure.CorruptPlan, "plan body has %d bytes, header says %d", len(body), bodySize)
	}
	if crc32.ChecksumIEEE(body) != checksum {
		return nil, failure.Errorf(failure.CorruptPlan, "plan checksum mismatch")
	}

	var wire planWire
	if err := msgpack.Unmarshal(body, &wire); err != nil {
		return nil, failure.Wrapf(err, failure.CorruptPlan, "decoding plan")
	}
	id, err := uuid.Parse(wire.ID)
	if err != nil {
		return nil, failure.Wrapf(err, failure.CorruptPlan, "plan id")
	}
	if wire.Description == nil {
		return nil, failure.Errorf(failure.CorruptPlan, "plan has no network description")
	}
	return build(dev, wire.Description, wire.Profiles, registry, wire.Config, id)
}
