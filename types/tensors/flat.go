// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"unsafe"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/planrt/types/shapes"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// Pack converts the bytes of a tensor of the given shape stored in Linear layout into layout.
// Padding elements are zero.
func Pack(shape shapes.Shape, layout shapes.Layout, linear []byte) ([]byte, error) {
	if !layout.IsVectorized() {
		return linear, nil
	}
	width := shape.DType.Size()
	if len(linear) != shape.Size()*width {
		return nil, errors.Errorf("packing %d bytes for shape %s, wanted %d", len(linear), shape, shape.Size()*width)
	}
	physical := make([]byte, shapes.ByteSize(shape, layout))
	for ii := range shape.Size() {
		dst := layout.PhysicalIndex(shape, ii) * width
		copy(physical[dst:dst+width], linear[ii*width:(ii+1)*width])
	}
	return physical, nil
}

// Unpack is the inverse of Pack: it drops the padding and returns the bytes in Linear layout.
func Unpack(shape shapes.Shape, layout shapes.Layout, physical []byte) ([]byte, error) {
	if !layout.IsVectorized() {
		return physical, nil
	}
	width := shape.DType.Size()
	if len(physical) != shapes.ByteSize(shape, layout) {
		return nil, errors.Errorf("unpacking %d bytes for shape %s in %s, wanted %d",
			len(physical), shape, layout, shapes.ByteSize(shape, layout))
	}
	linear := make([]byte, shape.Size()*width)
	for ii := range shape.Size() {
		src := layout.PhysicalIndex(shape, ii) * width
		copy(linear[ii*width:(ii+1)*width], physical[src:src+width])
	}
	return linear, nil
}

// Bytes returns the host bytes of a typed flat slice, packed into layout.
// The dtype of T must match shape.DType.
func Bytes[T dtypes.Supported](shape shapes.Shape, layout shapes.Layout, flat []T) ([]byte, error) {
	if dtype := dtypes.FromGenericsType[T](); dtype != shape.DType {
		return nil, errors.Errorf("flat data of type %s doesn't match shape %s", dtype, shape)
	}
	if len(flat) != shape.Size() {
		return nil, errors.Errorf("flat data has %d elements, shape %s requires %d", len(flat), shape, shape.Size())
	}
	var raw []byte
	if len(flat) > 0 {
		raw = unsafe.Slice((*byte)(unsafe.Pointer(&flat[0])), len(flat)*shape.DType.Size())
	}
	if !layout.IsVectorized() {
		return append([]byte(nil), raw...), nil
	}
	return Pack(shape, layout, raw)
}

// ToFlat returns a copy of the view values as a typed flat slice in row-major order.
// No conversion is done: the dtype of T must match the view's.
func ToFlat[T dtypes.Supported](v View) ([]T, error) {
	if dtype := dtypes.FromGenericsType[T](); dtype != v.Shape.DType {
		return nil, errors.Errorf("cannot read view of %s as %s", v.Shape, dtype)
	}
	linear, err := Unpack(v.Shape, v.Layout, v.Data)
	if err != nil {
		return nil, err
	}
	flat := make([]T, v.Shape.Size())
	if len(flat) > 0 {
		copy(unsafe.Slice((*byte)(unsafe.Pointer(&flat[0])), len(linear)), linear)
	}
	return flat, nil
}

// Float32s converts a slice of any numeric type to float32.
func Float32s[T constraints.Integer | constraints.Float](values []T) []float32 {
	converted := make([]float32, len(values))
	for ii, v := range values {
		converted[ii] = float32(v)
	}
	return converted
}

// Arange returns the values [start, start+1, ..., start+n-1].
func Arange(start float32, n int) []float32 {
	values := make([]float32, n)
	for ii := range values {
		values[ii] = start + float32(ii)
	}
	return values
}
