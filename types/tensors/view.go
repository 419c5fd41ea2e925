// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors provides typed views over the raw bytes of bindings and intermediate tensors.
//
// A View doesn't own its memory: it's a window on device (or host) bytes, with the shape, the
// physical layout and, for quantized int8 tensors, the quantization scale needed to interpret them.
// Kernels and plugins read and write values through ReadFloat32 and WriteFloat32, which take care
// of the element encoding and of packing/unpacking vectorized layouts.
package tensors

import (
	"encoding/binary"
	"math"

	"github.com/gomlx/planrt/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// View of a tensor stored in Data.
type View struct {
	Shape  shapes.Shape
	Layout shapes.Layout

	// Scale is the quantization scale of Int8 tensors: value = int8 * Scale. Zero means 1.
	Scale float32

	// Data holds shapes.ByteSize(Shape, Layout) bytes.
	Data []byte
}

// NewView validates that data has the exact size required by the shape and layout.
func NewView(shape shapes.Shape, layout shapes.Layout, data []byte) (View, error) {
	if shape.IsDynamic() {
		return View{}, errors.Errorf("cannot create view of dynamic shape %s", shape)
	}
	if err := layout.Validate(shape); err != nil {
		return View{}, err
	}
	want := shapes.ByteSize(shape, layout)
	if len(data) != want {
		return View{}, errors.Errorf("view of %s in %s requires %d bytes, got %d", shape, layout, want, len(data))
	}
	return View{Shape: shape, Layout: layout, Data: data}, nil
}

// WithScale returns a copy of the view with the given quantization scale.
func (v View) WithScale(scale float32) View {
	v.Scale = scale
	return v
}

func (v View) scale() float32 {
	if v.Scale == 0 {
		return 1
	}
	return v.Scale
}

// ReadFloat32 returns the logical (row-major, unpadded) values of the view converted to float32.
// Int8 values are dequantized with the view's Scale.
func ReadFloat32(v View) ([]float32, error) {
	size := v.Shape.Size()
	width := v.Shape.DType.Size()
	values := make([]float32, size)
	for ii := range size {
		offset := v.Layout.PhysicalIndex(v.Shape, ii) * width
		value, err := decode(v.Shape.DType, v.Data[offset:offset+width], v.scale())
		if err != nil {
			return nil, err
		}
		values[ii] = value
	}
	return values, nil
}

// WriteFloat32 writes the logical (row-major) values into the view, converting them to the view's
// DType. Int8 values are quantized with the view's Scale, rounding to nearest and saturating.
// Padding elements of vectorized layouts are zeroed.
func WriteFloat32(v View, values []float32) error {
	size := v.Shape.Size()
	if len(values) != size {
		return errors.Errorf("writing %d values into view of shape %s (%d elements)", len(values), v.Shape, size)
	}
	if v.Layout.IsVectorized() {
		clear(v.Data)
	}
	width := v.Shape.DType.Size()
	for ii, value := range values {
		offset := v.Layout.PhysicalIndex(v.Shape, ii) * width
		if err := encode(v.Shape.DType, v.Data[offset:offset+width], value, v.scale()); err != nil {
			return err
		}
	}
	return nil
}

// Quantize converts value to int8 with the given scale, rounding to nearest and saturating to [-128, 127].
func Quantize(value, scale float32) int8 {
	q := math.Round(float64(value / scale))
	return int8(max(-128, min(127, q)))
}

// ScaleForRange returns the int8 quantization scale for the dynamic range [lo, hi].
func ScaleForRange(lo, hi float32) float32 {
	amax := max(float32(math.Abs(float64(lo))), float32(math.Abs(float64(hi))))
	if amax == 0 {
		return 1
	}
	return amax / 127
}

func decode(dtype dtypes.DType, b []byte, scale float32) (float32, error) {
	switch dtype {
	case dtypes.Float32:
		return math.Float32frombits(binary.LittleEndian.Uint32(b)), nil
	case dtypes.Float64:
		return float32(math.Float64frombits(binary.LittleEndian.Uint64(b))), nil
	case dtypes.Float16:
		return float16.Frombits(binary.LittleEndian.Uint16(b)).Float32(), nil
	case dtypes.Int8:
		return float32(int8(b[0])) * scale, nil
	case dtypes.Uint8:
		return float32(b[0]), nil
	case dtypes.Int32:
		return float32(int32(binary.LittleEndian.Uint32(b))), nil
	case dtypes.Int64:
		return float32(int64(binary.LittleEndian.Uint64(b))), nil
	case dtypes.Bool:
		if b[0] != 0 {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, errors.Errorf("dtype %s not supported by views", dtype)
	}
}

func encode(dtype dtypes.DType, b []byte, value, scale float32) error {
	switch dtype {
	case dtypes.Float32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(value))
	case dtypes.Float64:
		binary.LittleEndian.PutUint64(b, math.Float64bits(float64(value)))
	case dtypes.Float16:
		binary.LittleEndian.PutUint16(b, float16.Fromfloat32(value).Bits())
	case dtypes.Int8:
		b[0] = byte(Quantize(value, scale))
	case dtypes.Uint8:
		b[0] = byte(max(0, min(255, math.Round(float64(value)))))
	case dtypes.Int32:
		binary.LittleEndian.PutUint32(b, uint32(int32(math.Round(float64(value)))))
	case dtypes.Int64:
		binary.LittleEndian.PutUint64(b, uint64(int64(math.Round(float64(value)))))
	case dtypes.Bool:
		if value != 0 {
			b[0] = 1
		} else {
			b[0] = 0
		}
	default:
		return errors.Errorf("dtype %s not supported by views", dtype)
	}
	return nil
}
