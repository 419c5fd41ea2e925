// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/planrt/types/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func newView(t *testing.T, shape shapes.Shape, layout shapes.Layout) View {
	v, err := NewView(shape, layout, make([]byte, shapes.ByteSize(shape, layout)))
	require.NoError(t, err)
	return v
}

func TestNewView(t *testing.T) {
	shape := shapes.Make(dtypes.Float32, 2, 3)
	_, err := NewView(shape, shapes.Linear, make([]byte, 23))
	require.Error(t, err)
	_, err = NewView(shapes.Make(dtypes.Float32, shapes.DynamicDim, 3), shapes.Linear, nil)
	require.Error(t, err)
	_, err = NewView(shape, shapes.CHW4, make([]byte, 24))
	require.Error(t, err, "CHW4 requires rank >= 3")
	v, err := NewView(shape, shapes.Linear, make([]byte, 24))
	require.NoError(t, err)
	assert.Equal(t, 24, len(v.Data))
}

func TestReadWriteFloat32(t *testing.T) {
	for _, dtype := range []dtypes.DType{dtypes.Float32, dtypes.Float64, dtypes.Float16, dtypes.Int32, dtypes.Int64} {
		t.Run(dtype.String(), func(t *testing.T) {
			v := newView(t, shapes.Make(dtype, 2, 3), shapes.Linear)
			want := []float32{-2, -1, 0, 1, 2, 3}
			require.NoError(t, WriteFloat32(v, want))
			got, err := ReadFloat32(v)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}

	v := newView(t, shapes.Make(dtypes.Float16, 1), shapes.Linear)
	require.NoError(t, WriteFloat32(v, []float32{0.5}))
	assert.Equal(t, float16.Fromfloat32(0.5).Bits(), uint16(v.Data[0])|uint16(v.Data[1])<<8)

	v = newView(t, shapes.Make(dtypes.Bool, 3), shapes.Linear)
	require.NoError(t, WriteFloat32(v, []float32{0, 2, -1}))
	assert.Equal(t, []byte{0, 1, 1}, v.Data)

	require.Error(t, WriteFloat32(v, []float32{1}))
}

func TestQuantization(t *testing.T) {
	scale := ScaleForRange(-128, 128)
	assert.InDelta(t, 128.0/127.0, scale, 1e-6)
	assert.Equal(t, int8(127), Quantize(128, scale))
	assert.Equal(t, int8(-127), Quantize(-128, scale))
	assert.Equal(t, int8(127), Quantize(1000, scale))
	assert.Equal(t, int8(-128), Quantize(-1000, scale))
	assert.Equal(t, float32(1), ScaleForRange(0, 0))

	v := newView(t, shapes.Make(dtypes.Int8, 4), shapes.Linear).WithScale(scale)
	values := []float32{-100, 0.3, 50, 127.9}
	require.NoError(t, WriteFloat32(v, values))
	got, err := ReadFloat32(v)
	require.NoError(t, err)
	for ii := range values {
		assert.InDelta(t, values[ii], got[ii], float64(scale)/2+1e-5)
	}
}

func TestVectorizedLayouts(t *testing.T) {
	// 3 channels in CHW4: one group of 4, the 4th channel is padding.
	shape := shapes.Make(dtypes.Float32, 1, 3, 2, 2)
	v := newView(t, shape, shapes.CHW4)
	assert.Len(t, v.Data, 1*1*2*2*4*4)
	values := Arange(1, 12)
	require.NoError(t, WriteFloat32(v, values))
	got, err := ReadFloat32(v)
	require.NoError(t, err)
	assert.Equal(t, values, got)

	raw, err := ToFlat[float32](v)
	require.NoError(t, err)
	assert.Equal(t, values, raw)

	// Physical order: for each (h, w) the 4 channel components are contiguous.
	physical, err := ToFlat[float32](View{Shape: shapes.Make(dtypes.Float32, 16), Data: v.Data})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 5, 9, 0, 2, 6, 10, 0, 3, 7, 11, 0, 4, 8, 12, 0}, physical)
}

func TestPackUnpack(t *testing.T) {
	shape := shapes.Make(dtypes.Int8, 2, 5, 1, 3)
	linear := make([]byte, shape.Size())
	for ii := range linear {
		linear[ii] = byte(ii + 1)
	}
	for _, layout := range []shapes.Layout{shapes.Linear, shapes.CHW2, shapes.CHW4, shapes.CHW16, shapes.CHW32} {
		packed, err := Pack(shape, layout, linear)
		require.NoError(t, err)
		require.Len(t, packed, shapes.ByteSize(shape, layout))
		unpacked, err := Unpack(shape, layout, packed)
		require.NoError(t, err)
		assert.Equal(t, linear, unpacked, "layout %s", layout)
	}
	_, err := Pack(shape, shapes.CHW4, linear[1:])
	require.Error(t, err)
}

func TestBytes(t *testing.T) {
	shape := shapes.Make(dtypes.Int32, 3)
	data, err := Bytes(shape, shapes.Linear, []int32{1, -1, 256})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 0, 0, 0, 0xff, 0xff, 0xff, 0xff, 0, 1, 0, 0}, data)

	_, err = Bytes(shape, shapes.Linear, []float32{1, 2, 3})
	require.Error(t, err)
	_, err = Bytes(shape, shapes.Linear, []int32{1, 2})
	require.Error(t, err)

	assert.Equal(t, []float32{1, 2, 3}, Float32s([]int{1, 2, 3}))
}
