// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	invalidShape := Invalid()
	require.False(t, invalidShape.Ok())

	shape0 := Make(dtypes.Float64)
	require.True(t, shape0.Ok())
	require.True(t, shape0.IsScalar())
	require.Equal(t, 0, shape0.Rank())
	require.Equal(t, 1, shape0.Size())
	require.Equal(t, 8, int(shape0.Memory()))

	shape1 := Make(dtypes.Float32, 4, 3, 2)
	require.False(t, shape1.IsScalar())
	require.False(t, shape1.IsDynamic())
	require.Equal(t, 3, shape1.Rank())
	require.Equal(t, 4*3*2, shape1.Size())
	require.Equal(t, 4*4*3*2, int(shape1.Memory()))
	require.Equal(t, "(Float32)[4 3 2]", shape1.String())

	require.Panics(t, func() { _ = Make(dtypes.Float32, 0, 3) })
	require.Panics(t, func() { _ = Make(dtypes.Float32, -2) })
}

func TestDynamicShape(t *testing.T) {
	s := Make(dtypes.Float32, DynamicDim, 4, DynamicDim, 8)
	require.True(t, s.IsDynamic())
	require.Equal(t, []int{0, 2}, s.DynamicAxes())
	require.Equal(t, "(Float32)[? 4 ? 8]", s.String())
	require.Panics(t, func() { _ = s.Size() })

	require.NoError(t, s.Matches([]int{2, 4, 16, 8}))
	require.Error(t, s.Matches([]int{2, 5, 16, 8}))
	require.Error(t, s.Matches([]int{2, 4, 16}))
	require.Error(t, s.Matches([]int{0, 4, 16, 8}))
}

func TestDim(t *testing.T) {
	shape := Make(dtypes.Float32, 4, 3, 2)
	require.Equal(t, 4, shape.Dim(0))
	require.Equal(t, 2, shape.Dim(-1))
	require.Equal(t, 4, shape.Dim(-3))
	require.Panics(t, func() { _ = shape.Dim(3) })
	require.Panics(t, func() { _ = shape.Dim(-4) })
}

func TestCheckDims(t *testing.T) {
	shape := Make(dtypes.Int32, 4, 3, 2)
	require.NoError(t, shape.CheckDims(4, UncheckedAxis, 2))
	require.Error(t, shape.CheckDims(4, 3))
	require.Error(t, shape.CheckDims(4, 2, 2))
	require.NoError(t, shape.CheckAxis(1, 3))
	require.NoError(t, shape.CheckAxis(-1, 2))
	require.Error(t, shape.CheckAxis(0, 3))
	require.Error(t, shape.CheckAxis(3, 1))
	require.NoError(t, shape.CheckMinRank(3))
	require.Error(t, shape.CheckMinRank(4))
}

func TestByteSize(t *testing.T) {
	// Linear: product of dimensions times element width.
	require.Equal(t, 1*4*8*8*4, ByteSize(Make(dtypes.Float32, 1, 4, 8, 8), Linear))

	// Channel count divisible by the vector width: no padding.
	require.Equal(t, 1*4*8*8, ByteSize(Make(dtypes.Int8, 1, 4, 8, 8), CHW4))

	// 3 channels are padded up to 4.
	require.Equal(t, 1*4*8*8, ByteSize(Make(dtypes.Int8, 1, 3, 8, 8), CHW4))
	require.Equal(t, []int{1, 1, 8, 8, 4}, CHW4.PhysicalDims(Make(dtypes.Int8, 1, 3, 8, 8)))

	// 5 channels in CHW4 need 2 groups, and float32 elements are 4 bytes each.
	require.Equal(t, 2*8*4*4*4, ByteSize(Make(dtypes.Float32, 2, 5, 4, 4), CHW4))
	require.Equal(t, 32*2*2*2, ByteSize(Make(dtypes.Float16, 1, 1, 2, 2), CHW32))
}

func TestLayoutPhysicalIndex(t *testing.T) {
	s := Make(dtypes.Int8, 1, 3, 2, 2)
	// Linear is the identity.
	for ii := range s.Size() {
		require.Equal(t, ii, Linear.PhysicalIndex(s, ii))
	}
	// In CHW4 element (c, h, w) is at (h*W+w)*4 + c.
	require.Equal(t, 0, CHW4.PhysicalIndex(s, 0))  // c=0,h=0,w=0
	require.Equal(t, 4, CHW4.PhysicalIndex(s, 1))  // c=0,h=0,w=1
	require.Equal(t, 1, CHW4.PhysicalIndex(s, 4))  // c=1,h=0,w=0
	require.Equal(t, 14, CHW4.PhysicalIndex(s, 11)) // c=2,h=1,w=1

	// Physical indices are unique and within the padded size.
	seen := map[int]bool{}
	for ii := range s.Size() {
		p := CHW4.PhysicalIndex(s, ii)
		require.Less(t, p, CHW4.PhysicalSize(s))
		require.False(t, seen[p])
		seen[p] = true
	}
}

func TestLayoutValidate(t *testing.T) {
	require.NoError(t, CHW4.Validate(Make(dtypes.Int8, 4, 8, 8)))
	require.Error(t, CHW4.Validate(Make(dtypes.Int8, 8, 8)))
	require.NoError(t, Linear.Validate(Make(dtypes.Int8, 8)))
	require.Error(t, Layout(99).Validate(Make(dtypes.Int8, 8)))
	require.Equal(t, "CHW4", CHW4.String())
	require.Equal(t, 1, CHW4.VectorizedAxis(4))
	require.Equal(t, -1, Linear.VectorizedAxis(4))
}
