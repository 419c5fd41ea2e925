// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape, Layout and associated tools.
//
// Shape represents the shape (rank, dimensions and DType) of a binding or of an intermediate
// tensor of a compiled graph. DType indicates the type of the unit element and is defined in
// github.com/gomlx/gopjrt/dtypes.
//
// Differently from a plain tensor shape, a declared Shape may have dynamic dimensions, marked
// with DynamicDim, which are only known when an execution context binds a concrete shape.
//
// ## Glossary
//
//   - Rank: number of axes (dimensions) of a tensor.
//   - Axis: is the index of a dimension on a multidimensional tensor.
//   - Dimension: the size of a tensor in one of its axes, or DynamicDim if not yet known.
//   - Layout: how the elements are physically arranged in memory, see Layout.
//
// Example: `shapes.Make(dtypes.Float32, shapes.DynamicDim, 4, 8, 8)` is a float32 input
// whose batch axis is bound at execution time, while `shapes.Make(dtypes.Float32, 2, 4, 8, 8)`
// is one of its concrete shapes.
package shapes

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// DynamicDim marks a dimension that is only known at execution time.
const DynamicDim = -1

// Shape represents the shape of a binding or of a tensor in a compiled graph.
//
// Use Make to create a new shape.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// Make returns a Shape structure filled with the values given.
//
// It panics if any dimension is <= 0, except DynamicDim.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{Dimensions: slices.Clone(dimensions), DType: dtype}
	for _, dim := range dimensions {
		if dim <= 0 && dim != DynamicDim {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with an axis with dimension %d", s, dim)
		}
	}
	return s
}

// Invalid returns an invalid shape.
//
// Invalid().Ok() == false.
func Invalid() Shape {
	return Shape{DType: dtypes.InvalidDType}
}

// Ok returns whether this is a valid Shape. A "zero" shape, that is just instantiating it with Shape{} will be invalid.
func (s Shape) Ok() bool { return s.DType != dtypes.InvalidDType }

// Rank of the shape, that is, the number of dimensions.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape represents a scalar, that is there are no dimensions (rank==0).
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// IsDynamic returns whether any of the dimensions is DynamicDim.
func (s Shape) IsDynamic() bool {
	return slices.Contains(s.Dimensions, DynamicDim)
}

// DynamicAxes returns the axes with a DynamicDim dimension.
func (s Shape) DynamicAxes() (axes []int) {
	for axis, dim := range s.Dimensions {
		if dim == DynamicDim {
			axes = append(axes, axis)
		}
	}
	return
}

// Dim returns the dimension of the given axis. axis can take negative numbers, in which
// case it counts as starting from the end -- so axis=-1 refers to the last axis.
// Like with a slice indexing, it panics for an out-of-bound axis.
func (s Shape) Dim(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjustedAxis]
}

// String implements stringer, pretty-prints the shape. Dynamic dimensions are printed as "?".
func (s Shape) String() string {
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	parts := make([]string, len(s.Dimensions))
	for ii, dim := range s.Dimensions {
		if dim == DynamicDim {
			parts[ii] = "?"
		} else {
			parts[ii] = fmt.Sprintf("%d", dim)
		}
	}
	return fmt.Sprintf("(%s)[%s]", s.DType, strings.Join(parts, " "))
}

// Size returns the number of elements of DType are needed for this shape. It's the product of all dimensions.
//
// It panics if the shape is dynamic, since the size is not known.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		if d == DynamicDim {
			exceptions.Panicf("Shape.Size() of dynamic shape %s", s)
		}
		size *= d
	}
	return
}

// Memory returns the memory used to store an array of the given shape in linear layout, the same as the size in bytes.
// See ByteSize for the size taking into account vectorized layouts.
func (s Shape) Memory() uintptr {
	return s.DType.Memory() * uintptr(s.Size())
}

// Equal compares two shapes for equality: dtype and dimensions are compared.
func (s Shape) Equal(s2 Shape) bool {
	return s.DType == s2.DType && slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a new deep copy of the shape.
func (s Shape) Clone() (s2 Shape) {
	s2.DType = s.DType
	s2.Dimensions = slices.Clone(s.Dimensions)
	return
}

// WithDims returns a copy of the shape with the same DType and the given dimensions.
func (s Shape) WithDims(dimensions ...int) Shape {
	return Make(s.DType, dimensions...)
}

// WithDType returns a copy of the shape with the given DType.
func (s Shape) WithDType(dtype dtypes.DType) Shape {
	s2 := s.Clone()
	s2.DType = dtype
	return s2
}

// Matches returns an error if the concrete dimensions are not compatible with the declared shape s:
// same rank, and every fixed dimension of s must be equal. Dynamic dimensions of s match any positive value.
func (s Shape) Matches(dimensions []int) error {
	if len(dimensions) != s.Rank() {
		return errors.Errorf("dimensions %v have rank %d, declared shape %s has rank %d",
			dimensions, len(dimensions), s, s.Rank())
	}
	for axis, dim := range dimensions {
		if dim <= 0 {
			return errors.Errorf("dimensions %v: axis %d must be positive", dimensions, axis)
		}
		if s.Dimensions[axis] != DynamicDim && s.Dimensions[axis] != dim {
			return errors.Errorf("dimensions %v: axis %d is fixed to %d in declared shape %s",
				dimensions, axis, s.Dimensions[axis], s)
		}
	}
	return nil
}
