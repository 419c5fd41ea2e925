// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/planrt/device"
	"github.com/gomlx/planrt/types/shapes"
)

// Direction of a binding.
type Direction int

const (
	Input Direction = iota
	Output
)

// String implements fmt.Stringer.
func (d Direction) String() string {
	if d == Input {
		return "input"
	}
	return "output"
}

// Binding is an input or output slot of a CompiledGraph.
//
// Inputs have indices [0, NumInputs) and outputs [NumInputs, NumInputs+NumOutputs), in the order
// they were declared in the network.
type Binding struct {
	Name      string
	Index     int
	Direction Direction
	DType     dtypes.DType

	// Dims as declared, shapes.DynamicDim for axes only known at execution time.
	Dims   []int
	Layout shapes.Layout

	// Scale of Int8 bindings: value = int8 * Scale. It's 1 for other dtypes.
	Scale float32
}

// IsInput returns whether it's an input binding.
func (b Binding) IsInput() bool { return b.Direction == Input }

// Shape returns the declared shape, possibly dynamic.
func (b Binding) Shape() shapes.Shape {
	return shapes.Shape{DType: b.DType, Dimensions: slices.Clone(b.Dims)}
}

// IsDynamic returns whether some dimension is only known at execution time.
func (b Binding) IsDynamic() bool { return slices.Contains(b.Dims, shapes.DynamicDim) }

// VectorizedAxis returns the axis split in vectors by the layout, or -1.
func (b Binding) VectorizedAxis() int { return b.Layout.VectorizedAxis(len(b.Dims)) }

// ComponentsPerElement is the number of components grouped in the vectorized axis, 1 for Linear.
func (b Binding) ComponentsPerElement() int { return b.Layout.VectorWidth() }

// FormatDescription describes the memory layout of the binding.
func (b Binding) FormatDescription() string { return b.Layout.Description() }

// Key used to allocate buffers for this binding with a device.Manager.
func (b Binding) Key() device.Key { return device.Key{Name: b.Name, Index: b.Index} }

// String implements fmt.Stringer.
func (b Binding) String() string {
	return fmt.Sprintf("#%d %s %q %s %s", b.Index, b.Direction, b.Name, b.Shape(), b.Layout)
}
