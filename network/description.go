// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package network

import (
	"fmt"
	"maps"
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/planrt/plugin"
	"github.com/gomlx/planrt/types/shapes"
)

// LayerType enumerates the built-in layers.
type LayerType int

const (
	InvalidLayer LayerType = iota
	IdentityLayer
	ElementWiseLayer
	ActivationLayer
	ScaleLayer
	FullyConnectedLayer
	ConstantLayer
	PluginLayer
)

var layerTypeNames = []string{"Invalid", "Identity", "ElementWise", "Activation", "Scale", "FullyConnected", "Constant", "Plugin"}

// String implements fmt.Stringer.
func (t LayerType) String() string {
	if t < 0 || int(t) >= len(layerTypeNames) {
		return fmt.Sprintf("LayerType(%d)", int(t))
	}
	return layerTypeNames[t]
}

// ElementWiseOp of an ElementWise layer.
type ElementWiseOp int

const (
	Sum ElementWiseOp = iota
	Prod
	Sub
	Max
)

// String implements fmt.Stringer.
func (op ElementWiseOp) String() string {
	switch op {
	case Sum:
		return "Sum"
	case Prod:
		return "Prod"
	case Sub:
		return "Sub"
	case Max:
		return "Max"
	default:
		return fmt.Sprintf("ElementWiseOp(%d)", int(op))
	}
}

// ActivationType of an Activation layer.
type ActivationType int

const (
	ReLU ActivationType = iota
	Sigmoid
	Tanh
)

// String implements fmt.Stringer.
func (a ActivationType) String() string {
	switch a {
	case ReLU:
		return "ReLU"
	case Sigmoid:
		return "Sigmoid"
	case Tanh:
		return "Tanh"
	default:
		return fmt.Sprintf("ActivationType(%d)", int(a))
	}
}

// WeightRole identifies one of the weights of a layer, for refitting.
type WeightRole int

const (
	Kernel WeightRole = iota
	Bias
	Constant
)

// String implements fmt.Stringer.
func (r WeightRole) String() string {
	switch r {
	case Kernel:
		return "KERNEL"
	case Bias:
		return "BIAS"
	case Constant:
		return "CONSTANT"
	default:
		return fmt.Sprintf("WeightRole(%d)", int(r))
	}
}

// Weights are float32 values with their dimensions.
type Weights struct {
	Dims   []int     `msgpack:"dims"`
	Values []float32 `msgpack:"values"`
}

// NewWeights creates Weights. It doesn't copy values.
func NewWeights(values []float32, dims ...int) Weights {
	return Weights{Dims: dims, Values: values}
}

// Size is the number of values expected by the dimensions.
func (w Weights) Size() int {
	size := 1
	for _, dim := range w.Dims {
		size *= dim
	}
	return size
}

// Shape of the weights, always float32.
func (w Weights) Shape() shapes.Shape {
	return shapes.Shape{DType: dtypes.Float32, Dimensions: w.Dims}
}

// Clone returns a deep copy.
func (w Weights) Clone() Weights {
	return Weights{Dims: slices.Clone(w.Dims), Values: slices.Clone(w.Values)}
}

// String implements fmt.Stringer.
func (w Weights) String() string {
	return fmt.Sprintf("Weights%v", w.Dims)
}

// TensorSpec describes a tensor of the network.
type TensorSpec struct {
	Name string `msgpack:"name"`

	// DType is declared for inputs. For other tensors InvalidDType means it's inferred from the
	// producing layer.
	DType dtypes.DType `msgpack:"dtype"`

	// Dims are declared for inputs only, and may contain shapes.DynamicDim.
	Dims []int `msgpack:"dims,omitempty"`

	Layout shapes.Layout `msgpack:"layout"`

	// HasRange indicates that RangeMin and RangeMax hold the dynamic range, used for Int8 quantization.
	HasRange bool    `msgpack:"has_range,omitempty"`
	RangeMin float32 `msgpack:"range_min,omitempty"`
	RangeMax float32 `msgpack:"range_max,omitempty"`

	// Producer is the index of the layer that computes this tensor, or -1 for inputs.
	Producer int  `msgpack:"producer"`
	IsInput  bool `msgpack:"is_input,omitempty"`
	IsOutput bool `msgpack:"is_output,omitempty"`
}

// LayerSpec describes a layer of the network.
type LayerSpec struct {
	Name    string    `msgpack:"name"`
	Type    LayerType `msgpack:"type"`
	Inputs  []int     `msgpack:"inputs"`
	Outputs []int     `msgpack:"outputs"`

	ElementWise ElementWiseOp  `msgpack:"element_wise,omitempty"`
	Activation  ActivationType `msgpack:"activation,omitempty"`

	// NumOutputs of a FullyConnected layer.
	NumOutputs int `msgpack:"num_outputs,omitempty"`

	Weights map[WeightRole]Weights `msgpack:"weights,omitempty"`
	Plugin  *plugin.Descriptor     `msgpack:"plugin,omitempty"`
}

// Description is the plain data form of a Network: it's what the engine compiles, serializes and hashes.
//
// Tensors are referred to by their index in Tensors, layers by their index in Layers.
type Description struct {
	Name    string       `msgpack:"name"`
	Tensors []TensorSpec `msgpack:"tensors"`
	Layers  []LayerSpec  `msgpack:"layers"`

	// Inputs and Outputs hold tensor indices in the order they were added/marked: this defines the
	// binding order.
	Inputs  []int `msgpack:"inputs"`
	Outputs []int `msgpack:"outputs"`
}

// Clone returns a deep copy of the description.
func (d *Description) Clone() *Description {
	c := &Description{
		Name:    d.Name,
		Tensors: make([]TensorSpec, len(d.Tensors)),
		Layers:  make([]LayerSpec, len(d.Layers)),
		Inputs:  slices.Clone(d.Inputs),
		Outputs: slices.Clone(d.Outputs),
	}
	for ii, t := range d.Tensors {
		t.Dims = slices.Clone(t.Dims)
		c.Tensors[ii] = t
	}
	for ii, l := range d.Layers {
		l.Inputs = slices.Clone(l.Inputs)
		l.Outputs = slices.Clone(l.Outputs)
		if l.Weights != nil {
			weights := make(map[WeightRole]Weights, len(l.Weights))
			for role, w := range l.Weights {
				weights[role] = w.Clone()
			}
			l.Weights = weights
		}
		if l.Plugin != nil {
			p := *l.Plugin
			p.Fields = p.Fields.Clone()
			l.Plugin = &p
		}
		c.Layers[ii] = l
	}
	return c
}

// LayerIndex returns the index of the layer with the given name, or -1.
func (d *Description) LayerIndex(name string) int {
	return slices.IndexFunc(d.Layers, func(l LayerSpec) bool { return l.Name == name })
}

// Roles returns the sorted weight roles of a layer.
func (l *LayerSpec) Roles() []WeightRole {
	return slices.Sorted(maps.Keys(l.Weights))
}
