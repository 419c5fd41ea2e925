// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package network defines the description of a network (a DAG of layers and tensors) that the
// engine compiles.
//
// A Network is built incrementally: inputs are declared with AddInput, layers are added with the
// Add* methods, each one returning its output tensor, and the tensors to be returned are marked
// with MarkOutput. Example:
//
//	net := network.New("quantize")
//	x := net.AddInput("x", dtypes.Float32, shapes.DynamicDim, 4, 8, 8)
//	y := net.AddIdentity(x)
//	y.SetDType(dtypes.Int8).SetLayout(shapes.CHW4).SetDynamicRange(-128, 128)
//	net.MarkOutput(y)
//
// Programming errors while building (nil tensors, tensors of another network, invalid dimensions)
// panic with exceptions.Panicf, while structural problems are reported by Validate.
//
// The engine never mutates a Network: it compiles a deep copy of its Description.
package network

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/planrt/plugin"
	"github.com/gomlx/planrt/types/shapes"
)

// Network is a graph description under construction.
type Network struct {
	desc Description
}

// New creates an empty network with the given name.
func New(name string) *Network {
	return &Network{desc: Description{Name: name}}
}

// Name of the network.
func (n *Network) Name() string { return n.desc.Name }

// Description returns a deep copy of the network description.
func (n *Network) Description() *Description { return n.desc.Clone() }

// NumLayers returns the number of layers added so far.
func (n *Network) NumLayers() int { return len(n.desc.Layers) }

// Tensor is a handle to a tensor of a Network.
type Tensor struct {
	net *Network
	id  int
}

func (n *Network) spec(t *Tensor) *TensorSpec {
	if t == nil || t.net == nil {
		exceptions.Panicf("network %q: nil tensor", n.desc.Name)
	}
	if t.net != n {
		exceptions.Panicf("network %q: tensor %q belongs to network %q", n.desc.Name, t.Name(), t.net.desc.Name)
	}
	return &n.desc.Tensors[t.id]
}

// ID is the index of the tensor in the Description.
func (t *Tensor) ID() int { return t.id }

// Name of the tensor.
func (t *Tensor) Name() string { return t.net.desc.Tensors[t.id].Name }

// SetName renames the tensor.
func (t *Tensor) SetName(name string) *Tensor {
	t.net.desc.Tensors[t.id].Name = name
	return t
}

// DType returns the declared dtype, or dtypes.InvalidDType if it's to be inferred.
func (t *Tensor) DType() dtypes.DType { return t.net.desc.Tensors[t.id].DType }

// SetDType forces the dtype of a tensor computed by a layer. The producing layer converts its
// result to it, quantizing to Int8 with the tensor's dynamic range.
func (t *Tensor) SetDType(dtype dtypes.DType) *Tensor {
	t.net.desc.Tensors[t.id].DType = dtype
	return t
}

// Layout of the tensor.
func (t *Tensor) Layout() shapes.Layout { return t.net.desc.Tensors[t.id].Layout }

// SetLayout sets the memory layout of the tensor.
func (t *Tensor) SetLayout(layout shapes.Layout) *Tensor {
	t.net.desc.Tensors[t.id].Layout = layout
	return t
}

// SetDynamicRange sets the range of values of the tensor, used to compute the Int8 quantization scale.
func (t *Tensor) SetDynamicRange(lo, hi float32) *Tensor {
	if lo > hi {
		exceptions.Panicf("tensor %q: invalid dynamic range [%g, %g]", t.Name(), lo, hi)
	}
	s := &t.net.desc.Tensors[t.id]
	s.HasRange, s.RangeMin, s.RangeMax = true, lo, hi
	return t
}

// DynamicRange returns the dynamic range, if set.
func (t *Tensor) DynamicRange() (lo, hi float32, ok bool) {
	s := &t.net.desc.Tensors[t.id]
	return s.RangeMin, s.RangeMax, s.HasRange
}

// IsInput returns whether the tensor is an input of the network.
func (t *Tensor) IsInput() bool { return t.net.desc.Tensors[t.id].IsInput }

// IsOutput returns whether the tensor was marked as an output.
func (t *Tensor) IsOutput() bool { return t.net.desc.Tensors[t.id].IsOutput }

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	s := &t.net.desc.Tensors[t.id]
	if s.IsInput {
		return fmt.Sprintf("%s: input %s", s.Name, shapes.Shape{DType: s.DType, Dimensions: s.Dims})
	}
	return fmt.Sprintf("%s: output of layer %q", s.Name, t.net.desc.Layers[s.Producer].Name)
}

// Layer is a handle to a layer of a Network.
type Layer struct {
	net *Network
	id  int
}

// Name of the layer, used as the refit key.
func (l *Layer) Name() string { return l.net.desc.Layers[l.id].Name }

// SetName renames the layer.
func (l *Layer) SetName(name string) *Layer {
	l.net.desc.Layers[l.id].Name = name
	return l
}

// Type of the layer.
func (l *Layer) Type() LayerType { return l.net.desc.Layers[l.id].Type }

// Output returns the i-th output of the layer.
func (l *Layer) Output(i int) *Tensor {
	return &Tensor{net: l.net, id: l.net.desc.Layers[l.id].Outputs[i]}
}

// Producer returns the layer that computes t, or nil for inputs.
func (t *Tensor) Producer() *Layer {
	s := &t.net.desc.Tensors[t.id]
	if s.IsInput {
		return nil
	}
	return &Layer{net: t.net, id: s.Producer}
}

// AddInput declares an input of the network. Dimensions may be shapes.DynamicDim, bound at execution time.
func (n *Network) AddInput(name string, dtype dtypes.DType, dimensions ...int) *Tensor {
	_ = shapes.Make(dtype, dimensions...) // Panics on invalid dimensions.
	if dtype == dtypes.InvalidDType {
		exceptions.Panicf("network %q: input %q with invalid dtype", n.desc.Name, name)
	}
	n.desc.Tensors = append(n.desc.Tensors, TensorSpec{
		Name:     name,
		DType:    dtype,
		Dims:     slices.Clone(dimensions),
		Producer: -1,
		IsInput:  true,
	})
	id := len(n.desc.Tensors) - 1
	n.desc.Inputs = append(n.desc.Inputs, id)
	return &Tensor{net: n, id: id}
}

// addLayer appends the layer and its single output tensor.
func (n *Network) addLayer(layer LayerSpec, inputs ...*Tensor) *Tensor {
	for _, input := range inputs {
		_ = n.spec(input)
		layer.Inputs = append(layer.Inputs, input.id)
	}
	layerID := len(n.desc.Layers)
	layer.Name = fmt.Sprintf("%s_%d", layer.Type, layerID)
	n.desc.Tensors = append(n.desc.Tensors, TensorSpec{
		Name:     fmt.Sprintf("%s_output", layer.Name),
		DType:    dtypes.InvalidDType,
		Producer: layerID,
	})
	outputID := len(n.desc.Tensors) - 1
	layer.Outputs = []int{outputID}
	n.desc.Layers = append(n.desc.Layers, layer)
	return &Tensor{net: n, id: outputID}
}

// AddIdentity adds a layer that copies x. Use SetDType and SetLayout on the output to convert the
// dtype (including Int8 quantization) or the memory layout.
func (n *Network) AddIdentity(x *Tensor) *Tensor {
	return n.addLayer(LayerSpec{Type: IdentityLayer}, x)
}

// AddElementWise adds a binary element-wise operation. Axes of dimension 1 are broadcast.
func (n *Network) AddElementWise(op ElementWiseOp, a, b *Tensor) *Tensor {
	if op < Sum || op > Max {
		exceptions.Panicf("network %q: unknown element-wise op %s", n.desc.Name, op)
	}
	return n.addLayer(LayerSpec{Type: ElementWiseLayer, ElementWise: op}, a, b)
}

// AddActivation adds an activation layer.
func (n *Network) AddActivation(x *Tensor, activation ActivationType) *Tensor {
	if activation < ReLU || activation > Tanh {
		exceptions.Panicf("network %q: unknown activation %s", n.desc.Name, activation)
	}
	return n.addLayer(LayerSpec{Type: ActivationLayer, Activation: activation}, x)
}

// AddScale adds a layer computing x*scale + shift. Scale (role Kernel) and shift (role Bias) hold
// either one value (uniform) or one value per channel of axis 1.
func (n *Network) AddScale(x *Tensor, scale, shift Weights) *Tensor {
	return n.addLayer(LayerSpec{
		Type:    ScaleLayer,
		Weights: map[WeightRole]Weights{Kernel: scale.Clone(), Bias: shift.Clone()},
	}, x)
}

// AddFullyConnected adds a fully connected layer: x is flattened to [batch, K], and the output is
// [batch, numOutputs] = x · kernelᵀ + bias, with the kernel shaped [numOutputs, K] and the bias
// [numOutputs]. The bias is optional: pass a zero Weights{} to omit it.
func (n *Network) AddFullyConnected(x *Tensor, numOutputs int, kernel, bias Weights) *Tensor {
	if numOutputs <= 0 {
		exceptions.Panicf("network %q: fully connected layer with %d outputs", n.desc.Name, numOutputs)
	}
	weights := map[WeightRole]Weights{Kernel: kernel.Clone()}
	if bias.Dims != nil || bias.Values != nil {
		weights[Bias] = bias.Clone()
	}
	return n.addLayer(LayerSpec{Type: FullyConnectedLayer, NumOutputs: numOutputs, Weights: weights}, x)
}

// AddConstant adds a constant tensor with the given weights (role Constant).
func (n *Network) AddConstant(weights Weights) *Tensor {
	_ = shapes.Make(dtypes.Float32, weights.Dims...)
	return n.addLayer(LayerSpec{Type: ConstantLayer, Weights: map[WeightRole]Weights{Constant: weights.Clone()}})
}

// AddPlugin adds a plugin layer. The plugin is resolved against the plugin registry when the
// network is compiled.
func (n *Network) AddPlugin(descriptor plugin.Descriptor, inputs ...*Tensor) *Tensor {
	descriptor.Fields = descriptor.Fields.Clone()
	return n.addLayer(LayerSpec{Type: PluginLayer, Plugin: &descriptor}, inputs...)
}

// MarkOutput marks tensors as outputs of the network, in the given order.
func (n *Network) MarkOutput(tensors ...*Tensor) {
	for _, t := range tensors {
		s := n.spec(t)
		if s.IsOutput {
			exceptions.Panicf("network %q: tensor %q already marked as output", n.desc.Name, s.Name)
		}
		s.IsOutput = true
		n.desc.Outputs = append(n.desc.Outputs, t.id)
	}
}

// LayerByName returns the layer with the given name, or nil.
func (n *Network) LayerByName(name string) *Layer {
	idx := n.desc.LayerIndex(name)
	if idx == -1 {
		return nil
	}
	return &Layer{net: n, id: idx}
}

// TensorByName returns the tensor with the given name, or nil.
func (n *Network) TensorByName(name string) *Tensor {
	idx := slices.IndexFunc(n.desc.Tensors, func(t TensorSpec) bool { return t.Name == name })
	if idx == -1 {
		return nil
	}
	return &Tensor{net: n, id: idx}
}
