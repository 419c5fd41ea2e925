// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/planrt/failure"
	"github.com/gomlx/planrt/network"
	"github.com/gomlx/planrt/types/shapes"
	"github.com/pkg/errors"
)

// ResolveShapes computes the concrete shape of every binding of cg, given the dimensions of the
// input bindings, by index. Dimensions of inputs without dynamic axes may be omitted.
//
// Dynamic inputs must be given (failure.IncompleteBinding) and lie within the range of the
// selected optimization profile (failure.ShapeOutOfProfile). Output shapes are derived by
// propagating the shape functions of the layers in topological order: an output dimension
// that can't be resolved is a failure.UnresolvedShape.
//
// It's a pure function: it doesn't change cg.
func ResolveShapes(cg *CompiledGraph, profileIndex int, inputDims map[int][]int) (map[int]shapes.Shape, error) {
	inputs, err := cg.inputShapes(profileIndex, inputDims)
	if err != nil {
		return nil, err
	}
	tensorShapes, err := cg.resolveTensors(inputs)
	if err != nil {
		return nil, err
	}
	resolved := make(map[int]shapes.Shape, len(cg.bindings))
	for bindingIdx, tensorIdx := range cg.bindingTensors {
		resolved[bindingIdx] = tensorShapes[tensorIdx]
	}
	return resolved, nil
}

// inputShapes validates the dimensions given for the inputs and returns their concrete shapes.
func (cg *CompiledGraph) inputShapes(profileIndex int, inputDims map[int][]int) ([]shapes.Shape, error) {
	if profileIndex < 0 || profileIndex >= len(cg.profiles) {
		return nil, failure.Errorf(failure.InvalidArgument, "optimization profile %d out of range [0, %d)", profileIndex, len(cg.profiles))
	}
	for idx := range inputDims {
		if idx < 0 || idx >= cg.numInputs {
			return nil, failure.Errorf(failure.InvalidArgument, "binding %d is not an input of graph %q", idx, cg.name)
		}
	}
	inputs := make([]shapes.Shape, cg.numInputs)
	for ii := range cg.numInputs {
		dims, found := inputDims[ii]
		if !found {
			if cg.bindings[ii].IsDynamic() {
				return nil, failure.Errorf(failure.IncompleteBinding, "dynamic input %q has no shape bound", cg.bindings[ii].Name)
			}
			dims = cg.bindings[ii].Dims
		}
		if err := cg.checkInputDims(profileIndex, ii, dims); err != nil {
			return nil, err
		}
		inputs[ii] = shapes.Shape{DType: cg.bindings[ii].DType, Dimensions: slices.Clone(dims)}
	}
	return inputs, nil
}

// checkInputDims checks concrete dimensions of an input against its declaration and the profile.
func (cg *CompiledGraph) checkInputDims(profileIndex, bindingIdx int, dims []int) error {
	b := &cg.bindings[bindingIdx]
	if err := b.Shape().Matches(dims); err != nil {
		return failure.Wrapf(err, failure.InvalidArgument, "input %q", b.Name)
	}
	if r, found := cg.profiles[profileIndex].Shapes[b.Name]; found && !r.Contains(dims) {
		return failure.Errorf(failure.ShapeOutOfProfile, "input %q dimensions %v outside optimization profile #%d (%s)",
			b.Name, dims, profileIndex, r)
	}
	return nil
}

// resolveTensors propagates the concrete input shapes to every tensor of the graph.
func (cg *CompiledGraph) resolveTensors(inputs []shapes.Shape) ([]shapes.Shape, error) {
	desc := cg.desc
	tensorShapes := make([]shapes.Shape, len(desc.Tensors))
	for ii, idx := range desc.Inputs {
		tensorShapes[idx] = inputs[ii]
	}
	for _, layerIdx := range cg.order {
		l := &desc.Layers[layerIdx]
		layerInputs := make([]shapes.Shape, len(l.Inputs))
		for ii, idx := range l.Inputs {
			layerInputs[ii] = tensorShapes[idx]
		}
		output, err := cg.inferLayer(layerIdx, layerInputs)
		if err != nil {
			return nil, err
		}
		outIdx := l.Outputs[0]
		t := &desc.Tensors[outIdx]
		if t.DType != dtypes.InvalidDType {
			output.DType = t.DType
		}
		if output.IsDynamic() {
			return nil, failure.Errorf(failure.UnresolvedShape, "layer %q output %q has unresolved shape %s", l.Name, t.Name, output)
		}
		if err := t.Layout.Validate(output); err != nil {
			return nil, failure.Wrapf(err, failure.InvalidGraph, "tensor %q", t.Name)
		}
		tensorShapes[outIdx] = output
	}
	return tensorShapes, nil
}

// inferLayer returns the output shape of a layer given the shapes of its inputs.
func (cg *CompiledGraph) inferLayer(layerIdx int, inputs []shapes.Shape) (shapes.Shape, error) {
	l := &cg.desc.Layers[layerIdx]
	var output shapes.Shape
	var err error
	switch l.Type {
	case network.IdentityLayer, network.ActivationLayer:
		output = inputs[0].Clone()
	case network.ScaleLayer:
		output, err = scaleShape(l, inputs[0])
	case network.ElementWiseLayer:
		output, err = broadcastShape(inputs[0], inputs[1])
	case network.FullyConnectedLayer:
		output, err = fullyConnectedShape(l, inputs[0])
	case network.ConstantLayer:
		output = shapes.Make(dtypes.Float32, l.Weights[network.Constant].Dims...)
	case network.PluginLayer:
		output, err = cg.pluginShape(layerIdx, inputs)
	default:
		err = errors.Errorf("unknown layer type %s", l.Type)
	}
	if err != nil {
		if failure.KindOf(err) == failure.Unknown {
			err = failure.Wrapf(err, failure.UnresolvedShape, "layer %q (%s)", l.Name, l.Type)
		}
		return shapes.Invalid(), err
	}
	return output, nil
}

func scaleShape(l *network.LayerSpec, x shapes.Shape) (shapes.Shape, error) {
	n := len(l.Weights[network.Kernel].Values)
	if n > 1 {
		if err := x.CheckAxis(1, n); err != nil {
			return shapes.Invalid(), errors.WithMessagef(err, "per-channel scale with %d values", n)
		}
	}
	return x.Clone(), nil
}

// broadcastShape of an element-wise operation: same rank, and each axis equal or 1.
func broadcastShape(a, b shapes.Shape) (shapes.Shape, error) {
	if a.Rank() != b.Rank() {
		return shapes.Invalid(), errors.Errorf("element-wise operands have different ranks: %s and %s", a, b)
	}
	dims := make([]int, a.Rank())
	for axis := range dims {
		da, db := a.Dimensions[axis], b.Dimensions[axis]
		switch {
		case da == db:
			dims[axis] = da
		case da == 1:
			dims[axis] = db
		case db == 1:
			dims[axis] = da
		default:
			return shapes.Invalid(), errors.Errorf("element-wise operands %s and %s can't be broadcast on axis %d", a, b, axis)
		}
	}
	return shapes.Shape{DType: a.DType, Dimensions: dims}, nil
}

// fullyConnectedShape flattens x to [batch, K] and returns [batch, numOutputs].
func fullyConnectedShape(l *network.LayerSpec, x shapes.Shape) (shapes.Shape, error) {
	if err := x.CheckMinRank(2); err != nil {
		return shapes.Invalid(), errors.WithMessage(err, "fully connected input")
	}
	k := 1
	for _, dim := range x.Dimensions[1:] {
		k *= dim
	}
	kernel := l.Weights[network.Kernel]
	if err := kernel.Shape().CheckDims(l.NumOutputs, k); err != nil {
		return shapes.Invalid(), errors.WithMessagef(err, "fully connected input %s has %d features, kernel", x, k)
	}
	return shapes.Shape{DType: x.DType, Dimensions: []int{x.Dimensions[0], l.NumOutputs}}, nil
}

// pluginShape calls the plugin shape function.
func (cg *CompiledGraph) pluginShape(layerIdx int, inputs []shapes.Shape) (shapes.Shape, error) {
	var outputs []shapes.Shape
	err := catch(func() (err error) {
		outputs, err = cg.operators[layerIdx].OutputShapes(inputs)
		return
	})
	if err != nil {
		return shapes.Invalid(), err
	}
	if len(outputs) != 1 || !outputs[0].Ok() {
		return shapes.Invalid(), errors.Errorf("plugin returned %d output shapes %v, wanted 1 valid shape", len(outputs), outputs)
	}
	return outputs[0].Clone(), nil
}

// catch runs fn converting a panic into an error.
func catch(fn func() error) (err error) {
	exception := exceptions.Try(func() { err = fn() })
	if exception == nil {
		return err
	}
	if e, ok := exception.(error); ok {
		return errors.WithMessage(e, "panic")
	}
	return errors.Errorf("panic: %v", exception)
}
