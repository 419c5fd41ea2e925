// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package network

import (
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/planrt/failure"
	"github.com/gomlx/planrt/types"
	"github.com/gomlx/planrt/types/shapes"
	"github.com/pkg/errors"
)

// Validate checks the network description. See Description.Validate.
func (n *Network) Validate() error {
	return n.desc.Validate()
}

// numInputs per layer type, -1 for any.
var numInputs = map[LayerType]int{
	IdentityLayer:       1,
	ElementWiseLayer:    2,
	ActivationLayer:     1,
	ScaleLayer:          1,
	FullyConnectedLayer: 1,
	ConstantLayer:       0,
	PluginLayer:         -1,
}

// Validate checks that the description is a well-formed DAG: unique names, valid tensor references,
// declared inputs, at least one output, and weights consistent with their layers.
//
// Errors are of kind failure.InvalidGraph.
func (d *Description) Validate() error {
	err := d.validate()
	if err != nil {
		return failure.Wrapf(err, failure.InvalidGraph, "network %q", d.Name)
	}
	return nil
}

func (d *Description) validate() error {
	if len(d.Outputs) == 0 {
		return errors.New("no output marked")
	}
	tensorNames := types.MakeSet[string](len(d.Tensors))
	for ii, t := range d.Tensors {
		if t.Name == "" {
			return errors.Errorf("tensor #%d has no name", ii)
		}
		if tensorNames.Has(t.Name) {
			return errors.Errorf("duplicate tensor name %q", t.Name)
		}
		tensorNames.Insert(t.Name)
		if t.IsInput {
			if t.DType == dtypes.InvalidDType {
				return errors.Errorf("input %q has no dtype", t.Name)
			}
			for _, dim := range t.Dims {
				if dim <= 0 && dim != shapes.DynamicDim {
					return errors.Errorf("input %q has invalid dimensions %v", t.Name, t.Dims)
				}
			}
			if err := t.Layout.Validate(shapes.Shape{DType: t.DType, Dimensions: t.Dims}); err != nil {
				return errors.WithMessagef(err, "input %q", t.Name)
			}
			if t.IsOutput {
				return errors.Errorf("input %q cannot be marked as output", t.Name)
			}
		} else if t.Producer < 0 || t.Producer >= len(d.Layers) {
			return errors.Errorf("tensor %q has invalid producer %d", t.Name, t.Producer)
		}
	}
	for _, idx := range slices.Concat(d.Inputs, d.Outputs) {
		if idx < 0 || idx >= len(d.Tensors) {
			return errors.Errorf("invalid tensor index %d in inputs/outputs", idx)
		}
	}

	layerNames := types.MakeSet[string](len(d.Layers))
	for _, l := range d.Layers {
		if l.Name == "" || layerNames.Has(l.Name) {
			return errors.Errorf("layer name %q is empty or duplicate", l.Name)
		}
		layerNames.Insert(l.Name)
		want, found := numInputs[l.Type]
		if !found {
			return errors.Errorf("layer %q has invalid type %s", l.Name, l.Type)
		}
		if want >= 0 && len(l.Inputs) != want {
			return errors.Errorf("layer %q (%s) takes %d inputs, got %d", l.Name, l.Type, want, len(l.Inputs))
		}
		for _, idx := range slices.Concat(l.Inputs, l.Outputs) {
			if idx < 0 || idx >= len(d.Tensors) {
				return errors.Errorf("layer %q refers to invalid tensor %d", l.Name, idx)
			}
		}
		if l.Type == PluginLayer && l.Plugin == nil {
			return errors.Errorf("plugin layer %q has no plugin descriptor", l.Name)
		}
		if err := l.validateWeights(); err != nil {
			return errors.WithMessagef(err, "layer %q", l.Name)
		}
	}
	if _, err := d.TopologicalOrder(); err != nil {
		return err
	}
	return nil
}

func (l *LayerSpec) validateWeights() error {
	for role, w := range l.Weights {
		if w.Size() != len(w.Values) {
			return errors.Errorf("weights %s have dimensions %v but %d values", role, w.Dims, len(w.Values))
		}
	}
	switch l.Type {
	case FullyConnectedLayer:
		kernel, found := l.Weights[Kernel]
		if !found || len(kernel.Dims) != 2 || kernel.Dims[0] != l.NumOutputs {
			return errors.Errorf("fully connected kernel must be shaped [%d, K], got %v", l.NumOutputs, kernel.Dims)
		}
		if bias, found := l.Weights[Bias]; found && (len(bias.Dims) != 1 || bias.Dims[0] != l.NumOutputs) {
			return errors.Errorf("fully connected bias must be shaped [%d], got %v", l.NumOutputs, bias.Dims)
		}
	case ScaleLayer:
		scale, shift := l.Weights[Kernel], l.Weights[Bias]
		if len(scale.Values) == 0 || len(scale.Values) != len(shift.Values) {
			return errors.Errorf("scale (%d values) and shift (%d values) must have the same non-zero size",
				len(scale.Values), len(shift.Values))
		}
	case ConstantLayer:
		if _, found := l.Weights[Constant]; !found {
			return errors.New("constant layer without weights")
		}
	}
	return nil
}

// TopologicalOrder returns the indices of the layers in an order where every layer comes after the
// producers of its inputs.
func (d *Description) TopologicalOrder() ([]int, error) {
	available := make([]bool, len(d.Tensors))
	for _, idx := range d.Inputs {
		available[idx] = true
	}
	done := make([]bool, len(d.Layers))
	order := make([]int, 0, len(d.Layers))
	for {
		progress := false
		for layerIdx, l := range d.Layers {
			if done[layerIdx] {
				continue
			}
			ready := true
			for _, input := range l.Inputs {
				if !available[input] {
					ready = false
					break
				}
			}
			if !ready {
				continue
			}
			done[layerIdx] = true
			progress = true
			order = append(order, layerIdx)
			for _, output := range l.Outputs {
				available[output] = true
			}
		}
		if !progress {
			break
		}
	}
	if len(order) != len(d.Layers) {
		for layerIdx, l := range d.Layers {
			if !done[layerIdx] {
				return nil, errors.Errorf("layer %q can't be computed: cycle or dangling input", l.Name)
			}
		}
	}
	for _, idx := range d.Outputs {
		if !available[idx] {
			return nil, errors.Errorf("output %q is never computed", d.Tensors[idx].Name)
		}
	}
	return order, nil
}
