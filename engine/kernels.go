// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"math"

	"github.com/gomlx/planrt/network"
	"github.com/gomlx/planrt/types/tensors"
	"github.com/pkg/errors"
)

// runLayer executes one layer: the built-in layers are computed in float32, converting from/to
// the dtypes and layouts of their tensors.
func (cg *CompiledGraph) runLayer(layerIdx int, weights weightSet, inputs []tensors.View, output tensors.View) error {
	l := &cg.desc.Layers[layerIdx]
	if l.Type == network.PluginLayer {
		return cg.operators[layerIdx].Execute(inputs, []tensors.View{output})
	}

	values := make([][]float32, len(inputs))
	for ii, input := range inputs {
		var err error
		values[ii], err = tensors.ReadFloat32(input)
		if err != nil {
			return err
		}
	}
	var result []float32
	switch l.Type {
	case network.IdentityLayer:
		result = values[0]
	case network.ActivationLayer:
		result = activation(l.Activation, values[0])
	case network.ScaleLayer:
		result = scale(values[0], inputs[0].Shape.Dimensions, weights[layerIdx][network.Kernel].Values,
			weights[layerIdx][network.Bias].Values)
	case network.ElementWiseLayer:
		result = elementWise(l.ElementWise, values[0], values[1],
			inputs[0].Shape.Dimensions, inputs[1].Shape.Dimensions, output.Shape.Dimensions)
	case network.FullyConnectedLayer:
		var bias []float32
		if b, found := weights[layerIdx][network.Bias]; found {
			bias = b.Values
		}
		result = fullyConnected(values[0], inputs[0].Shape.Dimensions[0], weights[layerIdx][network.Kernel], bias)
	case network.ConstantLayer:
		result = weights[layerIdx][network.Constant].Values
	default:
		return errors.Errorf("unknown layer type %s", l.Type)
	}
	return tensors.WriteFloat32(output, result)
}

func activation(a network.ActivationType, x []float32) []float32 {
	for ii, v := range x {
		switch a {
		case network.ReLU:
			x[ii] = max(v, 0)
		case network.Sigmoid:
			x[ii] = float32(1 / (1 + math.Exp(-float64(v))))
		case network.Tanh:
			x[ii] = float32(math.Tanh(float64(v)))
		}
	}
	return x
}

// scale computes x*scale + shift, uniformly or per channel of axis 1.
func scale(x []float32, dims []int, scaleValues, shiftValues []float32) []float32 {
	inner := 1
	for _, dim := range dims[min(2, len(dims)):] {
		inner *= dim
	}
	for ii, v := range x {
		channel := 0
		if len(scaleValues) > 1 {
			channel = (ii / inner) % dims[1]
		}
		x[ii] = v*scaleValues[channel] + shiftValues[channel]
	}
	return x
}

// strides for row-major dims, with 0 for axes of dimension 1 so they are broadcast.
func broadcastStrides(dims []int) []int {
	strides := make([]int, len(dims))
	stride := 1
	for axis := len(dims) - 1; axis >= 0; axis-- {
		if dims[axis] != 1 {
			strides[axis] = stride
		}
		stride *= dims[axis]
	}
	return strides
}

func elementWise(op network.ElementWiseOp, a, b []float32, aDims, bDims, outDims []int) []float32 {
	aStrides, bStrides := broadcastStrides(aDims), broadcastStrides(bDims)
	size := 1
	for _, dim := range outDims {
		size *= dim
	}
	result := make([]float32, size)
	index := make([]int, len(outDims))
	for ii := range result {
		aIdx, bIdx := 0, 0
		for axis, pos := range index {
			aIdx += pos * aStrides[axis]
			bIdx += pos * bStrides[axis]
		}
		x, y := a[aIdx], b[bIdx]
		switch op {
		case network.Sum:
			result[ii] = x + y
		case network.Prod:
			result[ii] = x * y
		case network.Sub:
			result[ii] = x - y
		case network.Max:
			result[ii] = max(x, y)
		}
		// Increment the multi-dimensional index.
		for axis := len(index) - 1; axis >= 0; axis-- {
			index[axis]++
			if index[axis] < outDims[axis] {
				break
			}
			index[axis] = 0
		}
	}
	return result
}

// fullyConnected computes x[batch, K] · kernel[N, K]ᵀ + bias[N].
func fullyConnected(x []float32, batch int, kernel network.Weights, bias []float32) []float32 {
	n, k := kernel.Dims[0], kernel.Dims[1]
	result := make([]float32, batch*n)
	for b := range batch {
		row := x[b*k : (b+1)*k]
		for o := range n {
			weights := kernel.Values[o*k : (o+1)*k]
			var sum float32
			for ii, v := range row {
				sum += v * weights[ii]
			}
			if bias != nil {
				sum += bias[o]
			}
			result[b*n+o] = sum
		}
	}
	return result
}
