// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package stdplugins implements a few commonly used plugins: AddScalar, Upsample and LayerNorm.
//
// Register them with RegisterAll before building a graph that uses them.
package stdplugins

import (
	"math"

	"github.com/gomlx/planrt/plugin"
	"github.com/gomlx/planrt/types/shapes"
	"github.com/gomlx/planrt/types/tensors"
	"github.com/pkg/errors"
)

// Version of all plugins in this package.
const Version = "1"

// RegisterAll registers the plugins of this package in r.
func RegisterAll(r *plugin.Registry) error {
	for name, factory := range map[string]plugin.Factory{
		"AddScalar": AddScalarFactory,
		"Upsample":  UpsampleFactory,
		"LayerNorm": LayerNormFactory,
	} {
		if err := r.Register(name, Version, factory); err != nil {
			return err
		}
	}
	return nil
}

func singleInput(name string, inputs []shapes.Shape) error {
	if len(inputs) != 1 {
		return errors.Errorf("%s takes exactly one input, got %d", name, len(inputs))
	}
	return nil
}

// AddScalarFactory creates operators adding the float32 field "scalar" to every element.
var AddScalarFactory = plugin.Factory{
	Schema: []plugin.FieldSpec{{Name: "scalar", Type: plugin.FieldFloat32, Required: true}},
	New: func(fields plugin.Fields) (plugin.Operator, error) {
		return &addScalar{scalar: fields.Float32("scalar", 0)}, nil
	},
}

type addScalar struct {
	scalar float32
}

func (op *addScalar) OutputShapes(inputs []shapes.Shape) ([]shapes.Shape, error) {
	if err := singleInput("AddScalar", inputs); err != nil {
		return nil, err
	}
	return []shapes.Shape{inputs[0].Clone()}, nil
}

func (op *addScalar) Execute(inputs, outputs []tensors.View) error {
	values, err := tensors.ReadFloat32(inputs[0])
	if err != nil {
		return err
	}
	for ii := range values {
		values[ii] += op.scalar
	}
	return tensors.WriteFloat32(outputs[0], values)
}

// UpsampleFactory creates operators scaling the two innermost axes (H, W) of an NCHW tensor by the
// int32 field "nScaleFactor". If "bNearest" is 0 bilinear interpolation is used, otherwise the
// nearest neighbor (the default).
var UpsampleFactory = plugin.Factory{
	Schema: []plugin.FieldSpec{
		{Name: "nScaleFactor", Type: plugin.FieldInt32, Required: true},
		{Name: "bNearest", Type: plugin.FieldInt32},
	},
	New: func(fields plugin.Fields) (plugin.Operator, error) {
		factor := fields.Int32("nScaleFactor", 0)
		if factor <= 0 {
			return nil, errors.Errorf("nScaleFactor must be positive, got %d", factor)
		}
		return &upsample{factor: int(factor), nearest: fields.Int32("bNearest", 1) != 0}, nil
	},
}

type upsample struct {
	factor  int
	nearest bool
}

func (op *upsample) OutputShapes(inputs []shapes.Shape) ([]shapes.Shape, error) {
	if err := singleInput("Upsample", inputs); err != nil {
		return nil, err
	}
	if err := inputs[0].CheckMinRank(2); err != nil {
		return nil, errors.WithMessage(err, "Upsample")
	}
	output := inputs[0].Clone()
	rank := output.Rank()
	output.Dimensions[rank-2] *= op.factor
	output.Dimensions[rank-1] *= op.factor
	return []shapes.Shape{output}, nil
}

func (op *upsample) Execute(inputs, outputs []tensors.View) error {
	values, err := tensors.ReadFloat32(inputs[0])
	if err != nil {
		return err
	}
	inShape := inputs[0].Shape
	h, w := inShape.Dim(-2), inShape.Dim(-1)
	oh, ow := h*op.factor, w*op.factor
	planes := inShape.Size() / (h * w)
	result := make([]float32, planes*oh*ow)
	for p := range planes {
		src := values[p*h*w : (p+1)*h*w]
		dst := result[p*oh*ow : (p+1)*oh*ow]
		for y := range oh {
			for x := range ow {
				if op.nearest {
					dst[y*ow+x] = src[(y/op.factor)*w+x/op.factor]
				} else {
					dst[y*ow+x] = bilinear(src, h, w, op.sourceCoord(y, h), op.sourceCoord(x, w))
				}
			}
		}
	}
	return tensors.WriteFloat32(outputs[0], result)
}

// sourceCoord maps an output coordinate to the input, aligning pixel centers.
func (op *upsample) sourceCoord(dst, size int) float64 {
	src := (float64(dst)+0.5)/float64(op.factor) - 0.5
	return max(0, min(float64(size-1), src))
}

func bilinear(src []float32, h, w int, y, x float64) float32 {
	y0, x0 := int(math.Floor(y)), int(math.Floor(x))
	y1, x1 := min(y0+1, h-1), min(x0+1, w-1)
	dy, dx := float32(y-float64(y0)), float32(x-float64(x0))
	top := src[y0*w+x0]*(1-dx) + src[y0*w+x1]*dx
	bottom := src[y1*w+x0]*(1-dx) + src[y1*w+x1]*dx
	return top*(1-dy) + bottom*dy
}

// LayerNormFactory creates operators normalizing the last axis to zero mean and unit variance.
// The float32 field "epsilon" (default 1e-5) is added to the variance, and must be positive so constant
// rows normalize to 0.
var LayerNormFactory = plugin.Factory{
	Schema: []plugin.FieldSpec{{Name: "epsilon", Type: plugin.FieldFloat32}},
	New: func(fields plugin.Fields) (plugin.Operator, error) {
		epsilon := fields.Float32("epsilon", 1e-5)
		if !(epsilon > 0) {
			return nil, errors.Errorf("epsilon must be positive, got %g", epsilon)
		}
		return &layerNorm{epsilon: epsilon}, nil
	},
}

type layerNorm struct {
	epsilon float32
}

func (op *layerNorm) OutputShapes(inputs []shapes.Shape) ([]shapes.Shape, error) {
	if err := singleInput("LayerNorm", inputs); err != nil {
		return nil, err
	}
	if err := inputs[0].CheckMinRank(1); err != nil {
		return nil, errors.WithMessage(err, "LayerNorm")
	}
	return []shapes.Shape{inputs[0].Clone()}, nil
}

func (op *layerNorm) Execute(inputs, outputs []tensors.View) error {
	values, err := tensors.ReadFloat32(inputs[0])
	if err != nil {
		return err
	}
	n := inputs[0].Shape.Dim(-1)
	for start := 0; start < len(values); start += n {
		row := values[start : start+n]
		var mean, variance float64
		for _, v := range row {
			mean += float64(v)
		}
		mean /= float64(n)
		for _, v := range row {
			d := float64(v) - mean
			variance += d * d
		}
		variance /= float64(n)
		inv := 1 / math.Sqrt(variance+float64(op.epsilon))
		for ii, v := range row {
			row[ii] = float32((float64(v) - mean) * inv)
		}
	}
	return tensors.WriteFloat32(outputs[0], values)
}
