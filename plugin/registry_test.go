// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package plugin

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/planrt/failure"
	"github.com/gomlx/planrt/types/shapes"
	"github.com/gomlx/planrt/types/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type negate struct{}

func (negate) OutputShapes(inputs []shapes.Shape) ([]shapes.Shape, error) {
	if len(inputs) != 1 {
		return nil, errors.Errorf("negate takes 1 input, got %d", len(inputs))
	}
	return []shapes.Shape{inputs[0]}, nil
}

func (negate) Execute(inputs, outputs []tensors.View) error {
	values, err := tensors.ReadFloat32(inputs[0])
	if err != nil {
		return err
	}
	for ii := range values {
		values[ii] = -values[ii]
	}
	return tensors.WriteFloat32(outputs[0], values)
}

var negateFactory = Factory{
	Schema: []FieldSpec{
		{Name: "mode", Type: FieldString, Required: true},
		{Name: "gain", Type: FieldFloat32},
		{Name: "axes", Type: FieldInt32s, Length: 2},
	},
	New: func(fields Fields) (Operator, error) {
		f, _ := fields.Get("mode")
		if f.Text != "plain" {
			return nil, errors.Errorf("unsupported mode %q", f.Text)
		}
		return negate{}, nil
	},
}

func TestRegister(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("Negate", "1", negateFactory))
	require.NoError(t, r.Register("Negate", "2", negateFactory))
	err := r.Register("Negate", "1", negateFactory)
	require.ErrorIs(t, err, failure.ErrInvalidArgument)
	require.Error(t, r.Register("", "1", negateFactory))
	assert.Equal(t, []string{"Negate/1", "Negate/2"}, r.Names())

	_, found := r.Lookup("Negate", "2")
	assert.True(t, found)
	_, found = r.Lookup("Negate", "3")
	assert.False(t, found)

	r.Seal()
	r.Seal()
	assert.True(t, r.Sealed())
	require.ErrorIs(t, r.Register("Other", "1", negateFactory), failure.ErrInvalidState)
	assert.Equal(t, 2, r.Len())
}

func TestCreateNotFound(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("Negate", "1", negateFactory))
	before := r.Names()

	_, err := r.Create("NoSuchOp", "1", nil)
	require.ErrorIs(t, err, failure.ErrPluginNotFound)
	assert.Equal(t, failure.PluginNotFound, failure.KindOf(err))

	// Versions must match exactly.
	_, err = r.Create("Negate", "1.0", Fields{StringField("mode", "plain")})
	require.ErrorIs(t, err, failure.ErrPluginNotFound)

	assert.Equal(t, before, r.Names())
	assert.False(t, r.Sealed())
}

func TestCreateValidatesFields(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("Negate", "1", negateFactory))

	op, err := r.Create("Negate", "1", Fields{StringField("mode", "plain"), Float32Field("gain", 2)})
	require.NoError(t, err)
	require.NotNil(t, op)

	op, err = r.CreateFromDescriptor(Descriptor{Name: "Negate", Version: "1",
		Fields: Fields{StringField("mode", "plain"), Int32sField("axes", 0, 1)}})
	require.NoError(t, err)
	require.NotNil(t, op)

	for name, fields := range map[string]Fields{
		"missing required": {Float32Field("gain", 2)},
		"unknown field":    {StringField("mode", "plain"), Float32Field("bias", 1)},
		"wrong type":       {StringField("mode", "plain"), Int32Field("gain", 2)},
		"wrong arity":      {StringField("mode", "plain"), Int32sField("axes", 0, 1, 2)},
		"duplicate":        {StringField("mode", "plain"), StringField("mode", "plain")},
		"out of order":     {Float32Field("gain", 2), StringField("mode", "plain")},
		"rejected by New":  {StringField("mode", "fancy")},
	} {
		_, err := r.Create("Negate", "1", fields)
		require.ErrorIs(t, err, failure.ErrInvalidPluginParameters, name)
	}
}

func TestOperator(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("Negate", "1", negateFactory))
	op, err := r.Create("Negate", "1", Fields{StringField("mode", "plain")})
	require.NoError(t, err)

	shape := shapes.Make(dtypes.Float32, 3)
	outShapes, err := op.OutputShapes([]shapes.Shape{shape})
	require.NoError(t, err)
	require.Len(t, outShapes, 1)
	assert.True(t, shape.Equal(outShapes[0]))

	in := tensors.View{Shape: shape, Data: make([]byte, 12)}
	out := tensors.View{Shape: shape, Data: make([]byte, 12)}
	require.NoError(t, tensors.WriteFloat32(in, []float32{1, -2, 3}))
	require.NoError(t, op.Execute([]tensors.View{in}, []tensors.View{out}))
	got, err := tensors.ReadFloat32(out)
	require.NoError(t, err)
	assert.Equal(t, []float32{-1, 2, -3}, got)
}

func TestFields(t *testing.T) {
	fields := Fields{Float32Field("epsilon", 1e-3), Int32Field("nScaleFactor", 2)}
	assert.Equal(t, float32(1e-3), fields.Float32("epsilon", 0))
	assert.Equal(t, float32(7), fields.Float32("missing", 7))
	assert.Equal(t, int32(2), fields.Int32("nScaleFactor", 1))
	assert.Equal(t, int32(1), fields.Int32("epsilon", 1), "type mismatch returns the default")

	cloned := fields.Clone()
	cloned[0].Float32s[0] = 5
	assert.Equal(t, float32(1e-3), fields.Float32("epsilon", 0))
	assert.Equal(t, "nScaleFactor:INT32=[2]", fields[1].String())
}
