// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package plugin

import (
	"fmt"
	"slices"

	"github.com/gomlx/planrt/types"
	"github.com/pkg/errors"
)

// FieldType is the type of the value of a plugin parameter field.
type FieldType int

const (
	FieldInvalid FieldType = iota
	FieldFloat32
	FieldFloat32s
	FieldInt32
	FieldInt32s
	FieldString
)

// String implements fmt.Stringer.
func (t FieldType) String() string {
	switch t {
	case FieldFloat32:
		return "FLOAT32"
	case FieldFloat32s:
		return "FLOAT32[]"
	case FieldInt32:
		return "INT32"
	case FieldInt32s:
		return "INT32[]"
	case FieldString:
		return "STRING"
	default:
		return fmt.Sprintf("FieldType(%d)", int(t))
	}
}

// Field is a named and typed plugin parameter.
//
// Scalar fields hold exactly one value in the corresponding slice.
type Field struct {
	Name     string    `msgpack:"name"`
	Type     FieldType `msgpack:"type"`
	Float32s []float32 `msgpack:"f32,omitempty"`
	Int32s   []int32   `msgpack:"i32,omitempty"`
	Text     string    `msgpack:"text,omitempty"`
}

// Float32Field creates a scalar float32 field.
func Float32Field(name string, value float32) Field {
	return Field{Name: name, Type: FieldFloat32, Float32s: []float32{value}}
}

// Float32sField creates a float32 array field.
func Float32sField(name string, values ...float32) Field {
	return Field{Name: name, Type: FieldFloat32s, Float32s: slices.Clone(values)}
}

// Int32Field creates a scalar int32 field.
func Int32Field(name string, value int32) Field {
	return Field{Name: name, Type: FieldInt32, Int32s: []int32{value}}
}

// Int32sField creates an int32 array field.
func Int32sField(name string, values ...int32) Field {
	return Field{Name: name, Type: FieldInt32s, Int32s: slices.Clone(values)}
}

// StringField creates a string field.
func StringField(name, value string) Field {
	return Field{Name: name, Type: FieldString, Text: value}
}

// Length is the number of values held by the field.
func (f Field) Length() int {
	switch f.Type {
	case FieldFloat32, FieldFloat32s:
		return len(f.Float32s)
	case FieldInt32, FieldInt32s:
		return len(f.Int32s)
	case FieldString:
		return 1
	default:
		return 0
	}
}

// String implements fmt.Stringer.
func (f Field) String() string {
	switch f.Type {
	case FieldFloat32:
		return fmt.Sprintf("%s:%s=%g", f.Name, f.Type, f.Float32s)
	case FieldFloat32s:
		return fmt.Sprintf("%s:%s=%v", f.Name, f.Type, f.Float32s)
	case FieldInt32, FieldInt32s:
		return fmt.Sprintf("%s:%s=%v", f.Name, f.Type, f.Int32s)
	case FieldString:
		return fmt.Sprintf("%s:%s=%q", f.Name, f.Type, f.Text)
	default:
		return fmt.Sprintf("%s:%s", f.Name, f.Type)
	}
}

// Fields is an ordered collection of fields.
type Fields []Field

// Get returns the field with the given name.
func (fs Fields) Get(name string) (Field, bool) {
	for _, f := range fs {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Float32 returns the value of the scalar float32 field name, or defaultValue if not set.
func (fs Fields) Float32(name string, defaultValue float32) float32 {
	if f, found := fs.Get(name); found && f.Type == FieldFloat32 && len(f.Float32s) == 1 {
		return f.Float32s[0]
	}
	return defaultValue
}

// Int32 returns the value of the scalar int32 field name, or defaultValue if not set.
func (fs Fields) Int32(name string, defaultValue int32) int32 {
	if f, found := fs.Get(name); found && f.Type == FieldInt32 && len(f.Int32s) == 1 {
		return f.Int32s[0]
	}
	return defaultValue
}

// Clone returns a deep copy.
func (fs Fields) Clone() Fields {
	if fs == nil {
		return nil
	}
	cloned := make(Fields, len(fs))
	for ii, f := range fs {
		cloned[ii] = Field{
			Name: f.Name, Type: f.Type, Text: f.Text,
			Float32s: slices.Clone(f.Float32s), Int32s: slices.Clone(f.Int32s),
		}
	}
	return cloned
}

// FieldSpec declares a field accepted by a plugin factory.
type FieldSpec struct {
	Name string
	Type FieldType

	// Length of array fields, 0 means any. Scalar fields always have length 1.
	Length int

	// Required fields must be present in every Create call.
	Required bool
}

// validate fields against the schema. Fields must be given in the schema order, optional ones may be
// left out. Unknown or duplicate names, type and arity mismatches and missing required fields are errors.
func validate(schema []FieldSpec, fields Fields) error {
	seen := types.MakeSet[string](len(fields))
	lastIdx := -1
	for _, f := range fields {
		if seen.Has(f.Name) {
			return errors.Errorf("field %q given more than once", f.Name)
		}
		seen.Insert(f.Name)
		idx := slices.IndexFunc(schema, func(spec FieldSpec) bool { return spec.Name == f.Name })
		if idx == -1 {
			return errors.Errorf("unknown field %q", f.Name)
		}
		if idx < lastIdx {
			return errors.Errorf("field %q given after %q, fields must follow the schema order", f.Name, schema[lastIdx].Name)
		}
		lastIdx = idx
		spec := schema[idx]
		if f.Type != spec.Type {
			return errors.Errorf("field %q has type %s, wanted %s", f.Name, f.Type, spec.Type)
		}
		wantLength := spec.Length
		if spec.Type == FieldFloat32 || spec.Type == FieldInt32 || spec.Type == FieldString {
			wantLength = 1
		}
		if wantLength > 0 && f.Length() != wantLength {
			return errors.Errorf("field %q has %d values, wanted %d", f.Name, f.Length(), wantLength)
		}
	}
	required := types.MakeSet[string]()
	for _, spec := range schema {
		if spec.Required {
			required.Insert(spec.Name)
		}
	}
	if missing := required.Sub(seen); len(missing) > 0 {
		return errors.Errorf("missing required fields %q", types.SortedKeys(missing))
	}
	return nil
}
