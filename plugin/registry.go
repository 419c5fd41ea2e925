// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package plugin implements the registry of custom operators ("plugins") that graphs can use
// besides the built-in layers.
//
// A plugin is identified by its exact (name, version) pair, and is created from an ordered list of
// typed parameter fields, validated against the schema declared by its Factory.
//
// The registry is an explicit object: it's passed to the engine when building a graph, and it's
// sealed (becomes read-only) once the first build starts.
package plugin

import (
	"fmt"
	"slices"
	"sync"

	"github.com/gomlx/planrt/failure"
	"github.com/gomlx/planrt/types/shapes"
	"github.com/gomlx/planrt/types/tensors"
	"k8s.io/klog/v2"
)

// Operator is an instance of a plugin, configured with its fields.
//
// Operators must be safe for concurrent use: one instance is shared by all execution contexts of a
// compiled graph.
type Operator interface {
	// OutputShapes returns the shapes (with dtype) of the outputs given the shapes of the inputs.
	// The input shapes are always concrete.
	OutputShapes(inputs []shapes.Shape) ([]shapes.Shape, error)

	// Execute computes the outputs. The views' shapes are those given to/returned by OutputShapes.
	Execute(inputs, outputs []tensors.View) error
}

// Factory creates operators of one plugin (name, version).
type Factory struct {
	// Schema of the accepted fields.
	Schema []FieldSpec

	// New creates the operator. Fields are already validated against Schema.
	New func(fields Fields) (Operator, error)
}

// Descriptor identifies a plugin instance in a graph description.
type Descriptor struct {
	Name    string `msgpack:"name"`
	Version string `msgpack:"version"`
	Fields  Fields `msgpack:"fields"`
}

// String implements fmt.Stringer.
func (d Descriptor) String() string {
	return fmt.Sprintf("%s/%s%v", d.Name, d.Version, d.Fields)
}

type key struct {
	name, version string
}

// Registry of plugin factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[key]Factory
	sealed    bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[key]Factory)}
}

// Register a factory for the plugin (name, version).
//
// It fails if the pair is already registered or the registry is sealed.
func (r *Registry) Register(name, version string, factory Factory) error {
	if name == "" || version == "" || factory.New == nil {
		return failure.Errorf(failure.InvalidArgument, "plugin.Register(%q, %q): name, version and Factory.New are required", name, version)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return failure.Errorf(failure.InvalidState, "plugin.Register(%q, %q): registry is sealed", name, version)
	}
	k := key{name, version}
	if _, found := r.factories[k]; found {
		return failure.Errorf(failure.InvalidArgument, "plugin %s/%s already registered", name, version)
	}
	r.factories[k] = factory
	klog.V(2).Infof("plugin %s/%s registered", name, version)
	return nil
}

// Create an operator for the plugin (name, version) with the given fields.
//
// It returns a failure.PluginNotFound error, leaving the registry untouched, if the exact pair is not
// registered, and failure.InvalidPluginParameters if the fields don't match the schema.
func (r *Registry) Create(name, version string, fields Fields) (Operator, error) {
	r.mu.RLock()
	factory, found := r.factories[key{name, version}]
	r.mu.RUnlock()
	if !found {
		return nil, failure.Errorf(failure.PluginNotFound, "plugin %s/%s not registered", name, version)
	}
	if err := validate(factory.Schema, fields); err != nil {
		return nil, failure.Wrapf(err, failure.InvalidPluginParameters, "plugin %s/%s", name, version)
	}
	op, err := factory.New(fields.Clone())
	if err != nil {
		return nil, failure.Wrapf(err, failure.InvalidPluginParameters, "plugin %s/%s", name, version)
	}
	return op, nil
}

// CreateFromDescriptor is a shortcut to Create(d.Name, d.Version, d.Fields).
func (r *Registry) CreateFromDescriptor(d Descriptor) (Operator, error) {
	return r.Create(d.Name, d.Version, d.Fields)
}

// Lookup returns the factory registered for (name, version).
func (r *Registry) Lookup(name, version string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, found := r.factories[key{name, version}]
	return factory, found
}

// Names returns the sorted "name/version" of the registered plugins.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for k := range r.factories {
		names = append(names, k.name+"/"+k.version)
	}
	slices.Sort(names)
	return names
}

// Len returns the number of registered plugins.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.factories)
}

// Seal makes the registry read-only. Sealing an already sealed registry is a no-op.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.sealed {
		klog.V(1).Infof("plugin registry sealed with %d plugins", len(r.factories))
	}
	r.sealed = true
}

// Sealed returns whether Seal was called.
func (r *Registry) Sealed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sealed
}
