// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package engine compiles network descriptions into immutable CompiledGraphs, and executes them
// with ExecutionContexts.
//
// The usual flow is:
//
//	cg, err := engine.Build(dev, net, profiles, registry, engine.DefaultBuildConfig())
//	ctx, err := cg.NewContext()
//	err = ctx.BindShape(0, 2, 4, 8, 8)         // For dynamic inputs.
//	requests, err := ctx.Requests()
//	buffers, err := manager.AllocateAll(requests)
//	err = device.StageInputs(dev, host, buffers, cg.NumInputs())
//	err = ctx.Execute(goCtx, buffers)
//	err = device.DrainOutputs(dev, buffers, host, cg.NumInputs())
//	err = manager.ReleaseAll(buffers)
//
// ExecutionContext.Infer does all of the above in one call.
//
// A CompiledGraph can be shared by any number of ExecutionContexts running concurrently, each
// with its own workspace and buffers. It can be serialized (Serialize/Deserialize), cached by
// content (Cache) and, if built refittable, have its weights replaced (Refitter).
package engine

import (
	"slices"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/planrt/device"
	"github.com/gomlx/planrt/failure"
	"github.com/gomlx/planrt/network"
	"github.com/gomlx/planrt/plugin"
	"github.com/gomlx/planrt/types/shapes"
	"github.com/gomlx/planrt/types/tensors"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// workspaceAlignment of the intermediate tensors in the workspace.
const workspaceAlignment = 256

func alignUp(size int) int {
	return (size + workspaceAlignment - 1) &^ (workspaceAlignment - 1)
}

// weightSet holds the weights of every layer, by layer index and role.
type weightSet map[int]map[network.WeightRole]network.Weights

// CompiledGraph is the immutable result of compiling a network for a set of optimization profiles.
//
// Refitting a refittable graph swaps its weights atomically: executions running at the time use
// the previous weights.
type CompiledGraph struct {
	id       uuid.UUID
	name     string
	dev      device.Device
	desc     *network.Description
	profiles []*OptimizationProfile
	config   BuildConfig

	bindings       []Binding
	numInputs      int
	bindingTensors []int
	isBinding      []bool

	order     []int
	operators []plugin.Operator
	scales    []float32

	weights       atomic.Pointer[weightSet]
	workspaceSize int
}

// Build compiles the network for the given optimization profiles.
//
// The registry, used to resolve plugin layers, is sealed: no more plugins can be registered once
// a build starts. It may be nil if the network has no plugin layers.
//
// All construction errors are reported here: invalid networks (failure.InvalidGraph), invalid
// profiles, missing plugins (failure.PluginNotFound) or invalid plugin fields
// (failure.InvalidPluginParameters), and shapes that can't be resolved (failure.UnresolvedShape).
func Build(dev device.Device, net *network.Network, profiles []*OptimizationProfile, registry *plugin.Registry, config BuildConfig) (*CompiledGraph, error) {
	return build(dev, net.Description(), profiles, registry, config, uuid.New())
}

// build compiles desc, which is owned by the new CompiledGraph.
func build(dev device.Device, desc *network.Description, profiles []*OptimizationProfile, registry *plugin.Registry, config BuildConfig, id uuid.UUID) (*CompiledGraph, error) {
	if dev == nil {
		return nil, failure.Errorf(failure.InvalidArgument, "Build: nil device")
	}
	if registry != nil {
		registry.Seal()
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	profiles, err := validateProfiles(desc, profiles)
	if err != nil {
		return nil, err
	}
	cg := &CompiledGraph{
		id:        id,
		name:      config.Name,
		dev:       dev,
		desc:      desc,
		profiles:  profiles,
		config:    config,
		numInputs: len(desc.Inputs),
	}
	if cg.name == "" {
		cg.name = desc.Name
	}
	cg.order, err = desc.TopologicalOrder()
	if err != nil {
		return nil, failure.Wrapf(err, failure.InvalidGraph, "network %q", desc.Name)
	}

	cg.operators = make([]plugin.Operator, len(desc.Layers))
	weights := make(weightSet)
	for layerIdx, l := range desc.Layers {
		if l.Type == network.PluginLayer {
			if registry == nil {
				return nil, failure.Errorf(failure.PluginNotFound, "layer %q uses plugin %s/%s but no registry was given",
					l.Name, l.Plugin.Name, l.Plugin.Version)
			}
			cg.operators[layerIdx], err = registry.CreateFromDescriptor(*l.Plugin)
			if err != nil {
				return nil, errors.WithMessagef(err, "layer %q", l.Name)
			}
		}
		if len(l.Weights) > 0 {
			weights[layerIdx] = l.Weights
		}
	}
	cg.weights.Store(&weights)

	cg.scales = make([]float32, len(desc.Tensors))
	for ii, t := range desc.Tensors {
		cg.scales[ii] = 1
		if t.HasRange {
			cg.scales[ii] = tensors.ScaleForRange(t.RangeMin, t.RangeMax)
		}
	}

	cg.isBinding = make([]bool, len(desc.Tensors))
	for _, idx := range slices.Concat(desc.Inputs, desc.Outputs) {
		cg.isBinding[idx] = true
		cg.bindingTensors = append(cg.bindingTensors, idx)
	}
	if err := cg.compileBindings(); err != nil {
		return nil, err
	}
	if config.MaxWorkspace > 0 && int64(cg.workspaceSize) > config.MaxWorkspace {
		return nil, failure.Errorf(failure.AllocationFailed, "graph %q requires a workspace of %s, limit is %s",
			cg.name, humanize.IBytes(uint64(cg.workspaceSize)), humanize.IBytes(uint64(config.MaxWorkspace)))
	}
	klog.V(1).Infof("built graph %q (%s): %d inputs, %d outputs, %d layers, %d profiles, workspace %s",
		cg.name, cg.id, cg.numInputs, len(desc.Outputs), len(desc.Layers), len(profiles), humanize.IBytes(uint64(cg.workspaceSize)))
	return cg, nil
}

// compileBindings resolves the shapes of every profile at its min, opt and max dimensions to
// derive the binding table and the workspace size.
func (cg *CompiledGraph) compileBindings() error {
	desc := cg.desc
	var outputShapes [][]shapes.Shape // per resolution, per output
	for profileIdx, p := range cg.profiles {
		for _, pick := range []func(Range) []int{
			func(r Range) []int { return r.Min },
			func(r Range) []int { return r.Opt },
			func(r Range) []int { return r.Max },
		} {
			inputs := make([]shapes.Shape, cg.numInputs)
			for ii, idx := range desc.Inputs {
				t := &desc.Tensors[idx]
				dims := t.Dims
				if r, found := p.Shapes[t.Name]; found {
					dims = pick(r)
				}
				inputs[ii] = shapes.Shape{DType: t.DType, Dimensions: slices.Clone(dims)}
			}
			tensorShapes, err := cg.resolveTensors(inputs)
			if err != nil {
				if failure.KindOf(err) == failure.UnresolvedShape {
					return errors.WithMessagef(err, "optimization profile #%d", profileIdx)
				}
				return failure.Wrapf(err, failure.InvalidGraph, "optimization profile #%d", profileIdx)
			}
			resolution := make([]shapes.Shape, len(desc.Outputs))
			for ii, idx := range desc.Outputs {
				resolution[ii] = tensorShapes[idx]
			}
			outputShapes = append(outputShapes, resolution)
			cg.workspaceSize = max(cg.workspaceSize, cg.workspaceFor(tensorShapes))
		}
	}

	cg.bindings = make([]Binding, 0, len(cg.bindingTensors))
	for ii, idx := range desc.Inputs {
		t := &desc.Tensors[idx]
		cg.bindings = append(cg.bindings, cg.newBinding(ii, Input, idx, t.DType, t.Dims))
	}
	for ii, idx := range desc.Outputs {
		first := outputShapes[0][ii]
		dims := slices.Clone(first.Dimensions)
		for _, resolution := range outputShapes[1:] {
			for axis, dim := range resolution[ii].Dimensions {
				if dim != dims[axis] {
					dims[axis] = shapes.DynamicDim
				}
			}
		}
		cg.bindings = append(cg.bindings, cg.newBinding(cg.numInputs+ii, Output, idx, first.DType, dims))
	}
	return nil
}

func (cg *CompiledGraph) newBinding(index int, direction Direction, tensorIdx int, dtype dtypes.DType, dims []int) Binding {
	t := &cg.desc.Tensors[tensorIdx]
	b := Binding{
		Name:      t.Name,
		Index:     index,
		Direction: direction,
		DType:     dtype,
		Dims:      slices.Clone(dims),
		Layout:    t.Layout,
		Scale:     1,
	}
	if dtype == dtypes.Int8 {
		b.Scale = cg.scales[tensorIdx]
	}
	return b
}

// workspaceFor returns the workspace needed for the intermediate tensors with the given shapes.
func (cg *CompiledGraph) workspaceFor(tensorShapes []shapes.Shape) int {
	size := 0
	for idx, shape := range tensorShapes {
		if !cg.isBinding[idx] {
			size += alignUp(shapes.ByteSize(shape, cg.desc.Tensors[idx].Layout))
		}
	}
	return size
}

// ID uniquely identifies the compiled graph. It's preserved by Serialize/Deserialize.
func (cg *CompiledGraph) ID() uuid.UUID { return cg.id }

// Name of the compiled graph.
func (cg *CompiledGraph) Name() string { return cg.name }

// Device the graph was compiled for.
func (cg *CompiledGraph) Device() device.Device { return cg.dev }

// Bindings returns a copy of the binding table: inputs first, then outputs.
func (cg *CompiledGraph) Bindings() []Binding {
	bindings := make([]Binding, len(cg.bindings))
	for ii, b := range cg.bindings {
		b.Dims = slices.Clone(b.Dims)
		bindings[ii] = b
	}
	return bindings
}

// Binding returns the binding at index. It panics if index is out of range.
func (cg *CompiledGraph) Binding(index int) Binding {
	b := cg.bindings[index]
	b.Dims = slices.Clone(b.Dims)
	return b
}

// BindingIndex returns the index of the binding with the given name, or -1.
func (cg *CompiledGraph) BindingIndex(name string) int {
	return slices.IndexFunc(cg.bindings, func(b Binding) bool { return b.Name == name })
}

// NumBindings returns the number of inputs plus outputs.
func (cg *CompiledGraph) NumBindings() int { return len(cg.bindings) }

// NumInputs returns the number of input bindings.
func (cg *CompiledGraph) NumInputs() int { return cg.numInputs }

// NumOutputs returns the number of output bindings.
func (cg *CompiledGraph) NumOutputs() int { return len(cg.bindings) - cg.numInputs }

// NumProfiles returns the number of optimization profiles.
func (cg *CompiledGraph) NumProfiles() int { return len(cg.profiles) }

// Profiles returns a copy of the optimization profiles.
func (cg *CompiledGraph) Profiles() []*OptimizationProfile {
	profiles := make([]*OptimizationProfile, len(cg.profiles))
	for ii, p := range cg.profiles {
		profiles[ii] = p.Clone()
	}
	return profiles
}

// Profile returns the range of the input binding in the given profile, and whether it has one.
func (cg *CompiledGraph) Profile(profileIdx, bindingIdx int) (Range, bool) {
	if profileIdx < 0 || profileIdx >= len(cg.profiles) || bindingIdx < 0 || bindingIdx >= cg.numInputs {
		return Range{}, false
	}
	r, found := cg.profiles[profileIdx].Shapes[cg.bindings[bindingIdx].Name]
	return r, found
}

// DeviceMemorySize is the device memory used by each ExecutionContext for the intermediate tensors,
// for the largest shapes of all profiles. Bindings are not included.
func (cg *CompiledGraph) DeviceMemorySize() int { return cg.workspaceSize }

// Refittable returns whether the graph was built refittable.
func (cg *CompiledGraph) Refittable() bool { return cg.config.Refittable }

// Config returns the configuration used to build the graph.
func (cg *CompiledGraph) Config() BuildConfig { return cg.config }

// LayerInfo describes a layer of the compiled graph.
type LayerInfo struct {
	Name  string
	Type  network.LayerType
	Roles []network.WeightRole
}

// Layers returns the layers in execution order.
func (cg *CompiledGraph) Layers() []LayerInfo {
	layers := make([]LayerInfo, 0, len(cg.order))
	for _, layerIdx := range cg.order {
		l := &cg.desc.Layers[layerIdx]
		layers = append(layers, LayerInfo{Name: l.Name, Type: l.Type, Roles: l.Roles()})
	}
	return layers
}
