// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/gomlx/planrt/device"
	"github.com/gomlx/planrt/failure"
	"github.com/gomlx/planrt/types/shapes"
	"github.com/gomlx/planrt/types/tensors"
	"github.com/gomlx/planrt/types/xsync"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// State of an ExecutionContext.
type State int

const (
	// Created contexts still need shapes bound for some dynamic input.
	Created State = iota
	// ShapesBound contexts have every input shape bound and the output shapes resolved.
	ShapesBound
	// Executing contexts have an execution in flight.
	Executing
	// Completed contexts finished their last execution. Their shapes remain bound.
	Completed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Created:
		return "Created"
	case ShapesBound:
		return "ShapesBound"
	case Executing:
		return "Executing"
	case Completed:
		return "Completed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ExecutionContext holds the state of the executions of a CompiledGraph: the selected optimization
// profile, the bound input shapes, the resolved output shapes and the device workspace used for
// the intermediate tensors.
//
// It supports one execution at a time. Use one context per concurrent execution: contexts of the
// same CompiledGraph are independent.
type ExecutionContext struct {
	cg *CompiledGraph
	id uuid.UUID

	mu           sync.Mutex
	state        State
	profile      int
	inputDims    map[int][]int
	tensorShapes []shapes.Shape // nil until all inputs are bound.
	running      *xsync.LatchWithValue[error]
	workspace    device.Address
	closed       bool
}

// NewContext creates an execution context using the first optimization profile, and reserves its
// device workspace (see DeviceMemorySize).
//
// Graphs without dynamic inputs start in the ShapesBound state.
func (cg *CompiledGraph) NewContext() (*ExecutionContext, error) {
	c := &ExecutionContext{
		cg:        cg,
		id:        uuid.New(),
		inputDims: make(map[int][]int),
	}
	if cg.workspaceSize > 0 {
		var err error
		c.workspace, err = cg.dev.Malloc(cg.workspaceSize)
		if err != nil {
			return nil, failure.Wrapf(err, failure.AllocationFailed, "workspace of execution context for %q", cg.name)
		}
	}
	if err := c.resolve(); err != nil {
		c.freeWorkspace()
		return nil, err
	}
	klog.V(2).Infof("execution context %s created for %q, state %s", c.id, cg.name, c.state)
	return c, nil
}

// Graph returns the compiled graph of the context.
func (c *ExecutionContext) Graph() *CompiledGraph { return c.cg }

// ID of the context, used in logs.
func (c *ExecutionContext) ID() uuid.UUID { return c.id }

// State returns the current state.
func (c *ExecutionContext) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Profile returns the index of the selected optimization profile.
func (c *ExecutionContext) Profile() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.profile
}

// allBound returns whether every dynamic input has bound dimensions (must hold lock).
func (c *ExecutionContext) allBound() bool {
	for ii := range c.cg.numInputs {
		if _, found := c.inputDims[ii]; !found && c.cg.bindings[ii].IsDynamic() {
			return false
		}
	}
	return true
}

// resolve updates the state from the bound input dimensions (must hold lock or be unshared).
func (c *ExecutionContext) resolve() error {
	c.tensorShapes = nil
	c.state = Created
	if !c.allBound() {
		return nil
	}
	inputs, err := c.cg.inputShapes(c.profile, c.inputDims)
	if err != nil {
		return err
	}
	tensorShapes, err := c.cg.resolveTensors(inputs)
	if err != nil {
		return err
	}
	c.tensorShapes = tensorShapes
	c.state = ShapesBound
	return nil
}

func (c *ExecutionContext) checkUsable(op string) error {
	if c.closed {
		return failure.Errorf(failure.InvalidState, "%s on closed execution context", op)
	}
	if c.state == Executing {
		return failure.Errorf(failure.InvalidState, "%s while an execution is in flight", op)
	}
	return nil
}

// SetOptimizationProfile selects the optimization profile used to validate the bound shapes.
// It clears the bound shapes.
func (c *ExecutionContext) SetOptimizationProfile(profileIndex int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkUsable("SetOptimizationProfile"); err != nil {
		return err
	}
	if profileIndex < 0 || profileIndex >= len(c.cg.profiles) {
		return failure.Errorf(failure.InvalidArgument, "optimization profile %d out of range [0, %d)", profileIndex, len(c.cg.profiles))
	}
	c.profile = profileIndex
	clear(c.inputDims)
	return c.resolve()
}

// BindShape binds the concrete dimensions of the input binding at index. Once every dynamic input
// is bound, the output shapes are resolved and the context moves to ShapesBound.
//
// Dimensions outside the range of the selected profile fail with failure.ShapeOutOfProfile,
// leaving the previous binding in place.
func (c *ExecutionContext) BindShape(index int, dims ...int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkUsable("BindShape"); err != nil {
		return err
	}
	if index < 0 || index >= c.cg.numInputs {
		return failure.Errorf(failure.InvalidArgument, "BindShape(%d): not an input binding of %q", index, c.cg.name)
	}
	if err := c.cg.checkInputDims(c.profile, index, dims); err != nil {
		return err
	}
	previous, hadPrevious := c.inputDims[index]
	c.inputDims[index] = slices.Clone(dims)
	if err := c.resolve(); err != nil {
		if hadPrevious {
			c.inputDims[index] = previous
		} else {
			delete(c.inputDims, index)
		}
		if resolveErr := c.resolve(); resolveErr != nil {
			klog.Warningf("execution context %s: restoring shapes: %+v", c.id, resolveErr)
		}
		return err
	}
	return nil
}

// AllInputShapesBound returns whether every dynamic input has its shape bound.
func (c *ExecutionContext) AllInputShapesBound() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allBound()
}

// BindingShape returns the shape of the binding at index: concrete once resolved, otherwise as declared
// (with the bound dimensions for inputs).
//
// It panics if index is out of range, like CompiledGraph.Binding.
func (c *ExecutionContext) BindingShape(index int) shapes.Shape {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tensorShapes != nil {
		return c.tensorShapes[c.cg.bindingTensors[index]].Clone()
	}
	shape := c.cg.bindings[index].Shape()
	if dims, found := c.inputDims[index]; found {
		shape.Dimensions = slices.Clone(dims)
	}
	return shape
}

// Requests returns the buffer requests of all bindings for the resolved shapes, to be used with
// device.Manager.AllocateAll.
func (c *ExecutionContext) Requests() ([]device.Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tensorShapes == nil {
		return nil, failure.Errorf(failure.IncompleteBinding, "shapes of %q are not all bound", c.cg.name)
	}
	requests := make([]device.Request, len(c.cg.bindings))
	for ii, b := range c.cg.bindings {
		requests[ii] = device.Request{Key: b.Key(), Shape: c.tensorShapes[c.cg.bindingTensors[ii]].Clone(), Layout: b.Layout}
	}
	return requests, nil
}

// start validates the buffers and moves the context to Executing (must hold lock).
func (c *ExecutionContext) start(buffers []*device.Buffer) (*xsync.LatchWithValue[error], error) {
	if err := c.checkUsable("Execute"); err != nil {
		return nil, err
	}
	if c.tensorShapes == nil {
		return nil, failure.Errorf(failure.IncompleteBinding, "Execute of %q before all dynamic input shapes are bound", c.cg.name)
	}
	if len(buffers) != len(c.cg.bindings) {
		return nil, failure.Errorf(failure.InvalidArgument, "Execute of %q with %d buffers, graph has %d bindings",
			c.cg.name, len(buffers), len(c.cg.bindings))
	}
	for ii, buf := range buffers {
		b := &c.cg.bindings[ii]
		want := c.tensorShapes[c.cg.bindingTensors[ii]]
		if !buf.Valid() {
			return nil, failure.Errorf(failure.InvalidArgument, "buffer for binding %q is nil or released", b.Name)
		}
		if !buf.Shape.Equal(want) || buf.Layout != b.Layout {
			return nil, failure.Errorf(failure.InvalidArgument, "buffer for binding %q is %s in %s, wanted %s in %s",
				b.Name, buf.Shape, buf.Layout, want, b.Layout)
		}
	}
	c.state = Executing
	c.running = xsync.NewLatchWithValue[error]()
	return c.running, nil
}

// Execute runs the graph with the given buffers, one per binding in binding order, and blocks until
// all outputs are written.
//
// If ctx is done before the execution finishes, it returns a failure.ExecutionError with SubKind
// Timeout: the execution continues in the background, and the context stays in the Executing state
// until it finishes. The buffers must not be released or reused before Wait returns.
func (c *ExecutionContext) Execute(ctx context.Context, buffers []*device.Buffer) error {
	c.mu.Lock()
	done, err := c.start(buffers)
	tensorShapes := c.tensorShapes
	c.mu.Unlock()
	if err != nil {
		return err
	}

	weights := *c.cg.weights.Load()
	go func() {
		startedAt := time.Now()
		err := c.run(tensorShapes, weights, buffers)
		c.mu.Lock()
		c.state = Completed
		c.mu.Unlock()
		klog.V(2).Infof("execution context %s: %q executed in %s", c.id, c.cg.name, time.Since(startedAt))
		done.Trigger(err)
	}()
	return c.waitRun(ctx, done)
}

// waitRun waits for the run to finish or for ctx to be done, whichever comes first. A finished run
// is reported even if ctx is done as well.
func (c *ExecutionContext) waitRun(ctx context.Context, done *xsync.LatchWithValue[error]) error {
	select {
	case <-done.WaitChan():
		return done.Wait()
	case <-ctx.Done():
		if done.Test() {
			return done.Wait()
		}
		return failure.Timeoutf("execution of %q in context %s: %v", c.cg.name, c.id, ctx.Err())
	}
}

// ExecuteAsync enqueues the execution on the stream, ordered after the work already enqueued
// (typically StageInputsAsync). The returned event is reached when the outputs are written.
func (c *ExecutionContext) ExecuteAsync(stream *device.Stream, buffers []*device.Buffer) (*device.Event, error) {
	c.mu.Lock()
	err := c.checkUsable("ExecuteAsync")
	if err == nil && c.tensorShapes == nil {
		err = failure.Errorf(failure.IncompleteBinding, "ExecuteAsync of %q before all dynamic input shapes are bound", c.cg.name)
	}
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return stream.Enqueue(func() error {
		return c.Execute(context.Background(), buffers)
	}), nil
}

// Wait blocks until the execution in flight, if any, finishes, and returns its error.
func (c *ExecutionContext) Wait() error {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	if running == nil {
		return nil
	}
	return running.Wait()
}

// run executes the layers in topological order.
func (c *ExecutionContext) run(tensorShapes []shapes.Shape, weights weightSet, buffers []*device.Buffer) error {
	cg := c.cg
	views := make([]tensors.View, len(tensorShapes))
	for ii, buf := range buffers {
		tensorIdx := cg.bindingTensors[ii]
		data, err := cg.dev.Memory(buf.Address(), buf.Size)
		if err != nil {
			return failure.Faultf(err, "binding %q", cg.bindings[ii].Name)
		}
		views[tensorIdx] = tensors.View{Shape: tensorShapes[tensorIdx], Layout: buf.Layout, Scale: cg.scales[tensorIdx], Data: data}
	}

	var workspace []byte
	if cg.workspaceSize > 0 {
		var err error
		workspace, err = cg.dev.Memory(c.workspace, cg.workspaceSize)
		if err != nil {
			return failure.Faultf(err, "workspace")
		}
	}
	offset := 0
	for tensorIdx, shape := range tensorShapes {
		if cg.isBinding[tensorIdx] {
			continue
		}
		layout := cg.desc.Tensors[tensorIdx].Layout
		size := shapes.ByteSize(shape, layout)
		if offset+size > len(workspace) {
			return failure.Faultf(nil, "workspace of %d bytes too small for tensor %q", len(workspace), cg.desc.Tensors[tensorIdx].Name)
		}
		views[tensorIdx] = tensors.View{Shape: shape, Layout: layout, Scale: cg.scales[tensorIdx], Data: workspace[offset : offset+size]}
		offset += alignUp(size)
	}

	for _, layerIdx := range cg.order {
		l := &cg.desc.Layers[layerIdx]
		inputs := make([]tensors.View, len(l.Inputs))
		for ii, idx := range l.Inputs {
			inputs[ii] = views[idx]
		}
		err := catch(func() error {
			return cg.runLayer(layerIdx, weights, inputs, views[l.Outputs[0]])
		})
		if err != nil {
			return failure.Faultf(err, "layer %q (%s)", l.Name, l.Type)
		}
	}
	return nil
}

// Infer runs one complete inference: it allocates the buffers with manager, stages the inputs
// (host data of each input binding, in binding order), executes, drains and returns the outputs,
// and releases the buffers.
//
// On timeout the buffers are released in the background once the execution finishes.
func (c *ExecutionContext) Infer(ctx context.Context, manager *device.Manager, inputs ...[]byte) ([][]byte, error) {
	if len(inputs) != c.cg.numInputs {
		return nil, failure.Errorf(failure.InvalidArgument, "Infer of %q with %d inputs, wanted %d", c.cg.name, len(inputs), c.cg.numInputs)
	}
	requests, err := c.Requests()
	if err != nil {
		return nil, err
	}
	buffers, err := manager.AllocateAll(requests)
	if err != nil {
		return nil, err
	}
	host := make([][]byte, len(buffers))
	copy(host, inputs)
	for ii := c.cg.numInputs; ii < len(buffers); ii++ {
		host[ii] = make([]byte, buffers[ii].Size)
	}

	err = device.StageInputs(manager.Device(), host, buffers, c.cg.numInputs)
	if err == nil {
		err = c.Execute(ctx, buffers)
		if failure.SubKindOf(err) == failure.Timeout {
			go func() {
				_ = c.Wait()
				if releaseErr := manager.ReleaseAll(buffers); releaseErr != nil {
					klog.Warningf("releasing buffers after timeout: %+v", releaseErr)
				}
			}()
			return nil, err
		}
	}
	if err == nil {
		err = device.DrainOutputs(manager.Device(), buffers, host, c.cg.numInputs)
	}
	if releaseErr := manager.ReleaseAll(buffers); releaseErr != nil {
		if err == nil {
			return nil, releaseErr
		}
		klog.Warningf("releasing buffers: %+v", releaseErr)
	}
	if err != nil {
		return nil, err
	}
	return host[c.cg.numInputs:], nil
}

// Close waits for any execution in flight and releases the workspace.
func (c *ExecutionContext) Close() error {
	if err := c.Wait(); err != nil {
		klog.V(2).Infof("execution context %s closing after failed execution: %v", c.id, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return errors.WithMessagef(c.freeWorkspace(), "closing execution context %s", c.id)
}

func (c *ExecutionContext) freeWorkspace() error {
	if c.workspace == 0 {
		return nil
	}
	err := c.cg.dev.Free(c.workspace)
	c.workspace = 0
	return err
}
