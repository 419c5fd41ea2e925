// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"maps"
	"slices"
	"sync"

	"github.com/gomlx/planrt/failure"
	"github.com/gomlx/planrt/network"
	"k8s.io/klog/v2"
)

// WeightsKey identifies refittable weights: the layer name and the role of the weights in the layer.
type WeightsKey struct {
	Layer string
	Role  network.WeightRole
}

// Refitter replaces the weights of a refittable CompiledGraph.
//
// New weights are staged with SetWeights and applied together by Refit. Weights must keep the
// dimensions they were built with, so binding shapes and DeviceMemorySize never change.
// Executions already running keep using the weights they started with.
type Refitter struct {
	cg *CompiledGraph

	mu      sync.Mutex
	pending map[WeightsKey]network.Weights
}

// NewRefitter returns a Refitter for cg. It fails with failure.NotRefittable if cg wasn't built
// with BuildConfig.Refittable.
func NewRefitter(cg *CompiledGraph) (*Refitter, error) {
	if !cg.config.Refittable {
		return nil, failure.Errorf(failure.NotRefittable, "graph %q was not built refittable", cg.name)
	}
	return &Refitter{cg: cg, pending: make(map[WeightsKey]network.Weights)}, nil
}

// All returns every refittable (layer, role), in execution order of the layers.
func (r *Refitter) All() []WeightsKey {
	var keys []WeightsKey
	for _, layerIdx := range r.cg.order {
		l := &r.cg.desc.Layers[layerIdx]
		for _, role := range l.Roles() {
			keys = append(keys, WeightsKey{Layer: l.Name, Role: role})
		}
	}
	return keys
}

// SetWeights stages new weights for the role of the named layer.
//
// It fails with failure.InvalidArgument for an unknown layer, failure.UnknownWeightRole if the
// layer has no weights with that role, and failure.InvalidWeights if the dimensions differ from
// the current ones.
func (r *Refitter) SetWeights(layer string, role network.WeightRole, weights network.Weights) error {
	layerIdx := r.cg.desc.LayerIndex(layer)
	if layerIdx < 0 {
		return failure.Errorf(failure.InvalidArgument, "graph %q has no layer %q", r.cg.name, layer)
	}
	current, found := (*r.cg.weights.Load())[layerIdx][role]
	if !found {
		return failure.Errorf(failure.UnknownWeightRole, "layer %q (%s) has no %s weights",
			layer, r.cg.desc.Layers[layerIdx].Type, role)
	}
	if err := current.Shape().CheckDims(weights.Dims...); err != nil {
		return failure.Wrapf(err, failure.InvalidWeights, "layer %q %s weights given with dimensions %v",
			layer, role, weights.Dims)
	}
	if weights.Size() != len(weights.Values) {
		return failure.Errorf(failure.InvalidWeights, "layer %q %s weights have dimensions %v but %d values",
			layer, role, weights.Dims, len(weights.Values))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[WeightsKey{Layer: layer, Role: role}] = weights.Clone()
	return nil
}

// Missing returns the weights that must also be set before Refit: the scale and shift of a
// Scale layer are refit together.
func (r *Refitter) Missing() []WeightsKey {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.missing()
}

func (r *Refitter) missing() []WeightsKey {
	var missing []WeightsKey
	for _, key := range slices.SortedFunc(maps.Keys(r.pending), compareKeys) {
		if r.cg.desc.Layers[r.cg.desc.LayerIndex(key.Layer)].Type != network.ScaleLayer {
			continue
		}
		partner := WeightsKey{Layer: key.Layer, Role: network.Kernel}
		if key.Role == network.Kernel {
			partner.Role = network.Bias
		}
		if _, found := r.pending[partner]; !found {
			missing = append(missing, partner)
		}
	}
	return missing
}

func compareKeys(a, b WeightsKey) int {
	if a.Layer != b.Layer {
		if a.Layer < b.Layer {
			return -1
		}
		return 1
	}
	return int(a.Role) - int(b.Role)
}

// Refit applies all the staged weights atomically and clears them.
//
// It fails with failure.InvalidWeights, applying nothing, if Missing is not empty.
func (r *Refitter) Refit() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if missing := r.missing(); len(missing) > 0 {
		return failure.Errorf(failure.InvalidWeights, "refit of %q is missing weights %v", r.cg.name, missing)
	}
	if len(r.pending) == 0 {
		return nil
	}

	// Copy-on-write: untouched layers share their weights with the previous set. Concurrent
	// refitters of the same graph retry on conflict.
	for {
		previous := r.cg.weights.Load()
		next := maps.Clone(*previous)
		cloned := make(map[int]bool)
		for key, weights := range r.pending {
			layerIdx := r.cg.desc.LayerIndex(key.Layer)
			if !cloned[layerIdx] {
				next[layerIdx] = maps.Clone(next[layerIdx])
				cloned[layerIdx] = true
			}
			next[layerIdx][key.Role] = weights
		}
		if r.cg.weights.CompareAndSwap(previous, &next) {
			break
		}
	}
	klog.V(1).Infof("refit graph %q: %d weights replaced", r.cg.name, len(r.pending))
	clear(r.pending)
	return nil
}
