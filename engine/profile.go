// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/gomlx/planrt/failure"
	"github.com/gomlx/planrt/network"
	"github.com/gomlx/planrt/types/shapes"
	"github.com/pkg/errors"
)

// Range of the dimensions of one dynamic input: Min <= Opt <= Max element-wise.
type Range struct {
	Min []int `msgpack:"min"`
	Opt []int `msgpack:"opt"`
	Max []int `msgpack:"max"`
}

// Contains returns whether dims are within [Min, Max].
func (r Range) Contains(dims []int) bool {
	if len(dims) != len(r.Min) {
		return false
	}
	for axis, dim := range dims {
		if dim < r.Min[axis] || dim > r.Max[axis] {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer.
func (r Range) String() string {
	return fmt.Sprintf("min=%v opt=%v max=%v", r.Min, r.Opt, r.Max)
}

// OptimizationProfile holds the Range of each dynamic input, by input name.
type OptimizationProfile struct {
	Shapes map[string]Range `msgpack:"shapes"`
}

// NewProfile returns an empty optimization profile.
func NewProfile() *OptimizationProfile {
	return &OptimizationProfile{Shapes: make(map[string]Range)}
}

// SetShape sets the range of the input with the given name. It returns the profile, so calls can be chained.
func (p *OptimizationProfile) SetShape(input string, minDims, optDims, maxDims []int) *OptimizationProfile {
	p.Shapes[input] = Range{Min: slices.Clone(minDims), Opt: slices.Clone(optDims), Max: slices.Clone(maxDims)}
	return p
}

// Clone returns a deep copy of the profile.
func (p *OptimizationProfile) Clone() *OptimizationProfile {
	p2 := NewProfile()
	for name, r := range p.Shapes {
		p2.SetShape(name, r.Min, r.Opt, r.Max)
	}
	return p2
}

// String implements fmt.Stringer.
func (p *OptimizationProfile) String() string {
	parts := make([]string, 0, len(p.Shapes))
	for _, name := range slices.Sorted(maps.Keys(p.Shapes)) {
		parts = append(parts, fmt.Sprintf("%s: %s", name, p.Shapes[name]))
	}
	return "{" + strings.Join(parts, "; ") + "}"
}

// validateProfiles checks the profiles against the inputs of the description. If there are no
// dynamic inputs and no profiles, a single empty profile is returned.
func validateProfiles(desc *network.Description, profiles []*OptimizationProfile) ([]*OptimizationProfile, error) {
	var dynamic []string
	inputs := make(map[string]*network.TensorSpec)
	for _, idx := range desc.Inputs {
		t := &desc.Tensors[idx]
		inputs[t.Name] = t
		if slices.Contains(t.Dims, shapes.DynamicDim) {
			dynamic = append(dynamic, t.Name)
		}
	}
	if len(profiles) == 0 {
		if len(dynamic) > 0 {
			return nil, failure.Errorf(failure.InvalidArgument, "network %q has dynamic inputs %v but no optimization profile", desc.Name, dynamic)
		}
		return []*OptimizationProfile{NewProfile()}, nil
	}
	owned := make([]*OptimizationProfile, 0, len(profiles))
	for profileIdx, p := range profiles {
		if p == nil {
			return nil, failure.Errorf(failure.InvalidArgument, "optimization profile #%d is nil", profileIdx)
		}
		for name, r := range p.Shapes {
			input, found := inputs[name]
			if !found {
				return nil, failure.Errorf(failure.InvalidArgument, "optimization profile #%d refers to unknown input %q", profileIdx, name)
			}
			if err := checkRange(input, r); err != nil {
				return nil, errors.WithMessagef(err, "optimization profile #%d", profileIdx)
			}
		}
		for _, name := range dynamic {
			if _, found := p.Shapes[name]; !found {
				return nil, failure.Errorf(failure.InvalidArgument, "optimization profile #%d has no range for dynamic input %q", profileIdx, name)
			}
		}
		owned = append(owned, p.Clone())
	}
	return owned, nil
}

func checkRange(input *network.TensorSpec, r Range) error {
	rank := len(input.Dims)
	if len(r.Min) != rank || len(r.Opt) != rank || len(r.Max) != rank {
		return failure.Errorf(failure.InvalidArgument, "input %q has rank %d, range %s", input.Name, rank, r)
	}
	for axis, declared := range input.Dims {
		lo, opt, hi := r.Min[axis], r.Opt[axis], r.Max[axis]
		if lo <= 0 {
			return failure.Errorf(failure.InvalidArgument, "input %q: range %s has non-positive dimension", input.Name, r)
		}
		if lo > opt || opt > hi {
			return failure.Errorf(failure.ShapeOutOfProfile, "input %q: range %s must satisfy min <= opt <= max", input.Name, r)
		}
		if declared != shapes.DynamicDim && (lo != declared || hi != declared) {
			return failure.Errorf(failure.InvalidArgument, "input %q: range %s doesn't match fixed axis %d of dimension %d",
				input.Name, r, axis, declared)
		}
	}
	return nil
}
