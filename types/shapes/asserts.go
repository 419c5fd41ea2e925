// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"github.com/pkg/errors"
)

// UncheckedAxis can be used in CheckDims for an axis whose dimension doesn't matter.
const UncheckedAxis = int(-1)

// CheckDims returns an error if the shape doesn't have exactly the given dimensions.
// Axes given as UncheckedAxis match any dimension.
func (s Shape) CheckDims(dimensions ...int) error {
	if s.Rank() != len(dimensions) {
		return errors.Errorf("shape %s has rank %d, wanted dimensions %v", s, s.Rank(), dimensions)
	}
	for axis, want := range dimensions {
		if want != UncheckedAxis && s.Dimensions[axis] != want {
			return errors.Errorf("shape %s has dimension %d on axis %d, wanted dimensions %v",
				s, s.Dimensions[axis], axis, dimensions)
		}
	}
	return nil
}

// CheckAxis returns an error if the given axis doesn't exist or doesn't have dimension dim.
// Negative axes count from the end.
func (s Shape) CheckAxis(axis, dim int) error {
	adjusted := axis
	if adjusted < 0 {
		adjusted += s.Rank()
	}
	if adjusted < 0 || adjusted >= s.Rank() {
		return errors.Errorf("shape %s has no axis %d", s, axis)
	}
	if s.Dimensions[adjusted] != dim {
		return errors.Errorf("shape %s has dimension %d on axis %d, wanted %d", s, s.Dimensions[adjusted], axis, dim)
	}
	return nil
}

// CheckMinRank checks that the shape has at least the given rank.
func (s Shape) CheckMinRank(rank int) error {
	if s.Rank() < rank {
		return errors.Errorf("shape %s has rank %d, wanted at least %d", s, s.Rank(), rank)
	}
	return nil
}
