// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"fmt"

	"github.com/pkg/errors"
)

// Layout describes how the elements of a tensor are physically arranged in memory.
//
// Linear is the row-major layout. The CHW<k> layouts are channel-vectorized: for a tensor of rank >= 3,
// the channel axis is the third from the end (…, C, H, W) and is split in groups of k channels stored
// contiguously as the innermost physical axis. The physical dimensions are (…, ceil(C/k), H, W, k), so
// a channel count not divisible by k is padded up to the next multiple of k.
type Layout int

const (
	Linear Layout = iota
	CHW2
	CHW4
	CHW16
	CHW32
)

// VectorWidth is the number of components grouped in the vectorized axis. It is 1 for Linear.
func (l Layout) VectorWidth() int {
	switch l {
	case CHW2:
		return 2
	case CHW4:
		return 4
	case CHW16:
		return 16
	case CHW32:
		return 32
	default:
		return 1
	}
}

// IsVectorized returns whether the layout groups channels.
func (l Layout) IsVectorized() bool { return l != Linear }

// String implements fmt.Stringer.
func (l Layout) String() string {
	switch l {
	case Linear:
		return "LINEAR"
	case CHW2, CHW4, CHW16, CHW32:
		return fmt.Sprintf("CHW%d", l.VectorWidth())
	default:
		return fmt.Sprintf("Layout(%d)", int(l))
	}
}

// Description returns a human-readable description of the format.
func (l Layout) Description() string {
	if l == Linear {
		return "Row major linear format"
	}
	return fmt.Sprintf("%d wide channel vectorized row major format (%s)", l.VectorWidth(), l)
}

// VectorizedAxis returns the axis that is vectorized for a tensor of the given rank, or -1 for Linear.
func (l Layout) VectorizedAxis(rank int) int {
	if l == Linear {
		return -1
	}
	return rank - 3
}

// Validate checks that the layout can be used for the shape.
func (l Layout) Validate(s Shape) error {
	if l < Linear || l > CHW32 {
		return errors.Errorf("unknown layout %d", int(l))
	}
	if l.IsVectorized() && s.Rank() < 3 {
		return errors.Errorf("layout %s requires rank >= 3, got shape %s", l, s)
	}
	return nil
}

// PhysicalDims returns the dimensions as stored in memory: for vectorized layouts the channel axis is
// replaced by ceil(C/k) and an innermost axis of size k is appended.
//
// The shape must not be dynamic.
func (l Layout) PhysicalDims(s Shape) []int {
	if !l.IsVectorized() {
		return s.Clone().Dimensions
	}
	k := l.VectorWidth()
	axis := l.VectorizedAxis(s.Rank())
	dims := make([]int, 0, s.Rank()+1)
	for ii, dim := range s.Dimensions {
		if ii == axis {
			dims = append(dims, (dim+k-1)/k)
		} else {
			dims = append(dims, dim)
		}
	}
	return append(dims, k)
}

// PhysicalSize returns the number of elements stored in memory, including padding.
func (l Layout) PhysicalSize(s Shape) int {
	size := 1
	for _, dim := range l.PhysicalDims(s) {
		size *= dim
	}
	return size
}

// ByteSize returns the number of bytes needed to store a tensor of shape s in layout l, including
// the padding of vectorized layouts.
//
// The shape must not be dynamic.
func ByteSize(s Shape, l Layout) int {
	return l.PhysicalSize(s) * s.DType.Size()
}

// PhysicalIndex maps the row-major (Linear) element index of a tensor of shape s to the element
// index in layout l.
func (l Layout) PhysicalIndex(s Shape, linearIdx int) int {
	if !l.IsVectorized() {
		return linearIdx
	}
	rank := s.Rank()
	k := l.VectorWidth()
	c, h, w := s.Dimensions[rank-3], s.Dimensions[rank-2], s.Dimensions[rank-1]
	groups := (c + k - 1) / k
	wi := linearIdx % w
	hi := (linearIdx / w) % h
	ci := (linearIdx / (w * h)) % c
	prefix := linearIdx / (w * h * c)
	return (((prefix*groups+ci/k)*h+hi)*w+wi)*k + ci%k
}
