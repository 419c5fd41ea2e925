// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package failure

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKinds(t *testing.T) {
	err := Errorf(ShapeOutOfProfile, "binding %q: dimension %d above max %d", "x", 9, 8)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrShapeOutOfProfile))
	assert.False(t, errors.Is(err, ErrUnresolvedShape))
	assert.Equal(t, ShapeOutOfProfile, KindOf(err))
	assert.Equal(t, `ShapeOutOfProfile: binding "x": dimension 9 above max 8`, err.Error())

	// Wrapping with fmt keeps the kind reachable.
	wrapped := fmt.Errorf("running: %w", err)
	assert.True(t, errors.Is(wrapped, ErrShapeOutOfProfile))
	assert.Equal(t, ShapeOutOfProfile, KindOf(wrapped))

	assert.Equal(t, Unknown, KindOf(errors.New("plain")))
	assert.Equal(t, "Kind(99)", Kind(99).String())
}

func TestTimeout(t *testing.T) {
	err := Timeoutf("deadline of %s exceeded", "10ms")
	assert.True(t, errors.Is(err, ErrExecution))
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.False(t, errors.Is(err, ErrFault))
	assert.Equal(t, Timeout, SubKindOf(err))
	assert.Equal(t, "ExecutionError(Timeout): deadline of 10ms exceeded", err.Error())

	fault := Faultf(errors.New("boom"), "node %q", "relu")
	assert.True(t, errors.Is(fault, ErrExecution))
	assert.True(t, errors.Is(fault, ErrFault))
	assert.False(t, errors.Is(fault, ErrTimeout))
	assert.Contains(t, fault.Error(), "boom")
}

func TestWrapf(t *testing.T) {
	require.NoError(t, Wrapf(nil, AllocationFailed, "nothing"))
	cause := errors.New("out of memory")
	err := Wrapf(cause, AllocationFailed, "allocating %d bytes", 1024)
	assert.True(t, errors.Is(err, ErrAllocationFailed))
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, "AllocationFailed: allocating 1024 bytes: out of memory", err.Error())
}
