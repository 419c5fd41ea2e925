// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatch(t *testing.T) {
	l := NewLatch()
	require.False(t, l.Test())
	go func() {
		time.Sleep(5 * time.Millisecond)
		l.Trigger()
	}()
	l.Wait()
	require.True(t, l.Test())
	l.Trigger() // Second trigger is a no-op.
	select {
	case <-l.WaitChan():
	default:
		t.Fatal("WaitChan should be closed after trigger")
	}
}

func TestLatchWithValue(t *testing.T) {
	l := NewLatchWithValue[int]()
	assert.False(t, l.Test())
	go l.Trigger(7)
	assert.Equal(t, 7, l.Wait())
	l.Trigger(11)
	assert.Equal(t, 7, l.Wait(), "only the first value is kept")
}
