// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"testing"

	"github.com/gomlx/planrt/failure"
	"github.com/gomlx/planrt/types/xsync"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestWaitRun(t *testing.T) {
	c := &ExecutionContext{cg: &CompiledGraph{name: "wait"}}
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	// Finished runs win over a done context, every time.
	for range 100 {
		done := xsync.NewLatchWithValue[error]()
		done.Trigger(nil)
		require.NoError(t, c.waitRun(cancelled, done))
	}
	done := xsync.NewLatchWithValue[error]()
	done.Trigger(errors.New("fault"))
	require.ErrorContains(t, c.waitRun(cancelled, done), "fault")

	// Unfinished runs time out.
	err := c.waitRun(cancelled, xsync.NewLatchWithValue[error]())
	require.ErrorIs(t, err, failure.ErrTimeout)
}
