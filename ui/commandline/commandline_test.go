// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "1.23ms", FormatDuration(1234567*time.Nanosecond))
	assert.Equal(t, "2.00s", FormatDuration(2*time.Second))
	assert.Equal(t, "1m30s", FormatDuration(90*time.Second))
}

func TestMedian(t *testing.T) {
	assert.Equal(t, time.Duration(0), Median(nil))
	durations := []time.Duration{5, 1, 3}
	assert.Equal(t, time.Duration(3), Median(durations))
	assert.Equal(t, []time.Duration{5, 1, 3}, durations, "input is not modified")
}

func TestProgressBar(t *testing.T) {
	var buf bytes.Buffer
	pBar := newProgressBar(&buf, 3, "test", func() (string, string) { return "Contexts", "1" })
	for range 3 {
		pBar.Add(time.Millisecond)
	}
	pBar.Done()
	done, median := pBar.Stats()
	assert.Equal(t, 3, done)
	assert.Equal(t, time.Millisecond, median)
	assert.Contains(t, buf.String(), "Contexts")
}
