// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"math"
	"testing"
	"unsafe"

	"github.com/gomlx/planrt/device"
	"github.com/gomlx/planrt/failure"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig(t *testing.T) {
	d, err := New("memory=1KiB,align=64")
	require.NoError(t, err)
	assert.Equal(t, 64, d.Alignment())
	free, total := d.MemInfo()
	assert.Equal(t, uint64(1024), free)
	assert.Equal(t, uint64(1024), total)
	assert.Equal(t, "CPU device (memory=1.0 KiB, align=64)", d.Description())

	for _, config := range []string{"memory=lots", "align=3", "align=0", "color=blue", "memory=1KiB,,align=8"} {
		_, err := New(config)
		require.Error(t, err, config)
	}

	dev := device.NewWithConfig("cpu:align=16")
	assert.Equal(t, DeviceName, dev.Name())
	assert.Equal(t, 16, dev.(*Device).Alignment())
	require.Panics(t, func() { device.NewWithConfig("tpu") })
	require.Panics(t, func() { device.NewWithConfig("cpu:align=7") })
}

func TestMallocFree(t *testing.T) {
	d, err := New("memory=1KiB,align=128")
	require.NoError(t, err)
	a, err := d.Malloc(100)
	require.NoError(t, err)
	assert.NotZero(t, a)
	mem, err := d.Memory(a, 100)
	require.NoError(t, err)
	assert.Zero(t, uintptr(unsafe.Pointer(&mem[0]))%128, "memory must be aligned")

	free, _ := d.MemInfo()
	assert.Equal(t, uint64(1024-128), free)

	_, err = d.Malloc(1024)
	require.ErrorIs(t, err, failure.ErrAllocationFailed)
	_, err = d.Malloc(0)
	require.ErrorIs(t, err, failure.ErrInvalidArgument)

	b, err := d.Malloc(896)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	require.NoError(t, d.Free(a))
	require.ErrorIs(t, d.Free(a), failure.ErrInvalidArgument)
	require.NoError(t, d.Free(b))
	free, _ = d.MemInfo()
	assert.Equal(t, uint64(1024), free)
}

func TestMallocImpossibleSizes(t *testing.T) {
	d, err := New("")
	require.NoError(t, err)
	defer d.Finalize()
	_, err = d.Malloc(math.MaxInt)
	require.ErrorIs(t, err, failure.ErrAllocationFailed)
	_, err = d.Malloc(math.MaxInt - 4096)
	require.ErrorIs(t, err, failure.ErrAllocationFailed)
	_, used := d.MemInfo()
	assert.Zero(t, used, "failed allocations must not be accounted")

	a, err := d.Malloc(16)
	require.NoError(t, err)
	require.NoError(t, d.Free(a))
}

func TestCopies(t *testing.T) {
	d, err := New("")
	require.NoError(t, err)
	defer d.Finalize()
	a, err := d.Malloc(4)
	require.NoError(t, err)
	require.NoError(t, d.CopyHostToDevice(a, []byte{1, 2, 3, 4}))
	got := make([]byte, 4)
	require.NoError(t, d.CopyDeviceToHost(got, a))
	assert.Equal(t, []byte{1, 2, 3, 4}, got)

	require.Error(t, d.CopyHostToDevice(a, make([]byte, 5)), "overflow")
	require.Error(t, d.CopyDeviceToHost(got, a+1), "unknown address")
	_, total := d.MemInfo()
	assert.Equal(t, uint64(DefaultAlignment), total)

	d.Finalize()
	_, err = d.Malloc(1)
	require.ErrorIs(t, err, failure.ErrInvalidState)
}
