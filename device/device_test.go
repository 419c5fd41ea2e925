// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package device_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/planrt/device"
	"github.com/gomlx/planrt/device/cpu"
	"github.com/gomlx/planrt/failure"
	"github.com/gomlx/planrt/types/shapes"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDevice(t *testing.T, config string) device.Device {
	dev := must.M1(cpu.New(config))
	t.Cleanup(dev.Finalize)
	return dev
}

func TestNew(t *testing.T) {
	t.Setenv(device.EnvDevice, "cpu:memory=1MiB")
	dev := device.New()
	defer dev.Finalize()
	_, total := dev.MemInfo()
	assert.Equal(t, uint64(1<<20), total)
	assert.Contains(t, device.Registered(), cpu.DeviceName)
}

func TestParseOptions(t *testing.T) {
	options, err := device.ParseOptions("memory=64MiB, align=256,verbose")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"memory": "64MiB", "align": "256", "verbose": ""}, options)
	_, err = device.ParseOptions("a=1,a=2")
	require.Error(t, err)
	options, err = device.ParseOptions("")
	require.NoError(t, err)
	assert.Empty(t, options)
}

func TestAllocateSizes(t *testing.T) {
	m := device.NewManager(newDevice(t, ""))
	for _, tc := range []struct {
		shape  shapes.Shape
		layout shapes.Layout
		size   int
	}{
		{shapes.Make(dtypes.Float32, 2, 3), shapes.Linear, 24},
		{shapes.Make(dtypes.Float32), shapes.Linear, 4},
		{shapes.Make(dtypes.Int8, 1, 4, 8, 8), shapes.CHW4, 256},
		{shapes.Make(dtypes.Int8, 1, 3, 8, 8), shapes.CHW4, 256},
		{shapes.Make(dtypes.Float16, 1, 3, 2, 2), shapes.CHW32, 256},
	} {
		buf, err := m.Allocate(device.Key{Name: "x"}, tc.shape, tc.layout)
		require.NoError(t, err)
		assert.Equal(t, tc.size, buf.Size, "%s in %s", tc.shape, tc.layout)
		require.NoError(t, m.Release(buf))
	}
	_, err := m.Allocate(device.Key{Name: "x"}, shapes.Make(dtypes.Float32, shapes.DynamicDim), shapes.Linear)
	require.ErrorIs(t, err, failure.ErrInvalidArgument)
	_, err = m.Allocate(device.Key{Name: "x"}, shapes.Make(dtypes.Float32, 4), shapes.CHW4)
	require.ErrorIs(t, err, failure.ErrInvalidArgument)
	assert.Equal(t, 0, m.Live())
}

func TestRelease(t *testing.T) {
	m := device.NewManager(newDevice(t, ""))
	buf, err := m.Allocate(device.Key{Name: "x"}, shapes.Make(dtypes.Float32, 2), shapes.Linear)
	require.NoError(t, err)
	assert.True(t, buf.Valid())
	require.NoError(t, m.Release(buf))
	assert.False(t, buf.Valid())
	require.ErrorIs(t, m.Release(buf), failure.ErrInvalidArgument)

	other := device.NewManager(m.Device())
	buf2, err := other.Allocate(device.Key{Name: "y"}, shapes.Make(dtypes.Float32, 2), shapes.Linear)
	require.NoError(t, err)
	require.ErrorIs(t, m.Release(buf2), failure.ErrInvalidArgument)
	require.NoError(t, other.Release(buf2))
}

func TestAllocateAllRollback(t *testing.T) {
	dev := newDevice(t, "memory=1KiB,align=64")
	m := device.NewManager(dev)
	requests := []device.Request{
		{Key: device.Key{Name: "a", Index: 0}, Shape: shapes.Make(dtypes.Float32, 100)},
		{Key: device.Key{Name: "b", Index: 1}, Shape: shapes.Make(dtypes.Float32, 100)},
		{Key: device.Key{Name: "c", Index: 2}, Shape: shapes.Make(dtypes.Float32, 100)},
	}
	_, err := m.AllocateAll(requests)
	require.ErrorIs(t, err, failure.ErrAllocationFailed)
	assert.Equal(t, 0, m.Live())
	free, total := dev.MemInfo()
	assert.Equal(t, total, free, "all memory must be released after rollback")

	buffers, err := m.AllocateAll(requests[:2])
	require.NoError(t, err)
	require.Len(t, buffers, 2)
	assert.Equal(t, 2, m.Live())
	require.NoError(t, m.ReleaseAll(buffers))
	assert.Equal(t, 0, m.Live())
}

func TestPooledManager(t *testing.T) {
	dev := newDevice(t, "")
	m := device.NewPooledManager(dev)
	assert.True(t, m.Pooled())
	key := device.Key{Name: "x", Index: 0}

	big, err := m.Allocate(key, shapes.Make(dtypes.Float32, 16), shapes.Linear)
	require.NoError(t, err)
	addr := big.Address()
	require.NoError(t, m.Release(big))
	assert.Equal(t, 64, m.Stats().PooledBytes)

	// Smaller shape with the same key reuses the region.
	small, err := m.Allocate(key, shapes.Make(dtypes.Float32, 8), shapes.Linear)
	require.NoError(t, err)
	assert.Equal(t, addr, small.Address())
	assert.Equal(t, 32, small.Size)
	assert.Equal(t, 64, small.Capacity())
	require.NoError(t, m.Release(small))

	// Other keys don't reuse.
	other, err := m.Allocate(device.Key{Name: "y", Index: 1}, shapes.Make(dtypes.Float32, 8), shapes.Linear)
	require.NoError(t, err)
	assert.NotEqual(t, addr, other.Address())
	require.NoError(t, m.Release(other))

	// Larger shape than the capacity gets a new region.
	larger, err := m.Allocate(key, shapes.Make(dtypes.Float32, 32), shapes.Linear)
	require.NoError(t, err)
	assert.NotEqual(t, addr, larger.Address())
	require.NoError(t, m.Release(larger))

	stats := m.Stats()
	assert.Equal(t, 1, stats.Reuses)
	assert.Equal(t, 3, stats.Allocations)
	assert.Equal(t, 0, stats.LiveBuffers)
	require.NoError(t, m.Trim())
	assert.Equal(t, 0, m.Stats().PooledBytes)
	_, total := dev.MemInfo()
	assert.Equal(t, uint64(0), total, "unlimited cpu device reports memory in use as total")
}

func TestTransfers(t *testing.T) {
	dev := newDevice(t, "")
	m := device.NewManager(dev)
	buffers, err := m.AllocateAll([]device.Request{
		{Key: device.Key{Name: "in", Index: 0}, Shape: shapes.Make(dtypes.Int8, 4)},
		{Key: device.Key{Name: "out", Index: 1}, Shape: shapes.Make(dtypes.Int8, 4)},
	})
	require.NoError(t, err)
	defer func() { require.NoError(t, m.ReleaseAll(buffers)) }()

	host := [][]byte{{1, 2, 3, 4}, make([]byte, 4)}
	require.NoError(t, device.StageInputs(dev, host, buffers, 1))

	// Simulate a kernel copying the input to the output.
	in, err := m.View(buffers[0])
	require.NoError(t, err)
	out, err := m.View(buffers[1])
	require.NoError(t, err)
	copy(out.Data, in.Data)

	require.NoError(t, device.DrainOutputs(dev, buffers, host, 1))
	assert.Equal(t, []byte{1, 2, 3, 4}, host[1])

	require.ErrorIs(t, device.StageInputs(dev, [][]byte{{1, 2, 3}, nil}, buffers, 1), failure.ErrInvalidArgument)
	require.ErrorIs(t, device.DrainOutputs(dev, buffers, [][]byte{nil, make([]byte, 5)}, 1), failure.ErrInvalidArgument)
	require.ErrorIs(t, device.StageInputs(dev, host[:1], buffers, 1), failure.ErrInvalidArgument)
	require.ErrorIs(t, device.StageInputs(dev, host, buffers, 3), failure.ErrInvalidArgument)
}

func TestStreamOrdering(t *testing.T) {
	s := device.NewStream(newDevice(t, ""))
	var order []int
	for ii := range 10 {
		s.Enqueue(func() error {
			if ii == 0 {
				time.Sleep(10 * time.Millisecond)
			}
			order = append(order, ii)
			return nil
		})
	}
	event := s.Record()
	require.NoError(t, event.Wait())
	assert.True(t, event.Done())
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
	require.NoError(t, s.Synchronize())
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	require.ErrorIs(t, s.Enqueue(func() error { return nil }).Wait(), failure.ErrInvalidState)
}

func TestStreamStickyError(t *testing.T) {
	s := device.NewStream(newDevice(t, ""))
	defer func() { _ = s.Close() }()
	var ran atomic.Int32
	boom := errors.New("boom")
	failed := s.Enqueue(func() error { return boom })
	skipped := s.Enqueue(func() error { ran.Add(1); return nil })
	require.ErrorIs(t, failed.Wait(), boom)
	require.ErrorIs(t, skipped.Wait(), boom)
	assert.Equal(t, int32(0), ran.Load())
	require.ErrorIs(t, s.Synchronize(), boom)

	// Error cleared by Synchronize.
	require.NoError(t, s.Enqueue(func() error { ran.Add(1); return nil }).Wait())
	assert.Equal(t, int32(1), ran.Load())
	require.NoError(t, s.Synchronize())
}

func TestStreamTransfers(t *testing.T) {
	dev := newDevice(t, "")
	m := device.NewManager(dev)
	buffers, err := m.AllocateAll([]device.Request{
		{Key: device.Key{Name: "in", Index: 0}, Shape: shapes.Make(dtypes.Uint8, 2)},
		{Key: device.Key{Name: "out", Index: 1}, Shape: shapes.Make(dtypes.Uint8, 2)},
	})
	require.NoError(t, err)
	s := device.NewStream(dev)
	host := [][]byte{{7, 9}, make([]byte, 2)}
	s.StageInputsAsync(host, buffers, 1)
	s.Enqueue(func() error {
		return dev.CopyHostToDevice(buffers[1].Address(), []byte{9, 7})
	})
	require.NoError(t, s.DrainOutputsAsync(buffers, host, 1).Wait())
	assert.Equal(t, []byte{9, 7}, host[1])
	require.NoError(t, s.Close())
	require.NoError(t, m.ReleaseAll(buffers))
}

func TestPinnedAllocator(t *testing.T) {
	p := device.NewPinnedAllocator(100)
	a, err := p.Alloc(60)
	require.NoError(t, err)
	require.Len(t, a, 60)
	_, err = p.Alloc(60)
	require.ErrorIs(t, err, failure.ErrAllocationFailed)

	require.NoError(t, p.Free(a))
	require.ErrorIs(t, p.Free(a), failure.ErrInvalidArgument, "double free")
	require.ErrorIs(t, p.Free(make([]byte, 10)), failure.ErrInvalidArgument, "foreign memory")

	// Reuses the freed block.
	b, err := p.Alloc(40)
	require.NoError(t, err)
	assert.Same(t, &a[0], &b[0])
	assert.Equal(t, device.PinnedStats{MaxSize: 100, CurrentSize: 60, Blocks: 1, FreeBlocks: 0}, p.Stats())
	require.NoError(t, p.Free(b))

	// Doesn't fit the free block: compacts and allocates a new one.
	c, err := p.Alloc(90)
	require.NoError(t, err)
	assert.Equal(t, device.PinnedStats{MaxSize: 100, CurrentSize: 90, Blocks: 1, FreeBlocks: 0}, p.Stats())
	require.NoError(t, p.Free(c))

	require.NoError(t, p.Close())
	_, err = p.Alloc(1)
	require.ErrorIs(t, err, failure.ErrInvalidState)
}
