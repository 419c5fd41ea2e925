// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/planrt/failure"
	"github.com/gomlx/planrt/types/shapes"
	"github.com/gomlx/planrt/types/tensors"
	"k8s.io/klog/v2"
)

// Key identifies the binding a Buffer is associated with. The pooled Manager recycles buffers by Key.
type Key struct {
	Name  string
	Index int
}

// String implements fmt.Stringer.
func (k Key) String() string { return fmt.Sprintf("%s#%d", k.Name, k.Index) }

// Buffer is a region of device memory owned by a Manager, associated with one binding.
type Buffer struct {
	Key    Key
	Shape  shapes.Shape
	Layout shapes.Layout

	// Size in bytes, see shapes.ByteSize.
	Size int

	capacity int
	addr     Address
	valid    bool
	manager  *Manager
}

// Address of the buffer in device memory.
func (b *Buffer) Address() Address { return b.addr }

// Capacity of the underlying device region, which may be larger than Size for recycled buffers.
func (b *Buffer) Capacity() int { return b.capacity }

// Valid returns false after the buffer is released.
func (b *Buffer) Valid() bool { return b != nil && b.valid }

// String implements fmt.Stringer.
func (b *Buffer) String() string {
	return fmt.Sprintf("Buffer(%s, %s, %s, %d bytes @ %s)", b.Key, b.Shape, b.Layout, b.Size, b.addr)
}

// Request to allocate a buffer, used by AllocateAll.
type Request struct {
	Key    Key
	Shape  shapes.Shape
	Layout shapes.Layout
}

// Stats of a Manager.
type Stats struct {
	Allocations, Reuses, Releases int
	LiveBuffers                   int
	LiveBytes, PooledBytes        int
}

// Manager allocates and releases the device buffers of bindings.
//
// The pooled variant (NewPooledManager) keeps released buffers and reuses them for allocations with the
// same Key, as long as the requested size fits the buffer's capacity.
type Manager struct {
	dev    Device
	pooled bool

	mu    sync.Mutex
	live  map[*Buffer]struct{}
	pool  map[Key]*Buffer
	stats Stats
}

// NewManager creates a Manager that frees device memory on Release.
func NewManager(dev Device) *Manager {
	return &Manager{dev: dev, live: make(map[*Buffer]struct{})}
}

// NewPooledManager creates a Manager that recycles released buffers by Key. Use Trim to free the pooled memory.
func NewPooledManager(dev Device) *Manager {
	m := NewManager(dev)
	m.pooled = true
	m.pool = make(map[Key]*Buffer)
	return m
}

// Device managed.
func (m *Manager) Device() Device { return m.dev }

// Pooled returns whether released buffers are recycled.
func (m *Manager) Pooled() bool { return m.pooled }

// Allocate a buffer for a tensor of the given concrete shape and layout.
// The size is shapes.ByteSize(shape, layout).
//
// It returns a failure.AllocationFailed error if the device can't provide the memory.
func (m *Manager) Allocate(key Key, shape shapes.Shape, layout shapes.Layout) (*Buffer, error) {
	if !shape.Ok() || shape.IsDynamic() {
		return nil, failure.Errorf(failure.InvalidArgument, "Allocate(%s): shape %s must be concrete", key, shape)
	}
	if err := layout.Validate(shape); err != nil {
		return nil, failure.Wrapf(err, failure.InvalidArgument, "Allocate(%s)", key)
	}
	size := shapes.ByteSize(shape, layout)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pooled {
		if buf, found := m.pool[key]; found {
			delete(m.pool, key)
			m.stats.PooledBytes -= buf.capacity
			if size <= buf.capacity {
				buf.Shape, buf.Layout, buf.Size, buf.valid = shape.Clone(), layout, size, true
				m.live[buf] = struct{}{}
				m.stats.Reuses++
				m.stats.LiveBuffers++
				m.stats.LiveBytes += buf.capacity
				klog.V(3).Infof("reused %s", buf)
				return buf, nil
			}
			// Too small for the new shape: free it and allocate a new one.
			if err := m.dev.Free(buf.addr); err != nil {
				klog.Warningf("failed to free pooled %s: %+v", buf, err)
			}
		}
	}
	addr, err := m.dev.Malloc(size)
	if err != nil {
		return nil, failure.Wrapf(err, failure.AllocationFailed, "Allocate(%s, %s, %s) of %s", key, shape, layout,
			humanize.IBytes(uint64(size)))
	}
	buf := &Buffer{
		Key: key, Shape: shape.Clone(), Layout: layout, Size: size,
		capacity: size, addr: addr, valid: true, manager: m,
	}
	m.live[buf] = struct{}{}
	m.stats.Allocations++
	m.stats.LiveBuffers++
	m.stats.LiveBytes += size
	klog.V(3).Infof("allocated %s", buf)
	return buf, nil
}

// AllocateAll allocates one buffer per request. If any allocation fails, the buffers already
// allocated by this call are released before returning the error.
func (m *Manager) AllocateAll(requests []Request) ([]*Buffer, error) {
	buffers := make([]*Buffer, 0, len(requests))
	for _, req := range requests {
		buf, err := m.Allocate(req.Key, req.Shape, req.Layout)
		if err != nil {
			if releaseErr := m.ReleaseAll(buffers); releaseErr != nil {
				klog.Warningf("AllocateAll rollback: %+v", releaseErr)
			}
			return nil, err
		}
		buffers = append(buffers, buf)
	}
	return buffers, nil
}

// Release a buffer. The buffer must not be used afterwards.
//
// Releasing a buffer twice, or a buffer of another Manager, is an error.
func (m *Manager) Release(buf *Buffer) error {
	if buf == nil || buf.manager != m {
		return failure.Errorf(failure.InvalidArgument, "Release of nil buffer or buffer of another manager")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, found := m.live[buf]; !found {
		return failure.Errorf(failure.InvalidArgument, "Release(%s): buffer already released", buf)
	}
	delete(m.live, buf)
	buf.valid = false
	m.stats.Releases++
	m.stats.LiveBuffers--
	m.stats.LiveBytes -= buf.capacity
	if m.pooled {
		if previous, found := m.pool[buf.Key]; found {
			// Keep the largest buffer per key.
			if previous.capacity >= buf.capacity {
				return m.dev.Free(buf.addr)
			}
			m.stats.PooledBytes -= previous.capacity
			if err := m.dev.Free(previous.addr); err != nil {
				klog.Warningf("failed to free pooled %s: %+v", previous, err)
			}
		}
		m.pool[buf.Key] = buf
		m.stats.PooledBytes += buf.capacity
		return nil
	}
	return m.dev.Free(buf.addr)
}

// ReleaseAll releases the buffers, continuing on errors. It returns the first error.
func (m *Manager) ReleaseAll(buffers []*Buffer) error {
	var firstErr error
	for _, buf := range buffers {
		if err := m.Release(buf); err != nil {
			if firstErr == nil {
				firstErr = err
			} else {
				klog.Warningf("ReleaseAll: %+v", err)
			}
		}
	}
	return firstErr
}

// Trim frees all pooled buffers.
func (m *Manager) Trim() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for key, buf := range m.pool {
		if err := m.dev.Free(buf.addr); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.pool, key)
	}
	if m.pooled && m.stats.PooledBytes > 0 {
		klog.V(2).Infof("trimmed %s of pooled buffers", humanize.IBytes(uint64(m.stats.PooledBytes)))
	}
	m.stats.PooledBytes = 0
	return firstErr
}

// Live returns the number of buffers allocated and not yet released.
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.live)
}

// Stats returns a snapshot of the manager statistics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// View returns a direct view of the buffer's device memory.
func (m *Manager) View(buf *Buffer) (tensors.View, error) {
	if !buf.Valid() {
		return tensors.View{}, failure.Errorf(failure.InvalidArgument, "View of released buffer")
	}
	data, err := m.dev.Memory(buf.addr, buf.Size)
	if err != nil {
		return tensors.View{}, err
	}
	return tensors.NewView(buf.Shape, buf.Layout, data)
}
