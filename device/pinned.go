// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package device

import (
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/planrt/failure"
	"k8s.io/klog/v2"
)

// PinnedAllocator manages page-locked host memory used to stage transfers.
//
// On the cpu device this is regular Go memory. Memory must be released with Free on the same
// allocator: freed blocks are kept in a free list and reused by later allocations that fit.
type PinnedAllocator struct {
	maxSize int64

	mu          sync.Mutex
	currentSize int64
	blocks      map[*byte]int // first byte -> capacity.
	inUse       map[*byte]bool
	freeList    [][]byte
	closed      bool
}

// PinnedStats are the statistics of a PinnedAllocator.
type PinnedStats struct {
	MaxSize, CurrentSize int64
	Blocks, FreeBlocks   int
}

// NewPinnedAllocator creates an allocator holding at most maxSize bytes. maxSize <= 0 means unlimited.
func NewPinnedAllocator(maxSize int64) *PinnedAllocator {
	return &PinnedAllocator{
		maxSize: maxSize,
		blocks:  make(map[*byte]int),
		inUse:   make(map[*byte]bool),
	}
}

// Alloc returns size bytes of pinned memory. The contents are not zeroed when a block is reused.
func (p *PinnedAllocator) Alloc(size int) ([]byte, error) {
	if size <= 0 {
		return nil, failure.Errorf(failure.InvalidArgument, "PinnedAllocator.Alloc(%d)", size)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, failure.Errorf(failure.InvalidState, "PinnedAllocator.Alloc after Close")
	}

	for ii, block := range p.freeList {
		if cap(block) >= size {
			p.freeList = append(p.freeList[:ii], p.freeList[ii+1:]...)
			p.inUse[&block[:1][0]] = true
			return block[:size], nil
		}
	}

	if p.maxSize > 0 && p.currentSize+int64(size) > p.maxSize {
		p.compactFreeList(int64(size))
		if p.currentSize+int64(size) > p.maxSize {
			return nil, failure.Errorf(failure.AllocationFailed, "pinned memory exhausted: %s in use of %s, requested %s",
				humanize.IBytes(uint64(p.currentSize)), humanize.IBytes(uint64(p.maxSize)), humanize.IBytes(uint64(size)))
		}
	}
	data := make([]byte, size)
	p.blocks[&data[0]] = size
	p.inUse[&data[0]] = true
	p.currentSize += int64(size)
	return data, nil
}

// compactFreeList releases free blocks until there is room for size more bytes (must hold lock).
func (p *PinnedAllocator) compactFreeList(size int64) {
	for len(p.freeList) > 0 && p.currentSize+size > p.maxSize {
		block := p.freeList[len(p.freeList)-1]
		p.freeList = p.freeList[:len(p.freeList)-1]
		first := &block[:1][0]
		p.currentSize -= int64(p.blocks[first])
		delete(p.blocks, first)
	}
}

// Free returns memory obtained with Alloc to the allocator. Memory not allocated by this
// allocator, or already freed, is rejected.
func (p *PinnedAllocator) Free(data []byte) error {
	if len(data) == 0 {
		return failure.Errorf(failure.InvalidArgument, "PinnedAllocator.Free of empty slice")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return failure.Errorf(failure.InvalidState, "PinnedAllocator.Free after Close")
	}
	first := &data[0]
	capacity, found := p.blocks[first]
	if !found {
		return failure.Errorf(failure.InvalidArgument, "PinnedAllocator.Free of memory not allocated by this allocator")
	}
	if !p.inUse[first] {
		return failure.Errorf(failure.InvalidArgument, "PinnedAllocator.Free of memory already freed")
	}
	delete(p.inUse, first)
	p.freeList = append(p.freeList, data[:capacity:capacity])
	return nil
}

// Stats returns the allocator statistics.
func (p *PinnedAllocator) Stats() PinnedStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PinnedStats{
		MaxSize:     p.maxSize,
		CurrentSize: p.currentSize,
		Blocks:      len(p.blocks),
		FreeBlocks:  len(p.freeList),
	}
}

// Close releases all memory. Blocks still in use are invalid afterwards.
func (p *PinnedAllocator) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	if len(p.inUse) > 0 {
		klog.Warningf("PinnedAllocator closed with %d blocks still in use", len(p.inUse))
	}
	p.closed = true
	p.blocks, p.inUse, p.freeList = nil, nil, nil
	p.currentSize = 0
	return nil
}
