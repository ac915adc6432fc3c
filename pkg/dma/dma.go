// Copyright 2023 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dma is the boundary to the host's DMA-coherent allocator: a
// buffer the CPU can write and an address the device can master. The
// in-process implementation here backs simulation and tests; running
// against real hardware requires an IOMMU-backed allocator behind the same
// interface.
package dma

import (
	"errors"
	"fmt"
	"sync"
)

// ErrAllocation is the explicit out-of-memory condition. Callers treat it
// as fatal for the bring-up attempt.
var ErrAllocation = errors.New("dma allocation failure")

// Allocator hands out DMA-coherent buffers.
type Allocator interface {
	Alloc(size int) (*Buffer, error)
}

// Buffer is one coherent allocation. The driver-visible bytes and the
// device-visible address stay valid until Free, which may be called
// exactly once and only after hardware has provably stopped referencing
// the buffer.
type Buffer struct {
	b     []byte
	dev   uint64
	freed bool
	owner *HeapAllocator
}

func (b *Buffer) Bytes() []byte      { return b.b }
func (b *Buffer) DeviceAddr() uint64 { return b.dev }
func (b *Buffer) Size() int          { return len(b.b) }

func (b *Buffer) Free() error {
	if b.freed {
		return fmt.Errorf("double free of dma buffer at %#x", b.dev)
	}
	b.freed = true
	if b.owner != nil {
		b.owner.release(b.dev)
	}
	return nil
}

const pageSize = 4096

// HeapAllocator serves buffers from ordinary process memory and assigns
// synthetic, page-aligned device addresses. A simulated device resolves
// those addresses back to the backing bytes through At.
type HeapAllocator struct {
	mu   sync.Mutex
	next uint64
	bufs map[uint64][]byte

	// FailNext makes the next allocation fail, for error-path tests.
	FailNext bool
}

func NewHeapAllocator() *HeapAllocator {
	return &HeapAllocator{next: pageSize, bufs: make(map[uint64][]byte)}
}

func (h *HeapAllocator) Alloc(size int) (*Buffer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.FailNext {
		h.FailNext = false
		return nil, fmt.Errorf("alloc %d bytes: %w", size, ErrAllocation)
	}
	if size <= 0 {
		return nil, fmt.Errorf("alloc %d bytes: %w", size, ErrAllocation)
	}
	b := make([]byte, size)
	addr := h.next
	h.next += uint64((size + pageSize - 1) &^ (pageSize - 1))
	h.bufs[addr] = b
	return &Buffer{b: b, dev: addr, owner: h}, nil
}

// At resolves a device address previously returned by Alloc to its backing
// bytes, the way a mastering device would. The second return is false for
// addresses that do not fall inside a live allocation.
func (h *HeapAllocator) At(dev uint64) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for base, b := range h.bufs {
		if dev >= base && dev < base+uint64(len(b)) {
			return b[dev-base:], true
		}
	}
	return nil, false
}

func (h *HeapAllocator) release(dev uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.bufs, dev)
}

// Live reports the number of outstanding allocations, for leak checks in
// teardown tests.
func (h *HeapAllocator) Live() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.bufs)
}
