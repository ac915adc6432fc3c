// Copyright 2023 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mmiotest provides a stateful in-memory register backing for
// tests. Unlike the scripted fake used for exact-sequence assertions, this
// backing holds register values and decodes the remap aperture, so tests
// script high registers by their documented addresses and attach behavior
// hooks to simulate hardware transitions.
package mmiotest

import "github.com/mtk-wifi/mt7927/pkg/mmio"

// Mem is a sparse register field keyed by logical address: direct window
// offsets and full remapped addresses share the map, which is safe because
// remapped registers all live far above any window offset.
type Mem struct {
	Remap mmio.Remap
	Regs  map[uint32]uint32

	// OnRead, when set, may override the value returned for a logical
	// address. OnWrite, when set, may intercept a store; returning
	// handled=true suppresses the default store.
	OnRead  func(addr uint32, cur uint32) uint32
	OnWrite func(addr uint32, val uint32) (handled bool)

	page uint32
}

func New(remap mmio.Remap) *Mem {
	return &Mem{Remap: remap, Regs: make(map[uint32]uint32)}
}

// logical translates a window offset into the address the access is really
// for, accounting for the remap aperture.
func (m *Mem) logical(offset uint32) uint32 {
	if offset >= m.Remap.Base && offset < m.Remap.Base+m.Remap.Size {
		return m.page<<16 | (offset - m.Remap.Base)
	}
	return offset
}

func (m *Mem) Read32(offset uint32) uint32 {
	a := m.logical(offset)
	v := m.Regs[a]
	if m.OnRead != nil {
		v = m.OnRead(a, v)
	}
	return v
}

func (m *Mem) Write32(offset uint32, val uint32) {
	if offset == m.Remap.Sel {
		m.page = val
		m.Regs[offset] = val
		return
	}
	a := m.logical(offset)
	if m.OnWrite != nil && m.OnWrite(a, val) {
		return
	}
	m.Regs[a] = val
}

func (m *Mem) Close() error { return nil }
