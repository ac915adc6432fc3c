// Copyright 2023 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mmio

import (
	"fmt"
	"testing"
)

type op struct {
	write   bool
	offset  uint32
	data    uint32
	settled bool
}

// fakeMem replays a scripted sequence of expected register operations and
// fails the test on any divergence.
type fakeMem struct {
	t   *testing.T
	ops []op
}

func opstr(o *op) string {
	t := "read"
	if o.write {
		t = "write"
	}
	return fmt.Sprintf("{%s @ %08x = %08x}", t, o.offset, o.data)
}

func (m *fakeMem) Read32(offset uint32) uint32 {
	if len(m.ops) == 0 {
		m.t.Errorf("unexpected read on %08x", offset)
		return 0
	}
	o := m.ops[0]
	m.ops = m.ops[1:]
	if o.write || o.offset != offset {
		m.t.Errorf("expected %s, got read on %08x", opstr(&o), offset)
	}
	return o.data
}

func (m *fakeMem) Write32(offset uint32, data uint32) {
	if len(m.ops) == 0 {
		m.t.Errorf("unexpected write of %08x on %08x", data, offset)
		return
	}
	o := m.ops[0]
	m.ops = m.ops[1:]
	if !o.write || o.offset != offset || o.data != data {
		m.t.Errorf("expected %s, got write of %08x on %08x", opstr(&o), data, offset)
	}
}

func (m *fakeMem) ExpectWrite32(offset uint32, data uint32) {
	m.ops = append(m.ops, op{write: true, offset: offset, data: data})
}

func (m *fakeMem) FakeRead32(offset uint32, data uint32) {
	m.ops = append(m.ops, op{write: false, offset: offset, data: data})
}

func (m *fakeMem) Close() error {
	return nil
}

func (m *fakeMem) AllConsumed() {
	if len(m.ops) != 0 {
		m.t.Errorf("%d scripted operations left over, next %s", len(m.ops), opstr(&m.ops[0]))
	}
}

func fakeMemory(t *testing.T) *fakeMem {
	return &fakeMem{t, make([]op, 0)}
}
