// Copyright 2023 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wfdma

import (
	"context"
	"errors"
	"testing"

	"github.com/jmhodges/clock"

	"github.com/mtk-wifi/mt7927/pkg/chip"
	"github.com/mtk-wifi/mt7927/pkg/dma"
	"github.com/mtk-wifi/mt7927/pkg/mmio"
	"github.com/mtk-wifi/mt7927/pkg/mmio/mmiotest"
)

type testRig struct {
	rev   *chip.Revision
	mem   *mmiotest.Mem
	w     *mmio.Window
	clk   clock.FakeClock
	alloc *dma.HeapAllocator
	eng   *Engine
}

func newRig(t *testing.T) *testRig {
	rev := chip.MT7927()
	remap := mmio.Remap{Sel: rev.RemapSel, Base: rev.RemapBase, Size: rev.RemapSize}
	mem := mmiotest.New(remap)
	clk := clock.NewFake()
	w := mmio.NewWindow(mem, 0x200000, remap, mmio.Config{Clock: clk})
	alloc := dma.NewHeapAllocator()
	return &testRig{
		rev:   rev,
		mem:   mem,
		w:     w,
		clk:   clk,
		alloc: alloc,
		eng:   NewEngine(w, rev, clk, alloc),
	}
}

// drainImmediately makes the simulated done index follow every CIDX write.
func (r *testRig) drainImmediately(ring chip.Ring) {
	cidx := r.rev.RingBase(ring) + ringRegCIdx
	didx := r.rev.RingBase(ring) + ringRegDIdx
	prev := r.mem.OnWrite
	r.mem.OnWrite = func(addr, val uint32) bool {
		if addr == cidx {
			r.mem.Regs[cidx] = val
			r.mem.Regs[didx] = val
			return true
		}
		if prev != nil {
			return prev(addr, val)
		}
		return false
	}
}

func TestPrefetchBeforeBase(t *testing.T) {
	r := newRig(t)
	var order []uint32
	ext := r.rev.RingExtCtrl(r.rev.FwdlRing)
	base := r.rev.RingBase(r.rev.FwdlRing)
	r.mem.OnWrite = func(addr, val uint32) bool {
		if addr == ext || addr == base {
			order = append(order, addr)
		}
		return false
	}
	if _, err := r.eng.AllocRing(FwDownload); err != nil {
		t.Fatalf("AllocRing failed: %v", err)
	}
	if len(order) != 2 || order[0] != ext || order[1] != base {
		t.Errorf("register write order %#x, want EXT_CTRL %#x before base %#x", order, ext, base)
	}
	if got := r.mem.Regs[ext]; got != r.rev.FwdlRing.PrefetchVal() {
		t.Errorf("prefetch = %#x, want %#x", got, r.rev.FwdlRing.PrefetchVal())
	}
}

func TestAllocRingFailure(t *testing.T) {
	r := newRig(t)
	r.alloc.FailNext = true
	if _, err := r.eng.AllocRing(FwDownload); !errors.Is(err, dma.ErrAllocation) {
		t.Fatalf("AllocRing = %v, want ErrAllocation", err)
	}
}

func TestSubmitEncodesDescriptor(t *testing.T) {
	r := newRig(t)
	ring, err := r.eng.AllocRing(FwDownload)
	if err != nil {
		t.Fatalf("AllocRing failed: %v", err)
	}
	if err := ring.Submit(0x1_0000_2000, 0x800, true); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	d := decodeDesc(ring.mem.Bytes()[0:DescSize])
	if d.Buf0 != 0x2000 || d.Buf1 != 0x1 {
		t.Errorf("buffer address = %#x/%#x, want 0x2000/0x1", d.Buf0, d.Buf1)
	}
	if d.Ctrl&CtrlLenMask != 0x800 {
		t.Errorf("length = %#x, want 0x800", d.Ctrl&CtrlLenMask)
	}
	if d.Ctrl&CtrlLastSec0 == 0 {
		t.Error("last-segment flag not set")
	}
	if d.Ctrl&CtrlDmaDone != 0 {
		t.Error("done bit set by driver")
	}
	cidx := r.rev.RingBase(r.rev.FwdlRing) + ringRegCIdx
	if got := r.mem.Regs[cidx]; got != 1 {
		t.Errorf("CIDX = %d, want 1", got)
	}
}

// The head never wraps past a done index that has not advanced.
func TestRingFull(t *testing.T) {
	r := newRig(t)
	ring, err := r.eng.AllocRing(FwDownload)
	if err != nil {
		t.Fatalf("AllocRing failed: %v", err)
	}
	// Without drain, capacity-1 slots fit.
	for i := 0; i < ring.Capacity()-1; i++ {
		if err := ring.Submit(0x1000, 16, true); err != nil {
			t.Fatalf("Submit %d failed: %v", i, err)
		}
	}
	if err := ring.Submit(0x1000, 16, true); !errors.Is(err, ErrRingFull) {
		t.Fatalf("Submit on full ring = %v, want ErrRingFull", err)
	}
}

// 200 serial submissions on a 128-deep ring with immediate drain never
// report a full ring.
func TestSerialSubmitNeverFull(t *testing.T) {
	r := newRig(t)
	ring, err := r.eng.AllocRing(FwDownload)
	if err != nil {
		t.Fatalf("AllocRing failed: %v", err)
	}
	if ring.Capacity() != 128 {
		t.Fatalf("fwdl ring capacity = %d, want 128", ring.Capacity())
	}
	r.drainImmediately(r.rev.FwdlRing)
	for i := 0; i < 200; i++ {
		if err := ring.Submit(0x1000, 16, true); err != nil {
			t.Fatalf("Submit %d = %v", i, err)
		}
		if err := ring.WaitDrain(context.Background(), 0); err != nil {
			t.Fatalf("WaitDrain %d = %v", i, err)
		}
	}
}

func TestWaitDrainTimeout(t *testing.T) {
	r := newRig(t)
	ring, err := r.eng.AllocRing(FwDownload)
	if err != nil {
		t.Fatalf("AllocRing failed: %v", err)
	}
	if err := ring.Submit(0x1000, 16, true); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := ring.WaitDrain(context.Background(), 0); !errors.Is(err, ErrRingTimeout) {
		t.Fatalf("WaitDrain = %v, want ErrRingTimeout", err)
	}
}

func TestEnableAll(t *testing.T) {
	r := newRig(t)
	if err := r.eng.EnableAll(); err != nil {
		t.Fatalf("EnableAll failed: %v", err)
	}
	glo := r.mem.Regs[r.rev.GloCfg()]
	for _, bit := range []uint32{
		chip.GLO_CFG_TX_DMA_EN, chip.GLO_CFG_RX_DMA_EN,
		chip.GLO_CFG_TX_WB_DDONE, chip.GLO_CFG_FIFO_LITTLE_ENDIAN,
		chip.GLO_CFG_CLK_GAT_DIS, chip.GLO_CFG_OMIT_TX_INFO,
	} {
		if glo&bit == 0 {
			t.Errorf("GLO_CFG %#08x missing bit %#x", glo, bit)
		}
	}
	if r.mem.Regs[r.rev.RstDTxPtr()] != ^uint32(0) {
		t.Error("DTX pointer not reset to all-available")
	}
}

// An enable that reads back as a locked register (all zero) is an error.
func TestEnableAllLockedRegisters(t *testing.T) {
	r := newRig(t)
	r.mem.OnWrite = func(addr, val uint32) bool {
		// Registers still locked: stores to GLO_CFG do not latch.
		return addr == r.rev.GloCfg()
	}
	if err := r.eng.EnableAll(); err == nil {
		t.Fatal("EnableAll succeeded against locked registers")
	}
}

// The force pulse leaves the logic-reset bits set.
func TestDisableForceLeavesResetSet(t *testing.T) {
	r := newRig(t)
	if err := r.eng.DisableAll(context.Background(), true); err != nil {
		t.Fatalf("DisableAll failed: %v", err)
	}
	rst := r.mem.Regs[r.rev.WFDMARst()]
	want := chip.WFDMA_RST_LOGIC_RST | chip.WFDMA_RST_DMASHDL_ALL_RST
	if rst&want != want {
		t.Errorf("WFDMA RST = %#x, logic-reset bits must stay set", rst)
	}
	if r.mem.Regs[r.rev.DMAShdlCtl]&chip.DMASHDL_BYPASS == 0 {
		t.Error("scheduler bypass not set")
	}
}

// Ring memory is only released after DMA has been disabled.
func TestCloseRequiresDisable(t *testing.T) {
	r := newRig(t)
	if _, err := r.eng.AllocRing(FwDownload); err != nil {
		t.Fatalf("AllocRing failed: %v", err)
	}
	if err := r.eng.EnableAll(); err != nil {
		t.Fatalf("EnableAll failed: %v", err)
	}
	if err := r.eng.Close(); err == nil {
		t.Fatal("Close succeeded while DMA enabled")
	}
	if err := r.eng.DisableAll(context.Background(), false); err != nil {
		t.Fatalf("DisableAll failed: %v", err)
	}
	if err := r.eng.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if r.alloc.Live() != 0 {
		t.Errorf("%d dma buffers leaked after Close", r.alloc.Live())
	}
}
