// Copyright 2023 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wfsys

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmhodges/clock"

	"github.com/mtk-wifi/mt7927/pkg/chip"
	"github.com/mtk-wifi/mt7927/pkg/mmio"
	"github.com/mtk-wifi/mt7927/pkg/mmio/mmiotest"
)

func testSetup() (*chip.Revision, *mmiotest.Mem, *mmio.Window, clock.FakeClock) {
	rev := chip.MT7927()
	remap := mmio.Remap{Sel: rev.RemapSel, Base: rev.RemapBase, Size: rev.RemapSize}
	mem := mmiotest.New(remap)
	clk := clock.NewFake()
	w := mmio.NewWindow(mem, 0x200000, remap, mmio.Config{Clock: clk})
	return rev, mem, w, clk
}

// A backing that reports init done after exactly one assert/deassert cycle
// must succeed within the default timeout.
func TestResetOneCycle(t *testing.T) {
	rev, mem, w, clk := testSetup()
	rst := rev.WFSysRst[0]
	mem.Regs[rst] = chip.WFSYS_SW_RST_B
	mem.OnWrite = func(addr, val uint32) bool {
		if addr != rst {
			return false
		}
		if val&chip.WFSYS_SW_RST_B != 0 && mem.Regs[rst]&chip.WFSYS_SW_RST_B == 0 {
			// Deassert after a completed assert: init done.
			mem.Regs[rst] = val | chip.WFSYS_SW_INIT_DONE
			return true
		}
		return false
	}
	c := New(w, rev, clk)
	if err := c.Reset(context.Background(), 0); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if c.State() != InitDone {
		t.Errorf("State() = %v, want init-done", c.State())
	}
}

// InitDone is never observed before the mandatory settle delay elapsed.
func TestResetSettleDelay(t *testing.T) {
	rev, mem, w, clk := testSetup()
	rst := rev.WFSysRst[0]
	// Report init done from the start; the sequence still must not
	// reach the deassert before 50ms of reset hold.
	mem.Regs[rst] = chip.WFSYS_SW_RST_B | chip.WFSYS_SW_INIT_DONE
	start := clk.Now()
	var asserted time.Time
	mem.OnWrite = func(addr, val uint32) bool {
		if addr != rst {
			return false
		}
		if val&chip.WFSYS_SW_RST_B == 0 {
			asserted = clk.Now()
		} else if clk.Now().Sub(asserted) < rev.ResetSettle {
			t.Errorf("reset deasserted %v after assert, want >= %v",
				clk.Now().Sub(asserted), rev.ResetSettle)
		}
		return false
	}
	c := New(w, rev, clk)
	if err := c.Reset(context.Background(), 0); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if clk.Now().Sub(start) < rev.ResetSettle {
		t.Errorf("Reset returned after %v, before the mandatory settle", clk.Now().Sub(start))
	}
}

// On primary-address timeout the alternate address is tried once, and its
// success completes the reset.
func TestResetAlternateAddress(t *testing.T) {
	rev, mem, w, clk := testSetup()
	if len(rev.WFSysRst) < 2 {
		t.Fatal("revision has no alternate reset address")
	}
	alt := rev.WFSysRst[1]
	mem.OnWrite = func(addr, val uint32) bool {
		if addr == alt && val&chip.WFSYS_SW_RST_B != 0 {
			mem.Regs[alt] = val | chip.WFSYS_SW_INIT_DONE
			return true
		}
		// Primary address never reports init done.
		return false
	}
	c := New(w, rev, clk)
	if err := c.Reset(context.Background(), 10*time.Millisecond); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if c.State() != InitDone {
		t.Errorf("State() = %v, want init-done", c.State())
	}
}

func TestResetTimeout(t *testing.T) {
	rev, _, w, clk := testSetup()
	c := New(w, rev, clk)
	err := c.Reset(context.Background(), 10*time.Millisecond)
	if !errors.Is(err, mmio.ErrTimeout) {
		t.Fatalf("Reset = %v, want ErrTimeout", err)
	}
	if c.State() == InitDone {
		t.Error("State() reports init-done after a timed out reset")
	}
}
