// Copyright 2023 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package wfdma owns the chip's descriptor-ring DMA engine: allocation and
// register programming of the fixed-role rings, the global enable/disable
// sequences, and the drain wait used to serialize command submission.
package wfdma

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmhodges/clock"

	"github.com/mtk-wifi/mt7927/pkg/chip"
	"github.com/mtk-wifi/mt7927/pkg/dma"
	"github.com/mtk-wifi/mt7927/pkg/logger"
	"github.com/mtk-wifi/mt7927/pkg/mmio"
)

var log = logger.LogContainer.GetSimpleLogger()

type Engine struct {
	w     *mmio.Window
	rev   *chip.Revision
	clk   clock.Clock
	alloc dma.Allocator

	rings   []*Ring
	enabled bool
}

func NewEngine(w *mmio.Window, rev *chip.Revision, clk clock.Clock, alloc dma.Allocator) *Engine {
	if clk == nil {
		clk = clock.New()
	}
	return &Engine{w: w, rev: rev, clk: clk, alloc: alloc}
}

func (e *Engine) ringConfig(role Role) chip.Ring {
	switch role {
	case FwDownload:
		return e.rev.FwdlRing
	case McuCommand:
		return e.rev.McuRing
	default:
		return e.rev.EventRing
	}
}

// AllocRing allocates and programs one fixed-role ring. The prefetch
// configuration is written before the base/count registers: with the
// prefetch engine unconfigured the base/count writes silently do not
// persist on this generation.
func (e *Engine) AllocRing(role Role) (*Ring, error) {
	cfg := e.ringConfig(role)
	buf, err := e.alloc.Alloc(cfg.Size * DescSize)
	if err != nil {
		return nil, fmt.Errorf("ring %s descriptors: %w", role, err)
	}
	for i := range buf.Bytes() {
		buf.Bytes()[i] = 0
	}

	e.w.Write32(e.rev.RingExtCtrl(cfg), cfg.PrefetchVal())

	base := e.rev.RingBase(cfg)
	e.w.Write32(base+ringRegBase, uint32(buf.DeviceAddr()))
	e.w.Write32(base+ringRegCount, uint32(cfg.Size))
	e.w.Write32(base+ringRegCIdx, 0)
	e.w.Write32(base+ringRegDIdx, 0)

	r := &Ring{role: role, cfg: cfg, w: e.w, rev: e.rev, mem: buf}
	e.rings = append(e.rings, r)
	log.Infof("ring %s: %d descriptors at device address %#x", role, cfg.Size, buf.DeviceAddr())
	return r, nil
}

// EnableAll resets the ring pointers to their all-available sentinel,
// programs the global configuration, turns on the TX/RX engines and
// verifies by read-back that the enables stuck.
func (e *Engine) EnableAll() error {
	rev := e.rev

	e.w.Write32(rev.RstDTxPtr(), ^uint32(0))
	e.w.Write32(rev.RstDRxPtr(), ^uint32(0))
	e.w.Write32(rev.PriDlyIntCfg0(), 0)

	e.w.SetBits(rev.GloCfg(),
		chip.GLO_CFG_TX_WB_DDONE|
			chip.GLO_CFG_FIFO_LITTLE_ENDIAN|
			chip.GLO_CFG_CLK_GAT_DIS|
			chip.GLO_CFG_OMIT_TX_INFO|
			chip.GLO_CFG_CSR_DISP_BASE_CHAIN|
			chip.GLO_CFG_OMIT_RX_INFO_PFET2|
			3<<chip.GLO_CFG_DMA_SIZE_SHIFT)

	e.w.SetBits(rev.GloCfg(), chip.GLO_CFG_TX_DMA_EN|chip.GLO_CFG_RX_DMA_EN)

	got := e.w.Read32(rev.GloCfg())
	want := chip.GLO_CFG_TX_DMA_EN | chip.GLO_CFG_RX_DMA_EN
	if got&want != want {
		return fmt.Errorf("dma enable did not stick, GLO_CFG=%#08x", got)
	}
	e.enabled = true
	return nil
}

// DisableAll clears the TX/RX enables and waits for the busy flags to
// drop. A busy timeout is logged and otherwise ignored; the device is
// about to be reset or torn down anyway. With force set, the logic-reset
// bits are pulsed clear-then-set and deliberately left set: clearing them
// again regresses the part into a state where ring registers stop
// latching.
func (e *Engine) DisableAll(ctx context.Context, force bool) error {
	rev := e.rev

	e.w.ClearBits(rev.GloCfg(),
		chip.GLO_CFG_TX_DMA_EN|
			chip.GLO_CFG_RX_DMA_EN|
			chip.GLO_CFG_FIFO_LITTLE_ENDIAN|
			chip.GLO_CFG_OMIT_RX_INFO_PFET2|
			chip.GLO_CFG_OMIT_TX_INFO)

	err := e.w.Poll(ctx, rev.GloCfg(),
		chip.GLO_CFG_TX_DMA_BUSY|chip.GLO_CFG_RX_DMA_BUSY, 0, rev.BusyTimeout)
	if errors.Is(err, mmio.ErrTimeout) {
		log.Warnf("dma busy flags did not clear: %v", err)
	} else if err != nil {
		return err
	}

	// Park the scheduler and let the host drive the queues directly.
	e.w.ClearBits(rev.GloCfgExt0(), chip.GLO_CFG_EXT0_TX_DMASHDL_EN)
	e.w.SetBitsRemap(rev.DMAShdlCtl, chip.DMASHDL_BYPASS)

	if force {
		rst := chip.WFDMA_RST_LOGIC_RST | chip.WFDMA_RST_DMASHDL_ALL_RST
		e.w.ClearBits(rev.WFDMARst(), rst)
		e.w.SetBits(rev.WFDMARst(), rst)
	}

	e.enabled = false
	return nil
}

// Close frees all descriptor memory. The engine must be disabled first so
// no descriptor can still be inspected by hardware.
func (e *Engine) Close() error {
	if e.enabled {
		return fmt.Errorf("dma engine still enabled, refusing to free ring memory")
	}
	var firstErr error
	for _, r := range e.rings {
		if err := r.mem.Free(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.rings = nil
	return firstErr
}
