// Copyright 2023 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package wfsys drives the wifi subsystem reset line. Until this sequence
// completes, most of the chip's registers outside a small always-on block
// read back as fixed values, so this is the single most important step of
// the bring-up.
package wfsys

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmhodges/clock"

	"github.com/mtk-wifi/mt7927/pkg/chip"
	"github.com/mtk-wifi/mt7927/pkg/logger"
	"github.com/mtk-wifi/mt7927/pkg/mmio"
)

var log = logger.LogContainer.GetSimpleLogger()

// State of the reset line as last driven by this controller.
type State int

const (
	Asserted State = iota
	Deasserted
	InitDone
)

func (s State) String() string {
	switch s {
	case Asserted:
		return "asserted"
	case Deasserted:
		return "deasserted"
	case InitDone:
		return "init-done"
	}
	return "unknown"
}

type Controller struct {
	w     *mmio.Window
	rev   *chip.Revision
	clk   clock.Clock
	state State
}

func New(w *mmio.Window, rev *chip.Revision, clk clock.Clock) *Controller {
	if clk == nil {
		clk = clock.New()
	}
	return &Controller{w: w, rev: rev, clk: clk, state: Deasserted}
}

// State reports the last driven reset state. InitDone is required before
// any ring configuration.
func (c *Controller) State() State { return c.state }

func (c *Controller) resetAt(ctx context.Context, addr uint32, timeout time.Duration) error {
	// Assert reset.
	c.w.ClearBitsRemap(addr, chip.WFSYS_SW_RST_B)
	c.state = Asserted

	// The part needs 50ms in reset. This is a documented hardware
	// minimum, not a condition that can be polled for.
	c.clk.Sleep(c.rev.ResetSettle)

	// Deassert and wait for the subsystem to report init done.
	c.w.SetBitsRemap(addr, chip.WFSYS_SW_RST_B)
	c.state = Deasserted

	return c.w.PollRemap(ctx, addr, chip.WFSYS_SW_INIT_DONE, chip.WFSYS_SW_INIT_DONE, timeout)
}

// Reset performs the assert / settle / deassert / init-done sequence. On
// timeout it retries once per alternate register address configured for
// the revision. A final timeout is returned to the caller, who may choose
// to continue: later stages fail more informatively if the reset really
// did not take.
func (c *Controller) Reset(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.rev.ResetTimeout
	}
	var err error
	for i, addr := range c.rev.WFSysRst {
		if i > 0 {
			log.Warnf("subsystem reset timed out, retrying at alternate address %#x", addr)
		}
		err = c.resetAt(ctx, addr, timeout)
		if err == nil {
			c.state = InitDone
			log.Infof("subsystem reset complete, registers unlocked")
			return nil
		}
		if !errors.Is(err, mmio.ErrTimeout) {
			return err
		}
	}
	return fmt.Errorf("subsystem init-done not observed at %d address(es): %w",
		len(c.rev.WFSysRst), err)
}
