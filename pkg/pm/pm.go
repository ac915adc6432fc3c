// Copyright 2023 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pm toggles the low-power ownership bit between firmware and
// driver. The handoff has to complete before most other register accesses
// mean anything, but a failed handoff is not always fatal: with no firmware
// resident yet there may be nothing on the other side to answer.
package pm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmhodges/clock"
	"github.com/jpillora/backoff"

	"github.com/mtk-wifi/mt7927/pkg/chip"
	"github.com/mtk-wifi/mt7927/pkg/logger"
	"github.com/mtk-wifi/mt7927/pkg/mmio"
)

var log = logger.LogContainer.GetSimpleLogger()

// ErrOwnershipTimeout is returned when the sync bit never reached the
// requested state within the configured retries.
var ErrOwnershipTimeout = errors.New("ownership handoff timeout")

// Owner is the observed side holding the chip.
type Owner int

const (
	FirmwareOwned Owner = iota
	DriverOwned
)

func (o Owner) String() string {
	if o == DriverOwned {
		return "driver"
	}
	return "firmware"
}

// Extra settle needed between the ownership write and the sync poll when a
// power-saving link state is active.
const aspmSettle = 2 * time.Millisecond

type Controller struct {
	w    *mmio.Window
	rev  *chip.Revision
	clk  clock.Clock
	aspm bool
}

func New(w *mmio.Window, rev *chip.Revision, clk clock.Clock, aspm bool) *Controller {
	if clk == nil {
		clk = clock.New()
	}
	return &Controller{w: w, rev: rev, clk: clk, aspm: aspm}
}

// Owner reports which side currently holds the chip per the sync bit.
func (c *Controller) Owner() Owner {
	if c.w.ReadRemap(c.rev.LPCtl)&chip.LPCR_HOST_OWN_SYNC == 0 {
		return DriverOwned
	}
	return FirmwareOwned
}

func (c *Controller) handoff(ctx context.Context, set uint32, wantSync uint32, to Owner) error {
	b := &backoff.Backoff{
		Min:    time.Millisecond,
		Max:    50 * time.Millisecond,
		Factor: 2,
	}
	for i := 0; i < c.rev.OwnRetries; i++ {
		if i > 0 {
			c.clk.Sleep(b.Duration())
		}
		c.w.WriteRemap(c.rev.LPCtl, set)
		if c.aspm {
			c.clk.Sleep(aspmSettle)
		}
		err := c.w.PollRemap(ctx, c.rev.LPCtl, chip.LPCR_HOST_OWN_SYNC, wantSync, c.rev.OwnPoll)
		if err == nil {
			log.Infof("%s ownership acquired after %d attempt(s)", to, i+1)
			return nil
		}
		if !errors.Is(err, mmio.ErrTimeout) {
			return err
		}
	}
	return fmt.Errorf("%s ownership not confirmed after %d attempts: %w",
		to, c.rev.OwnRetries, ErrOwnershipTimeout)
}

// HandoffToFirmware gives the chip to firmware and waits for the sync bit
// to latch.
func (c *Controller) HandoffToFirmware(ctx context.Context) error {
	return c.handoff(ctx, chip.LPCR_HOST_SET_OWN, chip.LPCR_HOST_OWN_SYNC, FirmwareOwned)
}

// HandoffToDriver takes the chip for the driver and waits for the sync bit
// to clear.
func (c *Controller) HandoffToDriver(ctx context.Context) error {
	return c.handoff(ctx, chip.LPCR_HOST_CLR_OWN, 0, DriverOwned)
}
