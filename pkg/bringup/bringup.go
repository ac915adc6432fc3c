// Copyright 2023 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package bringup sequences the chip from power-on to running
// firmware: ownership handoff, subsystem reset, DMA configuration and
// the two-stage firmware download.
package bringup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/jmhodges/clock"
	"github.com/spf13/afero"

	"github.com/mtk-wifi/mt7927/pkg/chip"
	"github.com/mtk-wifi/mt7927/pkg/dma"
	"github.com/mtk-wifi/mt7927/pkg/firmware"
	"github.com/mtk-wifi/mt7927/pkg/logger"
	"github.com/mtk-wifi/mt7927/pkg/mcu"
	"github.com/mtk-wifi/mt7927/pkg/metric"
	"github.com/mtk-wifi/mt7927/pkg/mmio"
	"github.com/mtk-wifi/mt7927/pkg/pm"
	"github.com/mtk-wifi/mt7927/pkg/wfdma"
	"github.com/mtk-wifi/mt7927/pkg/wfsys"
)

var log = logger.LogContainer.GetSimpleLogger()

// Phase is how far the bring-up sequence got.
type Phase int

const (
	PhaseNone Phase = iota
	PhaseOwnership
	PhaseReset
	PhaseDMA
	PhasePatch
	PhaseRAM
	PhaseReady
)

func (p Phase) String() string {
	switch p {
	case PhaseNone:
		return "none"
	case PhaseOwnership:
		return "ownership"
	case PhaseReset:
		return "reset"
	case PhaseDMA:
		return "dma"
	case PhasePatch:
		return "patch"
	case PhaseRAM:
		return "ram"
	case PhaseReady:
		return "ready"
	}
	return "unknown"
}

// Result is the diagnostic record of one bring-up attempt. Ownership
// and reset are recorded as confirmations rather than failures: the
// chip frequently lets the sequence proceed without a clean ack, and
// the later stages fail more informatively when it does not.
type Result struct {
	Phase              Phase
	ChipID             uint32
	ChipRev            uint32
	GloCfg             uint32
	OwnershipConfirmed bool
	ResetConfirmed     bool
	FirmwareReady      bool
	Err                error
}

// Summary renders the result for operators.
func (r *Result) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "phase reached:   %s\n", r.Phase)
	fmt.Fprintf(&b, "chip id:         %#08x rev %#08x\n", r.ChipID, r.ChipRev)
	fmt.Fprintf(&b, "ownership ack:   %v\n", r.OwnershipConfirmed)
	fmt.Fprintf(&b, "reset init-done: %v\n", r.ResetConfirmed)
	fmt.Fprintf(&b, "dma glo_cfg:     %#08x\n", r.GloCfg)
	fmt.Fprintf(&b, "firmware ready:  %v\n", r.FirmwareReady)
	if r.Err != nil {
		fmt.Fprintf(&b, "error:           %v\n", r.Err)
	}
	return b.String()
}

// Options tunes a bring-up run. Zero values pick the production
// defaults.
type Options struct {
	// ASPM keeps PCIe link power management enabled during the
	// ownership handoff.
	ASPM bool
	// FirmwareDir overrides the firmware search path.
	FirmwareDir string
	// Fs is the filesystem the firmware is loaded from.
	Fs afero.Fs
	// Clock drives every delay and timeout.
	Clock clock.Clock
	// Alloc provides DMA-visible memory for the rings.
	Alloc dma.Allocator
}

// Controller owns the bring-up sequence for one device.
type Controller struct {
	w       *mmio.Window
	rev     *chip.Revision
	clk     clock.Clock
	loader  *firmware.Loader
	power   *pm.Controller
	subsys  *wfsys.Controller
	eng     *wfdma.Engine
	alloc   dma.Allocator
	drv     *mcu.Driver
	phase   Phase
	started bool
	result  Result

	attempts *metrics.Counter
	failures *metrics.Counter
	fwBytes  *metrics.Counter
}

var metricNS = metric.MetricOpts{Namespace: "mt7927", Subsystem: "bringup"}

func New(w *mmio.Window, rev *chip.Revision, opts Options) *Controller {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	if opts.FirmwareDir == "" {
		opts.FirmwareDir = firmware.DefaultDir
	}
	if opts.Alloc == nil {
		opts.Alloc = dma.NewHeapAllocator()
	}
	c := &Controller{
		w:      w,
		rev:    rev,
		clk:    opts.Clock,
		loader: firmware.NewLoader(opts.Fs, opts.FirmwareDir),
		power:  pm.New(w, rev, opts.Clock, opts.ASPM),
		subsys: wfsys.New(w, rev, opts.Clock),
		eng:    wfdma.NewEngine(w, rev, opts.Clock, opts.Alloc),
		alloc:  opts.Alloc,
	}
	c.attempts = metric.Counter(withName("attempts_total"), nil)
	c.failures = metric.Counter(withName("failures_total"), nil)
	c.fwBytes = metric.Counter(withName("firmware_bytes_total"), nil)
	metric.Gauge(withName("phase"), nil, func() float64 {
		return float64(c.phase)
	})
	return c
}

func withName(name string) metric.MetricOpts {
	o := metricNS
	o.Name = name
	return o
}

var outOfRange = metric.Counter(withName("mmio_out_of_range_total"), nil)

// CountOutOfRange is an mmio.Config.OnOutOfRange hook that feeds the
// out-of-range access counter.
func CountOutOfRange(offset uint32, write bool) {
	outOfRange.Inc()
}

// reach advances the phase, counts it and records how long the phase
// took to get to. It returns the timestamp for timing the next one.
func (c *Controller) reach(p Phase, since time.Time) time.Time {
	c.phase = p
	now := c.clk.Now()
	metric.Counter(withName("phase_total"), []string{`phase="` + p.String() + `"`}).Inc()
	metric.Histogram(withName("phase_seconds"), []string{`phase="` + p.String() + `"`}).
		Update(now.Sub(since).Seconds())
	return now
}

// Result returns the record of the last bring-up attempt.
func (c *Controller) Result() *Result { return &c.result }

// Phase returns how far the current or last attempt got.
func (c *Controller) Phase() Phase { return c.phase }

func (c *Controller) fail(err error) (*Result, error) {
	c.failures.Inc()
	c.result.Phase = c.phase
	c.result.Err = err
	return &c.result, err
}

// BringUp runs the full sequence. The returned Result is valid even on
// failure and records the phase that was reached.
func (c *Controller) BringUp(ctx context.Context) (*Result, error) {
	if c.started {
		return nil, fmt.Errorf("previous bring-up attempt not torn down")
	}
	c.started = true
	c.attempts.Inc()
	c.phase = PhaseNone
	c.result = Result{}
	mark := c.clk.Now()

	// Park ownership with the firmware first so the claim below is a
	// clean transition from a known state. A chip that is already
	// firmware-owned rejects this; that is fine.
	if err := c.power.HandoffToFirmware(ctx); err != nil {
		log.Debugf("pre-handoff to firmware: %v", err)
	}
	if err := c.power.HandoffToDriver(ctx); err != nil {
		// Without resident firmware there may be nothing to answer
		// the handshake; pressing on is the documented behavior.
		log.Warnf("device ownership not confirmed, continuing: %v", err)
	} else {
		c.result.OwnershipConfirmed = true
		mark = c.reach(PhaseOwnership, mark)
	}

	c.result.ChipID = c.w.ReadRemap(c.rev.ChipIDReg)
	c.result.ChipRev = c.w.ReadRemap(c.rev.ChipRevReg)
	if c.result.ChipID == mmio.Sentinel {
		log.Warnf("chip id read back as the bus error pattern")
	}
	log.Infof("chip id %#08x rev %#08x", c.result.ChipID, c.result.ChipRev)

	// EMI sleep protection must be engaged before the WFSYS reset or
	// the subsystem can wedge the external memory interface mid-cycle.
	c.w.SetBitsRemap(c.rev.EMICtl, c.rev.EMISlpProt)

	if err := c.subsys.Reset(ctx, c.rev.ResetTimeout); err != nil {
		log.Warnf("wfsys reset not confirmed, continuing: %v", err)
	} else {
		c.result.ResetConfirmed = true
		mark = c.reach(PhaseReset, mark)
	}

	// The bootloader publishes a magic index once its ROM is up. Not
	// all parts flying this chip family expose it, so a miss is only
	// a warning.
	if err := c.w.PollRemap(ctx, c.rev.ROMCodeIndex, 0xffff, chip.ROM_CODE_READY, c.rev.ResetTimeout); err != nil {
		log.Warnf("rom code index did not report ready: %v", err)
	}

	// Host interrupts stay masked for the whole download; everything
	// here is polled. The PCIe MAC still wants its low event sources
	// enabled or the download queue stalls, and any status left over
	// from a previous life is acked before rings go live.
	c.w.Write32(c.rev.HostIntEna(), 0)
	c.w.Write32(c.rev.PCIeMacInt, 0xff)
	c.w.Write32(c.rev.HostIntSta(), ^uint32(0))

	// Quiesce the engine before programming rings. Enabling over a
	// still-running engine leaves the ring registers unlatched.
	if err := c.eng.DisableAll(ctx, true); err != nil {
		return c.fail(fmt.Errorf("quiescing dma: %w", err))
	}

	fwdl, err := c.eng.AllocRing(wfdma.FwDownload)
	if err != nil {
		return c.fail(err)
	}
	cmd, err := c.eng.AllocRing(wfdma.McuCommand)
	if err != nil {
		return c.fail(err)
	}
	evt, err := c.eng.AllocRing(wfdma.McuEvent)
	if err != nil {
		return c.fail(err)
	}
	if err := c.eng.EnableAll(); err != nil {
		return c.fail(fmt.Errorf("enabling dma: %w", err))
	}
	c.result.GloCfg = c.w.Read32(c.rev.GloCfg())
	mark = c.reach(PhaseDMA, mark)

	c.drv, err = mcu.NewDriver(c.w, c.rev, c.clk, c.alloc, fwdl, cmd, evt)
	if err != nil {
		return c.fail(err)
	}

	if err := c.loadPatch(ctx); err != nil {
		return c.fail(err)
	}
	mark = c.reach(PhasePatch, mark)

	if err := c.loadRAM(ctx); err != nil {
		return c.fail(err)
	}
	mark = c.reach(PhaseRAM, mark)

	if err := c.drv.WaitReady(ctx); err != nil {
		return c.fail(err)
	}
	c.reach(PhaseReady, mark)
	c.result.Phase = c.phase
	c.result.FirmwareReady = true
	log.Infof("bring-up complete:\n%s", c.result.Summary())
	return &c.result, nil
}

func (c *Controller) loadPatch(ctx context.Context) error {
	b, err := c.loader.Load(c.rev.PatchFirmware)
	if err != nil {
		return err
	}
	img, err := firmware.ParsePatch(b, c.rev.PatchAddr)
	if err != nil {
		return err
	}
	c.fwBytes.Add(len(b))
	return c.drv.LoadPatch(ctx, img)
}

func (c *Controller) loadRAM(ctx context.Context) error {
	b, err := c.loader.Load(c.rev.RAMFirmware)
	if err != nil {
		return err
	}
	img, err := firmware.ParseRAM(b)
	if err != nil {
		return err
	}
	c.fwBytes.Add(len(b))
	if err := c.drv.LoadRAM(ctx, img); err != nil {
		return err
	}
	return c.drv.Start(ctx, img.Entry())
}

// TearDown quiesces DMA, releases the ring memory and hands the device
// back to the firmware. It is safe to call after a failed BringUp.
func (c *Controller) TearDown(ctx context.Context) error {
	var first error
	if c.drv != nil {
		if err := c.drv.Close(); err != nil && first == nil {
			first = err
		}
		c.drv = nil
	}
	if err := c.eng.DisableAll(ctx, true); err != nil && first == nil {
		first = err
	}
	if err := c.eng.Close(); err != nil && first == nil {
		first = err
	}
	if err := c.power.HandoffToFirmware(ctx); err != nil {
		log.Warnf("returning ownership to firmware: %v", err)
	}
	c.phase = PhaseNone
	c.started = false
	return first
}
