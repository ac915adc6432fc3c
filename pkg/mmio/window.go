// Copyright 2023 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mmio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmhodges/clock"

	"github.com/mtk-wifi/mt7927/pkg/logger"
)

var log = logger.LogContainer.GetSimpleLogger()

var (
	// ErrTimeout is returned by Poll and PollRemap when the expected
	// register state was not observed within the deadline.
	ErrTimeout = errors.New("poll timeout")
)

// Sentinel is returned for reads outside the mapped window. The value is
// deliberately not all-ones so it can be told apart from a wedged bus,
// which reads back 0xffffffff.
const Sentinel uint32 = 0xdeadbeef

// Registers polled more often than this cannot settle anyway.
const pollInterval = time.Millisecond

// The remap selector needs a moment to take effect before the aperture is
// coherent.
const remapSettle = time.Microsecond

// Remap describes the paged aperture for registers outside the window:
// writing the high bits of a target address to Sel exposes a Size-byte
// page of that region at Base.
type Remap struct {
	Sel  uint32
	Base uint32
	Size uint32
}

// Config carries per-window options. The zero value is usable.
type Config struct {
	// Trace logs every register access. Extremely verbose.
	Trace bool
	// Clock is used for remap settling and poll pacing. Defaults to the
	// system clock; tests inject a fake.
	Clock clock.Clock
	// OnOutOfRange is invoked for every dropped out-of-range access,
	// in addition to the once-per-offset log line.
	OnOutOfRange func(offset uint32, write bool)
}

// Window is a bounds-checked view of the device register space. Accesses
// outside the mapped length never touch the backing: reads return Sentinel
// and writes are dropped, both with a diagnostic, so a bad offset degrades
// the bring-up instead of faulting the process.
type Window struct {
	mem    Mem
	length uint32
	remap  Remap
	cfg    Config
	clk    clock.Clock
	warned map[uint32]bool
}

func NewWindow(mem Mem, length uint32, remap Remap, cfg Config) *Window {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Window{
		mem:    mem,
		length: length,
		remap:  remap,
		cfg:    cfg,
		clk:    clk,
		warned: make(map[uint32]bool),
	}
}

// Length returns the size of the mapped window in bytes.
func (w *Window) Length() uint32 { return w.length }

// Close releases the backing mapping. The window must not be used after.
func (w *Window) Close() error { return w.mem.Close() }

func (w *Window) outOfRange(offset uint32, write bool) {
	if !w.warned[offset] {
		w.warned[offset] = true
		log.Warnf("register access outside mapped window: offset %#x (len %#x), write=%v",
			offset, w.length, write)
	}
	if w.cfg.OnOutOfRange != nil {
		w.cfg.OnOutOfRange(offset, write)
	}
}

// inRange reports whether a full 4-byte access at offset stays inside
// the mapping. The last three byte offsets are out: a dword there would
// dereference past the end.
func (w *Window) inRange(offset uint32) bool {
	return offset < w.length && w.length-offset >= 4
}

func (w *Window) Read32(offset uint32) uint32 {
	if !w.inRange(offset) {
		w.outOfRange(offset, false)
		return Sentinel
	}
	v := w.mem.Read32(offset)
	if w.cfg.Trace {
		log.Debugf("rr %#08x -> %#08x", offset, v)
	}
	return v
}

func (w *Window) Write32(offset uint32, value uint32) {
	if !w.inRange(offset) {
		w.outOfRange(offset, true)
		return
	}
	if w.cfg.Trace {
		log.Debugf("wr %#08x <- %#08x", offset, value)
	}
	w.mem.Write32(offset, value)
}

func (w *Window) SetBits(offset uint32, bits uint32) {
	w.Write32(offset, w.Read32(offset)|bits)
}

func (w *Window) ClearBits(offset uint32, bits uint32) {
	w.Write32(offset, w.Read32(offset)&^bits)
}

func (w *Window) RMW(offset uint32, mask, value uint32) {
	w.Write32(offset, (w.Read32(offset)&^mask)|value)
}

// selectRemap programs the aperture page for the given target address and
// returns the in-window offset to access.
func (w *Window) selectRemap(addr uint32) uint32 {
	page := addr &^ (w.remap.Size - 1)
	w.Write32(w.remap.Sel, page>>16)
	w.clk.Sleep(remapSettle)
	return w.remap.Base + addr&(w.remap.Size-1)
}

// ReadRemap reads a register that lies outside the directly mapped window
// through the remap aperture.
func (w *Window) ReadRemap(addr uint32) uint32 {
	return w.Read32(w.selectRemap(addr))
}

func (w *Window) WriteRemap(addr uint32, value uint32) {
	w.Write32(w.selectRemap(addr), value)
}

func (w *Window) SetBitsRemap(addr uint32, bits uint32) {
	w.WriteRemap(addr, w.ReadRemap(addr)|bits)
}

func (w *Window) ClearBitsRemap(addr uint32, bits uint32) {
	w.WriteRemap(addr, w.ReadRemap(addr)&^bits)
}

func (w *Window) RMWRemap(addr uint32, mask, value uint32) {
	w.WriteRemap(addr, (w.ReadRemap(addr)&^mask)|value)
}

func (w *Window) poll(ctx context.Context, read func() uint32, mask, want uint32, timeout time.Duration) error {
	deadline := w.clk.Now().Add(timeout)
	for {
		if read()&mask == want {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !w.clk.Now().Before(deadline) {
			return fmt.Errorf("mask %#x want %#x after %v: %w", mask, want, timeout, ErrTimeout)
		}
		w.clk.Sleep(pollInterval)
	}
}

// Poll waits until (register & mask) == want or the timeout elapses. It
// never blocks past the timeout and honors ctx cancellation mid-poll.
func (w *Window) Poll(ctx context.Context, offset uint32, mask, want uint32, timeout time.Duration) error {
	return w.poll(ctx, func() uint32 { return w.Read32(offset) }, mask, want, timeout)
}

// PollRemap is Poll through the remap aperture.
func (w *Window) PollRemap(ctx context.Context, addr uint32, mask, want uint32, timeout time.Duration) error {
	return w.poll(ctx, func() uint32 { return w.ReadRemap(addr) }, mask, want, timeout)
}
