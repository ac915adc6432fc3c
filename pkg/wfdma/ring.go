// Copyright 2023 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wfdma

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mtk-wifi/mt7927/pkg/chip"
	"github.com/mtk-wifi/mt7927/pkg/dma"
	"github.com/mtk-wifi/mt7927/pkg/mmio"
)

var (
	// ErrRingFull means the next slot has not been drained by hardware
	// yet. The reference sequence submits strictly serially, so hitting
	// this indicates a stuck done index.
	ErrRingFull = errors.New("ring full")
	// ErrRingTimeout means the hardware done index did not catch up to
	// the submitted index in time.
	ErrRingTimeout = errors.New("ring drain timeout")
)

// Role tags a ring with its fixed hardware function.
type Role int

const (
	FwDownload Role = iota
	McuCommand
	McuEvent
)

func (r Role) String() string {
	switch r {
	case FwDownload:
		return "fwdl"
	case McuCommand:
		return "mcu-cmd"
	case McuEvent:
		return "mcu-event"
	}
	return "unknown"
}

// Per-ring register offsets from the ring's base register.
const (
	ringRegBase  = 0x0 // descriptor base, low 32 bits
	ringRegCount = 0x4
	ringRegCIdx  = 0x8 // cpu (driver) index
	ringRegDIdx  = 0xc // dma (hardware done) index
)

// Ring is one fixed-role descriptor queue. It owns its descriptor memory;
// the memory is released exactly once, in Engine.Close, after DMA has been
// quiesced.
type Ring struct {
	role Role
	cfg  chip.Ring
	w    *mmio.Window
	rev  *chip.Revision
	mem  *dma.Buffer
	head int // next slot the driver will write; mirrors the CIDX register
}

func (r *Ring) Role() Role    { return r.role }
func (r *Ring) Capacity() int { return r.cfg.Size }
func (r *Ring) Head() int     { return r.head }

func (r *Ring) regs() uint32 { return r.rev.RingBase(r.cfg) }

// DIdx reads the hardware done index. On an event ring it advances when
// the device has posted a new buffer.
func (r *Ring) DIdx() int { return r.doneIndex() }

func (r *Ring) doneIndex() int {
	return int(r.w.Read32(r.regs()+ringRegDIdx)) % r.cfg.Size
}

// Submit writes one descriptor at head and publishes it through the CIDX
// register. The head never wraps past an undrained done index: if the next
// slot has not been consumed by hardware, Submit returns ErrRingFull
// without touching descriptor memory.
func (r *Ring) Submit(bufAddr uint64, length int, last bool) error {
	if length < 0 || uint32(length) > CtrlLenMask {
		return fmt.Errorf("descriptor payload length %d out of range", length)
	}
	next := (r.head + 1) % r.cfg.Size
	if next == r.doneIndex() {
		return fmt.Errorf("ring %s cidx %d didx %d: %w", r.role, r.head, r.doneIndex(), ErrRingFull)
	}
	d := Desc{
		Buf0: uint32(bufAddr),
		Buf1: uint32(bufAddr >> 32),
		Ctrl: uint32(length) & CtrlLenMask,
	}
	if last {
		d.Ctrl |= CtrlLastSec0
	}
	d.encode(r.mem.Bytes()[r.head*DescSize:])
	r.head = next
	r.w.Write32(r.regs()+ringRegCIdx, uint32(r.head))
	return nil
}

// WaitDrain polls the hardware done index until it reaches the last
// submitted index. A timeout is a hard failure for the command that was
// submitted; the caller decides whether the whole load attempt dies.
func (r *Ring) WaitDrain(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = r.rev.DrainTimeout
	}
	err := r.w.Poll(ctx, r.regs()+ringRegDIdx, 0xffff, uint32(r.head), timeout)
	if errors.Is(err, mmio.ErrTimeout) {
		return fmt.Errorf("ring %s did not drain to %d: %w", r.role, r.head, ErrRingTimeout)
	}
	return err
}
