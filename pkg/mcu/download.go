// Copyright 2023 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mcu speaks the ROM bootloader protocol over the WFDMA rings:
// patch and RAM firmware download, start request and ready detection.
package mcu

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmhodges/clock"
	"github.com/jpillora/backoff"
	"github.com/machinebox/progress"

	"github.com/mtk-wifi/mt7927/pkg/chip"
	"github.com/mtk-wifi/mt7927/pkg/dma"
	"github.com/mtk-wifi/mt7927/pkg/firmware"
	"github.com/mtk-wifi/mt7927/pkg/logger"
	"github.com/mtk-wifi/mt7927/pkg/mmio"
	"github.com/mtk-wifi/mt7927/pkg/wfdma"
)

var log = logger.LogContainer.GetSimpleLogger()

var (
	// ErrDownload covers hard failures of the download state machine.
	ErrDownload = errors.New("firmware download failed")
	// ErrNotReady means the firmware never signalled N9 readiness.
	ErrNotReady = errors.New("firmware not ready")
)

// ChunkSize is the scatter granularity. Each chunk is submitted on the
// download ring and drained before the next one goes out.
const ChunkSize = 4096

// State tracks the download state machine for diagnostics.
type State int

const (
	StateIdle State = iota
	StateSemaphore
	StateNegotiated
	StateTransferring
	StateFinished
	StateStarted
	StateReady
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSemaphore:
		return "semaphore"
	case StateNegotiated:
		return "negotiated"
	case StateTransferring:
		return "transferring"
	case StateFinished:
		return "finished"
	case StateStarted:
		return "started"
	case StateReady:
		return "ready"
	}
	return "unknown"
}

// Driver drives the bootloader protocol. Commands go out on the MCU
// command ring, scatter payloads on the firmware-download ring. The
// event ring, when present, is only observed for response arrival.
type Driver struct {
	w    *mmio.Window
	rev  *chip.Revision
	clk  clock.Clock
	fwdl *wfdma.Ring
	cmd  *wfdma.Ring
	evt  *wfdma.Ring

	scratch *dma.Buffer
	seq     seqCounter
	state   State

	chunksSent int
	evtSeen    int
}

// NewDriver allocates the bounce buffer for outgoing frames. The rings
// must already be configured on the engine; evt may be nil when no
// event ring is serviced.
func NewDriver(w *mmio.Window, rev *chip.Revision, clk clock.Clock, alloc dma.Allocator, fwdl, cmd, evt *wfdma.Ring) (*Driver, error) {
	buf, err := alloc.Alloc(TXDSize + ChunkSize)
	if err != nil {
		return nil, fmt.Errorf("mcu bounce buffer: %w", err)
	}
	return &Driver{
		w:       w,
		rev:     rev,
		clk:     clk,
		fwdl:    fwdl,
		cmd:     cmd,
		evt:     evt,
		scratch: buf,
	}, nil
}

// Close releases the bounce buffer. The rings stay with the engine.
func (d *Driver) Close() error {
	return d.scratch.Free()
}

// State reports the current download state.
func (d *Driver) State() State { return d.state }

// ChunksSent reports scatter submissions since the driver was created.
func (d *Driver) ChunksSent() int { return d.chunksSent }

// submit serializes cmd into the bounce buffer, posts it on ring and
// waits for the hardware to drain it.
func (d *Driver) submit(ctx context.Context, ring *wfdma.Ring, cmd *Command) error {
	if cmd.wireLen() > d.scratch.Size() {
		return fmt.Errorf("%w: frame of %d bytes exceeds bounce buffer", ErrDownload, cmd.wireLen())
	}
	cmd.Seq = d.seq.next()
	n := cmd.encode(d.scratch.Bytes())
	if err := ring.Submit(d.scratch.DeviceAddr(), n, true); err != nil {
		return err
	}
	return ring.WaitDrain(ctx, d.rev.DrainTimeout)
}

// waitResponse watches the event ring for the bootloader's answer. A
// missing response is logged and tolerated: the ROM acks lazily and
// the subsequent step fails anyway if the command was really lost.
func (d *Driver) waitResponse(ctx context.Context) {
	if d.evt == nil {
		return
	}
	deadline := d.clk.Now().Add(d.rev.DrainTimeout)
	for {
		didx := d.evt.DIdx()
		if didx != d.evtSeen {
			d.evtSeen = didx
			return
		}
		if ctx.Err() != nil || d.clk.Now().After(deadline) {
			log.Warnf("no bootloader response on event ring, continuing")
			return
		}
		d.clk.Sleep(time.Millisecond)
	}
}

// command sends a control frame on the MCU command ring.
func (d *Driver) command(ctx context.Context, id uint8, payload []byte) error {
	c := &Command{ID: id, PktFmt: PktFmtCommand, SetQuery: 1, Dest: S2DHost2N9, Payload: payload}
	if err := d.submit(ctx, d.cmd, c); err != nil {
		return fmt.Errorf("command %#x: %w", id, err)
	}
	d.waitResponse(ctx)
	return nil
}

// negotiate announces the target address and length of the next region.
func (d *Driver) negotiate(ctx context.Context, addr, length, mode uint32) error {
	var p [12]byte
	le32(p[0:], addr)
	le32(p[4:], length)
	le32(p[8:], mode)
	if err := d.command(ctx, CmdTargetAddressLenReq, p[:]); err != nil {
		return err
	}
	d.state = StateNegotiated
	return nil
}

// scatter streams data in ChunkSize frames on the download ring. Every
// chunk is drained before the next submission, so one bounce buffer is
// enough and the ring can never overflow this path.
func (d *Driver) scatter(ctx context.Context, data []byte) error {
	d.state = StateTransferring
	size := int64(len(data))
	r := progress.NewReader(bytes.NewReader(data))
	buf := make([]byte, ChunkSize)
	for sent := int64(0); sent < size; {
		n, err := r.Read(buf)
		if n == 0 {
			if err != nil {
				return fmt.Errorf("%w: scatter read: %v", ErrDownload, err)
			}
			continue
		}
		c := &Command{ID: CmdFWScatter, PktFmt: PktFmtFirmware, Dest: S2DHost2N9, Payload: buf[:n]}
		if err := d.submit(ctx, d.fwdl, c); err != nil {
			return fmt.Errorf("scatter at %d/%d bytes: %w", sent, size, err)
		}
		d.chunksSent++
		sent = r.N()
		if d.chunksSent%16 == 0 && size > 0 {
			log.Debugf("firmware transfer %d%%", 100*sent/size)
		}
	}
	return nil
}

// semaphore acquires or releases the patch semaphore. Acquisition
// failure is soft: the chip may not implement the handshake and a
// doomed download fails loudly at the next step instead.
func (d *Driver) semaphore(ctx context.Context, op uint32) {
	var p [4]byte
	le32(p[0:], op)
	if err := d.command(ctx, CmdPatchSemControl, p[:]); err != nil {
		log.Warnf("patch semaphore op %d not acknowledged: %v", op, err)
	}
}

// LoadPatch downloads the ROM patch: semaphore get, address
// negotiation, scatter, finish, then an unconditional semaphore
// release regardless of the outcome.
func (d *Driver) LoadPatch(ctx context.Context, img *firmware.PatchImage) error {
	d.semaphore(ctx, SemGet)
	d.state = StateSemaphore

	err := d.loadPatchBody(ctx, img)

	// Release even on failure so a retry is not locked out.
	d.semaphore(ctx, SemRelease)
	if err != nil {
		d.state = StateIdle
		return err
	}
	d.state = StateFinished
	return nil
}

func (d *Driver) loadPatchBody(ctx context.Context, img *firmware.PatchImage) error {
	r := img.Regions[0]
	log.Infof("patch %s hw/sw %#x: %d bytes to %#x",
		img.Header.Platform, img.Header.HWSWVersion, len(r.Data), r.Addr)
	if err := d.negotiate(ctx, r.Addr, r.Len, ModeNeedRsp); err != nil {
		return err
	}
	if err := d.scatter(ctx, r.Data); err != nil {
		return err
	}
	if err := d.command(ctx, CmdPatchFinishReq, nil); err != nil {
		return fmt.Errorf("patch finish: %w", err)
	}
	return nil
}

// LoadRAM downloads the RAM firmware region by region in table order.
func (d *Driver) LoadRAM(ctx context.Context, img *firmware.RAMImage) error {
	log.Infof("ram firmware %s built %s: %d regions",
		img.Trailer.RAMVersion, img.Trailer.BuildDate, len(img.Regions))
	for i, r := range img.Regions {
		// RAM regions download through the PDA, unlike the patch.
		mode := ModeNeedRsp | ModeWorkingPDA
		if r.FeatureSet&firmware.FeatureEncrypted != 0 {
			log.Warnf("ram region %d is marked encrypted, on-chip decryption is not negotiated", i)
		}
		log.Debugf("ram region %d: %d bytes to %#x mode %#x", i, len(r.Data), r.Addr, mode)
		if err := d.negotiate(ctx, r.Addr, r.Len, mode); err != nil {
			d.state = StateIdle
			return err
		}
		if err := d.scatter(ctx, r.Data); err != nil {
			d.state = StateIdle
			return err
		}
	}
	d.state = StateFinished
	return nil
}

// Start issues the firmware start request. A non-zero entry overrides
// the default reset vector.
func (d *Driver) Start(ctx context.Context, entry uint32) error {
	var opt uint32
	if entry != 0 {
		opt = 1
	}
	var p [8]byte
	le32(p[0:], opt)
	le32(p[4:], entry)
	if err := d.command(ctx, CmdFWStartReq, p[:]); err != nil {
		d.state = StateIdle
		return fmt.Errorf("firmware start: %w", err)
	}
	d.state = StateStarted
	return nil
}

// WaitReady polls the N9 ready bits until the firmware reports up.
// Boot takes seconds on real silicon, so the poll backs off instead of
// hammering the bus.
func (d *Driver) WaitReady(ctx context.Context) error {
	b := &backoff.Backoff{
		Min:    10 * time.Millisecond,
		Max:    500 * time.Millisecond,
		Factor: 2,
	}
	deadline := d.clk.Now().Add(d.rev.ReadyTimeout)
	for {
		v := d.w.ReadRemap(d.rev.ConnOnMisc)
		if v&chip.TOP_MISC2_FW_N9_RDY == chip.TOP_MISC2_FW_N9_RDY {
			d.state = StateReady
			log.Infof("firmware reports ready, misc=%#x", v)
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.clk.Now().After(deadline) {
			return fmt.Errorf("%w: misc=%#x after %v", ErrNotReady, v, d.rev.ReadyTimeout)
		}
		d.clk.Sleep(b.Duration())
	}
}

func le32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
