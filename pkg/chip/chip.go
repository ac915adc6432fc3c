// Copyright 2023 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package chip carries the per-revision register layout of the supported
// chip family. Addresses and bit positions differ between silicon
// generations and even between documentation iterations of the same part,
// so everything the rest of the driver needs is supplied here as data:
// operations that historically needed a fallback address carry an ordered
// candidate list instead of a single constant.
package chip

import "time"

// Bits in CONN_ON_LPCTL, the low-power ownership control register.
const (
	LPCR_HOST_SET_OWN  uint32 = 1 << 0 // give the chip to firmware
	LPCR_HOST_CLR_OWN  uint32 = 1 << 1 // take the chip for the driver
	LPCR_HOST_OWN_SYNC uint32 = 1 << 2 // ownership status, set = firmware owned
)

// Bits in WFSYS_SW_RST_B, the wifi subsystem reset register.
const (
	WFSYS_SW_RST_B     uint32 = 1 << 0
	WFSYS_SW_INIT_DONE uint32 = 1 << 4
)

// Bits in WFDMA GLO_CFG.
const (
	GLO_CFG_TX_DMA_EN            uint32 = 1 << 0
	GLO_CFG_TX_DMA_BUSY          uint32 = 1 << 1
	GLO_CFG_RX_DMA_EN            uint32 = 1 << 2
	GLO_CFG_RX_DMA_BUSY          uint32 = 1 << 3
	GLO_CFG_DMA_SIZE_SHIFT              = 4
	GLO_CFG_DMA_SIZE_MASK        uint32 = 0x3 << GLO_CFG_DMA_SIZE_SHIFT
	GLO_CFG_TX_WB_DDONE          uint32 = 1 << 6
	GLO_CFG_FIFO_LITTLE_ENDIAN   uint32 = 1 << 12
	GLO_CFG_CSR_DISP_BASE_CHAIN  uint32 = 1 << 15
	GLO_CFG_OMIT_RX_INFO_PFET2   uint32 = 1 << 21
	GLO_CFG_OMIT_TX_INFO         uint32 = 1 << 28
	GLO_CFG_CLK_GAT_DIS          uint32 = 1 << 30
)

// Bits in WFDMA RST.
const (
	WFDMA_RST_LOGIC_RST       uint32 = 1 << 4
	WFDMA_RST_DMASHDL_ALL_RST uint32 = 1 << 5
)

// Bits in GLO_CFG_EXT0 and the DMA scheduler control register.
const (
	GLO_CFG_EXT0_TX_DMASHDL_EN uint32 = 1 << 16
	DMASHDL_BYPASS             uint32 = 1 << 0
)

// Firmware status in CONN_ON_MISC, bits [1:0].
const (
	TOP_MISC2_FW_N9_RDY uint32 = 0x3
)

// The ROM bootloader writes this value to the romcode index register once
// it accepts download commands.
const ROM_CODE_READY uint32 = 0x1d1e

// Ring describes one descriptor queue as laid out by this revision:
// its hardware queue index, direction, descriptor count, and the fixed
// prefetch programming for its EXT_CTRL register.
type Ring struct {
	Index         int
	Tx            bool
	Size          int
	PrefetchBase  uint16
	PrefetchDepth uint8
}

// PrefetchVal encodes the EXT_CTRL prefetch word: internal scratch base in
// the high half, depth in the low half.
func (r Ring) PrefetchVal() uint32 {
	return uint32(r.PrefetchBase)<<16 | uint32(r.PrefetchDepth)
}

// Revision is the register layout and tuning for one chip revision.
type Revision struct {
	Name   string
	ChipID uint16

	// Remap aperture for registers beyond the directly mapped window.
	RemapSel  uint32 // window-select register
	RemapBase uint32 // aperture base inside the window
	RemapSize uint32 // aperture size

	// Power, reset and status registers. All of these are remapped
	// addresses. WFSysRst is an ordered candidate list; the first
	// address is tried with the full timeout before falling back.
	LPCtl        uint32
	WFSysRst     []uint32
	ChipIDReg    uint32
	ChipRevReg   uint32
	EMICtl       uint32
	EMISlpProt   uint32
	ConnOnMisc   uint32
	ROMCodeIndex uint32
	DMAShdlCtl   uint32

	// WFDMA register block, directly mapped.
	WFDMABase  uint32
	PCIeMacInt uint32

	// Fixed-role rings.
	FwdlRing  Ring
	McuRing   Ring
	EventRing Ring

	// Firmware images and the patch load address.
	PatchFirmware string
	RAMFirmware   string
	PatchAddr     uint32

	// Tuning.
	OwnRetries   int
	OwnPoll      time.Duration
	ResetSettle  time.Duration
	ResetTimeout time.Duration
	BusyTimeout  time.Duration
	DrainTimeout time.Duration
	ReadyTimeout time.Duration
}

// WFDMA register offsets relative to WFDMABase.
func (r *Revision) HostIntSta() uint32    { return r.WFDMABase + 0x200 }
func (r *Revision) HostIntEna() uint32    { return r.WFDMABase + 0x204 }
func (r *Revision) GloCfg() uint32        { return r.WFDMABase + 0x208 }
func (r *Revision) RstDTxPtr() uint32     { return r.WFDMABase + 0x228 }
func (r *Revision) PriDlyIntCfg0() uint32 { return r.WFDMABase + 0x238 }
func (r *Revision) RstDRxPtr() uint32     { return r.WFDMABase + 0x260 }
func (r *Revision) GloCfgExt0() uint32    { return r.WFDMABase + 0x2b0 }
func (r *Revision) WFDMARst() uint32      { return r.WFDMABase + 0x100 }

// Per-ring registers: base, count, cpu index, dma index at 0x10 stride.
func (r *Revision) TxRingBase(i int) uint32 { return r.WFDMABase + 0x300 + uint32(i)*0x10 }
func (r *Revision) RxRingBase(i int) uint32 { return r.WFDMABase + 0x500 + uint32(i)*0x10 }
func (r *Revision) TxRingExtCtrl(i int) uint32 {
	return r.WFDMABase + 0x600 + uint32(i)*0x4
}
func (r *Revision) RxRingExtCtrl(i int) uint32 {
	return r.WFDMABase + 0x680 + uint32(i)*0x4
}

func (r *Revision) RingBase(ring Ring) uint32 {
	if ring.Tx {
		return r.TxRingBase(ring.Index)
	}
	return r.RxRingBase(ring.Index)
}

func (r *Revision) RingExtCtrl(ring Ring) uint32 {
	if ring.Tx {
		return r.TxRingExtCtrl(ring.Index)
	}
	return r.RxRingExtCtrl(ring.Index)
}

// MT7927 is the layout for the MT7927 (MT6639 generation) PCIe part.
func MT7927() *Revision {
	return &Revision{
		Name:   "MT7927",
		ChipID: 0x7927,

		RemapSel:  0x1008c,
		RemapBase: 0xe0000,
		RemapSize: 0x10000,

		LPCtl: 0x7c060010,
		// 0x7c000140 per the MT6639 programming guide; early
		// bring-up notes for this part also saw the reset at the
		// conn_infra alias.
		WFSysRst:     []uint32{0x7c000140, 0x18000140},
		ChipIDReg:    0x70010200,
		ChipRevReg:   0x70010204,
		EMICtl:       0x18011100,
		EMISlpProt:   1 << 1,
		ConnOnMisc:   0x7c0600f0,
		ROMCodeIndex: 0x7c00124c,
		DMAShdlCtl:   0x7c026004,

		WFDMABase:  0xd4000,
		PCIeMacInt: 0x10188,

		FwdlRing:  Ring{Index: 16, Tx: true, Size: 128, PrefetchBase: 0x340, PrefetchDepth: 4},
		McuRing:   Ring{Index: 17, Tx: true, Size: 256, PrefetchBase: 0x380, PrefetchDepth: 4},
		EventRing: Ring{Index: 0, Tx: false, Size: 512, PrefetchBase: 0x3c0, PrefetchDepth: 4},

		PatchFirmware: "mediatek/mt7925/WIFI_MT6639_PATCH_MCU_2_1_hdr.bin",
		RAMFirmware:   "mediatek/mt7925/WIFI_RAM_CODE_MT6639_2_1.bin",
		PatchAddr:     0x00900000,

		OwnRetries:   10,
		OwnPoll:      50 * time.Millisecond,
		ResetSettle:  50 * time.Millisecond,
		ResetTimeout: 500 * time.Millisecond,
		BusyTimeout:  100 * time.Millisecond,
		DrainTimeout: time.Second,
		ReadyTimeout: 10 * time.Second,
	}
}
