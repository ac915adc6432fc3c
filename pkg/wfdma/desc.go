// Copyright 2023 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package wfdma

import "encoding/binary"

// DescSize is the fixed size of one hardware descriptor.
const DescSize = 16

// Bits in the descriptor control word.
const (
	CtrlLenMask  uint32 = 0xffff
	CtrlLastSec0 uint32 = 1 << 16
	CtrlDmaDone  uint32 = 1 << 31
)

// Desc is one DMA descriptor: buffer address split low/high, a control
// word carrying the payload length and last-segment flag, and an info word
// reserved for hardware. The done bit in ctrl is hardware-owned; the
// driver writes it cleared and must not touch the slot again until the
// hardware done index has passed it.
type Desc struct {
	Buf0 uint32
	Ctrl uint32
	Buf1 uint32
	Info uint32
}

func (d *Desc) encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], d.Buf0)
	binary.LittleEndian.PutUint32(b[4:], d.Ctrl)
	binary.LittleEndian.PutUint32(b[8:], d.Buf1)
	binary.LittleEndian.PutUint32(b[12:], d.Info)
}

func decodeDesc(b []byte) Desc {
	return Desc{
		Buf0: binary.LittleEndian.Uint32(b[0:]),
		Ctrl: binary.LittleEndian.Uint32(b[4:]),
		Buf1: binary.LittleEndian.Uint32(b[8:]),
		Info: binary.LittleEndian.Uint32(b[12:]),
	}
}
