// Copyright 2023 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mcu

import "encoding/binary"

// Command identifiers understood by the ROM bootloader.
const (
	CmdTargetAddressLenReq uint8 = 0x01
	CmdFWStartReq          uint8 = 0x02
	CmdPatchFinishReq      uint8 = 0x07
	CmdPatchSemControl     uint8 = 0x10
	CmdFWScatter           uint8 = 0xee
)

// Packet-format tags in the TXD. Scatter payloads are marked as firmware
// traffic, everything else as command traffic.
const (
	PktFmtCommand  uint8 = 0xa0
	PktFmtFirmware uint8 = 0x01
)

// Routing tag: the download dialog only ever targets the N9.
const S2DHost2N9 uint8 = 0

// Patch semaphore control values and responses.
const (
	SemRelease uint32 = 0
	SemGet     uint32 = 1
)

// Mode flags in the address/length negotiation.
const (
	ModeNeedRsp    uint32 = 1 << 0
	ModeWorkingPDA uint32 = 1 << 2
)

// TXDSize is the fixed hardware header placed before every payload.
const TXDSize = 32

// Queue field for the firmware-download port.
const pqIDFwdl uint16 = 0x8000

// Command is one logical MCU request before serialization.
type Command struct {
	ID       uint8
	PktFmt   uint8
	SetQuery uint8
	Dest     uint8
	Seq      uint8
	Payload  []byte
}

// wireLen is the serialized size: TXD header plus payload.
func (c *Command) wireLen() int { return TXDSize + len(c.Payload) }

// encode serializes the TXD header and payload into b and returns the
// total length. Word 0 carries the byte count and queue id, word 1 the
// command id, packet format, set/query flag and sequence number; the
// remaining header words are reserved.
func (c *Command) encode(b []byte) int {
	n := c.wireLen()
	for i := 0; i < TXDSize; i++ {
		b[i] = 0
	}
	binary.LittleEndian.PutUint32(b[0:], uint32(n)&0xffff|uint32(pqIDFwdl)<<16)
	binary.LittleEndian.PutUint32(b[4:],
		uint32(c.ID)|uint32(c.PktFmt)<<8|uint32(c.SetQuery)<<16|uint32(c.Seq)<<24)
	binary.LittleEndian.PutUint32(b[8:], uint32(c.Dest))
	copy(b[TXDSize:], c.Payload)
	return n
}

// seqCounter cycles 1..15. Zero is reserved for "no sequence" in event
// correlation and is never issued.
type seqCounter struct {
	n uint8
}

func (s *seqCounter) next() uint8 {
	s.n = s.n%15 + 1
	return s.n
}
