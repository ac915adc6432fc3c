// Copyright 2023 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package firmware parses the two firmware binaries the ROM bootloader
// consumes: the patch image (fixed header, one blob, known load address)
// and the RAM image (blob with a trailing header and backward-indexed
// per-region table). Field endianness follows the documented layouts and
// is mixed per field.
package firmware

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrProtocolMismatch means the image does not match the documented
// layout. It aborts a load attempt before any byte is transferred.
var ErrProtocolMismatch = errors.New("malformed firmware image")

// Region feature-set bits carried in the RAM region table.
const (
	FeatureEncrypted    uint8 = 1 << 0
	FeatureOverrideAddr uint8 = 1 << 5
)

// Region is one (address, length, bytes) unit of transfer.
type Region struct {
	Addr       uint32
	Len        uint32
	Data       []byte
	FeatureSet uint8
	Type       uint8
}

const patchHdrSize = 36

// PatchHeader is the fixed header of a patch image. The version words are
// big-endian, the checksum little-endian, per the documented format.
type PatchHeader struct {
	BuildDate    [16]byte
	Platform     [4]byte
	HWSWVersion  uint32
	PatchVersion uint32
	Checksum     uint16
	RegionCount  uint32
}

type PatchImage struct {
	Header  PatchHeader
	Regions []Region
}

// ParsePatch validates a patch image and binds its single blob to the
// revision's patch load address.
func ParsePatch(b []byte, loadAddr uint32) (*PatchImage, error) {
	if len(b) <= patchHdrSize {
		return nil, fmt.Errorf("patch image of %d bytes: %w", len(b), ErrProtocolMismatch)
	}
	var h PatchHeader
	copy(h.BuildDate[:], b[0:16])
	copy(h.Platform[:], b[16:20])
	h.HWSWVersion = binary.BigEndian.Uint32(b[20:24])
	h.PatchVersion = binary.BigEndian.Uint32(b[24:28])
	h.Checksum = binary.LittleEndian.Uint16(b[28:30])
	h.RegionCount = binary.BigEndian.Uint32(b[32:36])
	if h.RegionCount != 1 {
		return nil, fmt.Errorf("patch region count %d, this generation carries one: %w",
			h.RegionCount, ErrProtocolMismatch)
	}
	blob := b[patchHdrSize:]
	return &PatchImage{
		Header: h,
		Regions: []Region{{
			Addr: loadAddr,
			Len:  uint32(len(blob)),
			Data: blob,
		}},
	}, nil
}

const (
	ramTrailerSize = 36
	ramRegionSize  = 40
)

// RAMTrailer sits at the very end of a RAM image.
type RAMTrailer struct {
	ChipID        uint8
	EcoCode       uint8
	RegionCount   uint8
	FormatVersion uint8
	FormatFlag    uint8
	RAMVersion    [10]byte
	BuildDate     [15]byte
	CRC           uint32
}

type RAMImage struct {
	Trailer RAMTrailer
	Regions []Region
}

// Entry returns the execution entry point: the address of the first
// region flagged with an address override, or zero when the firmware
// boots from its default reset vector.
func (img *RAMImage) Entry() uint32 {
	for _, r := range img.Regions {
		if r.FeatureSet&FeatureOverrideAddr != 0 {
			return r.Addr
		}
	}
	return 0
}

func parseRAMTrailer(b []byte) RAMTrailer {
	var t RAMTrailer
	t.ChipID = b[0]
	t.EcoCode = b[1]
	t.RegionCount = b[2]
	t.FormatVersion = b[3]
	t.FormatFlag = b[4]
	copy(t.RAMVersion[:], b[7:17])
	copy(t.BuildDate[:], b[17:32])
	t.CRC = binary.LittleEndian.Uint32(b[32:36])
	return t
}

// ParseRAM reads the trailer at the end of the image, then the per-region
// headers backward from it. Region data is laid out forward from the start
// of the file in table order.
func ParseRAM(b []byte) (*RAMImage, error) {
	if len(b) < ramTrailerSize {
		return nil, fmt.Errorf("ram image of %d bytes: %w", len(b), ErrProtocolMismatch)
	}
	t := parseRAMTrailer(b[len(b)-ramTrailerSize:])
	n := int(t.RegionCount)
	if n == 0 {
		return nil, fmt.Errorf("ram image with zero regions: %w", ErrProtocolMismatch)
	}
	tableSize := ramTrailerSize + n*ramRegionSize
	if len(b) < tableSize {
		return nil, fmt.Errorf("ram image of %d bytes too small for %d region headers: %w",
			len(b), n, ErrProtocolMismatch)
	}

	img := &RAMImage{Trailer: t}
	trailerOff := len(b) - ramTrailerSize
	dataOff := uint32(0)
	blobLen := uint32(len(b) - tableSize)
	for i := 0; i < n; i++ {
		// Region i's header sits (n-i) entries before the trailer.
		r := b[trailerOff-(n-i)*ramRegionSize:]
		addr := binary.LittleEndian.Uint32(r[16:20])
		length := binary.LittleEndian.Uint32(r[20:24])
		if length > blobLen-dataOff {
			return nil, fmt.Errorf("region %d of %d bytes overruns %d byte blob: %w",
				i, length, blobLen, ErrProtocolMismatch)
		}
		img.Regions = append(img.Regions, Region{
			Addr:       addr,
			Len:        length,
			Data:       b[dataOff : dataOff+length],
			FeatureSet: r[24],
			Type:       r[25],
		})
		dataOff += length
	}
	return img, nil
}
