// Copyright 2023 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package firmware

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/spf13/afero"
)

func buildPatch(blob []byte, regions uint32) []byte {
	b := make([]byte, patchHdrSize)
	copy(b[0:16], "20230901123456ab")
	copy(b[16:20], "ALPS")
	binary.BigEndian.PutUint32(b[20:24], 0x8a108a10)
	binary.BigEndian.PutUint32(b[24:28], 0x00000004)
	binary.LittleEndian.PutUint16(b[28:30], 0xbeef)
	binary.BigEndian.PutUint32(b[32:36], regions)
	return append(b, blob...)
}

type ramRegion struct {
	addr, length uint32
	featureSet   uint8
}

func buildRAM(regions []ramRegion, fill byte) []byte {
	var blob bytes.Buffer
	for _, r := range regions {
		chunk := bytes.Repeat([]byte{fill}, int(r.length))
		blob.Write(chunk)
	}
	b := blob.Bytes()
	for _, r := range regions {
		hdr := make([]byte, ramRegionSize)
		binary.LittleEndian.PutUint32(hdr[4:8], r.length) // decompressed length
		binary.LittleEndian.PutUint32(hdr[16:20], r.addr)
		binary.LittleEndian.PutUint32(hdr[20:24], r.length)
		hdr[24] = r.featureSet
		b = append(b, hdr...)
	}
	trailer := make([]byte, ramTrailerSize)
	trailer[0] = 0x39 // chip id
	trailer[1] = 0x01 // eco
	trailer[2] = byte(len(regions))
	trailer[3] = 2 // format version
	copy(trailer[7:17], "2.1.0_eng")
	copy(trailer[17:32], "20230901123456a")
	binary.LittleEndian.PutUint32(trailer[32:36], 0x12345678)
	return append(b, trailer...)
}

func TestParsePatch(t *testing.T) {
	blob := bytes.Repeat([]byte{0x5a}, 1024)
	img, err := ParsePatch(buildPatch(blob, 1), 0x900000)
	if err != nil {
		t.Fatalf("ParsePatch failed: %v", err)
	}
	if string(img.Header.Platform[:]) != "ALPS" {
		t.Errorf("platform = %q", img.Header.Platform)
	}
	if img.Header.HWSWVersion != 0x8a108a10 {
		t.Errorf("hw/sw version = %#x", img.Header.HWSWVersion)
	}
	if img.Header.Checksum != 0xbeef {
		t.Errorf("checksum = %#x", img.Header.Checksum)
	}
	if len(img.Regions) != 1 {
		t.Fatalf("%d regions, want 1", len(img.Regions))
	}
	r := img.Regions[0]
	if r.Addr != 0x900000 || int(r.Len) != len(blob) || !bytes.Equal(r.Data, blob) {
		t.Errorf("region addr %#x len %d, want 0x900000/%d", r.Addr, r.Len, len(blob))
	}
}

func TestParsePatchMalformed(t *testing.T) {
	if _, err := ParsePatch([]byte("short"), 0x900000); !errors.Is(err, ErrProtocolMismatch) {
		t.Errorf("short image: %v, want ErrProtocolMismatch", err)
	}
	if _, err := ParsePatch(buildPatch([]byte{1}, 3), 0x900000); !errors.Is(err, ErrProtocolMismatch) {
		t.Errorf("multi-region patch: %v, want ErrProtocolMismatch", err)
	}
}

// A trailer declaring R regions yields exactly R descriptors whose
// addr/len match the literal table bytes.
func TestParseRAM(t *testing.T) {
	regions := []ramRegion{
		{addr: 0x00100000, length: 4096, featureSet: 0x01},
		{addr: 0x00228000, length: 8192},
		{addr: 0xe0010000, length: 512, featureSet: 0x04},
	}
	img, err := ParseRAM(buildRAM(regions, 0xa5))
	if err != nil {
		t.Fatalf("ParseRAM failed: %v", err)
	}
	if img.Trailer.RegionCount != 3 || len(img.Regions) != 3 {
		t.Fatalf("region count %d/%d, want 3", img.Trailer.RegionCount, len(img.Regions))
	}
	off := 0
	for i, want := range regions {
		got := img.Regions[i]
		if got.Addr != want.addr || got.Len != want.length {
			t.Errorf("region %d = %#x/%d, want %#x/%d", i, got.Addr, got.Len, want.addr, want.length)
		}
		if got.FeatureSet != want.featureSet {
			t.Errorf("region %d feature set = %#x, want %#x", i, got.FeatureSet, want.featureSet)
		}
		if len(got.Data) != int(want.length) {
			t.Errorf("region %d carries %d bytes, want %d", i, len(got.Data), want.length)
		}
		off += int(want.length)
	}
	if img.Trailer.CRC != 0x12345678 {
		t.Errorf("trailer crc = %#x", img.Trailer.CRC)
	}
}

func TestParseRAMMalformed(t *testing.T) {
	if _, err := ParseRAM([]byte("tiny")); !errors.Is(err, ErrProtocolMismatch) {
		t.Errorf("tiny image: %v, want ErrProtocolMismatch", err)
	}
	// Region table larger than the file.
	b := buildRAM([]ramRegion{{addr: 0x100000, length: 64}}, 0)
	b[len(b)-ramTrailerSize+2] = 200
	if _, err := ParseRAM(b); !errors.Is(err, ErrProtocolMismatch) {
		t.Errorf("oversized table: %v, want ErrProtocolMismatch", err)
	}
	// Region length pointing past the blob.
	b = buildRAM([]ramRegion{{addr: 0x100000, length: 64}}, 0)
	regionOff := len(b) - ramTrailerSize - ramRegionSize
	binary.LittleEndian.PutUint32(b[regionOff+20:regionOff+24], 1<<20)
	if _, err := ParseRAM(b); !errors.Is(err, ErrProtocolMismatch) {
		t.Errorf("overrunning region: %v, want ErrProtocolMismatch", err)
	}
}

func TestLoader(t *testing.T) {
	fs := afero.NewMemMapFs()
	want := []byte{1, 2, 3, 4}
	if err := afero.WriteFile(fs, "/lib/firmware/mediatek/test.bin", want, 0644); err != nil {
		t.Fatal(err)
	}
	l := NewLoader(fs, "")
	got, err := l.Load("mediatek/test.bin")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("Load = %v, want %v", got, want)
	}
	if _, err := l.Load("missing.bin"); err == nil {
		t.Error("Load of missing file succeeded")
	}
}
