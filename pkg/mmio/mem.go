// Copyright 2023 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package mmio provides bounds-checked access to the chip's memory-mapped
// register window, including the paged remap aperture used to reach
// registers beyond the directly mapped range.
package mmio

// Mem is the raw backing of a register window. Implementations are not
// expected to bounds check; that is the Window's job. Offsets are byte
// offsets from the start of the mapping and must be 32-bit aligned.
type Mem interface {
	Read32(offset uint32) uint32
	Write32(offset uint32, value uint32)
	Close() error
}
