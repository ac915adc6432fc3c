// Copyright 2023 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mmio

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ResourceMem is a Mem backed by a PCI BAR resource file
// (/sys/bus/pci/devices/<bdf>/resource0), mapped once for the lifetime of
// the device. Unlike /dev/mem there is no page-at-a-time dance: the BAR is
// small and the mapping is held until Close.
type ResourceMem struct {
	f *os.File
	m []byte
}

func OpenResource(path string) (*ResourceMem, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	m, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	return &ResourceMem{f: f, m: m}, nil
}

// Size returns the length of the mapped BAR in bytes.
func (r *ResourceMem) Size() uint32 { return uint32(len(r.m)) }

func (r *ResourceMem) Read32(offset uint32) uint32 {
	return *(*uint32)(unsafe.Pointer(&r.m[offset]))
}

func (r *ResourceMem) Write32(offset uint32, value uint32) {
	*(*uint32)(unsafe.Pointer(&r.m[offset])) = value
}

func (r *ResourceMem) Close() error {
	if r.m != nil {
		if err := unix.Munmap(r.m); err != nil {
			return err
		}
		r.m = nil
	}
	return r.f.Close()
}
