// Copyright 2023 the u-root Authors. All rights reserved
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package firmware

import (
	"fmt"
	"path"

	"github.com/spf13/afero"
)

// DefaultDir is where the distribution installs firmware blobs.
const DefaultDir = "/lib/firmware"

// Loader retrieves firmware images by name from a filesystem. The afero
// indirection lets tests serve synthetic images from memory.
type Loader struct {
	fs  afero.Fs
	dir string
}

func NewLoader(fs afero.Fs, dir string) *Loader {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if dir == "" {
		dir = DefaultDir
	}
	return &Loader{fs: fs, dir: dir}
}

// Load returns the raw bytes of the named firmware file.
func (l *Loader) Load(name string) ([]byte, error) {
	b, err := afero.ReadFile(l.fs, path.Join(l.dir, name))
	if err != nil {
		return nil, fmt.Errorf("load firmware %s: %w", name, err)
	}
	return b, nil
}
