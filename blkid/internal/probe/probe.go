// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package probe defines common probe interfaces.
package probe

import (
	"io"

	"github.com/google/uuid"

	"github.com/siderolabs/go-strictlayout/blkid/internal/magic"
)

// Reader is a context for probing filesystems and volume managers.
type Reader interface {
	io.ReaderAt

	GetSectorSize() uint
	GetSize() uint64
}

// Prober is an interface for probing filesystems and volume managers.
type Prober interface {
	// Name returns the name of the filesystem or volume manager.
	Name() string
	// Magic returns the magic value for the filesystem or volume manager.
	Magic() []*magic.Magic
	// Probe runs the further inspection and returns the result if successful.
	//
	// A nil result means the magic matched but the superblock is not valid.
	Probe(Reader, magic.Magic) (*Result, error)
}

// MagicMatch is a prober whose magic matched.
type MagicMatch struct {
	Magic  magic.Magic
	Prober Prober
}

// Result is a probe result.
type Result struct {
	// Name overrides the prober name (e.g. ext2/ext3/ext4 share a prober).
	Name string

	UUID  *uuid.UUID
	Label *string

	BlockSize           uint32
	FilesystemBlockSize uint32
	ProbedSize          uint64
}
