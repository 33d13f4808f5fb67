// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package btrfs probes btrfs filesystems.
package btrfs

import (
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/siderolabs/go-strictlayout/blkid/internal/magic"
	"github.com/siderolabs/go-strictlayout/blkid/internal/probe"
	"github.com/siderolabs/go-strictlayout/blkid/internal/utils"
	"github.com/siderolabs/go-strictlayout/internal/ioutil"
)

const (
	sbOffset = 0x10000
	sbSize   = 0x1000
)

var btrfsMagic = magic.Magic{
	Offset: sbOffset + 0x40,
	Value:  []byte("_BHRfS_M"),
}

// Probe for the filesystem.
type Probe struct{}

// Magic returns the magic value for the filesystem.
func (p *Probe) Magic() []*magic.Magic {
	return []*magic.Magic{&btrfsMagic}
}

// Name returns the name of the filesystem.
func (p *Probe) Name() string {
	return "btrfs"
}

// Probe runs the further inspection and returns the result if successful.
func (p *Probe) Probe(r probe.Reader, _ magic.Magic) (*probe.Result, error) {
	buf := make([]byte, sbSize)

	if err := ioutil.ReadFullAt(r, buf, sbOffset); err != nil {
		return nil, err
	}

	// the superblock records its own location
	if binary.LittleEndian.Uint64(buf[0x30:]) != sbOffset {
		return nil, nil //nolint:nilnil
	}

	fsUUID, err := uuid.FromBytes(buf[0x20:0x30])
	if err != nil {
		return nil, err
	}

	sectorSize := binary.LittleEndian.Uint32(buf[0x90:])

	return &probe.Result{
		UUID:  &fsUUID,
		Label: utils.Label(buf[0x12b : 0x12b+0x100]),

		BlockSize:           sectorSize,
		FilesystemBlockSize: sectorSize,
		ProbedSize:          binary.LittleEndian.Uint64(buf[0x70:]),
	}, nil
}
