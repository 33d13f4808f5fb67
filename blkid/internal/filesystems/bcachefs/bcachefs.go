// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package bcachefs probes bcachefs filesystem members.
package bcachefs

import (
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/siderolabs/go-strictlayout/blkid/internal/magic"
	"github.com/siderolabs/go-strictlayout/blkid/internal/probe"
	"github.com/siderolabs/go-strictlayout/blkid/internal/utils"
	"github.com/siderolabs/go-strictlayout/internal/ioutil"
)

const (
	sbOffset = 0x1000
	sbSize   = 0x80

	// metadata versions below this one belong to bcache.
	minVersion = 9
)

var (
	// bcachefs filesystems created by older tools carry the bcache magic.
	bcacheMagic = magic.Magic{
		Offset: sbOffset + 0x18,
		Value:  []byte{0xc6, 0x85, 0x73, 0xf6, 0x4e, 0x1a, 0x45, 0xca, 0x82, 0x65, 0xf5, 0x7f, 0x48, 0xba, 0x6d, 0x81},
	}

	bcachefsMagic = magic.Magic{
		Offset: sbOffset + 0x18,
		Value:  []byte{0xc6, 0x85, 0x73, 0xf6, 0x66, 0xce, 0x90, 0xa9, 0xd9, 0x6a, 0x60, 0xcf, 0x80, 0x3d, 0xf7, 0xef},
	}
)

// Probe for the filesystem.
type Probe struct{}

// Magic returns the magic value for the filesystem.
func (p *Probe) Magic() []*magic.Magic {
	return []*magic.Magic{&bcachefsMagic, &bcacheMagic}
}

// Name returns the name of the filesystem.
func (p *Probe) Name() string {
	return "bcachefs"
}

// Probe runs the further inspection and returns the result if successful.
func (p *Probe) Probe(r probe.Reader, _ magic.Magic) (*probe.Result, error) {
	buf := make([]byte, sbSize)

	if err := ioutil.ReadFullAt(r, buf, sbOffset); err != nil {
		return nil, err
	}

	if binary.LittleEndian.Uint16(buf[0x10:]) < minVersion {
		return nil, nil //nolint:nilnil
	}

	// the superblock records its own location in sectors
	if binary.LittleEndian.Uint64(buf[0x68:]) != sbOffset/512 {
		return nil, nil //nolint:nilnil
	}

	userUUID, err := uuid.FromBytes(buf[0x38:0x48])
	if err != nil {
		return nil, err
	}

	blockSize := uint32(binary.LittleEndian.Uint16(buf[0x78:])) * 512

	return &probe.Result{
		UUID:  &userUUID,
		Label: utils.Label(buf[0x48:0x68]),

		BlockSize:           blockSize,
		FilesystemBlockSize: blockSize,
	}, nil
}
