// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package ext probes extfs filesystems.
package ext

import (
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/siderolabs/go-strictlayout/blkid/internal/magic"
	"github.com/siderolabs/go-strictlayout/blkid/internal/probe"
	"github.com/siderolabs/go-strictlayout/blkid/internal/utils"
	"github.com/siderolabs/go-strictlayout/internal/ioutil"
)

const (
	sbOffset = 0x400
	sbSize   = 0x400
)

// Various extfs constants.
//
//nolint:stylecheck,revive
const (
	EXT3_FEATURE_COMPAT_HAS_JOURNAL      = 0x0004
	EXT3_FEATURE_INCOMPAT_JOURNAL_DEV    = 0x0008
	EXT4_FEATURE_INCOMPAT_EXTENTS        = 0x0040
	EXT4_FEATURE_INCOMPAT_64BIT          = 0x0080
	EXT4_FEATURE_INCOMPAT_FLEX_BG        = 0x0200
	EXT4_FEATURE_RO_COMPAT_HUGE_FILE     = 0x0008
	EXT4_FEATURE_RO_COMPAT_GDT_CSUM      = 0x0010
	EXT4_FEATURE_RO_COMPAT_DIR_NLINK     = 0x0020
	EXT4_FEATURE_RO_COMPAT_EXTRA_ISIZE   = 0x0040
	EXT4_FEATURE_RO_COMPAT_METADATA_CSUM = 0x0400
)

const (
	ext4Incompat = EXT4_FEATURE_INCOMPAT_EXTENTS | EXT4_FEATURE_INCOMPAT_64BIT | EXT4_FEATURE_INCOMPAT_FLEX_BG
	ext4RoCompat = EXT4_FEATURE_RO_COMPAT_HUGE_FILE | EXT4_FEATURE_RO_COMPAT_GDT_CSUM |
		EXT4_FEATURE_RO_COMPAT_DIR_NLINK | EXT4_FEATURE_RO_COMPAT_EXTRA_ISIZE | EXT4_FEATURE_RO_COMPAT_METADATA_CSUM
)

var extfsMagic = magic.Magic{
	Offset: sbOffset + 0x38,
	Value:  []byte("\123\357"),
}

// SuperBlock is the raw extfs superblock.
type SuperBlock []byte

func (s SuperBlock) blocksCount() uint64 {
	return uint64(binary.LittleEndian.Uint32(s[0x04:])) | uint64(binary.LittleEndian.Uint32(s[0x150:]))<<32
}

func (s SuperBlock) logBlockSize() uint32    { return binary.LittleEndian.Uint32(s[0x18:]) }
func (s SuperBlock) featureCompat() uint32   { return binary.LittleEndian.Uint32(s[0x5c:]) }
func (s SuperBlock) featureIncompat() uint32 { return binary.LittleEndian.Uint32(s[0x60:]) }
func (s SuperBlock) featureRoCompat() uint32 { return binary.LittleEndian.Uint32(s[0x64:]) }
func (s SuperBlock) checksum() uint32        { return binary.LittleEndian.Uint32(s[0x3fc:]) }

// BlockSize returns the block size of the filesystem.
func (s SuperBlock) BlockSize() uint32 {
	if s.logBlockSize() >= 22 {
		return 0
	}

	return 1024 << s.logBlockSize()
}

// FilesystemSize returns the size of the filesystem.
func (s SuperBlock) FilesystemSize() uint64 {
	if s.featureIncompat()&EXT4_FEATURE_INCOMPAT_64BIT == 0 {
		return uint64(binary.LittleEndian.Uint32(s[0x04:])) * uint64(s.BlockSize())
	}

	return s.blocksCount() * uint64(s.BlockSize())
}

// Version returns ext2, ext3 or ext4 by the feature set.
func (s SuperBlock) Version() string {
	switch {
	case s.featureIncompat()&ext4Incompat != 0, s.featureRoCompat()&ext4RoCompat != 0:
		return "ext4"
	case s.featureCompat()&EXT3_FEATURE_COMPAT_HAS_JOURNAL != 0:
		return "ext3"
	default:
		return "ext2"
	}
}

// Probe for the filesystem.
type Probe struct{}

// Magic returns the magic value for the filesystem.
func (p *Probe) Magic() []*magic.Magic {
	return []*magic.Magic{&extfsMagic}
}

// Name returns the name of the filesystem family.
func (p *Probe) Name() string {
	return "extfs"
}

// Probe runs the further inspection and returns the result if successful.
func (p *Probe) Probe(r probe.Reader, _ magic.Magic) (*probe.Result, error) {
	buf := make([]byte, sbSize)

	if err := ioutil.ReadFullAt(r, buf, sbOffset); err != nil {
		return nil, err
	}

	sb := SuperBlock(buf)

	if sb.featureIncompat()&EXT3_FEATURE_INCOMPAT_JOURNAL_DEV != 0 {
		// external journal, not a filesystem
		return nil, nil //nolint:nilnil
	}

	if sb.featureRoCompat()&EXT4_FEATURE_RO_COMPAT_METADATA_CSUM > 0 {
		if utils.CRC32c(buf[:0x3fc]) != sb.checksum() {
			return nil, nil //nolint:nilnil
		}
	}

	fsUUID, err := uuid.FromBytes(buf[0x68:0x78])
	if err != nil {
		return nil, err
	}

	return &probe.Result{
		Name:  sb.Version(),
		UUID:  &fsUUID,
		Label: utils.Label(buf[0x78:0x88]),

		BlockSize:           sb.BlockSize(),
		FilesystemBlockSize: sb.BlockSize(),
		ProbedSize:          sb.FilesystemSize(),
	}, nil
}
