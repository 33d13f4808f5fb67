// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package bcache implements the bcache superblock format and the kernel sysfs control interface.
package bcache

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/siderolabs/go-strictlayout/internal/crc64we"
	"github.com/siderolabs/go-strictlayout/internal/ioutil"
)

// Magic is the bcache superblock magic.
var Magic = []byte{0xc6, 0x85, 0x73, 0xf6, 0x4e, 0x1a, 0x45, 0xca, 0x82, 0x65, 0xf5, 0x7f, 0x48, 0xba, 0x6d, 0x81}

// Superblock location and geometry defaults, in 512-byte sectors unless noted.
const (
	SuperBlockSector = 8
	SuperBlockOffset = SuperBlockSector * 512
	SuperBlockSize   = 4096

	DefaultBucketSize = 1024
	DefaultDataOffset = 16

	// MinBuckets is the minimum number of buckets on a cache device.
	MinBuckets = 1 << 7
)

// Superblock versions.
const (
	VersionCache                 = 0
	VersionBacking               = 1
	VersionCacheWithUUID         = 3
	VersionBackingWithDataOffset = 4
)

// CacheMode of a backing device, stored in the low 4 bits of the flags.
type CacheMode uint64

// Cache modes.
const (
	CacheModeWritethrough CacheMode = iota
	CacheModeWriteback
	CacheModeWritearound
	CacheModeNone
)

var cacheModeNames = [...]string{"writethrough", "writeback", "writearound", "none"}

func (m CacheMode) String() string {
	if int(m) < len(cacheModeNames) {
		return cacheModeNames[m]
	}

	return fmt.Sprintf("CacheMode(%d)", uint64(m))
}

// Kind of a bcache member device.
type Kind int

// Member kinds.
const (
	KindBacking Kind = iota
	KindCache
)

func (k Kind) String() string {
	if k == KindCache {
		return "cache"
	}

	return "backing"
}

// Errors returned by Read.
var (
	ErrNoSuperBlock = errors.New("bcache superblock not found")
	ErrChecksum     = errors.New("bcache superblock checksum mismatch")
)

// field offsets within the superblock.
const (
	offCSum        = 0
	offOffset      = 8
	offVersion     = 16
	offMagic       = 24
	offUUID        = 40
	offSetUUID     = 56
	offLabel       = 72
	offFlags       = 104
	offSeq         = 112
	offNBuckets    = 184 // data_offset on backing devices
	offBlockSize   = 192
	offBucketSize  = 194
	offNrInSet     = 196
	offNrThisDev   = 198
	offLastMount   = 200
	offFirstBucket = 204
	offKeys        = 206
	offJournal     = 208

	labelSize         = 32
	maxJournalBuckets = 256
)

// SuperBlock is the decoded bcache superblock.
type SuperBlock struct {
	Version uint64

	UUID    uuid.UUID
	SetUUID uuid.UUID
	Label   string

	Flags uint64
	Seq   uint64

	// NBuckets is only meaningful for cache devices.
	NBuckets uint64
	// DataOffset is only meaningful for backing devices.
	DataOffset uint64

	BlockSize  uint16
	BucketSize uint16
	NrInSet    uint16
	NrThisDev  uint16

	LastMount   uint32
	FirstBucket uint16
	Keys        uint16

	CSum uint64
}

// Kind returns the member kind by the superblock version.
func (sb *SuperBlock) Kind() (Kind, bool) {
	switch sb.Version {
	case VersionBacking, VersionBackingWithDataOffset:
		return KindBacking, true
	case VersionCache, VersionCacheWithUUID:
		return KindCache, true
	default:
		return 0, false
	}
}

// CacheMode returns the cache mode stored in flags.
func (sb *SuperBlock) CacheMode() CacheMode {
	return CacheMode(sb.Flags & 0xf)
}

// MarshalBinary encodes the superblock, computing the checksum.
func (sb *SuperBlock) MarshalBinary() ([]byte, error) {
	if sb.Keys > maxJournalBuckets {
		return nil, fmt.Errorf("too many journal buckets: %d", sb.Keys)
	}

	if len(sb.Label) > labelSize {
		return nil, fmt.Errorf("label %q is longer than %d bytes", sb.Label, labelSize)
	}

	buf := make([]byte, SuperBlockSize)

	binary.LittleEndian.PutUint64(buf[offOffset:], SuperBlockSector)
	binary.LittleEndian.PutUint64(buf[offVersion:], sb.Version)
	copy(buf[offMagic:], Magic)
	copy(buf[offUUID:], sb.UUID[:])
	copy(buf[offSetUUID:], sb.SetUUID[:])
	copy(buf[offLabel:offLabel+labelSize], sb.Label)
	binary.LittleEndian.PutUint64(buf[offFlags:], sb.Flags)
	binary.LittleEndian.PutUint64(buf[offSeq:], sb.Seq)

	if kind, _ := sb.Kind(); kind == KindBacking {
		binary.LittleEndian.PutUint64(buf[offNBuckets:], sb.DataOffset)
	} else {
		binary.LittleEndian.PutUint64(buf[offNBuckets:], sb.NBuckets)
	}

	binary.LittleEndian.PutUint16(buf[offBlockSize:], sb.BlockSize)
	binary.LittleEndian.PutUint16(buf[offBucketSize:], sb.BucketSize)
	binary.LittleEndian.PutUint16(buf[offNrInSet:], sb.NrInSet)
	binary.LittleEndian.PutUint16(buf[offNrThisDev:], sb.NrThisDev)
	binary.LittleEndian.PutUint32(buf[offLastMount:], sb.LastMount)
	binary.LittleEndian.PutUint16(buf[offFirstBucket:], sb.FirstBucket)
	binary.LittleEndian.PutUint16(buf[offKeys:], sb.Keys)

	sb.CSum = checksum(buf, sb.Keys)
	binary.LittleEndian.PutUint64(buf[offCSum:], sb.CSum)

	return buf, nil
}

// UnmarshalBinary decodes the superblock, verifying the magic and the checksum.
func (sb *SuperBlock) UnmarshalBinary(buf []byte) error {
	if len(buf) < offJournal || !bytes.Equal(buf[offMagic:offMagic+len(Magic)], Magic) {
		return ErrNoSuperBlock
	}

	keys := binary.LittleEndian.Uint16(buf[offKeys:])
	if keys > maxJournalBuckets || len(buf) < offJournal+8*int(keys) {
		return fmt.Errorf("invalid number of journal buckets: %d", keys)
	}

	*sb = SuperBlock{
		Version:     binary.LittleEndian.Uint64(buf[offVersion:]),
		Label:       string(bytes.TrimRight(buf[offLabel:offLabel+labelSize], "\x00")),
		Flags:       binary.LittleEndian.Uint64(buf[offFlags:]),
		Seq:         binary.LittleEndian.Uint64(buf[offSeq:]),
		BlockSize:   binary.LittleEndian.Uint16(buf[offBlockSize:]),
		BucketSize:  binary.LittleEndian.Uint16(buf[offBucketSize:]),
		NrInSet:     binary.LittleEndian.Uint16(buf[offNrInSet:]),
		NrThisDev:   binary.LittleEndian.Uint16(buf[offNrThisDev:]),
		LastMount:   binary.LittleEndian.Uint32(buf[offLastMount:]),
		FirstBucket: binary.LittleEndian.Uint16(buf[offFirstBucket:]),
		Keys:        keys,
		CSum:        binary.LittleEndian.Uint64(buf[offCSum:]),
	}

	copy(sb.UUID[:], buf[offUUID:])
	copy(sb.SetUUID[:], buf[offSetUUID:])

	if kind, _ := sb.Kind(); kind == KindBacking {
		sb.DataOffset = binary.LittleEndian.Uint64(buf[offNBuckets:])
	} else {
		sb.NBuckets = binary.LittleEndian.Uint64(buf[offNBuckets:])
	}

	if checksum(buf, keys) != sb.CSum {
		return ErrChecksum
	}

	return nil
}

// checksum covers everything after the csum field up to the end of the journal bucket list.
func checksum(buf []byte, keys uint16) uint64 {
	return crc64we.Checksum(buf[offOffset : offJournal+8*int(keys)])
}

// Read the superblock from the device.
func Read(r io.ReaderAt) (*SuperBlock, error) {
	buf := make([]byte, SuperBlockSize)

	if err := ioutil.ReadFullAt(r, buf, SuperBlockOffset); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrNoSuperBlock
		}

		return nil, err
	}

	var sb SuperBlock

	if err := sb.UnmarshalBinary(buf); err != nil {
		return nil, err
	}

	return &sb, nil
}

// Detect returns true if the device carries a bcache superblock of the given kind.
//
// Read errors and malformed superblocks are reported as false.
func Detect(r io.ReaderAt, kind Kind) bool {
	buf := make([]byte, offJournal)

	if err := ioutil.ReadFullAt(r, buf, SuperBlockOffset); err != nil {
		return false
	}

	if !bytes.Equal(buf[offMagic:offMagic+len(Magic)], Magic) {
		return false
	}

	sb := SuperBlock{Version: binary.LittleEndian.Uint64(buf[offVersion:])}

	actual, ok := sb.Kind()

	return ok && actual == kind
}
