// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package bcache

import (
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/siderolabs/go-strictlayout/internal/ioutil"
)

// Target is the partition Format writes the superblock to.
type Target interface {
	io.WriterAt
	GetSize() uint64
	GetSectorSize() uint
}

// FormatOptions configure Format.
type FormatOptions struct {
	UUID    uuid.UUID
	SetUUID uuid.UUID
	Label   string

	// Geometry in 512-byte sectors, zero means default.
	BlockSize  uint16
	BucketSize uint16
	DataOffset uint64

	CacheMode CacheMode
}

// FormatOption is a functional option for Format.
type FormatOption func(*FormatOptions)

// WithUUID sets the device UUID instead of a random one.
func WithUUID(u uuid.UUID) FormatOption {
	return func(o *FormatOptions) {
		o.UUID = u
	}
}

// WithSetUUID sets the cache set UUID instead of a random one.
func WithSetUUID(u uuid.UUID) FormatOption {
	return func(o *FormatOptions) {
		o.SetUUID = u
	}
}

// WithLabel sets the superblock label.
func WithLabel(label string) FormatOption {
	return func(o *FormatOptions) {
		o.Label = label
	}
}

// WithBlockSize overrides the block size derived from the device sector size.
func WithBlockSize(sectors uint16) FormatOption {
	return func(o *FormatOptions) {
		o.BlockSize = sectors
	}
}

// WithBucketSize sets the bucket size.
func WithBucketSize(sectors uint16) FormatOption {
	return func(o *FormatOptions) {
		o.BucketSize = sectors
	}
}

// WithDataOffset sets the start of data on a backing device.
func WithDataOffset(sectors uint64) FormatOption {
	return func(o *FormatOptions) {
		o.DataOffset = sectors
	}
}

// WithCacheMode sets the cache mode of a backing device.
func WithCacheMode(mode CacheMode) FormatOption {
	return func(o *FormatOptions) {
		o.CacheMode = mode
	}
}

// Format writes a fresh superblock to the device.
//
// Backing devices default to writeback mode.
func Format(dev Target, kind Kind, opts ...FormatOption) (*SuperBlock, error) {
	options := FormatOptions{
		BucketSize: DefaultBucketSize,
		DataOffset: DefaultDataOffset,
		CacheMode:  CacheModeWriteback,
	}

	for _, opt := range opts {
		opt(&options)
	}

	if options.UUID == uuid.Nil {
		options.UUID = uuid.New()
	}

	if options.SetUUID == uuid.Nil {
		options.SetUUID = uuid.New()
	}

	if options.BlockSize == 0 {
		options.BlockSize = uint16(max(dev.GetSectorSize(), 512) / 512)
	}

	if options.BucketSize < options.BlockSize {
		return nil, fmt.Errorf("bucket size (%d) cannot be smaller than block size (%d)", options.BucketSize, options.BlockSize)
	}

	sb := &SuperBlock{
		UUID:       options.UUID,
		SetUUID:    options.SetUUID,
		Label:      options.Label,
		BlockSize:  options.BlockSize,
		BucketSize: options.BucketSize,
	}

	switch kind {
	case KindBacking:
		if options.DataOffset < DefaultDataOffset {
			return nil, fmt.Errorf("data offset (%d) must be at least %d sectors", options.DataOffset, DefaultDataOffset)
		}

		sb.Version = VersionBacking
		if options.DataOffset != DefaultDataOffset {
			sb.Version = VersionBackingWithDataOffset
		}

		sb.DataOffset = options.DataOffset
		sb.Flags = uint64(options.CacheMode) & 0xf
	case KindCache:
		sb.Version = VersionCacheWithUUID
		sb.NBuckets = dev.GetSize() / 512 / uint64(options.BucketSize)
		sb.NrInSet = 1
		sb.NrThisDev = 0
		sb.FirstBucket = 23/options.BucketSize + 1

		if sb.NBuckets < MinBuckets {
			return nil, fmt.Errorf("not enough buckets: %d, need %d", sb.NBuckets, MinBuckets)
		}
	default:
		return nil, fmt.Errorf("unknown bcache device kind %d", kind)
	}

	buf, err := sb.MarshalBinary()
	if err != nil {
		return nil, err
	}

	if err = ioutil.WriteFullAt(dev, buf, SuperBlockOffset); err != nil {
		return nil, fmt.Errorf("failed to write bcache superblock: %w", err)
	}

	return sb, nil
}
