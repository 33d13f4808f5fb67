// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package bcache_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/go-strictlayout/bcache"
	"github.com/siderolabs/go-strictlayout/internal/memdisk"
)

const MiB = 1024 * 1024

var (
	devUUID = uuid.MustParse("11111111-2222-4333-8444-555555555555")
	setUUID = uuid.MustParse("66666666-7777-4888-9999-aaaaaaaaaaaa")
)

func TestFormatBacking(t *testing.T) {
	t.Parallel()

	disk := memdisk.New(64*MiB, 512)

	sb, err := bcache.Format(disk, bcache.KindBacking, bcache.WithUUID(devUUID), bcache.WithSetUUID(setUUID))
	require.NoError(t, err)

	assert.EqualValues(t, bcache.VersionBacking, sb.Version)
	assert.Equal(t, bcache.CacheModeWriteback, sb.CacheMode())
	assert.Equal(t, uint64(0xe77ce596fb3577f8), sb.CSum)

	assert.True(t, bcache.Detect(disk, bcache.KindBacking))
	assert.False(t, bcache.Detect(disk, bcache.KindCache))

	read, err := bcache.Read(disk)
	require.NoError(t, err)

	assert.Equal(t, sb, read)
	assert.EqualValues(t, bcache.DefaultDataOffset, read.DataOffset)
	assert.EqualValues(t, 1, read.BlockSize)
	assert.EqualValues(t, bcache.DefaultBucketSize, read.BucketSize)
}

func TestFormatCache(t *testing.T) {
	t.Parallel()

	disk := memdisk.New(256*MiB, 4096)

	sb, err := bcache.Format(disk, bcache.KindCache, bcache.WithLabel("cache"))
	require.NoError(t, err)

	assert.EqualValues(t, bcache.VersionCacheWithUUID, sb.Version)
	assert.EqualValues(t, 8, sb.BlockSize)
	assert.EqualValues(t, 256*MiB/512/bcache.DefaultBucketSize, sb.NBuckets)
	assert.EqualValues(t, 1, sb.FirstBucket)
	assert.EqualValues(t, 1, sb.NrInSet)
	assert.NotEqual(t, uuid.Nil, sb.UUID)
	assert.NotEqual(t, uuid.Nil, sb.SetUUID)

	assert.True(t, bcache.Detect(disk, bcache.KindCache))
	assert.False(t, bcache.Detect(disk, bcache.KindBacking))

	read, err := bcache.Read(disk)
	require.NoError(t, err)

	assert.Equal(t, sb, read)
	assert.Equal(t, "cache", read.Label)

	kind, ok := read.Kind()
	assert.True(t, ok)
	assert.Equal(t, bcache.KindCache, kind)
}

func TestFormatErrors(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name string
		size uint64
		kind bcache.Kind
		opts []bcache.FormatOption
	}{
		{
			name: "too few buckets",
			size: 32 * MiB,
			kind: bcache.KindCache,
		},
		{
			name: "bucket smaller than block",
			size: 64 * MiB,
			kind: bcache.KindBacking,
			opts: []bcache.FormatOption{bcache.WithBlockSize(8), bcache.WithBucketSize(4)},
		},
		{
			name: "data offset too small",
			size: 64 * MiB,
			kind: bcache.KindBacking,
			opts: []bcache.FormatOption{bcache.WithDataOffset(8)},
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			disk := memdisk.New(test.size, 512)

			_, err := bcache.Format(disk, test.kind, test.opts...)
			require.Error(t, err)

			assert.False(t, bcache.Detect(disk, bcache.KindBacking))
			assert.False(t, bcache.Detect(disk, bcache.KindCache))
		})
	}
}

func TestDataOffsetVersion(t *testing.T) {
	t.Parallel()

	disk := memdisk.New(64*MiB, 512)

	sb, err := bcache.Format(disk, bcache.KindBacking, bcache.WithDataOffset(2048), bcache.WithCacheMode(bcache.CacheModeWritethrough))
	require.NoError(t, err)

	assert.EqualValues(t, bcache.VersionBackingWithDataOffset, sb.Version)
	assert.Equal(t, bcache.CacheModeWritethrough, sb.CacheMode())
	assert.True(t, bcache.Detect(disk, bcache.KindBacking))
}

func TestReadCorrupted(t *testing.T) {
	t.Parallel()

	disk := memdisk.New(64*MiB, 512)

	_, err := bcache.Read(disk)
	require.ErrorIs(t, err, bcache.ErrNoSuperBlock)

	_, err = bcache.Format(disk, bcache.KindBacking)
	require.NoError(t, err)

	// flip a byte of the label
	_, err = disk.WriteAt([]byte{'x'}, bcache.SuperBlockOffset+72)
	require.NoError(t, err)

	_, err = bcache.Read(disk)
	require.ErrorIs(t, err, bcache.ErrChecksum)

	// detection only looks at the magic and the version
	assert.True(t, bcache.Detect(disk, bcache.KindBacking))

	_, err = disk.WriteAt([]byte{0}, bcache.SuperBlockOffset+24)
	require.NoError(t, err)

	assert.False(t, bcache.Detect(disk, bcache.KindBacking))
}

func TestDetectShortDevice(t *testing.T) {
	t.Parallel()

	assert.False(t, bcache.Detect(memdisk.New(4096, 512), bcache.KindBacking))
}

func TestCacheModeString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "writeback", bcache.CacheModeWriteback.String())
	assert.Equal(t, "none", bcache.CacheModeNone.String())
	assert.Equal(t, "CacheMode(7)", bcache.CacheMode(7).String())
}
