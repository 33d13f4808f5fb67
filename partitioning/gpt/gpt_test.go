// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package gpt_test

import (
	"bytes"
	_ "embed"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/go-strictlayout/internal/memdisk"
	"github.com/siderolabs/go-strictlayout/partitioning/gpt"
)

//go:embed testdata/esp.img.zst
var espImage []byte

const MiB = 1024 * 1024

func loadImage(t *testing.T) *memdisk.Disk {
	t.Helper()

	disk, err := memdisk.FromZstdImage(bytes.NewReader(espImage), 512)
	require.NoError(t, err)

	return disk
}

func TestIsESP(t *testing.T) {
	t.Parallel()

	disk := loadImage(t)

	assert.True(t, gpt.IsESP(disk, 1))
	assert.False(t, gpt.IsESP(disk, 2))
	assert.False(t, gpt.IsESP(disk, 3))
	assert.False(t, gpt.IsESP(disk, 0))
	assert.False(t, gpt.IsESP(disk, 129))
}

func TestIsESPCorrupted(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name   string
		offset int64
		value  byte
	}{
		{
			name:   "mbr signature",
			offset: 510,
			value:  0x00,
		},
		{
			name:   "protective record type",
			offset: 446 + 4,
			value:  0x83,
		},
		{
			name:   "gpt signature",
			offset: 512,
			value:  'X',
		},
		{
			name:   "gpt header crc",
			offset: 512 + 16,
			value:  0x00,
		},
		{
			name:   "gpt header field",
			offset: 512 + 56,
			value:  0xff,
		},
		{
			name:   "entries lba",
			offset: 512 + 72,
			value:  0x05,
		},
		{
			name:   "type guid",
			offset: 1024 + 3,
			value:  0x00,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			disk := loadImage(t)

			_, err := disk.WriteAt([]byte{test.value}, test.offset)
			require.NoError(t, err)

			assert.False(t, gpt.IsESP(disk, 1))
		})
	}
}

func TestIsESPShortDisk(t *testing.T) {
	t.Parallel()

	disk := memdisk.New(700, 512)

	_, err := disk.WriteAt([]byte{0x55, 0xaa}, 510)
	require.NoError(t, err)

	_, err = disk.WriteAt([]byte{0xee}, 446+4)
	require.NoError(t, err)

	assert.False(t, gpt.IsESP(disk, 1))
}

func TestReadImage(t *testing.T) {
	t.Parallel()

	disk := loadImage(t)

	table, err := gpt.Read(disk)
	require.NoError(t, err)

	assert.Equal(t, uuid.MustParse("DDDA0816-8B53-47BF-A813-9EBB1F73AAA2"), table.DiskGUID())

	partitions := table.Partitions()
	require.Len(t, partitions, 2)

	assert.Equal(t, "ESP", partitions[0].Name)
	assert.Equal(t, gpt.TypeESP, partitions[0].TypeGUID)
	assert.Equal(t, uuid.MustParse("3C047FF8-E35C-4918-A061-B4C1E5A291E5"), partitions[0].PartGUID)
	assert.EqualValues(t, 2048, partitions[0].FirstLBA)
	assert.EqualValues(t, 4095, partitions[0].LastLBA)

	assert.Equal(t, "root", partitions[1].Name)
	assert.Equal(t, gpt.TypeLinuxFilesystem, partitions[1].TypeGUID)
}

func TestWriteRead(t *testing.T) {
	t.Parallel()

	disk := memdisk.New(64*MiB, 512)

	table, err := gpt.New(disk, gpt.WithDiskGUID(uuid.MustParse("DDDA0816-8B53-47BF-A813-9EBB1F73AAA2")))
	require.NoError(t, err)

	espGUID := uuid.MustParse("3A1A4D3D-9A4B-4F86-8F2B-6E1B1C0F7E21")

	no, esp, err := table.AllocatePartition(8*MiB, "ESP", gpt.TypeESP,
		gpt.WithPartitionGUID(espGUID),
		gpt.WithFlags(gpt.FlagRequired),
		gpt.WithFlags(gpt.FlagNoBlockIO),
	)
	require.NoError(t, err)

	assert.Equal(t, espGUID, esp.PartGUID)
	assert.Equal(t, gpt.FlagRequired|gpt.FlagNoBlockIO, esp.Flags)

	assert.Equal(t, 1, no)
	assert.EqualValues(t, 2048, esp.FirstLBA)
	assert.EqualValues(t, 2048+8*MiB/512-1, esp.LastLBA)

	no, root, err := table.AllocatePartition(0, "root", gpt.TypeLinuxFilesystem)
	require.NoError(t, err)

	assert.Equal(t, 2, no)
	assert.EqualValues(t, esp.LastLBA+1, root.FirstLBA)

	_, _, err = table.AllocatePartition(MiB, "extra", gpt.TypeLinuxSwap)
	require.Error(t, err)

	require.NoError(t, table.Write())

	assert.Equal(t, []int{1, 2}, disk.Partitions())

	part, ok := disk.Partition(1)
	require.True(t, ok)
	assert.EqualValues(t, 8*MiB, part.Length)

	assert.True(t, gpt.IsESP(disk, 1))
	assert.False(t, gpt.IsESP(disk, 2))

	readTable, err := gpt.Read(disk)
	require.NoError(t, err)

	assert.Equal(t, table.Partitions(), readTable.Partitions())
	assert.Equal(t, table.DiskGUID(), readTable.DiskGUID())

	require.NoError(t, readTable.SetPartitionType(0, gpt.TypeBasicData))
	require.NoError(t, readTable.Write())

	assert.False(t, gpt.IsESP(disk, 1))

	require.Error(t, readTable.SetPartitionType(5, gpt.TypeESP))
}

func TestReadBackupHeader(t *testing.T) {
	t.Parallel()

	disk := loadImage(t)

	// destroy the primary header, the backup one is still valid
	_, err := disk.WriteAt(make([]byte, 512), 512)
	require.NoError(t, err)

	assert.False(t, gpt.IsESP(disk, 1))

	table, err := gpt.Read(disk)
	require.NoError(t, err)

	require.Len(t, table.Partitions(), 2)

	// rewriting restores the primary header
	require.NoError(t, table.Write())

	assert.True(t, gpt.IsESP(disk, 1))
}
