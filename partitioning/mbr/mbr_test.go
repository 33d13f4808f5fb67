// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package mbr_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/go-strictlayout/internal/memdisk"
	"github.com/siderolabs/go-strictlayout/partitioning"
	"github.com/siderolabs/go-strictlayout/partitioning/mbr"
)

const MiB = 1024 * 1024

func TestWriteRead(t *testing.T) {
	t.Parallel()

	disk := memdisk.New(64*MiB, 512)

	bootCode := []byte{0xeb, 0x63, 0x90}

	_, err := disk.WriteAt(bootCode, 0)
	require.NoError(t, err)

	table, err := mbr.New(disk)
	require.NoError(t, err)

	no, err := table.Add(16*MiB, mbr.TypeLinuxSwap, false)
	require.NoError(t, err)
	assert.Equal(t, 1, no)

	no, err = table.Add(0, mbr.TypeLinux, true)
	require.NoError(t, err)
	assert.Equal(t, 2, no)

	require.NoError(t, table.Write())

	assert.Equal(t, []int{1, 2}, disk.Partitions())

	tableType, err := partitioning.Probe(disk)
	require.NoError(t, err)
	assert.Equal(t, partitioning.TableDOS, tableType)

	readTable, err := mbr.Read(disk)
	require.NoError(t, err)

	partitions := readTable.Partitions()
	require.Len(t, partitions, 2)

	assert.Equal(t, &mbr.Partition{Type: mbr.TypeLinuxSwap, FirstLBA: 2048, Sectors: 16 * MiB / 512}, partitions[0])
	assert.Equal(t, &mbr.Partition{Type: mbr.TypeLinux, Bootable: true, FirstLBA: 2048 + 16*MiB/512, Sectors: 64*MiB/512 - 2048 - 16*MiB/512}, partitions[1])

	hasBootCode, err := mbr.HasBootCode(disk)
	require.NoError(t, err)
	assert.True(t, hasBootCode)

	require.NoError(t, mbr.ClearBootCode(disk))

	hasBootCode, err = mbr.HasBootCode(disk)
	require.NoError(t, err)
	assert.False(t, hasBootCode)

	// records survive clearing the boot code
	readTable, err = mbr.Read(disk)
	require.NoError(t, err)
	assert.Len(t, readTable.Partitions(), 2)
}

func TestAddFull(t *testing.T) {
	t.Parallel()

	disk := memdisk.New(8*MiB, 512)

	table, err := mbr.New(disk)
	require.NoError(t, err)

	_, err = table.Add(16*MiB, mbr.TypeLinux, false)
	require.Error(t, err)

	for range 4 {
		_, err = table.Add(MiB, mbr.TypeLinux, false)
		require.NoError(t, err)
	}

	_, err = table.Add(MiB, mbr.TypeLinux, false)
	require.Error(t, err)
}

func TestReadNoTable(t *testing.T) {
	t.Parallel()

	disk := memdisk.New(8*MiB, 512)

	_, err := mbr.Read(disk)
	require.Error(t, err)

	tableType, err := partitioning.Probe(disk)
	require.NoError(t, err)
	assert.Equal(t, partitioning.TableNone, tableType)
}
