// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package layout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/go-strictlayout/partitioning"
	"github.com/siderolabs/go-strictlayout/partitioning/gpt"
	"github.com/siderolabs/go-strictlayout/partitioning/mbr"
)

func TestKinds(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name string

		multiDisk bool
		pool      bool
		ssdCache  bool
		swapFile  bool

		dataPartition uint
		tableType     partitioning.TableType
	}{
		{name: "bios-simple", swapFile: true, dataPartition: 1, tableType: partitioning.TableDOS},
		{name: "bios-lvm", multiDisk: true, dataPartition: 1, tableType: partitioning.TableDOS},
		{name: "efi-simple", swapFile: true, dataPartition: 2, tableType: partitioning.TableGPT},
		{name: "efi-lvm", multiDisk: true, dataPartition: 2, tableType: partitioning.TableGPT},
		{name: "efi-bcache-lvm", multiDisk: true, ssdCache: true, dataPartition: 2, tableType: partitioning.TableGPT},
		{name: "efi-btrfs", multiDisk: true, pool: true, swapFile: true, dataPartition: 2, tableType: partitioning.TableGPT},
		{name: "efi-bcache-btrfs", multiDisk: true, pool: true, ssdCache: true, swapFile: true, dataPartition: 2, tableType: partitioning.TableGPT},
		{name: "efi-bcachefs", multiDisk: true, pool: true, dataPartition: 2, tableType: partitioning.TableGPT},
	} {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			kind, err := ParseKind(test.name)
			require.NoError(t, err)

			assert.Equal(t, test.name, kind.String())
			assert.Equal(t, test.multiDisk, kind.MultiDisk())
			assert.Equal(t, test.pool, kind.Pool())
			assert.Equal(t, test.ssdCache, kind.SSDCache())
			assert.Equal(t, test.swapFile, kind.SwapFile())
			assert.Equal(t, test.dataPartition, kind.dataPartition())
			assert.Equal(t, test.tableType, kind.tableType())
		})
	}

	assert.Len(t, Kinds(), 8)

	_, err := ParseKind("zfs")
	require.EqualError(t, err, `unknown layout "zfs"`)

	assert.Equal(t, "unknown", Kind{}.String())
}

func TestPartitionTypes(t *testing.T) {
	t.Parallel()

	assert.Equal(t, gpt.TypeLinuxLVM, EFILVM.gptDataType())
	assert.Equal(t, gpt.TypeLinuxFilesystem, EFIBcacheLVM.gptDataType())
	assert.Equal(t, gpt.TypeLinuxFilesystem, EFIBtrfs.gptDataType())

	assert.EqualValues(t, mbr.TypeLinuxLVM, BIOSLVM.mbrDataType())
	assert.EqualValues(t, mbr.TypeLinux, BIOSSimple.mbrDataType())
}

func TestFindMount(t *testing.T) {
	t.Parallel()

	mounts := []Mount{
		{Device: "/dev/sda1", Target: "/", FSType: "ext4"},
		{Device: "/dev/sdb1", Target: "/boot", FSType: "vfat"},
		{Device: "/dev/sdc1", Target: "/boot", FSType: "vfat"},
	}

	m, ok := findMount(mounts, "/boot")
	require.True(t, ok)
	assert.Equal(t, "/dev/sdc1", m.Device)

	_, ok = findMount(mounts, "/mnt")
	assert.False(t, ok)
}
