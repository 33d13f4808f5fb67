// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package partitioning_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/go-strictlayout/partitioning"
)

func TestDevName(t *testing.T) {
	t.Parallel()

	for _, test := range []struct { //nolint:govet
		devname   string
		partition uint

		expected string
		bus      partitioning.Bus
	}{
		{
			devname:   "/dev/sda",
			partition: 1,

			expected: "/dev/sda1",
			bus:      partitioning.BusSCSI,
		},
		{
			devname:   "/dev/nvme0n1",
			partition: 2,

			expected: "/dev/nvme0n1p2",
			bus:      partitioning.BusNVMe,
		},
		{
			devname:   "/dev/xvdb",
			partition: 3,

			expected: "/dev/xvdb3",
			bus:      partitioning.BusXen,
		},
		{
			devname:   "/dev/vdaa",
			partition: 12,

			expected: "/dev/vdaa12",
			bus:      partitioning.BusVirtio,
		},
	} {
		t.Run(test.devname, func(t *testing.T) {
			t.Parallel()

			path, err := partitioning.PartitionPath(test.devname, test.partition)
			require.NoError(t, err)
			assert.Equal(t, test.expected, path)

			disk, n, err := partitioning.SplitDevName(path)
			require.NoError(t, err)
			assert.Equal(t, test.devname, disk)
			assert.Equal(t, test.partition, n)

			bus, err := partitioning.DiskBus(test.devname)
			require.NoError(t, err)
			assert.Equal(t, test.bus, bus)

			assert.True(t, partitioning.IsPartition(path))
			assert.False(t, partitioning.IsPartition(test.devname))
			assert.True(t, partitioning.IsDisk(test.devname))
		})
	}
}

func TestUnknownScheme(t *testing.T) {
	t.Parallel()

	for _, path := range []string{"/dev/mmcblk0p1", "/dev/loop0", "/dev/sda0", "/dev/nvme0n1", "sda1", "/dev/md127"} {
		_, _, err := partitioning.SplitDevName(path)
		assert.ErrorIs(t, err, partitioning.ErrUnknownDevice, path)
	}

	_, err := partitioning.PartitionPath("/dev/mmcblk0", 1)
	assert.ErrorIs(t, err, partitioning.ErrUnknownDevice)

	_, err = partitioning.DiskBus("/dev/sda1")
	assert.ErrorIs(t, err, partitioning.ErrUnknownDevice)
}

type existing map[string]bool

func (e existing) Exists(path string) bool { return e[path] }

func TestHasPartition(t *testing.T) {
	t.Parallel()

	ex := existing{"/dev/sda1": true, "/dev/sda2": true, "/dev/nvme0n1p5": true}

	assert.True(t, partitioning.HasPartition(ex, "/dev/sda", 2))
	assert.False(t, partitioning.HasPartition(ex, "/dev/sda", 3))
	assert.True(t, partitioning.HasMoreThan(ex, "/dev/sda", 1))
	assert.False(t, partitioning.HasMoreThan(ex, "/dev/sda", 2))
	assert.True(t, partitioning.HasMoreThan(ex, "/dev/nvme0n1", 3))
	assert.False(t, partitioning.HasMoreThan(ex, "/dev/nvme0n1", 5))
}

func TestMapperName(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		path   string
		vg, lv string
		ok     bool
	}{
		{path: "/dev/mapper/vg0-root", vg: "vg0", lv: "root", ok: true},
		{path: "/dev/mapper/my--vg-lv--a", vg: "my-vg", lv: "lv-a", ok: true},
		{path: "/dev/mapper/vg0.root", vg: "vg0", lv: "root", ok: true},
		{path: "/dev/vg0/swap"},
		{path: "/dev/md/root"},
		{path: "/dev/disk/by-label"},
		{path: "/dev/mapper/control"},
		{path: "/dev/sda1"},
		{path: "/srv/vg/lv"},
	} {
		vg, lv, ok := partitioning.MapperName(test.path)
		assert.Equal(t, test.ok, ok, test.path)
		assert.Equal(t, test.vg, vg, test.path)
		assert.Equal(t, test.lv, lv, test.path)
	}

	assert.Equal(t, "/dev/mapper/my--vg-root", partitioning.DMName("my-vg", "root"))
}
