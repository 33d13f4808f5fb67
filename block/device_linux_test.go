// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package block_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/freddierice/go-losetup/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/siderolabs/go-strictlayout/block"
	"github.com/siderolabs/go-strictlayout/partitioning"
	"github.com/siderolabs/go-strictlayout/partitioning/gpt"
)

const (
	MiB = 1024 * 1024
	GiB = 1024 * MiB
)

func TestDevice(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("skipping test; must be root")
	}

	tmpDir := t.TempDir()

	rawImage := filepath.Join(tmpDir, "image.raw")

	f, err := os.Create(rawImage)
	require.NoError(t, err)

	require.NoError(t, f.Truncate(int64(2*GiB)))
	require.NoError(t, f.Close())

	var loDev losetup.Device

	loDev, err = losetup.Attach(rawImage, 0, false)
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, loDev.Detach())
	})

	devPath := loDev.Path()

	devWhole, err := block.NewFromPath(devPath, block.OpenForWrite())
	require.NoError(t, err)

	devWhole2, err := block.NewFromPath(devPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		assert.NoError(t, devWhole.Close())
		assert.NoError(t, devWhole2.Close())
	})

	clean, err := devWhole.IsClean()
	require.NoError(t, err)
	assert.True(t, clean)

	gptdev, err := partitioning.DeviceFromBlockDevice(devWhole)
	require.NoError(t, err)

	table, err := gpt.New(gptdev)
	require.NoError(t, err)

	_, _, err = table.AllocatePartition(100*MiB, "ESP", gpt.TypeESP)
	require.NoError(t, err)

	_, _, err = table.AllocatePartition(0, "root", gpt.TypeLinuxFilesystem)
	require.NoError(t, err)

	require.NoError(t, table.Write())

	t.Run("clean", func(t *testing.T) {
		clean, err := devWhole.IsClean()
		require.NoError(t, err)

		assert.False(t, clean)
	})

	t.Run("whole disk", func(t *testing.T) {
		if hostname, _ := os.Hostname(); hostname == "buildkitsandbox" { //nolint:errcheck
			t.Skip("test not supported under buildkit as partition devices are not propagated from /dev")
		}

		isWhole, err := devWhole.IsWholeDisk()
		require.NoError(t, err)

		assert.True(t, isWhole)

		devPartition, err := block.NewFromPath(partitioning.DevName(devPath, 2))
		require.NoError(t, err)

		t.Cleanup(func() {
			assert.NoError(t, devPartition.Close())
		})

		isWhole, err = devPartition.IsWholeDisk()
		require.NoError(t, err)

		assert.False(t, isWhole)

		partitionNum, err := devWhole.GetKernelLastPartitionNum()
		require.NoError(t, err)

		assert.Equal(t, 2, partitionNum)

		wholeDisk, err := devPartition.GetWholeDisk()
		require.NoError(t, err)

		t.Cleanup(func() {
			assert.NoError(t, wholeDisk.Close())
		})

		devNoExpected, err := devWhole.GetDevNo()
		require.NoError(t, err)

		devNoActual, err := wholeDisk.GetDevNo()
		require.NoError(t, err)

		assert.Equal(t, devNoExpected, devNoActual)

		assert.True(t, gpt.IsESP(gptdev, 1))
		assert.False(t, gpt.IsESP(gptdev, 2))
	})

	t.Run("size", func(t *testing.T) {
		size, err := devWhole.GetSize()
		require.NoError(t, err)

		assert.EqualValues(t, 2*GiB, size)
	})

	t.Run("sector size", func(t *testing.T) {
		assert.EqualValues(t, 512, devWhole.GetSectorSize())

		ioSize, err := devWhole.GetIOSize()
		require.NoError(t, err)
		assert.EqualValues(t, 512, ioSize)
	})

	t.Run("rotational", func(t *testing.T) {
		_, err := devWhole.IsRotational()
		require.NoError(t, err)
	})

	t.Run("lock unlock", func(t *testing.T) {
		require.NoError(t, devWhole.Lock(true))
		require.NoError(t, devWhole.Unlock())
	})

	t.Run("lock try lock unlock", func(t *testing.T) {
		require.NoError(t, devWhole.Lock(true))

		err := devWhole2.TryLock(false)
		require.Error(t, err)
		require.ErrorIs(t, err, unix.EWOULDBLOCK)

		require.NoError(t, devWhole.Unlock())

		require.NoError(t, devWhole2.TryLock(false))
		require.NoError(t, devWhole2.Unlock())
	})
}
