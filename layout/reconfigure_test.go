// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package layout_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/go-strictlayout/bcache"
	"github.com/siderolabs/go-strictlayout/layout"
	"github.com/siderolabs/go-strictlayout/partitioning"
)

func TestRemoveBootDiskEFILVM(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	host := newHost("/dev/sdb", "/dev/sdc")

	create(t, host, layout.EFILVM, "/dev/sdb", "/dev/sdc")

	l := classify(t, host)
	require.Equal(t, "/dev/sdb", l.BootDisk())

	host.ResetLog()

	changed, err := l.RemoveDisk(ctx, "/dev/sdb")
	require.NoError(t, err)

	assert.True(t, changed)
	assert.Equal(t, "/dev/sdc", l.BootDisk())
	assert.Equal(t, []string{"/dev/sdc"}, l.HDDs())

	assertSubsequence(t, host.Log(), []string{
		"pvmove /dev/sdb2",
		"umount /boot",
		"mount -o ro /dev/sdc1 /boot",
		"vgreduce vg0 /dev/sdb2",
		"pvremove /dev/sdb2",
		"wipe /dev/sdb",
	})

	assert.True(t, isESP(host, "/dev/sdc"))

	mounts, err := host.Mounts(ctx)
	require.NoError(t, err)
	assert.Contains(t, mounts, layout.Mount{Device: "/dev/sdc1", Target: "/boot", FSType: "vfat", Options: []string{"ro"}})

	reclassified := classify(t, host)

	assert.Equal(t, layout.EFILVM, reclassified.Kind())
	assert.Equal(t, []string{"/dev/sdc"}, reclassified.Disks())
	assert.Equal(t, "/dev/sdc", reclassified.BootDisk())
}

func TestRemoveBootDiskBIOSLVM(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	host := newHost("/dev/sda", "/dev/sdb")

	l := create(t, host, layout.BIOSLVM, "/dev/sda", "/dev/sdb")

	changed, err := l.RemoveDisk(ctx, "/dev/sda")
	require.NoError(t, err)

	assert.True(t, changed)
	assert.Equal(t, "/dev/sdb", l.BootDisk())
	assert.True(t, hasBootCode(t, host, "/dev/sdb"))

	reclassified := classify(t, host)

	assert.Equal(t, layout.BIOSLVM, reclassified.Kind())
	assert.Equal(t, "/dev/sdb", reclassified.BootDisk())
	assert.Equal(t, []string{"/dev/sdb"}, reclassified.Disks())
}

func TestRemoveLastDisk(t *testing.T) {
	t.Parallel()

	for _, kind := range []layout.Kind{layout.EFILVM, layout.EFIBtrfs, layout.EFIBcachefs, layout.BIOSLVM} {
		t.Run(kind.String(), func(t *testing.T) {
			t.Parallel()

			host := newHost("/dev/sda")

			l := create(t, host, kind, "/dev/sda")

			host.ResetLog()

			changed, err := l.RemoveDisk(context.Background(), "/dev/sda")
			require.ErrorIs(t, err, layout.ErrLastDisk)

			var rerr *layout.RemoveDiskError

			require.ErrorAs(t, err, &rerr)
			assert.Equal(t, "/dev/sda", rerr.Device)

			assert.False(t, changed)
			assert.Empty(t, host.Log())
			assert.Equal(t, []string{"/dev/sda"}, l.Disks())
		})
	}
}

func TestAddRemoveDisk(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		kind  layout.Kind
		disks []string
		added string

		expectedLog []string
	}{
		{
			kind:  layout.EFILVM,
			disks: []string{"/dev/sda"},
			added: "/dev/sdb",

			expectedLog: []string{"pvcreate /dev/sdb2", "vgextend vg0 /dev/sdb2"},
		},
		{
			kind:  layout.BIOSLVM,
			disks: []string{"/dev/sda"},
			added: "/dev/sdb",

			expectedLog: []string{"pvcreate /dev/sdb1", "vgextend vg0 /dev/sdb1"},
		},
		{
			kind:  layout.EFIBtrfs,
			disks: []string{"/dev/sda"},
			added: "/dev/sdb",

			expectedLog: []string{"btrfs.add /dev/sdb2 /"},
		},
		{
			kind:  layout.EFIBcachefs,
			disks: []string{"/dev/vda", "/dev/vdb"},
			added: "/dev/vdc",

			expectedLog: []string{"bcachefs.add /dev/vdc2 /"},
		},
		{
			kind:  layout.EFIBcacheLVM,
			disks: []string{"/dev/nvme0n1", "/dev/sda"},
			added: "/dev/sdb",

			expectedLog: []string{"bcache.register /dev/sdb2", "bcache.attach /dev/bcache1", "pvcreate /dev/bcache1", "vgextend vg0 /dev/bcache1"},
		},
		{
			kind:  layout.EFIBcacheBtrfs,
			disks: []string{"/dev/nvme0n1", "/dev/sda"},
			added: "/dev/sdb",

			expectedLog: []string{"bcache.register /dev/sdb2", "btrfs.add /dev/bcache1 /"},
		},
	} {
		t.Run(test.kind.String(), func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			host := newHost(append(test.disks, test.added)...)

			create(t, host, test.kind, test.disks...)

			l := classify(t, host)
			before := l.Disks()

			host.ResetLog()

			changed, err := l.AddDisk(ctx, test.added)
			require.NoError(t, err)
			assert.False(t, changed)

			assertSubsequence(t, trimSets(host.Log()), test.expectedLog)

			assert.Contains(t, l.HDDs(), test.added)

			if test.kind.Boot == layout.BootEFI {
				assert.False(t, isESP(host, test.added))

				esp, err := host.Open(ctx, partitioning.DevName(test.added, 1))
				require.NoError(t, err)
				assert.EqualValues(t, 512*MiB, esp.GetSize())
				require.NoError(t, esp.Close())
			}

			added := classify(t, host)
			assert.Equal(t, test.kind, added.Kind())
			assert.Equal(t, l.Disks(), added.Disks())

			changed, err = l.RemoveDisk(ctx, test.added)
			require.NoError(t, err)
			assert.False(t, changed)

			assert.Equal(t, before, l.Disks())

			removed := classify(t, host)
			assert.Equal(t, test.kind, removed.Kind())
			assert.Equal(t, before, removed.Disks())
			assert.Equal(t, l.RootDevice(), removed.RootDevice())

			buf := make([]byte, 4096)

			_, err = host.Disk(test.added).ReadAt(buf, 0)
			require.NoError(t, err)
			assert.Equal(t, make([]byte, len(buf)), buf, "removed disk is wiped")
		})
	}
}

// trimSets drops the cache set UUID from bcache.attach log entries.
func trimSets(log []string) []string {
	out := make([]string, 0, len(log))

	for _, entry := range log {
		if strings.HasPrefix(entry, "bcache.attach ") {
			entry = entry[:len(entry)-len(uuid.Nil.String())-1]
		}

		out = append(out, entry)
	}

	return out
}

func TestAddDiskErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("single disk layout", func(t *testing.T) {
		t.Parallel()

		host := newHost("/dev/sda", "/dev/sdb")

		l := create(t, host, layout.EFISimple, "/dev/sda")

		_, err := l.AddDisk(ctx, "/dev/sdb")
		require.ErrorIs(t, err, layout.ErrSingleDisk)

		var aerr *layout.AddDiskError

		require.ErrorAs(t, err, &aerr)
		assert.Equal(t, "/dev/sdb", aerr.Device)
	})

	t.Run("already a member", func(t *testing.T) {
		t.Parallel()

		host := newHost("/dev/sda")

		l := create(t, host, layout.EFILVM, "/dev/sda")

		_, err := l.AddDisk(ctx, "/dev/sda")
		require.ErrorIs(t, err, layout.ErrAlreadyMember)
	})

	t.Run("not clean", func(t *testing.T) {
		t.Parallel()

		host := newHost("/dev/sda", "/dev/sdb")

		l := create(t, host, layout.EFIBtrfs, "/dev/sda")

		_, err := host.Disk("/dev/sdb").WriteAt([]byte("leftover"), 4096)
		require.NoError(t, err)

		host.ResetLog()

		_, err = l.AddDisk(ctx, "/dev/sdb")
		require.ErrorIs(t, err, layout.ErrDiskNotClean)
		assert.Empty(t, host.Log())
	})

	t.Run("unknown device", func(t *testing.T) {
		t.Parallel()

		host := newHost("/dev/sda")

		l := create(t, host, layout.EFILVM, "/dev/sda")

		_, err := l.AddDisk(ctx, "/dev/loop0")
		require.ErrorIs(t, err, partitioning.ErrUnknownDevice)
	})

	t.Run("second SSD", func(t *testing.T) {
		t.Parallel()

		host := newHost("/dev/nvme0n1", "/dev/nvme1n1", "/dev/sda")

		l := create(t, host, layout.EFIBcacheLVM, "/dev/nvme0n1", "/dev/sda")

		host.ResetLog()

		_, err := l.AddDisk(ctx, "/dev/nvme1n1")
		require.ErrorIs(t, err, layout.ErrSecondSSD)
		assert.Empty(t, host.Log())
	})

	t.Run("SSD without cache tier", func(t *testing.T) {
		t.Parallel()

		host := newHost("/dev/sda", "/dev/nvme0n1")

		l := create(t, host, layout.EFILVM, "/dev/sda")

		changed, err := l.AddDisk(ctx, "/dev/nvme0n1")
		require.NoError(t, err)

		assert.False(t, changed)
		assert.Empty(t, l.SSD())
		assert.Equal(t, []string{"/dev/nvme0n1", "/dev/sda"}, l.HDDs())
	})
}

func TestSSDAddRemove(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	host := newHost("/dev/sda", "/dev/sdb", "/dev/nvme0n1")

	create(t, host, layout.EFIBcacheLVM, "/dev/sda", "/dev/sdb")

	l := classify(t, host)
	require.Equal(t, "/dev/sda", l.BootDisk())
	require.Equal(t, "/dev/mapper/vg0-swap", l.Swap())

	changed, err := l.AddDisk(ctx, "/dev/nvme0n1")
	require.NoError(t, err)

	assert.True(t, changed)
	assert.Equal(t, "/dev/nvme0n1", l.SSD())
	assert.Equal(t, "/dev/nvme0n1", l.BootDisk())
	assert.Equal(t, "/dev/nvme0n1p2", l.Swap())
	assert.NotEqual(t, uuid.Nil, l.CacheSet())

	assert.True(t, isESP(host, "/dev/nvme0n1"))
	assert.False(t, isESP(host, "/dev/sda"))

	// the SSD swap stays off until the system enables it
	swaps, err := host.ActiveSwaps(ctx)
	require.NoError(t, err)
	assert.Empty(t, swaps)

	for _, dev := range []string{"/dev/bcache0", "/dev/bcache1"} {
		assert.Equal(t, bcache.CacheModeWriteback, host.CacheMode(dev))
	}

	cached := classify(t, host)
	assert.Equal(t, "/dev/nvme0n1", cached.SSD())
	assert.Equal(t, l.CacheSet(), cached.CacheSet())

	t.Run("release", func(t *testing.T) {
		host.ResetLog()

		require.NoError(t, l.ReleaseDisk(ctx, "/dev/nvme0n1"))

		assertSubsequence(t, host.Log(), []string{"bcache.detach /dev/bcache0", "bcache.detach /dev/bcache1"})

		// released, still a member
		assert.Equal(t, "/dev/nvme0n1", l.SSD())
	})

	t.Run("swap in use", func(t *testing.T) {
		require.NoError(t, host.SwapOn(ctx, "/dev/nvme0n1p2"))

		host.ResetLog()

		changed, err := l.RemoveDisk(ctx, "/dev/nvme0n1")
		require.ErrorIs(t, err, layout.ErrSwapInUse)
		assert.False(t, changed)
		assert.Empty(t, host.Log())
	})

	t.Run("remove", func(t *testing.T) {
		require.NoError(t, host.SwapOff(ctx, "/dev/nvme0n1p2"))

		changed, err := l.RemoveDisk(ctx, "/dev/nvme0n1")
		require.NoError(t, err)

		assert.True(t, changed)
		assert.Empty(t, l.SSD())
		assert.Equal(t, "/dev/sda", l.BootDisk())
		assert.Equal(t, uuid.Nil, l.CacheSet())
		assert.True(t, isESP(host, "/dev/sda"))

		uncached := classify(t, host)
		assert.Equal(t, layout.EFIBcacheLVM, uncached.Kind())
		assert.Empty(t, uncached.SSD())
		assert.Equal(t, "/dev/sda", uncached.BootDisk())
	})
}

func TestReleaseDisk(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("lvm", func(t *testing.T) {
		t.Parallel()

		host := newHost("/dev/sda", "/dev/sdb")

		l := create(t, host, layout.EFILVM, "/dev/sda", "/dev/sdb")

		host.ResetLog()

		require.NoError(t, l.ReleaseDisk(ctx, "/dev/sdb"))
		assert.Equal(t, []string{"pvmove /dev/sdb2"}, host.Log())
		assert.Equal(t, []string{"/dev/sda", "/dev/sdb"}, l.Disks())

		host.Fail("pvmove", errors.New("insufficient free space"))

		err := l.ReleaseDisk(ctx, "/dev/sdb")
		require.ErrorIs(t, err, layout.ErrEvacuation)

		var rerr *layout.ReleaseDiskError

		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, "/dev/sdb", rerr.Device)

		host.ResetLog()

		_, err = l.RemoveDisk(ctx, "/dev/sdb")
		require.ErrorIs(t, err, layout.ErrEvacuation)
		assert.Empty(t, host.Log())
		assert.Equal(t, []string{"/dev/sda", "/dev/sdb"}, l.Disks())
	})

	t.Run("btrfs", func(t *testing.T) {
		t.Parallel()

		host := newHost("/dev/sda", "/dev/sdb")

		l := create(t, host, layout.EFIBtrfs, "/dev/sda", "/dev/sdb")

		// an empty pool fits on either member
		require.NoError(t, l.ReleaseDisk(ctx, "/dev/sdb"))

		host.SetUsage("/", layout.Usage{Total: 32 * GiB, Used: 10 * GiB})
		require.NoError(t, l.ReleaseDisk(ctx, "/dev/sdb"))

		host.SetUsage("/", layout.Usage{Total: 32 * GiB, Used: 20 * GiB})
		require.ErrorIs(t, l.ReleaseDisk(ctx, "/dev/sdb"), layout.ErrEvacuation)

		host.ResetLog()

		changed, err := l.RemoveDisk(ctx, "/dev/sdb")
		require.ErrorIs(t, err, layout.ErrEvacuation)
		assert.False(t, changed)
		assert.Empty(t, host.Log())
		assert.Equal(t, []string{"/dev/sda", "/dev/sdb"}, l.Disks())
	})

	t.Run("bcachefs", func(t *testing.T) {
		t.Parallel()

		host := newHost("/dev/sda", "/dev/sdb")

		l := create(t, host, layout.EFIBcachefs, "/dev/sda", "/dev/sdb")

		host.ResetLog()

		require.NoError(t, l.ReleaseDisk(ctx, "/dev/sda"))
		assert.Equal(t, []string{"bcachefs.evacuate /dev/sda2 /"}, host.Log())
	})

	t.Run("errors", func(t *testing.T) {
		t.Parallel()

		host := newHost("/dev/sda", "/dev/sdb")

		l := create(t, host, layout.EFISimple, "/dev/sda")

		require.ErrorIs(t, l.ReleaseDisk(ctx, "/dev/sdb"), layout.ErrNotMember)
		require.ErrorIs(t, l.ReleaseDisk(ctx, "/dev/sda"), layout.ErrSingleDisk)
	})
}

func TestRemoveDiskNotMember(t *testing.T) {
	t.Parallel()

	host := newHost("/dev/sda", "/dev/sdb")

	l := create(t, host, layout.EFILVM, "/dev/sda")

	changed, err := l.RemoveDisk(context.Background(), "/dev/sdb")
	require.ErrorIs(t, err, layout.ErrNotMember)
	assert.False(t, changed)
}

func TestRemovePoolRootMember(t *testing.T) {
	t.Parallel()

	for _, kind := range []layout.Kind{layout.EFIBtrfs, layout.EFIBcachefs} {
		t.Run(kind.String(), func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			host := newHost("/dev/sda", "/dev/sdb", "/dev/sdc")

			l := create(t, host, kind, "/dev/sda", "/dev/sdb", "/dev/sdc")

			host.SetUsage("/", layout.Usage{Total: 46 * GiB, Used: 1 * GiB})

			changed, err := l.RemoveDisk(ctx, "/dev/sda")
			require.NoError(t, err)

			assert.True(t, changed)
			assert.Equal(t, "/dev/sdb", l.BootDisk())
			assert.NotContains(t, l.RootDevice(), "/dev/sda2")

			reclassified := classify(t, host)
			assert.Equal(t, kind, reclassified.Kind())
			assert.Equal(t, []string{"/dev/sdb", "/dev/sdc"}, reclassified.Disks())
			assert.Equal(t, l.RootDevice(), reclassified.RootDevice())
		})
	}
}

func TestSSDAddThenRemove(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	host := newHost("/dev/sda", "/dev/sdb", "/dev/nvme0n1")

	create(t, host, layout.EFIBcacheLVM, "/dev/sda", "/dev/sdb")

	l := classify(t, host)

	changed, err := l.AddDisk(ctx, "/dev/nvme0n1")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = l.RemoveDisk(ctx, "/dev/nvme0n1")
	require.NoError(t, err)
	assert.True(t, changed)

	assert.Equal(t, []string{"/dev/sda", "/dev/sdb"}, l.Disks())
	assert.Empty(t, l.SSD())
	assert.Equal(t, "/dev/sda", l.BootDisk())
	assert.True(t, isESP(host, "/dev/sda"))
	assert.False(t, isESP(host, "/dev/nvme0n1"))
}

func TestSSDAddFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("after boot switch", func(t *testing.T) {
		t.Parallel()

		host := newHost("/dev/sda", "/dev/sdb", "/dev/nvme0n1")

		create(t, host, layout.EFIBcacheLVM, "/dev/sda", "/dev/sdb")

		l := classify(t, host)

		host.Fail("mount -o ro", errors.New("device busy"))

		changed, err := l.AddDisk(ctx, "/dev/nvme0n1")
		require.Error(t, err)

		var addErr *layout.AddDiskError

		require.ErrorAs(t, err, &addErr)
		assert.Equal(t, "/dev/nvme0n1", addErr.Device)

		// the boot disk moved before the failure
		assert.True(t, changed)
		assert.Equal(t, "/dev/nvme0n1", l.BootDisk())
		assert.True(t, isESP(host, "/dev/nvme0n1"))
	})

	t.Run("partial attach", func(t *testing.T) {
		t.Parallel()

		host := newHost("/dev/sda", "/dev/sdb", "/dev/nvme0n1")

		create(t, host, layout.EFIBcacheLVM, "/dev/sda", "/dev/sdb")

		l := classify(t, host)

		host.Fail("bcache.attach /dev/bcache1", errors.New("device busy"))

		changed, err := l.AddDisk(ctx, "/dev/nvme0n1")
		require.Error(t, err)
		assert.False(t, changed)

		// the registered cache set is tracked, so it can be removed again
		assert.Equal(t, "/dev/nvme0n1", l.SSD())
		assert.NotEqual(t, uuid.Nil, l.CacheSet())
		assert.Equal(t, "/dev/sda", l.BootDisk())
		assertSubsequence(t, host.Log(), []string{"bcache.attach /dev/bcache0 " + l.CacheSet().String()})

		host.Fail("bcache.attach /dev/bcache1", nil)
		host.ResetLog()

		changed, err = l.RemoveDisk(ctx, "/dev/nvme0n1")
		require.NoError(t, err)
		assert.False(t, changed)

		assertSubsequence(t, host.Log(), []string{"bcache.detach /dev/bcache0", "bcache.detach /dev/bcache1", "wipe /dev/nvme0n1"})

		assert.Empty(t, l.SSD())
		assert.Equal(t, uuid.Nil, l.CacheSet())
		assert.Equal(t, "/dev/sda", l.BootDisk())
		assert.True(t, isESP(host, "/dev/sda"))
	})
}
