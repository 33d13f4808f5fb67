// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package layout

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/siderolabs/go-strictlayout/blkid"
	"github.com/siderolabs/go-strictlayout/partitioning"
)

// AddDisk adds a clean disk to the layout.
//
// A non-rotational disk joins as the cache SSD of layouts with a cache tier
// and takes over as the boot disk, any other disk joins as a harddisk.
// Returns true if the boot disk changed.
func (l *Layout) AddDisk(ctx context.Context, disk string) (bool, error) {
	fail := func(err error) error {
		return &AddDiskError{Device: disk, Err: err}
	}

	if !l.kind.MultiDisk() {
		return false, fail(ErrSingleDisk)
	}

	if l.isMember(disk) {
		return false, fail(ErrAlreadyMember)
	}

	if _, err := partitioning.DiskBus(disk); err != nil {
		return false, fail(err)
	}

	clean, err := l.isClean(ctx, disk)
	if err != nil {
		return false, fail(err)
	}

	if !clean {
		return false, fail(ErrDiskNotClean)
	}

	prev := l.bootDisk
	ssd := false

	if l.kind.SSDCache() {
		rotational, err := l.sys.IsRotational(ctx, disk)
		if err != nil {
			return false, fail(err)
		}

		ssd = !rotational
	}

	if ssd {
		if l.ssd != "" {
			return false, fail(ErrSecondSSD)
		}

		if err = l.addSSD(ctx, disk); err != nil {
			return l.bootDisk != prev, fail(err)
		}

		return true, nil
	}

	if err = l.addHDD(ctx, disk); err != nil {
		return l.bootDisk != prev, fail(err)
	}

	return false, nil
}

func (l *Layout) addHDD(ctx context.Context, disk string) error {
	logger := l.logger.With(zap.String("disk", disk))
	logger.Info("adding harddisk")

	if err := l.partitionHDD(ctx, disk, false); err != nil {
		return err
	}

	if l.kind.Boot == BootEFI {
		if err := l.syncESP(ctx, partitioning.DevName(disk, 1)); err != nil {
			return fmt.Errorf("failed to replicate the ESP: %w", err)
		}
	}

	member := l.dataPartition(disk)

	if l.kind.Cache == CacheBcache {
		var err error

		if member, err = l.formatBacking(ctx, member); err != nil {
			return err
		}

		if l.ssd != "" {
			if err = l.attachCache(ctx, member, l.cacheSet); err != nil {
				return err
			}
		}
	}

	switch {
	case l.kind.Volume == VolumeLVM:
		if err := l.sys.CreatePV(ctx, member); err != nil {
			return err
		}

		if err := l.sys.ExtendVG(ctx, l.cfg.VGName, member); err != nil {
			return err
		}
	case l.kind.Pool():
		if err := l.sys.PoolAdd(ctx, string(l.kind.Filesystem), l.root, member); err != nil {
			return err
		}
	}

	l.hdds = append(l.hdds, disk)
	slices.Sort(l.hdds)

	logger.Info("harddisk added", zap.String("member", member))

	if l.kind.Pool() {
		return l.refreshRoot(ctx)
	}

	return nil
}

func (l *Layout) addSSD(ctx context.Context, disk string) error {
	logger := l.logger.With(zap.String("disk", disk))
	logger.Info("adding cache SSD")

	if err := l.partitionSSD(ctx, disk, false); err != nil {
		return err
	}

	set, err := l.formatCache(ctx, partitioning.DevName(disk, 3))
	if err != nil {
		return err
	}

	// the registered cache set is a member from here on
	l.ssd, l.cacheSet = disk, set

	for _, hdd := range l.hdds {
		member, err := l.member(ctx, hdd)
		if err != nil {
			return err
		}

		if err = l.attachCache(ctx, member, set); err != nil {
			return err
		}
	}

	if err = l.switchBoot(ctx, disk); err != nil {
		return err
	}

	logger.Info("cache SSD added", zap.Stringer("set", set))

	return nil
}

// ReleaseDisk moves all data off a member disk, keeping it in the layout.
func (l *Layout) ReleaseDisk(ctx context.Context, disk string) error {
	if err := l.release(ctx, disk); err != nil {
		return &ReleaseDiskError{Device: disk, Err: err}
	}

	return nil
}

func (l *Layout) release(ctx context.Context, disk string) error {
	if !l.isMember(disk) {
		return ErrNotMember
	}

	logger := l.logger.With(zap.String("disk", disk))

	if disk == l.ssd {
		// detaching writes back all dirty data
		for _, hdd := range l.hdds {
			member, err := l.member(ctx, hdd)
			if err != nil {
				return err
			}

			if err = l.sys.DetachBcache(ctx, member); err != nil {
				return fmt.Errorf("%w: %w", ErrEvacuation, err)
			}
		}

		logger.Info("cache SSD released")

		return nil
	}

	if !l.kind.MultiDisk() {
		return ErrSingleDisk
	}

	if len(l.hdds) == 1 {
		return ErrLastDisk
	}

	member, err := l.member(ctx, disk)
	if err != nil {
		return err
	}

	switch {
	case l.kind.Volume == VolumeLVM:
		if err = l.sys.MovePV(ctx, member); err != nil {
			return fmt.Errorf("%w: %w", ErrEvacuation, err)
		}
	case l.kind.Filesystem == FilesystemBcachefs:
		if err = l.sys.PoolEvacuate(ctx, string(l.kind.Filesystem), l.root, member); err != nil {
			return fmt.Errorf("%w: %w", ErrEvacuation, err)
		}
	case l.kind.Filesystem == FilesystemBtrfs:
		// btrfs relocates the data while removing the device, only check the space
		if err = l.checkPoolSpace(ctx, member); err != nil {
			return err
		}
	}

	logger.Info("harddisk released", zap.String("member", member))

	return nil
}

func (l *Layout) checkPoolSpace(ctx context.Context, member string) error {
	usage, err := l.sys.Usage(ctx, l.root)
	if err != nil {
		return err
	}

	size, err := l.deviceSize(ctx, member)
	if err != nil {
		return err
	}

	if size >= usage.Total || usage.Used > usage.Total-size {
		return fmt.Errorf("%w: %s used, %s left without %q", ErrEvacuation, Size(usage.Used), Size(usage.Total-min(size, usage.Total)), member)
	}

	return nil
}

// RemoveDisk releases a member disk, removes it from the layout and wipes it.
//
// If the disk is the boot disk, the boot disk moves to the SSD or the first
// remaining harddisk. Returns true if the boot disk changed.
func (l *Layout) RemoveDisk(ctx context.Context, disk string) (bool, error) {
	prev := l.bootDisk

	if err := l.remove(ctx, disk); err != nil {
		return l.bootDisk != prev, &RemoveDiskError{Device: disk, Err: err}
	}

	return l.bootDisk != prev, nil
}

func (l *Layout) remove(ctx context.Context, disk string) error {
	if !l.isMember(disk) {
		return ErrNotMember
	}

	if disk == l.ssd {
		return l.removeSSD(ctx, disk)
	}

	if len(l.hdds) == 1 {
		return ErrLastDisk
	}

	logger := l.logger.With(zap.String("disk", disk))
	logger.Info("removing harddisk")

	member, err := l.member(ctx, disk)
	if err != nil {
		return err
	}

	if err = l.release(ctx, disk); err != nil {
		return err
	}

	changed := disk == l.bootDisk

	if changed {
		if err = l.switchBoot(ctx, l.nextBootDisk(disk)); err != nil {
			return err
		}
	}

	switch {
	case l.kind.Volume == VolumeLVM:
		if err = l.sys.ReduceVG(ctx, l.cfg.VGName, member); err != nil {
			return err
		}

		if err = l.sys.RemovePV(ctx, member); err != nil {
			return err
		}
	case l.kind.Pool():
		if err = l.sys.PoolRemove(ctx, string(l.kind.Filesystem), l.root, member); err != nil {
			return err
		}
	}

	l.hdds = slices.DeleteFunc(l.hdds, func(d string) bool { return d == disk })

	if l.kind.Pool() {
		if err = l.refreshRoot(ctx); err != nil {
			return err
		}
	}

	if l.kind.Cache == CacheBcache {
		if err = l.sys.StopBcache(ctx, member); err != nil {
			return err
		}
	}

	if err = l.sys.Wipe(ctx, disk); err != nil {
		return err
	}

	logger.Info("harddisk removed", zap.Bool("boot_changed", changed))

	return nil
}

func (l *Layout) removeSSD(ctx context.Context, disk string) error {
	swap := partitioning.DevName(disk, 2)

	swaps, err := l.sys.ActiveSwaps(ctx)
	if err != nil {
		return err
	}

	if slices.Contains(swaps, swap) {
		return fmt.Errorf("%w: %s", ErrSwapInUse, swap)
	}

	logger := l.logger.With(zap.String("disk", disk))
	logger.Info("removing cache SSD")

	if err = l.release(ctx, disk); err != nil {
		return err
	}

	if err = l.sys.UnregisterCacheSet(ctx, l.cacheSet); err != nil {
		return err
	}

	l.ssd, l.cacheSet = "", uuid.Nil

	if disk == l.bootDisk {
		if err = l.switchBoot(ctx, l.nextBootDisk(disk)); err != nil {
			return err
		}
	}

	if err = l.sys.Wipe(ctx, disk); err != nil {
		return err
	}

	logger.Info("cache SSD removed")

	return nil
}

// nextBootDisk picks the boot disk once the disk is gone: the SSD, or the first harddisk.
func (l *Layout) nextBootDisk(leaving string) string {
	if l.ssd != "" && l.ssd != leaving {
		return l.ssd
	}

	for _, hdd := range l.hdds {
		if hdd != leaving {
			return hdd
		}
	}

	panic(fmt.Sprintf("no boot disk candidate left besides %q", leaving))
}

// switchBoot moves the boot disk.
//
// For EFI the ESP contents are synced to the new disk, /boot is unmounted,
// the ESP flag moves and /boot is mounted read-only from the new ESP.
// For BIOS boot code is installed on the new disk and cleared from the old one.
func (l *Layout) switchBoot(ctx context.Context, next string) error {
	prev := l.bootDisk
	logger := l.logger.With(zap.String("from", prev), zap.String("to", next))

	if l.kind.Boot == BootBIOS {
		if err := l.sys.InstallBIOS(ctx, next, l.bootDir()); err != nil {
			return err
		}

		l.bootDisk = next

		logger.Info("boot disk switched")

		return l.clearBootCode(ctx, prev)
	}

	esp := partitioning.DevName(next, 1)

	if err := l.syncESP(ctx, esp); err != nil {
		return fmt.Errorf("failed to sync the ESP: %w", err)
	}

	if err := l.sys.Unmount(ctx, l.bootDir()); err != nil {
		return err
	}

	if err := l.setESP(ctx, next, true); err != nil {
		return err
	}

	if err := l.setESP(ctx, prev, false); err != nil {
		return err
	}

	l.bootDisk = next

	if err := l.sys.Mount(ctx, esp, l.bootDir(), blkid.NameVFAT, true); err != nil {
		return err
	}

	logger.Info("boot disk switched", zap.String("esp", esp))

	return nil
}
