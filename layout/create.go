// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package layout

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/siderolabs/go-strictlayout/blkid"
	"github.com/siderolabs/go-strictlayout/partitioning"
)

// Create sets up a fresh layout on clean disks.
//
// Layouts with a cache tier take the only non-rotational disk as the SSD,
// the boot disk is the SSD if present, the first harddisk otherwise.
// Nothing is mounted, see Mount.
func Create(ctx context.Context, sys System, kind Kind, disks []string, opts ...Option) (*Layout, error) {
	options := applyOptions(opts...)

	fail := func(dev string, err error) error {
		return &CreationError{Layout: kind.String(), Device: dev, Err: err}
	}

	if !slices.Contains(kinds, kind) {
		return nil, fail("", errors.New("unknown layout"))
	}

	if err := options.Config.Validate(); err != nil {
		return nil, fail("", err)
	}

	disks = slices.Clone(disks)
	slices.Sort(disks)
	disks = slices.Compact(disks)

	switch {
	case len(disks) == 0:
		return nil, fail("", ErrNoDisk)
	case len(disks) > 1 && !kind.MultiDisk():
		return nil, fail("", ErrTooManyDisks)
	}

	l := &Layout{
		sys:    sys,
		logger: options.Logger.With(zap.Stringer("layout", kind)),
		cfg:    options.Config,
		kind:   kind,
		root:   options.Root,
	}

	var (
		ssd  string
		hdds []string
	)

	for _, disk := range disks {
		if _, err := partitioning.DiskBus(disk); err != nil {
			return nil, fail(disk, err)
		}

		clean, err := l.isClean(ctx, disk)
		if err != nil {
			return nil, fail(disk, err)
		}

		if !clean {
			return nil, fail(disk, ErrDiskNotClean)
		}

		if kind.SSDCache() {
			rotational, err := sys.IsRotational(ctx, disk)
			if err != nil {
				return nil, fail(disk, err)
			}

			if !rotational {
				if ssd != "" {
					return nil, fail(disk, fmt.Errorf("multiple SSDs: %w", ErrSecondSSD))
				}

				ssd = disk

				continue
			}
		}

		hdds = append(hdds, disk)
	}

	if len(hdds) == 0 {
		return nil, fail("", ErrNoHarddisk)
	}

	bootDisk := hdds[0]
	if ssd != "" {
		bootDisk = ssd
	}

	l.logger.Info("creating layout", zap.Strings("hdds", hdds), zap.String("ssd", ssd), zap.String("boot_disk", bootDisk))

	members := make([]string, 0, len(hdds))

	for _, hdd := range hdds {
		if err := l.partitionHDD(ctx, hdd, hdd == bootDisk); err != nil {
			return nil, fail(hdd, err)
		}

		member := l.dataPartition(hdd)

		if kind.Cache == CacheBcache {
			var err error

			if member, err = l.formatBacking(ctx, member); err != nil {
				return nil, fail(hdd, err)
			}
		}

		members = append(members, member)
		l.hdds = append(l.hdds, hdd)
	}

	l.bootDisk = bootDisk

	if ssd != "" {
		if err := l.partitionSSD(ctx, ssd, true); err != nil {
			return nil, fail(ssd, err)
		}

		set, err := l.formatCache(ctx, partitioning.DevName(ssd, 3))
		if err != nil {
			return nil, fail(ssd, err)
		}

		for _, member := range members {
			if err = l.attachCache(ctx, member, set); err != nil {
				return nil, fail(ssd, err)
			}
		}

		l.ssd, l.cacheSet = ssd, set
	}

	if err := l.createRoot(ctx, members); err != nil {
		return nil, fail("", err)
	}

	return l, nil
}

// createRoot creates the volume group (if any) and the root filesystem on the member devices.
func (l *Layout) createRoot(ctx context.Context, members []string) error {
	switch {
	case l.kind.Volume == VolumeLVM:
		for _, member := range members {
			if err := l.sys.CreatePV(ctx, member); err != nil {
				return err
			}
		}

		if err := l.sys.CreateVG(ctx, l.cfg.VGName, members); err != nil {
			return err
		}

		if err := l.sys.CreateLV(ctx, l.cfg.VGName, l.cfg.SwapLVName, uint64(l.cfg.SwapSizeBytes)); err != nil {
			return err
		}

		if err := l.sys.CreateLV(ctx, l.cfg.VGName, l.cfg.RootLVName, 0); err != nil {
			return err
		}

		swap := partitioning.DMName(l.cfg.VGName, l.cfg.SwapLVName)

		if err := l.sys.Mkfs(ctx, blkid.NameSwap, []string{swap}, ""); err != nil {
			return err
		}

		l.rootDev = l.rootLV()
	case l.kind.Filesystem == FilesystemBcachefs:
		l.rootDev = strings.Join(members, ":")
	default:
		l.rootDev = members[0]
	}

	devs := members
	if l.kind.Volume == VolumeLVM {
		devs = []string{l.rootDev}
	}

	return l.sys.Mkfs(ctx, string(l.kind.Filesystem), devs, labelRoot)
}

// Mount mounts the root filesystem at target and the ESP below it.
//
// BIOS boot code is installed on the boot disk if it has none yet.
func (l *Layout) Mount(ctx context.Context, target string) error {
	if err := l.mount(ctx, target, l.rootDev); err != nil {
		return err
	}

	if l.kind.Boot != BootBIOS {
		return nil
	}

	has, err := l.hasBootCode(ctx, l.bootDisk)
	if err != nil {
		return err
	}

	if has {
		return nil
	}

	l.logger.Info("installing BIOS boot code", zap.String("disk", l.bootDisk))

	return l.sys.InstallBIOS(ctx, l.bootDisk, l.bootDir())
}

func (l *Layout) mount(ctx context.Context, target, rootDev string) error {
	if l.kind.Volume == VolumeLVM {
		if err := l.sys.ActivateVG(ctx, l.cfg.VGName); err != nil {
			return err
		}
	}

	if err := l.sys.Mount(ctx, rootDev, target, string(l.kind.Filesystem), false); err != nil {
		return err
	}

	l.root = target
	l.rootDev = rootDev

	if l.kind.Boot != BootEFI {
		return nil
	}

	return l.sys.Mount(ctx, l.ESP(), l.bootDir(), blkid.NameVFAT, false)
}

// DetectAndMount recognizes the layout of unmounted disks and mounts it at target.
//
// The mounted system is then classified, so the returned layout passed all checks.
func DetectAndMount(ctx context.Context, sys System, disks []string, target string, opts ...Option) (*Layout, error) {
	options := applyOptions(opts...)

	if len(disks) == 0 {
		return nil, &ClassificationError{Layout: Kind{}.String(), Cause: "no disks"}
	}

	disks = slices.Clone(disks)
	slices.Sort(disks)

	l := &Layout{
		sys:    sys,
		logger: options.Logger,
		cfg:    options.Config,
	}

	rootDev, err := l.detectUnmounted(ctx, disks)
	if err != nil {
		return nil, err
	}

	l.logger.Info("detected layout", zap.Stringer("layout", l.kind), zap.String("root", rootDev))

	if err = l.mount(ctx, target, rootDev); err != nil {
		return nil, err
	}

	result, err := Classify(ctx, sys, append(opts, WithRoot(target))...)
	if err != nil {
		return nil, err
	}

	if result.kind != l.kind {
		return nil, &ClassificationError{Layout: l.kind.String(), Cause: fmt.Sprintf("mounted system classified as %s", result.kind)}
	}

	return result, nil
}

// detectUnmounted sets kind, hdds, ssd and boot disk from on-disk signatures and returns the root device.
func (l *Layout) detectUnmounted(ctx context.Context, disks []string) (string, error) {
	fail := func(cause string, args ...any) error {
		return &ClassificationError{Layout: l.kind.String(), Cause: fmt.Sprintf(cause, args...)}
	}

	var tt partitioning.TableType

	for i, disk := range disks {
		diskTT, err := l.tableType(ctx, disk)
		if err != nil {
			return "", err
		}

		if i > 0 && diskTT != tt {
			return "", fail("disks carry different partition tables")
		}

		tt = diskTT
	}

	if tt == partitioning.TableDOS {
		return l.detectBIOS(ctx, disks)
	}

	if tt != partitioning.TableGPT {
		return "", fail("no partition table on %q", disks[0])
	}

	for _, disk := range disks {
		esp, err := l.isESP(ctx, disk)
		if err != nil {
			return "", err
		}

		if esp {
			if l.bootDisk != "" {
				return "", fail("multiple ESPs on %q and %q", l.bootDisk, disk)
			}

			l.bootDisk = disk
		}

		// only the cache SSD has a third partition
		if partitioning.HasPartition(l.sys, disk, 3) {
			if l.ssd != "" {
				return "", fail("multiple SSDs %q and %q", l.ssd, disk)
			}

			l.ssd = disk

			continue
		}

		l.hdds = append(l.hdds, disk)
	}

	if l.bootDisk == "" {
		return "", fail("no ESP found")
	}

	if len(l.hdds) == 0 {
		return "", fail("no harddisk found")
	}

	data, err := l.probeFS(ctx, partitioning.DevName(l.hdds[0], 2))
	if err != nil {
		return "", err
	}

	members := make([]string, 0, len(l.hdds))

	for _, hdd := range l.hdds {
		members = append(members, partitioning.DevName(hdd, 2))
	}

	cached := data == blkid.NameBcache

	if cached {
		if l.ssd != "" {
			if err = l.sys.RegisterBcache(ctx, partitioning.DevName(l.ssd, 3)); err != nil {
				return "", err
			}
		}

		for i, part := range members {
			if err = l.sys.RegisterBcache(ctx, part); err != nil {
				return "", err
			}

			if members[i], err = l.sys.BcacheDevice(ctx, part); err != nil {
				return "", err
			}
		}

		if data, err = l.probeFS(ctx, members[0]); err != nil {
			return "", err
		}
	}

	switch {
	case data == blkid.NameExt4 && !cached && len(members) == 1:
		l.kind = EFISimple

		return members[0], nil
	case data == blkid.NameLVM2:
		l.kind = EFILVM
		if cached {
			l.kind = EFIBcacheLVM
		}

		return l.rootLV(), nil
	case data == blkid.NameBtrfs:
		l.kind = EFIBtrfs
		if cached {
			l.kind = EFIBcacheBtrfs
		}

		return members[0], nil
	case data == blkid.NameBcachefs && !cached:
		l.kind = EFIBcachefs

		return strings.Join(members, ":"), nil
	default:
		return "", fail("unrecognized data partition contents %q", data)
	}
}

func (l *Layout) detectBIOS(ctx context.Context, disks []string) (string, error) {
	data, err := l.probeFS(ctx, partitioning.DevName(disks[0], 1))
	if err != nil {
		return "", err
	}

	switch {
	case data == blkid.NameExt4 && len(disks) == 1:
		l.kind = BIOSSimple
		l.hdds = disks
		l.bootDisk = disks[0]

		return partitioning.DevName(disks[0], 1), nil
	case data == blkid.NameLVM2:
		l.kind = BIOSLVM
		l.hdds = disks

		return l.rootLV(), nil
	default:
		return "", &ClassificationError{Layout: Kind{}.String(), Cause: fmt.Sprintf("unrecognized data partition contents %q", data)}
	}
}
