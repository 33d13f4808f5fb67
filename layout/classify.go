// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package layout

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/siderolabs/go-strictlayout/bcache"
	"github.com/siderolabs/go-strictlayout/blkid"
	"github.com/siderolabs/go-strictlayout/partitioning"
	"github.com/siderolabs/go-strictlayout/stack"
)

// Classify recognizes the layout of the running system from its mount table.
//
// The root filesystem is looked up at the root mountpoint (see WithRoot),
// the boot filesystem at the configured boot mountpoint below it.
func Classify(ctx context.Context, sys System, opts ...Option) (*Layout, error) {
	options := applyOptions(opts...)

	if err := options.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	mounts, err := sys.Mounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read the mount table: %w", err)
	}

	root, ok := findMount(mounts, options.Root)
	if !ok {
		return nil, &ClassificationError{Layout: Kind{}.String(), Cause: fmt.Sprintf("nothing is mounted at %q", options.Root)}
	}

	boot, _ := findMount(mounts, filepath.Join(options.Root, options.Config.BootMountpoint))

	return classify(ctx, sys, options, root, boot)
}

// ClassifyDevices recognizes the layout from the root and boot devices.
//
// The boot device is empty for BIOS layouts. Filesystem types are probed on the devices.
func ClassifyDevices(ctx context.Context, sys System, rootDev, bootDev string, opts ...Option) (*Layout, error) {
	options := applyOptions(opts...)

	if err := options.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	l := &Layout{sys: sys, logger: options.Logger, cfg: options.Config}

	root := Mount{Device: rootDev, Target: options.Root}

	// bcachefs lists all members joined by colons
	probed, _, _ := strings.Cut(rootDev, ":")

	fstype, err := l.probeFS(ctx, probed)
	if err != nil {
		return nil, &ClassificationError{Layout: Kind{}.String(), Cause: "failed to probe the root device", Err: err}
	}

	root.FSType = fstype

	var boot Mount

	if bootDev != "" {
		boot = Mount{Device: bootDev, Target: filepath.Join(options.Root, options.Config.BootMountpoint)}

		if boot.FSType, err = l.probeFS(ctx, bootDev); err != nil {
			return nil, &ClassificationError{Layout: Kind{}.String(), Cause: "failed to probe the boot device", Err: err}
		}
	}

	return classify(ctx, sys, options, root, boot)
}

func classify(ctx context.Context, sys System, options Options, root, boot Mount) (*Layout, error) {
	l := &Layout{
		sys:     sys,
		logger:  options.Logger,
		cfg:     options.Config,
		root:    options.Root,
		rootDev: root.Device,
	}

	kind, err := l.detect(ctx, root, boot)
	if err != nil {
		return nil, err
	}

	l.kind = kind

	v := &validator{Layout: l, root: root, boot: boot}

	if err = v.validate(ctx); err != nil {
		return nil, err
	}

	l.logger.Info("classified layout",
		zap.Stringer("layout", l.kind),
		zap.String("root", l.rootDev),
		zap.String("boot_disk", l.bootDisk),
		zap.Strings("hdds", l.hdds),
		zap.String("ssd", l.ssd),
	)

	return l, nil
}

// detect picks the layout kind from the shape of the root and boot devices.
func (l *Layout) detect(ctx context.Context, root, boot Mount) (Kind, error) {
	vg, _, isLV := partitioning.MapperName(root.Device)

	if boot.Device == "" {
		if isLV {
			return BIOSLVM, nil
		}

		return BIOSSimple, nil
	}

	if isLV {
		pvs, err := l.sys.PhysicalVolumes(ctx, vg)
		if err != nil {
			return Kind{}, &ClassificationError{Layout: EFILVM.String(), Cause: fmt.Sprintf("failed to list physical volumes of %q", vg), Err: err}
		}

		if slices.ContainsFunc(pvs, stack.IsBcache) {
			return EFIBcacheLVM, nil
		}

		return EFILVM, nil
	}

	switch Filesystem(root.FSType) {
	case FilesystemBtrfs:
		members, err := l.sys.PoolMembers(ctx, root.FSType, root.Device)
		if err != nil {
			return Kind{}, &ClassificationError{Layout: EFIBtrfs.String(), Cause: "failed to list filesystem members", Err: err}
		}

		if slices.ContainsFunc(members, stack.IsBcache) {
			return EFIBcacheBtrfs, nil
		}

		return EFIBtrfs, nil
	case FilesystemBcachefs:
		return EFIBcachefs, nil
	default:
		return EFISimple, nil
	}
}

// validator checks every structural rule of a detected layout, failing on the first violation.
type validator struct {
	*Layout

	root Mount
	boot Mount

	vg string

	// cache device of each bcache member, if attached
	caches map[string]string
}

func (v *validator) fail(cause string, args ...any) error {
	return &ClassificationError{Layout: v.kind.String(), Cause: fmt.Sprintf(cause, args...)}
}

func (v *validator) failErr(err error, cause string, args ...any) error {
	return &ClassificationError{Layout: v.kind.String(), Cause: fmt.Sprintf(cause, args...), Err: err}
}

func (v *validator) validate(ctx context.Context) error {
	for _, step := range []func(context.Context) error{
		v.validateRootFS,
		v.validateMembers,
		v.validateBootDisk,
		v.validatePartitions,
		v.validateESP,
		v.validateCache,
		v.validateSwap,
		v.validateBootCode,
	} {
		if err := step(ctx); err != nil {
			return err
		}
	}

	return nil
}

func (v *validator) validateRootFS(context.Context) error {
	if v.root.FSType != string(v.kind.Filesystem) {
		return v.fail("root filesystem on %q is %q, expected %q", v.root.Device, v.root.FSType, v.kind.Filesystem)
	}

	return nil
}

// members returns the devices the root filesystem is built from.
func (v *validator) members(ctx context.Context) ([]string, error) {
	switch {
	case v.kind.Volume == VolumeLVM:
		vg, lv, _ := partitioning.MapperName(v.root.Device)

		if vg != v.cfg.VGName {
			return nil, v.fail("unexpected volume group %q, expected %q", vg, v.cfg.VGName)
		}

		if lv != v.cfg.RootLVName {
			return nil, v.fail("unexpected root logical volume %q, expected %q", lv, v.cfg.RootLVName)
		}

		v.vg = vg

		pvs, err := v.sys.PhysicalVolumes(ctx, vg)
		if err != nil {
			return nil, v.failErr(err, "failed to list physical volumes of %q", vg)
		}

		return pvs, nil
	case v.kind.Pool():
		members, err := v.sys.PoolMembers(ctx, string(v.kind.Filesystem), v.root.Device)
		if err != nil {
			return nil, v.failErr(err, "failed to list filesystem members")
		}

		return members, nil
	default:
		return []string{v.root.Device}, nil
	}
}

func (v *validator) validateMembers(ctx context.Context) error {
	members, err := v.members(ctx)
	if err != nil {
		return err
	}

	if len(members) == 0 {
		return v.fail("root filesystem has no member devices")
	}

	v.caches = map[string]string{}

	for _, member := range members {
		part := member

		switch {
		case v.kind.Cache == CacheBcache:
			if !stack.IsBcache(member) {
				return v.fail("member %q is not a bcache device", member)
			}

			slaves, err := v.sys.BcacheSlaves(ctx, member)
			if err != nil {
				return v.failErr(err, "failed to list slaves of %q", member)
			}

			switch len(slaves) {
			case 0:
				return v.fail("bcache device %q has no backing device", member)
			case 1:
			case 2:
				v.caches[member] = slaves[0]
			default:
				return v.fail("bcache device %q has multiple cache devices", member)
			}

			part = slaves[len(slaves)-1]
		case stack.IsBcache(member):
			return v.fail("unexpected bcache device %q", member)
		}

		disk, n, err := partitioning.SplitDevName(part)
		if err != nil {
			return v.failErr(err, "member %q is not a disk partition", part)
		}

		if n != v.kind.dataPartition() {
			return v.fail("member %q is not partition %d of %q", part, v.kind.dataPartition(), disk)
		}

		if slices.Contains(v.hdds, disk) {
			return v.fail("disk %q carries more than one member", disk)
		}

		v.hdds = append(v.hdds, disk)
	}

	slices.Sort(v.hdds)

	return nil
}

func (v *validator) validateBootDisk(ctx context.Context) error {
	if v.kind.Boot == BootBIOS {
		if v.kind.Volume == VolumeNone {
			v.bootDisk = v.hdds[0]

			return nil
		}

		var carriers []string

		for _, disk := range v.hdds {
			has, err := v.hasBootCode(ctx, disk)
			if err != nil {
				return v.failErr(err, "failed to read the boot sector of %q", disk)
			}

			if has {
				carriers = append(carriers, disk)
			}
		}

		if len(carriers) != 1 {
			return v.fail("expected exactly one disk with BIOS boot code, found %d %v", len(carriers), carriers)
		}

		v.bootDisk = carriers[0]

		return nil
	}

	disk, n, err := partitioning.SplitDevName(v.boot.Device)
	if err != nil {
		return v.failErr(err, "boot device %q is not a disk partition", v.boot.Device)
	}

	if n != 1 {
		return v.fail("boot partition %q is not the first partition of %q", v.boot.Device, disk)
	}

	if v.boot.FSType != blkid.NameVFAT {
		return v.fail("boot filesystem on %q is %q, expected %q", v.boot.Device, v.boot.FSType, blkid.NameVFAT)
	}

	if !slices.Contains(v.hdds, disk) {
		if !v.kind.SSDCache() {
			return v.fail("boot disk %q is not a member disk", disk)
		}

		v.ssd = disk
	}

	v.bootDisk = disk

	return nil
}

func (v *validator) validatePartitions(ctx context.Context) error {
	check := func(disk string, count uint) error {
		tt, err := v.tableType(ctx, disk)
		if err != nil {
			return v.failErr(err, "failed to read the partition table of %q", disk)
		}

		if tt != v.kind.tableType() {
			return v.fail("partition table of %q is %q, expected %q", disk, tt, v.kind.tableType())
		}

		for n := uint(1); n <= count; n++ {
			if !partitioning.HasPartition(v.sys, disk, n) {
				return v.fail("missing partition %q", partitioning.DevName(disk, n))
			}
		}

		if partitioning.HasMoreThan(v.sys, disk, count) {
			return v.fail("redundant partition on %q", disk)
		}

		return nil
	}

	for _, disk := range v.hdds {
		if err := check(disk, v.kind.dataPartition()); err != nil {
			return err
		}
	}

	if v.ssd != "" {
		return check(v.ssd, 3)
	}

	return nil
}

func (v *validator) validateESP(ctx context.Context) error {
	if v.kind.Boot != BootEFI {
		return nil
	}

	for _, disk := range v.Disks() {
		esp, err := v.isESP(ctx, disk)
		if err != nil {
			return v.failErr(err, "failed to read the partition table of %q", disk)
		}

		switch {
		case disk == v.bootDisk && !esp:
			return v.fail("boot partition %q is not an ESP", v.boot.Device)
		case disk != v.bootDisk && esp:
			return v.fail("multiple ESPs: %q is flagged besides %q", partitioning.DevName(disk, 1), v.boot.Device)
		}

		size, err := v.deviceSize(ctx, partitioning.DevName(disk, 1))
		if err != nil {
			return v.failErr(err, "failed to open %q", partitioning.DevName(disk, 1))
		}

		if size != uint64(v.cfg.ESPSizeBytes) {
			return v.fail("ESP %q is %s, expected %s", partitioning.DevName(disk, 1), Size(size), v.cfg.ESPSizeBytes)
		}
	}

	return nil
}

func (v *validator) validateCache(ctx context.Context) error {
	if v.ssd == "" {
		for member, cache := range v.caches {
			return v.fail("bcache device %q is cached by %q without a cache SSD", member, cache)
		}

		return nil
	}

	cachePart := partitioning.DevName(v.ssd, 3)

	for _, disk := range v.hdds {
		member, err := v.member(ctx, disk)
		if err != nil {
			return v.failErr(err, "failed to resolve the bcache device of %q", disk)
		}

		if v.caches[member] != cachePart {
			return v.fail("bcache device %q is not cached by %q", member, cachePart)
		}
	}

	var (
		sb   *bcache.SuperBlock
		kind bcache.Kind
		ok   bool
	)

	err := v.withDevice(ctx, cachePart, func(dev BlockDevice) error {
		var err error

		sb, err = bcache.Read(dev)

		return err
	})
	if err != nil {
		return v.failErr(err, "failed to read the cache superblock of %q", cachePart)
	}

	if kind, ok = sb.Kind(); !ok || kind != bcache.KindCache {
		return v.fail("%q is not a bcache cache device", cachePart)
	}

	v.cacheSet = sb.SetUUID

	return nil
}

func (v *validator) validateSwap(ctx context.Context) error {
	var swaps []string

	if v.ssd != "" {
		swaps = append(swaps, partitioning.DevName(v.ssd, 2))
	}

	if v.kind.Volume == VolumeLVM {
		if lv := partitioning.DMName(v.vg, v.cfg.SwapLVName); v.sys.Exists(lv) {
			swaps = append(swaps, lv)
		}
	}

	for _, swap := range swaps {
		fstype, err := v.probeFS(ctx, swap)
		if err != nil {
			return v.failErr(err, "failed to probe swap device %q", swap)
		}

		if fstype != blkid.NameSwap {
			return v.fail("swap device %q has filesystem type %q", swap, fstype)
		}
	}

	return nil
}

// validateBootCode makes sure BIOS boot code is only found on the boot disk.
func (v *validator) validateBootCode(ctx context.Context) error {
	if v.kind.Boot != BootBIOS || v.kind.Volume == VolumeLVM {
		// multi-disk BIOS layouts were checked while picking the boot disk
		return nil
	}

	has, err := v.hasBootCode(ctx, v.bootDisk)
	if err != nil {
		return v.failErr(err, "failed to read the boot sector of %q", v.bootDisk)
	}

	if !has {
		v.logger.Warn("boot disk carries no BIOS boot code", zap.String("disk", v.bootDisk))
	}

	return nil
}

// IsClassificationError returns true if the error reports a system that doesn't match any layout.
func IsClassificationError(err error) bool {
	var cerr *ClassificationError

	return errors.As(err, &cerr)
}
