// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package system

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/siderolabs/go-strictlayout/blkid"
	"github.com/siderolabs/go-strictlayout/block"
	"github.com/siderolabs/go-strictlayout/layout"
	"github.com/siderolabs/go-strictlayout/partitioning"
)

var _ layout.System = (*System)(nil)

// Exists implements partitioning.Exister.
func (s *System) Exists(path string) bool {
	_, err := os.Stat(path)

	return err == nil
}

// IsRotational implements layout.Inspector.
func (s *System) IsRotational(_ context.Context, disk string) (bool, error) {
	dev, err := block.NewFromPath(disk)
	if err != nil {
		return false, err
	}

	defer dev.Close() //nolint:errcheck

	return dev.IsRotational()
}

// Slaves implements layout.Inspector.
func (s *System) Slaves(_ context.Context, dev string) ([]string, error) {
	// /dev/mapper names are links to /dev/dm-N
	resolved, err := filepath.EvalSymlinks(dev)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(filepath.Join(s.sysfsRoot, "class", "block", filepath.Base(resolved), "slaves"))
	if err != nil {
		return nil, fmt.Errorf("failed to list slaves of %s: %w", dev, err)
	}

	slaves := make([]string, 0, len(entries))

	for _, entry := range entries {
		slaves = append(slaves, filepath.Join("/dev", entry.Name()))
	}

	return slaves, nil
}

// Usage implements layout.Inspector.
func (s *System) Usage(_ context.Context, mountpoint string) (layout.Usage, error) {
	var st unix.Statfs_t

	if err := unix.Statfs(mountpoint, &st); err != nil {
		return layout.Usage{}, fmt.Errorf("failed to statfs %s: %w", mountpoint, err)
	}

	total := st.Blocks * uint64(st.Bsize)

	return layout.Usage{
		Total: total,
		Used:  total - st.Bfree*uint64(st.Bsize),
	}, nil
}

type blockDevice struct {
	*block.Device

	size uint64
}

func (d *blockDevice) GetSize() uint64 {
	return d.size
}

// Open implements layout.Storage.
func (s *System) Open(_ context.Context, path string) (layout.BlockDevice, error) {
	dev, err := block.NewFromPath(path, block.OpenForWrite())
	if err != nil {
		return nil, err
	}

	size, err := dev.GetSize()
	if err != nil {
		dev.Close() //nolint:errcheck

		return nil, err
	}

	return &blockDevice{Device: dev, size: size}, nil
}

// OpenDisk implements layout.Storage.
//
// The disk is locked exclusively while open, as udev does while probing.
func (s *System) OpenDisk(_ context.Context, disk string) (layout.Disk, error) {
	dev, err := block.NewFromPath(disk, block.OpenForWrite())
	if err != nil {
		return nil, err
	}

	if err = dev.Lock(true); err != nil {
		dev.Close() //nolint:errcheck

		return nil, fmt.Errorf("failed to lock %s: %w", disk, err)
	}

	d, err := partitioning.DeviceFromBlockDevice(dev)
	if err != nil {
		dev.Close() //nolint:errcheck

		return nil, err
	}

	return d, nil
}

// Wipe implements layout.Storage.
func (s *System) Wipe(_ context.Context, disk string) error {
	dev, err := block.NewFromPath(disk, block.OpenForWrite(), block.OpenExclusive())
	if err != nil {
		return err
	}

	defer dev.Close() //nolint:errcheck

	if err = dev.FastWipe(); err != nil {
		return fmt.Errorf("failed to wipe %s: %w", disk, err)
	}

	return nil
}

// Mount implements layout.Mounter.
func (s *System) Mount(_ context.Context, dev, target, fstype string, readOnly bool) error {
	if err := os.MkdirAll(target, 0o755); err != nil {
		return err
	}

	var flags uintptr
	if readOnly {
		flags |= unix.MS_RDONLY
	}

	if err := unix.Mount(dev, target, fstype, flags, ""); err != nil {
		return fmt.Errorf("failed to mount %s at %s: %w", dev, target, err)
	}

	s.logger.Debug("mounted", zap.String("device", dev), zap.String("target", target), zap.Bool("read_only", readOnly))

	return nil
}

// Unmount implements layout.Mounter.
func (s *System) Unmount(_ context.Context, target string) error {
	if err := unix.Unmount(target, 0); err != nil {
		return fmt.Errorf("failed to unmount %s: %w", target, err)
	}

	return nil
}

// PoolMembers implements layout.Pool.
//
// Members are listed from sysfs by the filesystem UUID.
func (s *System) PoolMembers(_ context.Context, fstype, dev string) ([]string, error) {
	// bcachefs devices are named by all members joined with colons
	probed, _, _ := strings.Cut(dev, ":")

	info, err := blkid.ProbePath(probed, blkid.WithProbeLogger(s.logger))
	if err != nil {
		return nil, err
	}

	if info.Name != fstype || info.UUID == nil {
		return nil, fmt.Errorf("no %s filesystem on %s", fstype, dev)
	}

	var members []string

	switch fstype {
	case blkid.NameBtrfs:
		entries, err := os.ReadDir(filepath.Join(s.sysfsRoot, "fs", "btrfs", info.UUID.String(), "devices"))
		if err != nil {
			return nil, err
		}

		for _, entry := range entries {
			members = append(members, filepath.Join("/dev", entry.Name()))
		}
	case blkid.NameBcachefs:
		dir := filepath.Join(s.sysfsRoot, "fs", "bcachefs", info.UUID.String())

		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, err
		}

		for _, entry := range entries {
			if !strings.HasPrefix(entry.Name(), "dev-") {
				continue
			}

			target, err := os.Readlink(filepath.Join(dir, entry.Name(), "block"))
			if err != nil {
				return nil, err
			}

			members = append(members, filepath.Join("/dev", filepath.Base(target)))
		}
	default:
		return nil, fmt.Errorf("%s is not a multi-device filesystem", fstype)
	}

	if len(members) == 0 {
		return nil, errors.New("filesystem has no members")
	}

	slices.Sort(members)

	return members, nil
}
