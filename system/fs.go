// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package system

import (
	"context"
	"fmt"
	"strings"

	"github.com/siderolabs/go-strictlayout/blkid"
)

// mkfsCommand returns the tool and arguments creating the filesystem.
func mkfsCommand(fstype string, devs []string, label string) (string, []string, error) {
	if len(devs) == 0 {
		return "", nil, fmt.Errorf("no devices for %s", fstype)
	}

	if len(devs) > 1 && fstype != blkid.NameBtrfs && fstype != blkid.NameBcachefs {
		return "", nil, fmt.Errorf("%s doesn't span multiple devices", fstype)
	}

	withLabel := func(flag string, args ...string) []string {
		if label != "" {
			args = append(args, flag, label)
		}

		return args
	}

	switch fstype {
	case blkid.NameExt4:
		return "mkfs.ext4", append(withLabel("-L", "-F", "-E", "lazy_itable_init=0,lazy_journal_init=0"), devs[0]), nil
	case blkid.NameVFAT:
		return "mkfs.vfat", append(withLabel("-n", "-F", "32"), devs[0]), nil
	case blkid.NameSwap:
		return "mkswap", append(withLabel("-L"), devs[0]), nil
	case blkid.NameBtrfs:
		// single profiles let members be removed down to one device
		return "mkfs.btrfs", append(withLabel("-L", "-f", "-d", "single", "-m", "single"), devs...), nil
	case blkid.NameBcachefs:
		return "bcachefs", append(withLabel("--fs_label", "format", "-f"), devs...), nil
	default:
		return "", nil, fmt.Errorf("unsupported filesystem %q", fstype)
	}
}

// Mkfs implements layout.Formatter.
func (s *System) Mkfs(ctx context.Context, fstype string, devs []string, label string) error {
	name, args, err := mkfsCommand(fstype, devs, label)
	if err != nil {
		return err
	}

	_, err = s.run(ctx, name, args...)

	return err
}

// GrowFS implements layout.Formatter.
func (s *System) GrowFS(ctx context.Context, fstype, dev, mountpoint string) error {
	var err error

	switch fstype {
	case blkid.NameExt4:
		_, err = s.run(ctx, "resize2fs", dev)
	case blkid.NameBtrfs:
		_, err = s.run(ctx, "btrfs", "filesystem", "resize", "max", mountpoint)
	default:
		err = fmt.Errorf("growing %s is not supported", fstype)
	}

	return err
}

// SwapOn implements layout.Mounter.
func (s *System) SwapOn(ctx context.Context, dev string) error {
	_, err := s.run(ctx, "swapon", dev)

	return err
}

// SwapOff implements layout.Mounter.
func (s *System) SwapOff(ctx context.Context, dev string) error {
	_, err := s.run(ctx, "swapoff", dev)

	return err
}

// SyncDir implements layout.Mounter.
func (s *System) SyncDir(ctx context.Context, src, dst string) error {
	_, err := s.run(ctx, "rsync", "--archive", "--delete", strings.TrimSuffix(src, "/")+"/", strings.TrimSuffix(dst, "/")+"/")

	return err
}

// PoolAdd implements layout.Pool.
func (s *System) PoolAdd(ctx context.Context, fstype, mountpoint, dev string) error {
	var err error

	switch fstype {
	case blkid.NameBtrfs:
		_, err = s.run(ctx, "btrfs", "device", "add", "-f", dev, mountpoint)
	case blkid.NameBcachefs:
		_, err = s.run(ctx, "bcachefs", "device", "add", mountpoint, dev)
	default:
		err = fmt.Errorf("%s is not a multi-device filesystem", fstype)
	}

	return err
}

// PoolEvacuate implements layout.Pool.
//
// btrfs moves the data off the device while removing it, so only bcachefs evacuates.
func (s *System) PoolEvacuate(ctx context.Context, fstype, mountpoint, dev string) error {
	switch fstype {
	case blkid.NameBtrfs:
		return nil
	case blkid.NameBcachefs:
		_, err := s.run(ctx, "bcachefs", "device", "evacuate", dev)

		return err
	default:
		return fmt.Errorf("%s is not a multi-device filesystem mounted at %s", fstype, mountpoint)
	}
}

// PoolRemove implements layout.Pool.
func (s *System) PoolRemove(ctx context.Context, fstype, mountpoint, dev string) error {
	var err error

	switch fstype {
	case blkid.NameBtrfs:
		_, err = s.run(ctx, "btrfs", "device", "remove", dev, mountpoint)
	case blkid.NameBcachefs:
		_, err = s.run(ctx, "bcachefs", "device", "remove", dev)
	default:
		err = fmt.Errorf("%s is not a multi-device filesystem", fstype)
	}

	return err
}

// InstallBIOS implements layout.BootLoader.
func (s *System) InstallBIOS(ctx context.Context, disk, bootDir string) error {
	_, err := s.run(ctx, "grub-install", "--target=i386-pc", "--boot-directory="+bootDir, disk)

	return err
}
