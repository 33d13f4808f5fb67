// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package layout

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/siderolabs/go-strictlayout/bcache"
	"github.com/siderolabs/go-strictlayout/blkid"
	"github.com/siderolabs/go-strictlayout/block"
	"github.com/siderolabs/go-strictlayout/internal/ioutil"
	"github.com/siderolabs/go-strictlayout/partitioning"
	"github.com/siderolabs/go-strictlayout/partitioning/gpt"
	"github.com/siderolabs/go-strictlayout/partitioning/mbr"
)

// Filesystem labels.
const (
	labelESP  = "ESP"
	labelRoot = "root"
)

func (l *Layout) withDevice(ctx context.Context, path string, fn func(BlockDevice) error) error {
	dev, err := l.sys.Open(ctx, path)
	if err != nil {
		return fmt.Errorf("failed to open %q: %w", path, err)
	}

	defer dev.Close() //nolint:errcheck

	return fn(dev)
}

func (l *Layout) withDisk(ctx context.Context, disk string, fn func(Disk) error) error {
	dev, err := l.sys.OpenDisk(ctx, disk)
	if err != nil {
		return fmt.Errorf("failed to open %q: %w", disk, err)
	}

	defer dev.Close() //nolint:errcheck

	return fn(dev)
}

// probeFS returns the filesystem (or volume manager) name found on the device, empty if none.
func (l *Layout) probeFS(ctx context.Context, path string) (string, error) {
	var name string

	err := l.withDevice(ctx, path, func(dev BlockDevice) error {
		info, err := blkid.ProbeReader(dev, blkid.WithProbeLogger(l.logger))
		if err != nil {
			return err
		}

		name = info.Name

		return nil
	})

	return name, err
}

func (l *Layout) deviceSize(ctx context.Context, path string) (uint64, error) {
	var size uint64

	err := l.withDevice(ctx, path, func(dev BlockDevice) error {
		size = dev.GetSize()

		return nil
	})

	return size, err
}

// isClean returns true if the head of the disk is zeroed.
func (l *Layout) isClean(ctx context.Context, disk string) (bool, error) {
	var clean bool

	err := l.withDevice(ctx, disk, func(dev BlockDevice) error {
		var err error

		clean, err = ioutil.IsZero(dev, 0, int64(min(dev.GetSize(), block.CleanCheckSize)))

		return err
	})

	return clean, err
}

func (l *Layout) tableType(ctx context.Context, disk string) (partitioning.TableType, error) {
	var tt partitioning.TableType

	err := l.withDevice(ctx, disk, func(dev BlockDevice) error {
		var err error

		tt, err = partitioning.Probe(dev)

		return err
	})

	return tt, err
}

func (l *Layout) hasBootCode(ctx context.Context, disk string) (bool, error) {
	var has bool

	err := l.withDevice(ctx, disk, func(dev BlockDevice) error {
		var err error

		has, err = mbr.HasBootCode(dev)

		return err
	})

	return has, err
}

func (l *Layout) clearBootCode(ctx context.Context, disk string) error {
	return l.withDevice(ctx, disk, func(dev BlockDevice) error {
		if err := mbr.ClearBootCode(dev); err != nil {
			return err
		}

		return dev.Sync()
	})
}

// isESP returns true if the first partition of the disk carries the ESP type.
func (l *Layout) isESP(ctx context.Context, disk string) (bool, error) {
	var esp bool

	err := l.withDevice(ctx, disk, func(dev BlockDevice) error {
		esp = gpt.IsESP(dev, 1)

		return nil
	})

	return esp, err
}

// setESP toggles the ESP type of the first partition of the disk.
func (l *Layout) setESP(ctx context.Context, disk string, on bool) error {
	partType := gpt.TypeBasicData
	if on {
		partType = gpt.TypeESP
	}

	l.logger.Debug("setting ESP flag", zap.String("disk", disk), zap.Bool("on", on))

	return l.withDisk(ctx, disk, func(dev Disk) error {
		table, err := gpt.Read(dev)
		if err != nil {
			return err
		}

		if err = table.SetPartitionType(0, partType); err != nil {
			return err
		}

		return table.Write()
	})
}

// partitionHDD writes the partition table of a member harddisk and formats its ESP copy.
func (l *Layout) partitionHDD(ctx context.Context, disk string, boot bool) error {
	l.logger.Info("partitioning harddisk", zap.String("disk", disk), zap.Bool("boot", boot))

	err := l.withDisk(ctx, disk, func(dev Disk) error {
		if l.kind.Boot == BootBIOS {
			table, err := mbr.New(dev)
			if err != nil {
				return err
			}

			if _, err = table.Add(0, l.kind.mbrDataType(), true); err != nil {
				return err
			}

			return table.Write()
		}

		table, err := gpt.New(dev)
		if err != nil {
			return err
		}

		espType := gpt.TypeBasicData
		if boot {
			espType = gpt.TypeESP
		}

		if _, _, err = table.AllocatePartition(uint64(l.cfg.ESPSizeBytes), labelESP, espType); err != nil {
			return err
		}

		if _, _, err = table.AllocatePartition(0, "data", l.kind.gptDataType()); err != nil {
			return err
		}

		return table.Write()
	})
	if err != nil {
		return fmt.Errorf("failed to partition %q: %w", disk, err)
	}

	if l.kind.Boot == BootEFI {
		return l.sys.Mkfs(ctx, blkid.NameVFAT, []string{partitioning.DevName(disk, 1)}, labelESP)
	}

	return nil
}

// partitionSSD writes the partition table of the cache SSD and formats its ESP and swap partitions.
func (l *Layout) partitionSSD(ctx context.Context, disk string, boot bool) error {
	l.logger.Info("partitioning SSD", zap.String("disk", disk), zap.Bool("boot", boot))

	err := l.withDisk(ctx, disk, func(dev Disk) error {
		table, err := gpt.New(dev)
		if err != nil {
			return err
		}

		espType := gpt.TypeBasicData
		if boot {
			espType = gpt.TypeESP
		}

		if _, _, err = table.AllocatePartition(uint64(l.cfg.ESPSizeBytes), labelESP, espType); err != nil {
			return err
		}

		if _, _, err = table.AllocatePartition(uint64(l.cfg.SwapSizeBytes), "swap", gpt.TypeLinuxSwap); err != nil {
			return err
		}

		if _, _, err = table.AllocatePartition(0, "cache", gpt.TypeLinuxFilesystem); err != nil {
			return err
		}

		return table.Write()
	})
	if err != nil {
		return fmt.Errorf("failed to partition %q: %w", disk, err)
	}

	if err = l.sys.Mkfs(ctx, blkid.NameVFAT, []string{partitioning.DevName(disk, 1)}, labelESP); err != nil {
		return err
	}

	return l.sys.Mkfs(ctx, blkid.NameSwap, []string{partitioning.DevName(disk, 2)}, "")
}

// formatBacking creates a bcache backing device on the partition and returns its /dev/bcacheN.
func (l *Layout) formatBacking(ctx context.Context, part string) (string, error) {
	err := l.withDevice(ctx, part, func(dev BlockDevice) error {
		sb, err := bcache.Format(dev, bcache.KindBacking, bcache.WithCacheMode(bcache.CacheModeWriteback))
		if err != nil {
			return err
		}

		l.logger.Info("formatted bcache backing device", zap.String("device", part), zap.Stringer("uuid", sb.UUID))

		return dev.Sync()
	})
	if err != nil {
		return "", fmt.Errorf("failed to format bcache backing device %q: %w", part, err)
	}

	if err = l.sys.RegisterBcache(ctx, part); err != nil {
		return "", err
	}

	return l.sys.BcacheDevice(ctx, part)
}

// formatCache creates a bcache cache device on the partition and returns its cache set.
func (l *Layout) formatCache(ctx context.Context, part string) (uuid.UUID, error) {
	var set uuid.UUID

	err := l.withDevice(ctx, part, func(dev BlockDevice) error {
		sb, err := bcache.Format(dev, bcache.KindCache, bcache.WithBucketSize(l.cfg.BucketSizeSectors))
		if err != nil {
			return err
		}

		set = sb.SetUUID

		l.logger.Info("formatted bcache cache device", zap.String("device", part), zap.Stringer("set", set))

		return dev.Sync()
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to format bcache cache device %q: %w", part, err)
	}

	return set, l.sys.RegisterBcache(ctx, part)
}

// attachCache attaches a bcache device to the cache set in writeback mode.
func (l *Layout) attachCache(ctx context.Context, dev string, set uuid.UUID) error {
	if err := l.sys.AttachBcache(ctx, dev, set); err != nil {
		return err
	}

	return l.sys.SetCacheMode(ctx, dev, bcache.CacheModeWriteback)
}

// syncESP copies the active boot directory onto another ESP.
func (l *Layout) syncESP(ctx context.Context, esp string) error {
	staging, err := os.MkdirTemp("", "esp-")
	if err != nil {
		return err
	}

	defer os.Remove(staging) //nolint:errcheck

	if err = l.sys.Mount(ctx, esp, staging, blkid.NameVFAT, false); err != nil {
		return err
	}

	syncErr := l.sys.SyncDir(ctx, l.bootDir(), staging)

	if err = l.sys.Unmount(ctx, staging); err != nil {
		return err
	}

	return syncErr
}
