// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package system

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	glob "github.com/ryanuber/go-glob"
	"go.uber.org/zap"
)

// DiskType is the storage tier of a disk.
type DiskType int

// Disk types.
const (
	DiskTypeUnknown DiskType = iota
	DiskTypeHDD
	DiskTypeSSD
	DiskTypeNVMe
)

func (t DiskType) String() string {
	switch t {
	case DiskTypeHDD:
		return "hdd"
	case DiskTypeSSD:
		return "ssd"
	case DiskTypeNVMe:
		return "nvme"
	case DiskTypeUnknown:
	}

	return "unknown"
}

// Rotational reports whether the disk belongs to the slow tier of a layout.
func (t DiskType) Rotational() bool {
	return t == DiskTypeHDD
}

// Disk is a whole disk as listed in sysfs.
type Disk struct {
	// DeviceName is the device path, e.g. /dev/sda.
	DeviceName string
	Size       uint64
	Model      string
	Serial     string
	WWID       string
	Type       DiskType
	// BusPath is the device path below /sys/devices.
	BusPath    string
	ReadOnly   bool
	Partitions []string
}

// DiskMatcher selects disks.
type DiskMatcher func(*Disk) bool

// WithDiskType selects disks of the type.
func WithDiskType(t DiskType) DiskMatcher {
	return func(d *Disk) bool {
		return d.Type == t
	}
}

// WithModel selects disks by the model, wildcards allowed.
func WithModel(model string) DiskMatcher {
	return func(d *Disk) bool {
		return glob.Glob(model, d.Model)
	}
}

// WithSerial selects disks by the serial number, wildcards allowed.
func WithSerial(serial string) DiskMatcher {
	return func(d *Disk) bool {
		return glob.Glob(serial, d.Serial)
	}
}

// WithWWID selects disks by the WWID, wildcards allowed.
func WithWWID(wwid string) DiskMatcher {
	return func(d *Disk) bool {
		return glob.Glob(wwid, d.WWID)
	}
}

// WithBusPath selects disks by the bus path, wildcards allowed.
func WithBusPath(path string) DiskMatcher {
	return func(d *Disk) bool {
		return glob.Glob(path, d.BusPath)
	}
}

// Unpartitioned selects writable disks without partitions, the candidates for a new layout member.
func Unpartitioned() DiskMatcher {
	return func(d *Disk) bool {
		return !d.ReadOnly && len(d.Partitions) == 0
	}
}

// Match checks if the disk matches all the matchers.
func (d *Disk) Match(matchers ...DiskMatcher) bool {
	for _, match := range matchers {
		if !match(d) {
			return false
		}
	}

	return true
}

// Disks lists the whole disks matching all the matchers, sorted by the device name.
//
// Virtual devices (loop, device mapper, md, bcache and ram disks) are skipped.
func (s *System) Disks(_ context.Context, matchers ...DiskMatcher) ([]*Disk, error) {
	sysblock := filepath.Join(s.sysfsRoot, "block")

	entries, err := os.ReadDir(sysblock)
	if err != nil {
		return nil, fmt.Errorf("failed to list disks: %w", err)
	}

	var disks []*Disk

	for _, entry := range entries {
		name := entry.Name()

		if slices.ContainsFunc([]string{"sg", "sr", "loop", "md", "dm-", "ram", "zram", "bcache"}, func(prefix string) bool {
			return strings.HasPrefix(name, prefix)
		}) {
			continue
		}

		disk := s.readDisk(sysblock, name)
		if disk.Size == 0 {
			s.logger.Debug("skipping empty disk", zap.String("disk", disk.DeviceName))

			continue
		}

		if disk.Match(matchers...) {
			disks = append(disks, disk)
		}
	}

	return disks, nil
}

func (s *System) readDisk(sysblock, name string) *Disk {
	readFile := func(parts ...string) string {
		data, err := os.ReadFile(filepath.Join(append([]string{sysblock, name}, parts...)...))
		if err != nil {
			return ""
		}

		return strings.TrimSpace(string(data))
	}

	readFirst := func(paths ...string) string {
		for _, path := range paths {
			if v := readFile(path); v != "" {
				return v
			}
		}

		return ""
	}

	fullPath, _ := os.Readlink(filepath.Join(sysblock, name)) //nolint:errcheck

	busPath := strings.TrimPrefix(fullPath, "../devices")
	busPath = strings.TrimSuffix(busPath, filepath.Join("block", name))

	// size is always in 512-byte sectors
	sectors, _ := strconv.ParseUint(readFile("size"), 10, 64) //nolint:errcheck

	diskType := DiskTypeUnknown

	switch {
	case strings.HasPrefix(name, "nvme"):
		diskType = DiskTypeNVMe
	case readFile("queue", "rotational") == "1":
		diskType = DiskTypeHDD
	case readFile("queue", "rotational") == "0":
		diskType = DiskTypeSSD
	}

	var partitions []string

	if entries, err := os.ReadDir(filepath.Join(sysblock, name)); err == nil {
		for _, entry := range entries {
			if strings.HasPrefix(entry.Name(), name) {
				partitions = append(partitions, filepath.Join("/dev", entry.Name()))
			}
		}
	}

	return &Disk{
		DeviceName: filepath.Join("/dev", name),
		Size:       sectors * 512,
		Model:      readFile("device", "model"),
		Serial:     readFirst("serial", "device/serial"),
		WWID:       readFirst("wwid", "device/wwid"),
		Type:       diskType,
		BusPath:    busPath,
		ReadOnly:   readFile("ro") == "1",
		Partitions: partitions,
	}
}
