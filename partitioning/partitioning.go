// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package partitioning implements common partitioning functions.
//
// Device paths are mapped between disks and partitions for the naming
// families /dev/sdX, /dev/xvdX, /dev/vdX and /dev/nvmeXnY.
package partitioning

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrUnknownDevice is returned for device paths outside of the supported naming families.
var ErrUnknownDevice = errors.New("unknown device naming scheme")

// MaxPartitions is the highest partition index probed for existence.
const MaxPartitions = 128

// Bus is the bus type of a harddisk derived from its device name.
type Bus string

// Supported bus types.
const (
	BusSCSI   Bus = "scsi"
	BusNVMe   Bus = "nvme"
	BusXen    Bus = "xen"
	BusVirtio Bus = "virtio"
)

var (
	letterDisk = regexp.MustCompile(`^/dev/(sd|xvd|vd)([a-z]+)$`)
	letterPart = regexp.MustCompile(`^(/dev/(?:sd|xvd|vd)[a-z]+)([1-9][0-9]*)$`)
	nvmeDisk   = regexp.MustCompile(`^/dev/nvme[0-9]+n[0-9]+$`)
	nvmePart   = regexp.MustCompile(`^(/dev/nvme[0-9]+n[0-9]+)p([1-9][0-9]*)$`)
)

// DevName returns the devname for the partition on a disk.
func DevName(device string, part uint) string {
	result := device

	if len(result) > 0 && result[len(result)-1] >= '0' && result[len(result)-1] <= '9' {
		result += "p"
	}

	return result + strconv.FormatUint(uint64(part), 10)
}

// PartitionPath is DevName restricted to the supported naming families.
func PartitionPath(disk string, part uint) (string, error) {
	if _, err := DiskBus(disk); err != nil {
		return "", err
	}

	if part == 0 {
		return "", fmt.Errorf("invalid partition index 0 for %q", disk)
	}

	return DevName(disk, part), nil
}

// SplitDevName maps a partition path back to its disk and 1-based index.
func SplitDevName(partition string) (string, uint, error) {
	for _, re := range []*regexp.Regexp{letterPart, nvmePart} {
		if m := re.FindStringSubmatch(partition); m != nil {
			n, err := strconv.ParseUint(m[2], 10, 32)
			if err != nil {
				return "", 0, fmt.Errorf("%w: %q", ErrUnknownDevice, partition)
			}

			return m[1], uint(n), nil
		}
	}

	return "", 0, fmt.Errorf("%w: %q", ErrUnknownDevice, partition)
}

// IsPartition returns true if path names a partition of a supported disk.
func IsPartition(path string) bool {
	_, _, err := SplitDevName(path)

	return err == nil
}

// IsDisk returns true if path names a whole disk of a supported family.
func IsDisk(path string) bool {
	_, err := DiskBus(path)

	return err == nil
}

// DiskBus classifies a whole disk path by bus type.
func DiskBus(disk string) (Bus, error) {
	if nvmeDisk.MatchString(disk) {
		return BusNVMe, nil
	}

	m := letterDisk.FindStringSubmatch(disk)
	if m == nil {
		return "", fmt.Errorf("%w: %q", ErrUnknownDevice, disk)
	}

	switch m[1] {
	case "sd":
		return BusSCSI, nil
	case "xvd":
		return BusXen, nil
	default:
		return BusVirtio, nil
	}
}

// Exister reports whether a device node exists.
type Exister interface {
	Exists(path string) bool
}

// HasPartition returns true if the disk has a partition at index n.
func HasPartition(ex Exister, disk string, n uint) bool {
	return ex.Exists(DevName(disk, n))
}

// HasMoreThan returns true if the disk has any partition with an index above n.
func HasMoreThan(ex Exister, disk string, n uint) bool {
	for i := n + 1; i <= MaxPartitions; i++ {
		if HasPartition(ex, disk, i) {
			return true
		}
	}

	return false
}

// MapperName extracts volume group and logical volume names from an LVM device path.
//
// Accepted forms are /dev/mapper/<vg>-<lv> (with device-mapper hyphen escaping)
// and /dev/mapper/<vg>.<lv>. Other /dev/<dir>/<name> paths (md, disk/by-id) are
// not logical volumes.
func MapperName(path string) (vg, lv string, ok bool) {
	name, found := strings.CutPrefix(path, "/dev/mapper/")
	if !found {
		return "", "", false
	}

	// a single hyphen separates the names, doubled hyphens are escaped ones
	for i := 0; i < len(name); i++ {
		if name[i] != '-' {
			continue
		}

		if i+1 < len(name) && name[i+1] == '-' {
			i++

			continue
		}

		vg, lv = name[:i], name[i+1:]
		if vg == "" || lv == "" {
			return "", "", false
		}

		return strings.ReplaceAll(vg, "--", "-"), strings.ReplaceAll(lv, "--", "-"), true
	}

	vg, lv, ok = strings.Cut(name, ".")
	if !ok || vg == "" || lv == "" {
		return "", "", false
	}

	return vg, lv, true
}

// DMName returns the /dev/mapper path for a logical volume.
func DMName(vg, lv string) string {
	return "/dev/mapper/" + strings.ReplaceAll(vg, "-", "--") + "-" + strings.ReplaceAll(lv, "-", "--")
}
