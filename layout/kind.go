// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package layout

import (
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/siderolabs/go-strictlayout/partitioning"
	"github.com/siderolabs/go-strictlayout/partitioning/gpt"
	"github.com/siderolabs/go-strictlayout/partitioning/mbr"
)

// BootMode is the firmware boot mode of a layout.
type BootMode int

// Boot modes.
const (
	BootBIOS BootMode = iota
	BootEFI
)

// String implements fmt.Stringer.
func (b BootMode) String() string {
	if b == BootEFI {
		return "efi"
	}

	return "bios"
}

// Volume is the volume manager between the data partitions and the root filesystem.
type Volume int

// Volume managers.
const (
	VolumeNone Volume = iota
	VolumeLVM
)

// Cache is the cache tier of a layout.
type Cache int

// Cache tiers.
const (
	CacheNone Cache = iota
	CacheBcache
)

// Filesystem is the root filesystem type.
type Filesystem string

// Root filesystems.
const (
	FilesystemExt4     Filesystem = "ext4"
	FilesystemBtrfs    Filesystem = "btrfs"
	FilesystemBcachefs Filesystem = "bcachefs"
)

// Kind is one of the recognized strict layouts.
//
// Kinds are comparable, the zero value is not a valid layout.
type Kind struct {
	name string

	Boot       BootMode
	Volume     Volume
	Cache      Cache
	Filesystem Filesystem
}

// Recognized layouts.
var (
	BIOSSimple     = Kind{name: "bios-simple", Boot: BootBIOS, Filesystem: FilesystemExt4}
	BIOSLVM        = Kind{name: "bios-lvm", Boot: BootBIOS, Volume: VolumeLVM, Filesystem: FilesystemExt4}
	EFISimple      = Kind{name: "efi-simple", Boot: BootEFI, Filesystem: FilesystemExt4}
	EFILVM         = Kind{name: "efi-lvm", Boot: BootEFI, Volume: VolumeLVM, Filesystem: FilesystemExt4}
	EFIBcacheLVM   = Kind{name: "efi-bcache-lvm", Boot: BootEFI, Volume: VolumeLVM, Cache: CacheBcache, Filesystem: FilesystemExt4}
	EFIBtrfs       = Kind{name: "efi-btrfs", Boot: BootEFI, Filesystem: FilesystemBtrfs}
	EFIBcacheBtrfs = Kind{name: "efi-bcache-btrfs", Boot: BootEFI, Cache: CacheBcache, Filesystem: FilesystemBtrfs}
	EFIBcachefs    = Kind{name: "efi-bcachefs", Boot: BootEFI, Filesystem: FilesystemBcachefs}
)

var kinds = []Kind{
	BIOSSimple,
	BIOSLVM,
	EFISimple,
	EFILVM,
	EFIBcacheLVM,
	EFIBtrfs,
	EFIBcacheBtrfs,
	EFIBcachefs,
}

// Kinds returns all recognized layouts.
func Kinds() []Kind {
	return slices.Clone(kinds)
}

// ParseKind looks up a layout by name.
func ParseKind(name string) (Kind, error) {
	for _, k := range kinds {
		if k.name == name {
			return k, nil
		}
	}

	return Kind{}, fmt.Errorf("unknown layout %q", name)
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if k.name == "" {
		return "unknown"
	}

	return k.name
}

// MultiDisk returns true if disks can be added to and removed from the layout.
func (k Kind) MultiDisk() bool {
	return k.Volume == VolumeLVM || k.Pool()
}

// Pool returns true if the root filesystem spans multiple devices by itself.
func (k Kind) Pool() bool {
	return k.Filesystem == FilesystemBtrfs || k.Filesystem == FilesystemBcachefs
}

// SSDCache returns true if the layout accepts an SSD as the cache tier.
func (k Kind) SSDCache() bool {
	return k.Cache == CacheBcache
}

// SwapFile returns true if swap lives in a file on the root filesystem
// unless an SSD swap partition is present.
func (k Kind) SwapFile() bool {
	return k.Volume == VolumeNone && k.Filesystem != FilesystemBcachefs
}

// dataPartition is the 1-based index of the data partition on member harddisks.
func (k Kind) dataPartition() uint {
	if k.Boot == BootBIOS {
		return 1
	}

	return 2
}

func (k Kind) tableType() partitioning.TableType {
	if k.Boot == BootBIOS {
		return partitioning.TableDOS
	}

	return partitioning.TableGPT
}

func (k Kind) gptDataType() uuid.UUID {
	if k.Volume == VolumeLVM && k.Cache == CacheNone {
		return gpt.TypeLinuxLVM
	}

	return gpt.TypeLinuxFilesystem
}

func (k Kind) mbrDataType() byte {
	if k.Volume == VolumeLVM {
		return mbr.TypeLinuxLVM
	}

	return mbr.TypeLinux
}
