// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package layout

import (
	"context"
	"io"

	"github.com/google/uuid"

	"github.com/siderolabs/go-strictlayout/bcache"
	"github.com/siderolabs/go-strictlayout/partitioning"
)

// Mount is an entry of the mount table.
type Mount struct {
	Device  string
	Target  string
	FSType  string
	Options []string
}

// Usage of a mounted filesystem in bytes.
type Usage struct {
	Total uint64
	Used  uint64
}

// BlockDevice is an open disk, partition or stacked device.
type BlockDevice interface {
	io.ReaderAt
	io.WriterAt
	io.Closer

	GetSize() uint64
	GetSectorSize() uint
	Sync() error
}

// Disk is an open whole disk, its partition table can be rewritten.
type Disk interface {
	partitioning.Device
	io.Closer
}

// Inspector reads the state of the running system.
type Inspector interface {
	partitioning.Exister

	Mounts(ctx context.Context) ([]Mount, error)
	ActiveSwaps(ctx context.Context) ([]string, error)
	IsRotational(ctx context.Context, disk string) (bool, error)
	// Slaves lists the devices a device-mapper or bcache device is built from.
	Slaves(ctx context.Context, dev string) ([]string, error)
	Usage(ctx context.Context, mountpoint string) (Usage, error)
}

// Storage opens block devices for raw access.
type Storage interface {
	Open(ctx context.Context, path string) (BlockDevice, error)
	OpenDisk(ctx context.Context, disk string) (Disk, error)
	Wipe(ctx context.Context, disk string) error
}

// VolumeManager manages LVM volumes.
type VolumeManager interface {
	PhysicalVolumes(ctx context.Context, vg string) ([]string, error)
	CreatePV(ctx context.Context, dev string) error
	RemovePV(ctx context.Context, dev string) error
	// MovePV moves all allocated extents off the physical volume.
	MovePV(ctx context.Context, dev string) error
	CreateVG(ctx context.Context, vg string, pvs []string) error
	ExtendVG(ctx context.Context, vg, pv string) error
	ReduceVG(ctx context.Context, vg, pv string) error
	ActivateVG(ctx context.Context, vg string) error
	// CreateLV allocates a logical volume, zero size takes all free extents.
	CreateLV(ctx context.Context, vg, lv string, size uint64) error
	ExtendLV(ctx context.Context, vg, lv string, size uint64) error
}

// Formatter creates and grows filesystems.
type Formatter interface {
	// Mkfs creates a filesystem, multi-device filesystems get all members at once.
	Mkfs(ctx context.Context, fstype string, devs []string, label string) error
	GrowFS(ctx context.Context, fstype, dev, mountpoint string) error
}

// Mounter changes the mount table.
type Mounter interface {
	Mount(ctx context.Context, dev, target, fstype string, readOnly bool) error
	Unmount(ctx context.Context, target string) error
	SwapOn(ctx context.Context, dev string) error
	SwapOff(ctx context.Context, dev string) error
	// SyncDir makes dst a copy of src.
	SyncDir(ctx context.Context, src, dst string) error
}

// Pool manages multi-device filesystems.
type Pool interface {
	// PoolMembers lists the member devices of the filesystem on dev.
	PoolMembers(ctx context.Context, fstype, dev string) ([]string, error)
	PoolAdd(ctx context.Context, fstype, mountpoint, dev string) error
	PoolEvacuate(ctx context.Context, fstype, mountpoint, dev string) error
	PoolRemove(ctx context.Context, fstype, mountpoint, dev string) error
}

// CacheManager controls bcache devices.
type CacheManager interface {
	RegisterBcache(ctx context.Context, dev string) error
	// BcacheDevice resolves a registered backing device to its /dev/bcacheN.
	BcacheDevice(ctx context.Context, backing string) (string, error)
	// BcacheSlaves lists cache devices first and the backing device last.
	BcacheSlaves(ctx context.Context, dev string) ([]string, error)
	AttachBcache(ctx context.Context, dev string, set uuid.UUID) error
	DetachBcache(ctx context.Context, dev string) error
	SetCacheMode(ctx context.Context, dev string, mode bcache.CacheMode) error
	StopBcache(ctx context.Context, dev string) error
	UnregisterCacheSet(ctx context.Context, set uuid.UUID) error
}

// BootLoader installs BIOS boot code.
type BootLoader interface {
	InstallBIOS(ctx context.Context, disk, bootDir string) error
}

// System is everything the layouts need from the host.
type System interface {
	Inspector
	Storage
	VolumeManager
	Formatter
	Mounter
	Pool
	CacheManager
	BootLoader
}
