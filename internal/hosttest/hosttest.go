// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package hosttest implements layout.System on top of in-memory disks.
//
// Partition tables, filesystem signatures and bcache superblocks are written to
// the memory disks for real, the kernel side (mount table, LVM metadata,
// bcache registration, multi-device filesystems) is simulated. Every mutating
// call is appended to the operation log.
package hosttest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/siderolabs/go-strictlayout/bcache"
	"github.com/siderolabs/go-strictlayout/blkid"
	"github.com/siderolabs/go-strictlayout/internal/fixtures"
	"github.com/siderolabs/go-strictlayout/internal/ioutil"
	"github.com/siderolabs/go-strictlayout/internal/memdisk"
	"github.com/siderolabs/go-strictlayout/layout"
	"github.com/siderolabs/go-strictlayout/partitioning"
)

// SectorSize of the simulated disks.
const SectorSize = 512

type disk struct {
	*memdisk.Disk

	rotational bool
}

type volumeGroup struct {
	pvs []string
	lvs map[string]uint64
}

type pool struct {
	fstype  string
	uuid    uuid.UUID
	label   string
	members []string
}

type bcacheDevice struct {
	backing string
	set     uuid.UUID
	mode    bcache.CacheMode
	extra   []string
}

// Host is a simulated storage host.
//
// Host is not safe for concurrent use.
type Host struct {
	disks   map[string]*disk
	volumes map[string]*memdisk.Disk

	mounts []layout.Mount
	swaps  []string
	usage  map[string]layout.Usage

	pvs map[string]string
	vgs map[string]*volumeGroup

	pools []*pool

	bcaches    map[string]*bcacheDevice
	cacheSets  map[uuid.UUID]string
	nextBcache int

	failures map[string]error
	log      []string
}

var _ layout.System = (*Host)(nil)

// New creates an empty host.
func New() *Host {
	return &Host{
		disks:     map[string]*disk{},
		volumes:   map[string]*memdisk.Disk{},
		usage:     map[string]layout.Usage{},
		pvs:       map[string]string{},
		vgs:       map[string]*volumeGroup{},
		bcaches:   map[string]*bcacheDevice{},
		cacheSets: map[uuid.UUID]string{},
		failures:  map[string]error{},
	}
}

// AddDisk attaches a zeroed disk to the host.
func (h *Host) AddDisk(path string, size uint64, rotational bool) *memdisk.Disk {
	d := &disk{Disk: memdisk.New(size, SectorSize), rotational: rotational}

	h.disks[path] = d

	return d.Disk
}

// Disk returns the memory disk attached at path.
func (h *Host) Disk(path string) *memdisk.Disk {
	d, ok := h.disks[path]
	if !ok {
		return nil
	}

	return d.Disk
}

// Fail makes the next calls of the operation fail with err.
//
// The operation is matched against the start of the log entry, so both
// "mount" and "mount -o ro" are accepted. A nil err clears the failure.
func (h *Host) Fail(op string, err error) {
	if err == nil {
		delete(h.failures, op)

		return
	}

	h.failures[op] = err
}

// SetUsage sets the usage reported for the mountpoint.
func (h *Host) SetUsage(mountpoint string, usage layout.Usage) {
	h.usage[mountpoint] = usage
}

// AddCacheSlave adds a spurious cache slave to a bcache device.
func (h *Host) AddCacheSlave(dev, slave string) {
	if b, ok := h.bcaches[dev]; ok {
		b.extra = append(b.extra, slave)
	}
}

// Log returns the operation log.
func (h *Host) Log() []string {
	return slices.Clone(h.log)
}

// ResetLog clears the operation log.
func (h *Host) ResetLog() {
	h.log = nil
}

// LogicalVolumeSize returns the size of a logical volume, zero if it doesn't exist.
func (h *Host) LogicalVolumeSize(vg, lv string) uint64 {
	if g, ok := h.vgs[vg]; ok {
		return g.lvs[lv]
	}

	return 0
}

func (h *Host) record(op string, args ...string) error {
	entry := strings.Join(append([]string{op}, args...), " ")

	for prefix, err := range h.failures {
		if entry == prefix || strings.HasPrefix(entry, prefix+" ") {
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	h.log = append(h.log, entry)

	return nil
}

type blockDevice interface {
	io.ReaderAt
	io.WriterAt

	GetSize() uint64
	GetSectorSize() uint
	Sync() error
}

type nopCloser struct {
	blockDevice
}

func (nopCloser) Close() error { return nil }

type diskCloser struct {
	*memdisk.Disk
}

func (diskCloser) Close() error { return nil }

func (h *Host) device(path string) (blockDevice, error) {
	if d, ok := h.disks[path]; ok {
		return d.Disk, nil
	}

	if v, ok := h.volumes[path]; ok {
		return v, nil
	}

	if diskPath, n, err := partitioning.SplitDevName(path); err == nil {
		if d, ok := h.disks[diskPath]; ok {
			if section, ok := d.Partition(int(n)); ok {
				return section, nil
			}
		}
	}

	return nil, fmt.Errorf("%s: %w", path, os.ErrNotExist)
}

// Exists implements layout.Inspector.
func (h *Host) Exists(path string) bool {
	_, err := h.device(path)

	return err == nil
}

// Mounts implements layout.Inspector.
func (h *Host) Mounts(context.Context) ([]layout.Mount, error) {
	return slices.Clone(h.mounts), nil
}

// ActiveSwaps implements layout.Inspector.
func (h *Host) ActiveSwaps(context.Context) ([]string, error) {
	return slices.Clone(h.swaps), nil
}

// IsRotational implements layout.Inspector.
func (h *Host) IsRotational(_ context.Context, path string) (bool, error) {
	d, ok := h.disks[path]
	if !ok {
		return false, fmt.Errorf("%s: %w", path, os.ErrNotExist)
	}

	return d.rotational, nil
}

// Slaves implements layout.Inspector.
func (h *Host) Slaves(ctx context.Context, dev string) ([]string, error) {
	if _, ok := h.bcaches[dev]; ok {
		return h.BcacheSlaves(ctx, dev)
	}

	if vg, lv, ok := partitioning.MapperName(dev); ok {
		if g, ok := h.vgs[vg]; ok {
			if _, ok := g.lvs[lv]; ok {
				return slices.Clone(g.pvs), nil
			}
		}
	}

	return nil, fmt.Errorf("%s: %w", dev, os.ErrNotExist)
}

// Usage implements layout.Inspector.
//
// Unless set with SetUsage, the filesystem is empty and spans its devices.
func (h *Host) Usage(_ context.Context, mountpoint string) (layout.Usage, error) {
	if usage, ok := h.usage[mountpoint]; ok {
		return usage, nil
	}

	idx := slices.IndexFunc(h.mounts, func(m layout.Mount) bool { return m.Target == mountpoint })
	if idx == -1 {
		return layout.Usage{}, fmt.Errorf("%s is not mounted", mountpoint)
	}

	devs := []string{h.mounts[idx].Device}

	if p := h.poolOf(h.mounts[idx].Device); p != nil {
		devs = p.members
	}

	var usage layout.Usage

	for _, dev := range devs {
		d, err := h.device(dev)
		if err != nil {
			return layout.Usage{}, err
		}

		usage.Total += d.GetSize()
	}

	return usage, nil
}

// Open implements layout.Storage.
func (h *Host) Open(_ context.Context, path string) (layout.BlockDevice, error) {
	dev, err := h.device(path)
	if err != nil {
		return nil, err
	}

	return nopCloser{dev}, nil
}

// OpenDisk implements layout.Storage.
func (h *Host) OpenDisk(_ context.Context, path string) (layout.Disk, error) {
	d, ok := h.disks[path]
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, os.ErrNotExist)
	}

	return diskCloser{d.Disk}, nil
}

// Wipe implements layout.Storage.
func (h *Host) Wipe(_ context.Context, path string) error {
	d, ok := h.disks[path]
	if !ok {
		return fmt.Errorf("%s: %w", path, os.ErrNotExist)
	}

	if err := h.record("wipe", path); err != nil {
		return err
	}

	d.Wipe()

	return nil
}

// PhysicalVolumes implements layout.VolumeManager.
func (h *Host) PhysicalVolumes(_ context.Context, vg string) ([]string, error) {
	g, ok := h.vgs[vg]
	if !ok {
		return nil, fmt.Errorf("volume group %q not found", vg)
	}

	return slices.Clone(g.pvs), nil
}

// CreatePV implements layout.VolumeManager.
func (h *Host) CreatePV(_ context.Context, dev string) error {
	d, err := h.device(dev)
	if err != nil {
		return err
	}

	if err = h.record("pvcreate", dev); err != nil {
		return err
	}

	h.pvs[dev] = ""

	return fixtures.LVM2PV(d, strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// RemovePV implements layout.VolumeManager.
func (h *Host) RemovePV(_ context.Context, dev string) error {
	vg, ok := h.pvs[dev]

	switch {
	case !ok:
		return fmt.Errorf("%q is not a physical volume", dev)
	case vg != "":
		return fmt.Errorf("physical volume %q belongs to %q", dev, vg)
	}

	if err := h.record("pvremove", dev); err != nil {
		return err
	}

	delete(h.pvs, dev)

	d, err := h.device(dev)
	if err != nil {
		return err
	}

	return ioutil.WriteFullAt(d, make([]byte, 512), 512)
}

// MovePV implements layout.VolumeManager.
func (h *Host) MovePV(_ context.Context, dev string) error {
	if _, ok := h.pvs[dev]; !ok {
		return fmt.Errorf("%q is not a physical volume", dev)
	}

	return h.record("pvmove", dev)
}

// CreateVG implements layout.VolumeManager.
func (h *Host) CreateVG(_ context.Context, vg string, pvs []string) error {
	if _, ok := h.vgs[vg]; ok {
		return fmt.Errorf("volume group %q already exists", vg)
	}

	for _, pv := range pvs {
		if owner, ok := h.pvs[pv]; !ok || owner != "" {
			return fmt.Errorf("%q is not an unused physical volume", pv)
		}
	}

	if err := h.record("vgcreate", append([]string{vg}, pvs...)...); err != nil {
		return err
	}

	for _, pv := range pvs {
		h.pvs[pv] = vg
	}

	h.vgs[vg] = &volumeGroup{pvs: slices.Clone(pvs), lvs: map[string]uint64{}}

	return nil
}

// ExtendVG implements layout.VolumeManager.
func (h *Host) ExtendVG(_ context.Context, vg, pv string) error {
	g, ok := h.vgs[vg]
	if !ok {
		return fmt.Errorf("volume group %q not found", vg)
	}

	if owner, ok := h.pvs[pv]; !ok || owner != "" {
		return fmt.Errorf("%q is not an unused physical volume", pv)
	}

	if err := h.record("vgextend", vg, pv); err != nil {
		return err
	}

	h.pvs[pv] = vg
	g.pvs = append(g.pvs, pv)

	return nil
}

// ReduceVG implements layout.VolumeManager.
func (h *Host) ReduceVG(_ context.Context, vg, pv string) error {
	g, ok := h.vgs[vg]
	if !ok || !slices.Contains(g.pvs, pv) {
		return fmt.Errorf("%q is not in volume group %q", pv, vg)
	}

	if len(g.pvs) == 1 {
		return fmt.Errorf("can't remove the last physical volume %q of %q", pv, vg)
	}

	if err := h.record("vgreduce", vg, pv); err != nil {
		return err
	}

	h.pvs[pv] = ""
	g.pvs = slices.DeleteFunc(g.pvs, func(p string) bool { return p == pv })

	return nil
}

// ActivateVG implements layout.VolumeManager.
func (h *Host) ActivateVG(_ context.Context, vg string) error {
	if _, ok := h.vgs[vg]; !ok {
		return fmt.Errorf("volume group %q not found", vg)
	}

	return h.record("vgchange", "-ay", vg)
}

// CreateLV implements layout.VolumeManager.
func (h *Host) CreateLV(_ context.Context, vg, lv string, size uint64) error {
	g, ok := h.vgs[vg]
	if !ok {
		return fmt.Errorf("volume group %q not found", vg)
	}

	if _, ok = g.lvs[lv]; ok {
		return fmt.Errorf("logical volume %q already exists in %q", lv, vg)
	}

	var free uint64

	for _, pv := range g.pvs {
		d, err := h.device(pv)
		if err != nil {
			return err
		}

		free += d.GetSize()
	}

	for _, allocated := range g.lvs {
		free -= min(free, allocated)
	}

	if size == 0 {
		size = free
	}

	if size == 0 || size > free {
		return fmt.Errorf("insufficient free space in %q for %d bytes", vg, size)
	}

	if err := h.record("lvcreate", vg, lv); err != nil {
		return err
	}

	g.lvs[lv] = size
	h.volumes[partitioning.DMName(vg, lv)] = memdisk.New(size, SectorSize)

	return nil
}

// ExtendLV implements layout.VolumeManager.
func (h *Host) ExtendLV(_ context.Context, vg, lv string, size uint64) error {
	g, ok := h.vgs[vg]
	if !ok {
		return fmt.Errorf("volume group %q not found", vg)
	}

	if _, ok = g.lvs[lv]; !ok {
		return fmt.Errorf("logical volume %q not found in %q", lv, vg)
	}

	if err := h.record("lvextend", vg, lv, fmt.Sprintf("+%d", size)); err != nil {
		return err
	}

	g.lvs[lv] += size

	return nil
}

// Mkfs implements layout.Formatter.
func (h *Host) Mkfs(_ context.Context, fstype string, devs []string, label string) error {
	if len(devs) == 0 {
		return errors.New("no devices")
	}

	targets := make([]blockDevice, 0, len(devs))

	for _, dev := range devs {
		d, err := h.device(dev)
		if err != nil {
			return err
		}

		targets = append(targets, d)
	}

	if len(devs) > 1 && fstype != blkid.NameBtrfs && fstype != blkid.NameBcachefs {
		return fmt.Errorf("%s doesn't span multiple devices", fstype)
	}

	if err := h.record("mkfs."+fstype, devs...); err != nil {
		return err
	}

	fsUUID := uuid.New()

	for _, d := range targets {
		if err := h.writeSignature(fstype, d, fsUUID, label); err != nil {
			return err
		}
	}

	if fstype == blkid.NameBtrfs || fstype == blkid.NameBcachefs {
		h.pools = append(h.pools, &pool{fstype: fstype, uuid: fsUUID, label: label, members: slices.Clone(devs)})
	}

	return nil
}

func (h *Host) writeSignature(fstype string, d blockDevice, fsUUID uuid.UUID, label string) error {
	switch fstype {
	case blkid.NameExt4:
		return fixtures.Ext4(d, d.GetSize(), label)
	case blkid.NameVFAT:
		return fixtures.VFAT(d, d.GetSize(), label)
	case blkid.NameSwap:
		return fixtures.Swap(d, d.GetSize())
	case blkid.NameBtrfs:
		return fixtures.Btrfs(d, fsUUID, d.GetSize(), label)
	case blkid.NameBcachefs:
		return fixtures.Bcachefs(d, fsUUID, label)
	default:
		return fmt.Errorf("unsupported filesystem %q", fstype)
	}
}

// GrowFS implements layout.Formatter.
func (h *Host) GrowFS(_ context.Context, fstype, dev, mountpoint string) error {
	return h.record("growfs."+fstype, dev, mountpoint)
}

// Mount implements layout.Mounter.
func (h *Host) Mount(_ context.Context, dev, target, fstype string, readOnly bool) error {
	for _, part := range strings.Split(dev, ":") {
		if !h.Exists(part) {
			return fmt.Errorf("%s: %w", part, os.ErrNotExist)
		}
	}

	for _, m := range h.mounts {
		if m.Target == target {
			return fmt.Errorf("%s is already mounted at %s", m.Device, target)
		}
	}

	opts := []string{"rw"}
	if readOnly {
		opts = []string{"ro"}
	}

	if err := h.record("mount", "-o", opts[0], dev, target); err != nil {
		return err
	}

	h.mounts = append(h.mounts, layout.Mount{Device: dev, Target: target, FSType: fstype, Options: opts})

	return nil
}

// Unmount implements layout.Mounter.
func (h *Host) Unmount(_ context.Context, target string) error {
	idx := slices.IndexFunc(h.mounts, func(m layout.Mount) bool { return m.Target == target })
	if idx == -1 {
		return fmt.Errorf("%s is not mounted", target)
	}

	if err := h.record("umount", target); err != nil {
		return err
	}

	h.mounts = slices.Delete(h.mounts, idx, idx+1)

	return nil
}

// SwapOn implements layout.Mounter.
func (h *Host) SwapOn(_ context.Context, dev string) error {
	if !h.Exists(dev) {
		return fmt.Errorf("%s: %w", dev, os.ErrNotExist)
	}

	if err := h.record("swapon", dev); err != nil {
		return err
	}

	h.swaps = append(h.swaps, dev)

	return nil
}

// SwapOff implements layout.Mounter.
func (h *Host) SwapOff(_ context.Context, dev string) error {
	if err := h.record("swapoff", dev); err != nil {
		return err
	}

	h.swaps = slices.DeleteFunc(h.swaps, func(s string) bool { return s == dev })

	return nil
}

// SyncDir implements layout.Mounter.
func (h *Host) SyncDir(_ context.Context, src, dst string) error {
	return h.record("rsync", src, dst)
}

func (h *Host) poolOf(dev string) *pool {
	dev, _, _ = strings.Cut(dev, ":")

	for _, p := range h.pools {
		if slices.Contains(p.members, dev) {
			return p
		}
	}

	return nil
}

func (h *Host) mountedPool(fstype, mountpoint string) (*pool, int, error) {
	idx := slices.IndexFunc(h.mounts, func(m layout.Mount) bool { return m.Target == mountpoint })
	if idx == -1 {
		return nil, 0, fmt.Errorf("%s is not mounted", mountpoint)
	}

	p := h.poolOf(h.mounts[idx].Device)
	if p == nil || p.fstype != fstype {
		return nil, 0, fmt.Errorf("no %s filesystem mounted at %s", fstype, mountpoint)
	}

	return p, idx, nil
}

// updateMount follows the kernel: btrfs shows any member, bcachefs all of them.
func (h *Host) updateMount(p *pool, idx int) {
	switch {
	case p.fstype == blkid.NameBcachefs:
		h.mounts[idx].Device = strings.Join(p.members, ":")
	case !slices.Contains(p.members, h.mounts[idx].Device):
		h.mounts[idx].Device = p.members[0]
	}
}

// PoolMembers implements layout.Pool.
func (h *Host) PoolMembers(_ context.Context, fstype, dev string) ([]string, error) {
	p := h.poolOf(dev)
	if p == nil || p.fstype != fstype {
		return nil, fmt.Errorf("no %s filesystem on %s", fstype, dev)
	}

	return slices.Clone(p.members), nil
}

// PoolAdd implements layout.Pool.
func (h *Host) PoolAdd(_ context.Context, fstype, mountpoint, dev string) error {
	p, idx, err := h.mountedPool(fstype, mountpoint)
	if err != nil {
		return err
	}

	d, err := h.device(dev)
	if err != nil {
		return err
	}

	if err = h.record(fstype+".add", dev, mountpoint); err != nil {
		return err
	}

	if err = h.writeSignature(fstype, d, p.uuid, p.label); err != nil {
		return err
	}

	p.members = append(p.members, dev)
	h.updateMount(p, idx)

	return nil
}

// PoolEvacuate implements layout.Pool.
func (h *Host) PoolEvacuate(_ context.Context, fstype, mountpoint, dev string) error {
	p, _, err := h.mountedPool(fstype, mountpoint)
	if err != nil {
		return err
	}

	if !slices.Contains(p.members, dev) {
		return fmt.Errorf("%s is not a member of %s", dev, mountpoint)
	}

	return h.record(fstype+".evacuate", dev, mountpoint)
}

// PoolRemove implements layout.Pool.
func (h *Host) PoolRemove(_ context.Context, fstype, mountpoint, dev string) error {
	p, idx, err := h.mountedPool(fstype, mountpoint)
	if err != nil {
		return err
	}

	if !slices.Contains(p.members, dev) || len(p.members) == 1 {
		return fmt.Errorf("%s can't be removed from %s", dev, mountpoint)
	}

	if err = h.record(fstype+".remove", dev, mountpoint); err != nil {
		return err
	}

	p.members = slices.DeleteFunc(p.members, func(m string) bool { return m == dev })
	h.updateMount(p, idx)

	d, err := h.device(dev)
	if err != nil {
		return err
	}

	superblock := int64(0x1000)
	if fstype == blkid.NameBtrfs {
		superblock = 0x10000
	}

	return ioutil.WriteFullAt(d, make([]byte, 0x1000), superblock)
}

// RegisterBcache implements layout.CacheManager.
func (h *Host) RegisterBcache(_ context.Context, dev string) error {
	d, err := h.device(dev)
	if err != nil {
		return err
	}

	sb, err := bcache.Read(d)
	if err != nil {
		return fmt.Errorf("%s: %w", dev, err)
	}

	kind, ok := sb.Kind()
	if !ok {
		return fmt.Errorf("%s: unsupported bcache version %d", dev, sb.Version)
	}

	if err = h.record("bcache.register", dev); err != nil {
		return err
	}

	if kind == bcache.KindCache {
		h.cacheSets[sb.SetUUID] = dev

		// pick up backing devices which were attached to the set before
		for _, b := range h.bcaches {
			if b.set == uuid.Nil {
				if bsb, err := h.backingSuperBlock(b.backing); err == nil && bsb.SetUUID == sb.SetUUID {
					b.set = sb.SetUUID
				}
			}
		}

		return nil
	}

	for _, b := range h.bcaches {
		if b.backing == dev {
			return nil
		}
	}

	path := fmt.Sprintf("/dev/bcache%d", h.nextBcache)
	h.nextBcache++

	b := &bcacheDevice{backing: dev, mode: sb.CacheMode()}

	if _, ok := h.cacheSets[sb.SetUUID]; ok {
		b.set = sb.SetUUID
	}

	h.bcaches[path] = b
	h.volumes[path] = memdisk.New(d.GetSize()-sb.DataOffset*512, SectorSize)

	return nil
}

func (h *Host) backingSuperBlock(dev string) (*bcache.SuperBlock, error) {
	d, err := h.device(dev)
	if err != nil {
		return nil, err
	}

	return bcache.Read(d)
}

func (h *Host) bcacheDevice(dev string) (*bcacheDevice, error) {
	b, ok := h.bcaches[dev]
	if !ok {
		return nil, fmt.Errorf("%s: %w", dev, os.ErrNotExist)
	}

	return b, nil
}

// BcacheDevice implements layout.CacheManager.
func (h *Host) BcacheDevice(_ context.Context, backing string) (string, error) {
	for path, b := range h.bcaches {
		if b.backing == backing {
			return path, nil
		}
	}

	return "", fmt.Errorf("%s is not a registered bcache backing device", backing)
}

// BcacheSlaves implements layout.CacheManager.
func (h *Host) BcacheSlaves(_ context.Context, dev string) ([]string, error) {
	b, err := h.bcacheDevice(dev)
	if err != nil {
		return nil, err
	}

	var slaves []string

	if cache, ok := h.cacheSets[b.set]; ok && b.set != uuid.Nil {
		slaves = append(slaves, cache)
	}

	slaves = append(slaves, b.extra...)

	return append(slaves, b.backing), nil
}

// AttachBcache implements layout.CacheManager.
func (h *Host) AttachBcache(_ context.Context, dev string, set uuid.UUID) error {
	b, err := h.bcacheDevice(dev)
	if err != nil {
		return err
	}

	if _, ok := h.cacheSets[set]; !ok {
		return fmt.Errorf("cache set %s is not registered", set)
	}

	if err = h.record("bcache.attach", dev, set.String()); err != nil {
		return err
	}

	b.set = set

	return h.writeBackingSet(b.backing, set)
}

// writeBackingSet stores the cache set in the backing superblock, as the kernel does on attach.
func (h *Host) writeBackingSet(backing string, set uuid.UUID) error {
	d, err := h.device(backing)
	if err != nil {
		return err
	}

	sb, err := bcache.Read(d)
	if err != nil {
		return err
	}

	sb.SetUUID = set

	buf, err := sb.MarshalBinary()
	if err != nil {
		return err
	}

	return ioutil.WriteFullAt(d, buf, bcache.SuperBlockOffset)
}

// DetachBcache implements layout.CacheManager.
func (h *Host) DetachBcache(_ context.Context, dev string) error {
	b, err := h.bcacheDevice(dev)
	if err != nil {
		return err
	}

	if err = h.record("bcache.detach", dev); err != nil {
		return err
	}

	b.set = uuid.Nil

	return h.writeBackingSet(b.backing, uuid.Nil)
}

// SetCacheMode implements layout.CacheManager.
func (h *Host) SetCacheMode(_ context.Context, dev string, mode bcache.CacheMode) error {
	b, err := h.bcacheDevice(dev)
	if err != nil {
		return err
	}

	if err = h.record("bcache.mode", dev, mode.String()); err != nil {
		return err
	}

	b.mode = mode

	return nil
}

// CacheMode returns the cache mode of a bcache device.
func (h *Host) CacheMode(dev string) bcache.CacheMode {
	if b, ok := h.bcaches[dev]; ok {
		return b.mode
	}

	return bcache.CacheModeNone
}

// StopBcache implements layout.CacheManager.
func (h *Host) StopBcache(_ context.Context, dev string) error {
	if _, err := h.bcacheDevice(dev); err != nil {
		return err
	}

	if err := h.record("bcache.stop", dev); err != nil {
		return err
	}

	delete(h.bcaches, dev)
	delete(h.volumes, dev)

	return nil
}

// UnregisterCacheSet implements layout.CacheManager.
func (h *Host) UnregisterCacheSet(_ context.Context, set uuid.UUID) error {
	if _, ok := h.cacheSets[set]; !ok {
		return fmt.Errorf("cache set %s is not registered", set)
	}

	if err := h.record("bcache.unregister", set.String()); err != nil {
		return err
	}

	for _, b := range h.bcaches {
		if b.set == set {
			b.set = uuid.Nil
		}
	}

	delete(h.cacheSets, set)

	return nil
}

// bootCode is a stand-in for the GRUB boot image.
var bootCode = []byte{0xeb, 0x63, 0x90, 0x10, 0x8e, 0xd0, 0xbc, 0x00, 0xb0, 0xb8}

// InstallBIOS implements layout.BootLoader.
func (h *Host) InstallBIOS(_ context.Context, path, bootDir string) error {
	d, ok := h.disks[path]
	if !ok {
		return fmt.Errorf("%s: %w", path, os.ErrNotExist)
	}

	if err := h.record("grub-install", path, bootDir); err != nil {
		return err
	}

	return ioutil.WriteFullAt(d, bootCode, 0)
}
