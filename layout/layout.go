// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package layout classifies and reconfigures strict Linux storage layouts.
//
// A strict layout is a fixed combination of boot mode (BIOS or EFI), optional
// LVM, optional bcache cache tier and root filesystem, with a fixed partition
// plan on every member disk. A Layout is obtained either by classifying a
// running system (Classify) or by creating one on clean disks (Create), and
// can then be reconfigured disk by disk.
package layout

import (
	"context"
	"path/filepath"
	"slices"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/siderolabs/go-strictlayout/partitioning"
	"github.com/siderolabs/go-strictlayout/stack"
)

// Options for layout operations.
type Options struct {
	Logger *zap.Logger
	Config Config
	Root   string
}

// Option is a functional option.
type Option func(*Options)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithConfig overrides the default configuration.
func WithConfig(cfg Config) Option {
	return func(o *Options) {
		o.Config = cfg
	}
}

// WithRoot sets the mountpoint of the root filesystem, "/" by default.
func WithRoot(root string) Option {
	return func(o *Options) {
		o.Root = root
	}
}

func applyOptions(opts ...Option) Options {
	options := Options{
		Logger: zap.NewNop(),
		Config: DefaultConfig(),
		Root:   "/",
	}

	for _, o := range opts {
		o(&options)
	}

	return options
}

// Layout is a classified or created strict layout.
//
// Layout is not safe for concurrent use.
type Layout struct {
	sys    System
	logger *zap.Logger
	cfg    Config

	kind Kind
	root string

	rootDev  string
	bootDisk string
	ssd      string
	hdds     []string
	cacheSet uuid.UUID
}

// SwapProvider reports the swap device of a layout.
type SwapProvider interface {
	Swap() string
}

// ESPProvider reports the boot partition of a layout.
type ESPProvider interface {
	ESP() string
	BootDisk() string
}

// DiskSetProvider reports the member disks of a layout.
type DiskSetProvider interface {
	Disks() []string
	SSD() string
	HDDs() []string
}

var (
	_ SwapProvider    = (*Layout)(nil)
	_ ESPProvider     = (*Layout)(nil)
	_ DiskSetProvider = (*Layout)(nil)
)

// Kind returns the layout kind.
func (l *Layout) Kind() Kind {
	return l.kind
}

// RootDevice returns the device the root filesystem is mounted from.
func (l *Layout) RootDevice() string {
	return l.rootDev
}

// Root returns the root mountpoint.
func (l *Layout) Root() string {
	return l.root
}

// BootDisk returns the disk the firmware boots from.
func (l *Layout) BootDisk() string {
	return l.bootDisk
}

// ESP returns the active EFI System Partition, empty for BIOS layouts.
func (l *Layout) ESP() string {
	if l.kind.Boot != BootEFI {
		return ""
	}

	return partitioning.DevName(l.bootDisk, 1)
}

// Swap returns the swap device or file, empty if the layout has none.
func (l *Layout) Swap() string {
	switch {
	case l.ssd != "":
		return partitioning.DevName(l.ssd, 2)
	case l.kind.Volume == VolumeLVM:
		return partitioning.DMName(l.cfg.VGName, l.cfg.SwapLVName)
	case l.kind.SwapFile():
		return filepath.Join(l.root, l.cfg.SwapFilePath)
	default:
		return ""
	}
}

// SSD returns the cache tier SSD, empty if there is none.
func (l *Layout) SSD() string {
	return l.ssd
}

// HDDs returns the sorted member harddisks.
func (l *Layout) HDDs() []string {
	return slices.Clone(l.hdds)
}

// Disks returns all sorted member disks.
func (l *Layout) Disks() []string {
	disks := slices.Clone(l.hdds)

	if l.ssd != "" {
		disks = append(disks, l.ssd)
		slices.Sort(disks)
	}

	return disks
}

// CacheSet returns the bcache cache set UUID, uuid.Nil without an SSD.
func (l *Layout) CacheSet() uuid.UUID {
	return l.cacheSet
}

// StackTarget selects the device DiskStack resolves.
type StackTarget int

// Stack targets.
const (
	StackRoot StackTarget = iota
	StackBoot
	StackSwap
)

// DiskStack resolves the device stack below the root, boot or swap device.
func (l *Layout) DiskStack(ctx context.Context, target StackTarget) (*stack.Node, error) {
	switch target {
	case StackBoot:
		if l.kind.Boot == BootBIOS {
			return stack.Build(ctx, l.sys, l.bootDisk)
		}

		return stack.Build(ctx, l.sys, l.ESP())
	case StackSwap:
		swap := l.Swap()
		if swap == "" || !strings.HasPrefix(swap, "/dev/") {
			return stack.Build(ctx, l.sys, l.rootDev)
		}

		return stack.Build(ctx, l.sys, swap)
	default:
		if !l.kind.Pool() {
			return stack.Build(ctx, l.sys, l.rootDev)
		}

		members, err := l.sys.PoolMembers(ctx, string(l.kind.Filesystem), l.rootDev)
		if err != nil {
			return nil, err
		}

		return stack.NewPool(ctx, l.sys, l.rootDev, members)
	}
}

func (l *Layout) bootDir() string {
	return filepath.Join(l.root, l.cfg.BootMountpoint)
}

func (l *Layout) isMember(disk string) bool {
	return disk == l.ssd || slices.Contains(l.hdds, disk)
}

// dataPartition is the data partition of a member harddisk.
func (l *Layout) dataPartition(disk string) string {
	return partitioning.DevName(disk, l.kind.dataPartition())
}

// member resolves the device the volume manager or the pool sees for a harddisk.
func (l *Layout) member(ctx context.Context, disk string) (string, error) {
	part := l.dataPartition(disk)

	if l.kind.Cache != CacheBcache {
		return part, nil
	}

	return l.sys.BcacheDevice(ctx, part)
}

func (l *Layout) rootLV() string {
	return partitioning.DMName(l.cfg.VGName, l.cfg.RootLVName)
}

// refreshRoot picks up the root device from the mount table, pool members may change it.
func (l *Layout) refreshRoot(ctx context.Context) error {
	mounts, err := l.sys.Mounts(ctx)
	if err != nil {
		return err
	}

	if m, ok := findMount(mounts, l.root); ok {
		l.rootDev = m.Device
	}

	return nil
}

func findMount(mounts []Mount, target string) (Mount, bool) {
	target = filepath.Clean(target)

	// the last entry wins for stacked mounts
	for i := len(mounts) - 1; i >= 0; i-- {
		if filepath.Clean(mounts[i].Target) == target {
			return mounts[i], true
		}
	}

	return Mount{}, false
}
