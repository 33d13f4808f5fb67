// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package blkid provides information about blockdevice filesystem types and IDs.
package blkid

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/siderolabs/go-strictlayout/blkid/internal/chain"
	"github.com/siderolabs/go-strictlayout/blkid/internal/probe"
	"github.com/siderolabs/go-strictlayout/internal/ioutil"
)

// Common errors.
var (
	ErrFailedLock = errors.New("failed to acquire shared lock while probing blockdevice")
)

// Filesystem and volume manager names as reported in ProbeResult.Name.
const (
	NameExt2     = "ext2"
	NameExt3     = "ext3"
	NameExt4     = "ext4"
	NameVFAT     = "vfat"
	NameSwap     = "swap"
	NameLVM2     = "lvm2-pv"
	NameBcache   = "bcache"
	NameBtrfs    = "btrfs"
	NameBcachefs = "bcachefs"
)

// Reader is the device being probed.
type Reader = probe.Reader

// Info represents the result of the probe.
type Info struct { //nolint:govet
	// Overall size of the probed device (in bytes).
	Size uint64

	// Sector size of the device (in bytes).
	SectorSize uint

	// ProbeResult is the result of probing the device.
	//
	// Name is empty if nothing was recognized.
	ProbeResult
}

// ProbeResult is a result of probing a single filesystem/partition.
type ProbeResult struct { //nolint:govet
	Name  string
	UUID  *uuid.UUID
	Label *string

	BlockSize           uint32
	FilesystemBlockSize uint32
	ProbedSize          uint64
}

// ProbeOptions is the options for probing.
type ProbeOptions struct {
	// Logger to use for logging.
	Logger *zap.Logger
	// SkipLocking blockdevices in shared mode.
	SkipLocking bool
}

// ProbeOption is an option for probing.
type ProbeOption func(*ProbeOptions)

// WithProbeLogger sets the logger for the probe.
func WithProbeLogger(logger *zap.Logger) ProbeOption {
	return func(o *ProbeOptions) {
		o.Logger = logger
	}
}

// WithSkipLocking skips locking blockdevices in shared mode.
func WithSkipLocking(skip bool) ProbeOption {
	return func(o *ProbeOptions) {
		o.SkipLocking = skip
	}
}

func applyProbeOptions(opts ...ProbeOption) ProbeOptions {
	o := ProbeOptions{
		Logger: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(&o)
	}

	return o
}

// ProbeReader probes the device contents for known filesystems and volume managers.
func ProbeReader(r Reader, opts ...ProbeOption) (*Info, error) {
	options := applyProbeOptions(opts...)

	info := &Info{
		Size:       r.GetSize(),
		SectorSize: r.GetSectorSize(),
	}

	if err := info.fillProbeResult(r, options.Logger); err != nil {
		return nil, fmt.Errorf("failed to probe: %w", err)
	}

	return info, nil
}

func (i *Info) fillProbeResult(r Reader, logger *zap.Logger) error {
	probers := chain.Default()

	buf := make([]byte, min(uint64(probers.MaxMagicSize()), i.Size))

	if err := ioutil.ReadFullAt(r, buf, 0); err != nil {
		return fmt.Errorf("error reading magic buffer: %w", err)
	}

	for _, matched := range probers.MagicMatches(buf) {
		res, err := matched.Prober.Probe(r, matched.Magic)
		if err != nil {
			logger.Debug("probe failed", zap.String("prober", matched.Prober.Name()), zap.Error(err))

			continue
		}

		if res == nil {
			continue
		}

		i.Name = matched.Prober.Name()
		if res.Name != "" {
			i.Name = res.Name
		}

		i.UUID = res.UUID
		i.Label = res.Label
		i.BlockSize = res.BlockSize
		i.FilesystemBlockSize = res.FilesystemBlockSize
		i.ProbedSize = res.ProbedSize

		logger.Debug("probe matched", zap.String("name", i.Name))

		break
	}

	return nil
}
