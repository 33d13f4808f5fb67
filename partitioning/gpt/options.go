// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package gpt

import "github.com/google/uuid"

// Options for a new partition table.
type Options struct {
	// DiskGUID is generated when not set.
	DiskGUID uuid.UUID
}

// Option configures a new partition table.
type Option func(*Options)

// WithDiskGUID sets the disk GUID.
func WithDiskGUID(guid uuid.UUID) Option {
	return func(o *Options) {
		o.DiskGUID = guid
	}
}

// Partition attribute flags.
const (
	// FlagRequired marks a partition the platform needs to function.
	FlagRequired uint64 = 1 << 0
	// FlagNoBlockIO hides the partition from EFI block IO.
	FlagNoBlockIO uint64 = 1 << 1
	// FlagLegacyBIOSBootable marks the partition bootable by legacy BIOS.
	FlagLegacyBIOSBootable uint64 = 1 << 2
)

// PartitionOptions configure an allocated partition.
type PartitionOptions struct {
	// PartitionGUID is generated when not set.
	PartitionGUID uuid.UUID
	Flags         uint64
}

// PartitionOption configures an allocated partition.
type PartitionOption func(*PartitionOptions)

// WithPartitionGUID sets the unique partition GUID.
func WithPartitionGUID(guid uuid.UUID) PartitionOption {
	return func(o *PartitionOptions) {
		o.PartitionGUID = guid
	}
}

// WithFlags sets the partition attribute flags.
func WithFlags(flags uint64) PartitionOption {
	return func(o *PartitionOptions) {
		o.Flags |= flags
	}
}
