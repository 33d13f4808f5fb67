// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package block provides support for operations on blockdevices.
package block

import (
	"os"
)

// Device wraps blockdevice operations.
type Device struct {
	f *os.File

	ownedFile bool
	devNo     uint64
}

// NewFromFile returns a new Device from the specified file.
func NewFromFile(f *os.File) *Device {
	return &Device{f: f}
}

// DefaultBlockSize is the default block size in bytes.
const DefaultBlockSize = 512

// CleanCheckSize is the number of leading bytes which should be zero on a clean disk.
const CleanCheckSize = 1024 * 1024

// Options configures opening a block device.
type Options struct {
	ReadWrite bool
	Exclusive bool
}

// Option is a functional option for NewFromPath.
type Option func(*Options)

// OpenForWrite opens the device read-write.
func OpenForWrite() Option {
	return func(o *Options) {
		o.ReadWrite = true
	}
}

// OpenExclusive opens the device with O_EXCL, failing if the device is in use.
func OpenExclusive() Option {
	return func(o *Options) {
		o.Exclusive = true
	}
}

// File returns the underlying file.
func (d *Device) File() *os.File {
	return d.f
}

// ReadAt implements io.ReaderAt.
func (d *Device) ReadAt(p []byte, off int64) (int, error) {
	return d.f.ReadAt(p, off)
}

// WriteAt implements io.WriterAt.
func (d *Device) WriteAt(p []byte, off int64) (int, error) {
	return d.f.WriteAt(p, off)
}

// Close the device.
//
// Devices created from a file passed by the caller don't close the file.
func (d *Device) Close() error {
	if !d.ownedFile {
		return nil
	}

	return d.f.Close()
}
