// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package block

import (
	"io"
	"os"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// FastWipeRange is the length of the head and tail zeroed by FastWipe.
const FastWipeRange = 1024 * 1024

// Wipe method names as returned by Wipe and WipeRange.
const (
	WipeSecureDiscard = "blksecdiscard"
	WipeDiscardZeroes = "blkdiscardzeros"
	WipeZeroOut       = "blkzeroout"
	WipeWriteZeroes   = "writezeroes"
)

// Wipe the device contents.
//
// In order of availability this tries to perform the following:
//   - secure discard (secure erase)
//   - discard with zeros
//   - zero out via ioctl
//   - zero out from userland
func (d *Device) Wipe() (string, error) {
	size, err := d.GetSize()
	if err != nil {
		return "", err
	}

	return d.WipeRange(0, size)
}

// FastWipe zeroes the head and the tail of the device.
//
// Partition tables (both GPT copies), superblocks and boot code are cleared,
// while the rest of the device is only discarded.
func (d *Device) FastWipe() error {
	size, err := d.GetSize()
	if err != nil {
		return err
	}

	r := [2]uint64{0, size}

	// discard might be not supported by the device
	unix.Syscall(unix.SYS_IOCTL, d.f.Fd(), unix.BLKDISCARD, uintptr(unsafe.Pointer(&r[0]))) //nolint:errcheck

	if _, err = d.WipeRange(0, min(size, FastWipeRange)); err != nil {
		return err
	}

	if size >= FastWipeRange*2 {
		if _, err = d.WipeRange(size-FastWipeRange, FastWipeRange); err != nil {
			return err
		}
	}

	return nil
}

// WipeRange the device [start, start+length).
func (d *Device) WipeRange(start, length uint64) (string, error) {
	r := [2]uint64{start, length}

	defer runtime.KeepAlive(d)

	if d.ioctl(unix.BLKSECDISCARD, unsafe.Pointer(&r[0])) == nil {
		return WipeSecureDiscard, nil
	}

	var zeroes int

	if d.ioctl(unix.BLKDISCARDZEROES, unsafe.Pointer(&zeroes)) == nil && zeroes != 0 {
		if d.ioctl(unix.BLKDISCARD, unsafe.Pointer(&r[0])) == nil {
			return WipeDiscardZeroes, nil
		}
	}

	if d.ioctl(unix.BLKZEROOUT, unsafe.Pointer(&r[0])) == nil {
		return WipeZeroOut, nil
	}

	zero, err := os.Open("/dev/zero")
	if err != nil {
		return "", err
	}

	defer zero.Close() //nolint:errcheck

	_, err = io.Copy(io.NewOffsetWriter(d.f, int64(start)), io.LimitReader(zero, int64(length)))

	return WipeWriteZeroes, err
}

func (d *Device) ioctl(req uintptr, arg unsafe.Pointer) error {
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, d.f.Fd(), req, uintptr(arg)); errno != 0 {
		return errno
	}

	return nil
}
