// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package fixtures writes minimal valid filesystem and volume manager signatures.
//
// The signatures are enough for blkid to recognize the device, there is no
// usable filesystem behind them.
package fixtures

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/siderolabs/go-strictlayout/internal/ioutil"
)

// Ext4 writes an ext4 superblock.
func Ext4(w io.WriterAt, size uint64, label string) error {
	sb := make([]byte, 0x400)

	const blockSize = 4096

	binary.LittleEndian.PutUint32(sb[0x04:], uint32(size/blockSize))
	binary.LittleEndian.PutUint32(sb[0x18:], 2) // 1024 << 2
	binary.LittleEndian.PutUint16(sb[0x38:], 0xef53)
	binary.LittleEndian.PutUint32(sb[0x5c:], 0x0004)        // has_journal
	binary.LittleEndian.PutUint32(sb[0x60:], 0x0040|0x0200) // extents, flex_bg

	u := uuid.New()
	copy(sb[0x68:], u[:])
	copy(sb[0x78:0x88], label)

	return ioutil.WriteFullAt(w, sb, 0x400)
}

// noName is the label mkfs.fat writes for an unlabeled volume.
const noName = "NO NAME"

// VFAT writes a FAT32 boot sector, the label is truncated to 11 characters.
func VFAT(w io.WriterAt, size uint64, label string) error {
	bs := make([]byte, 512)

	copy(bs[0:3], []byte{0xeb, 0x58, 0x90})
	copy(bs[3:11], "mkfs.fat")
	binary.LittleEndian.PutUint16(bs[0x0b:], 512)
	bs[0x0d] = 8
	binary.LittleEndian.PutUint16(bs[0x0e:], 32)
	bs[0x10] = 2
	bs[0x15] = 0xf8
	binary.LittleEndian.PutUint32(bs[0x20:], uint32(size/512))

	if label == "" {
		label = noName
	}

	copy(bs[0x47:0x52], fmt.Sprintf("%-11.11s", label))
	copy(bs[0x52:0x5a], "FAT32   ")
	binary.LittleEndian.PutUint16(bs[510:], 0xaa55)

	return ioutil.WriteFullAt(w, bs, 0)
}

// Swap writes a swap signature with 4 KiB pages.
func Swap(w io.WriterAt, size uint64) error {
	const pageSize = 4096

	page := make([]byte, pageSize)

	binary.LittleEndian.PutUint32(page[1024:], 1)
	binary.LittleEndian.PutUint32(page[1028:], uint32(size/pageSize-1))

	u := uuid.New()
	copy(page[1036:], u[:])
	copy(page[pageSize-10:], "SWAPSPACE2")

	return ioutil.WriteFullAt(w, page, 0)
}

// LVM2PV writes an LVM2 physical volume label in the second sector.
func LVM2PV(w io.WriterAt, pvUUID string) error {
	label := make([]byte, 512)

	copy(label[0:8], "LABELONE")
	binary.LittleEndian.PutUint64(label[8:], 1)
	binary.LittleEndian.PutUint32(label[20:], 32)
	copy(label[24:32], "LVM2 001")
	copy(label[32:64], pvUUID)

	return ioutil.WriteFullAt(w, label, 512)
}

// Btrfs writes a btrfs superblock of a member device.
func Btrfs(w io.WriterAt, fsUUID uuid.UUID, totalBytes uint64, label string) error {
	sb := make([]byte, 0x1000)

	copy(sb[0x20:0x30], fsUUID[:])
	binary.LittleEndian.PutUint64(sb[0x30:], 0x10000)
	copy(sb[0x40:0x48], "_BHRfS_M")
	binary.LittleEndian.PutUint64(sb[0x70:], totalBytes)
	binary.LittleEndian.PutUint32(sb[0x90:], 4096)
	copy(sb[0x12b:0x12b+0x100], label)

	return ioutil.WriteFullAt(w, sb, 0x10000)
}

// Bcachefs writes a bcachefs superblock of a member device.
func Bcachefs(w io.WriterAt, userUUID uuid.UUID, label string) error {
	sb := make([]byte, 0x80)

	binary.LittleEndian.PutUint16(sb[0x10:], 1027)
	copy(sb[0x18:0x28], []byte{0xc6, 0x85, 0x73, 0xf6, 0x66, 0xce, 0x90, 0xa9, 0xd9, 0x6a, 0x60, 0xcf, 0x80, 0x3d, 0xf7, 0xef})

	internal := uuid.New()
	copy(sb[0x28:0x38], internal[:])
	copy(sb[0x38:0x48], userUUID[:])
	copy(sb[0x48:0x68], label)
	binary.LittleEndian.PutUint64(sb[0x68:], 8)
	binary.LittleEndian.PutUint16(sb[0x78:], 8)

	return ioutil.WriteFullAt(w, sb, 0x1000)
}
