// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package gptstructs provides encoded definitions for GPT on-disk structures.
package gptstructs

import "encoding/binary"

// On-disk sizes.
const (
	HeaderSize = 92
	EntrySize  = 128

	// NumEntries is the number of entries in the GPT.
	NumEntries = 128
)

// Header is the GPT header.
type Header []byte

// Signature returns the header signature.
func (h Header) Signature() uint64 { return binary.LittleEndian.Uint64(h[0:8]) }

// PutSignature sets the header signature.
func (h Header) PutSignature(v uint64) { binary.LittleEndian.PutUint64(h[0:8], v) }

// Revision returns the header revision.
func (h Header) Revision() uint32 { return binary.LittleEndian.Uint32(h[8:12]) }

// PutRevision sets the header revision.
func (h Header) PutRevision(v uint32) { binary.LittleEndian.PutUint32(h[8:12], v) }

// Size returns the header size.
func (h Header) Size() uint32 { return binary.LittleEndian.Uint32(h[12:16]) }

// PutSize sets the header size.
func (h Header) PutSize(v uint32) { binary.LittleEndian.PutUint32(h[12:16], v) }

// CRC32 returns the stored header checksum.
func (h Header) CRC32() uint32 { return binary.LittleEndian.Uint32(h[16:20]) }

// PutCRC32 sets the header checksum.
func (h Header) PutCRC32(v uint32) { binary.LittleEndian.PutUint32(h[16:20], v) }

// MyLBA returns the LBA of this header.
func (h Header) MyLBA() uint64 { return binary.LittleEndian.Uint64(h[24:32]) }

// PutMyLBA sets the LBA of this header.
func (h Header) PutMyLBA(v uint64) { binary.LittleEndian.PutUint64(h[24:32], v) }

// AlternateLBA returns the LBA of the other header.
func (h Header) AlternateLBA() uint64 { return binary.LittleEndian.Uint64(h[32:40]) }

// PutAlternateLBA sets the LBA of the other header.
func (h Header) PutAlternateLBA(v uint64) { binary.LittleEndian.PutUint64(h[32:40], v) }

// FirstUsableLBA returns the first LBA available for partitions.
func (h Header) FirstUsableLBA() uint64 { return binary.LittleEndian.Uint64(h[40:48]) }

// PutFirstUsableLBA sets the first LBA available for partitions.
func (h Header) PutFirstUsableLBA(v uint64) { binary.LittleEndian.PutUint64(h[40:48], v) }

// LastUsableLBA returns the last LBA available for partitions.
func (h Header) LastUsableLBA() uint64 { return binary.LittleEndian.Uint64(h[48:56]) }

// PutLastUsableLBA sets the last LBA available for partitions.
func (h Header) PutLastUsableLBA(v uint64) { binary.LittleEndian.PutUint64(h[48:56], v) }

// DiskGUID returns the disk GUID (mixed-endian).
func (h Header) DiskGUID() []byte { return h[56:72] }

// PutDiskGUID sets the disk GUID (mixed-endian).
func (h Header) PutDiskGUID(v []byte) { copy(h[56:72], v) }

// EntriesLBA returns the starting LBA of the partition entry array.
func (h Header) EntriesLBA() uint64 { return binary.LittleEndian.Uint64(h[72:80]) }

// PutEntriesLBA sets the starting LBA of the partition entry array.
func (h Header) PutEntriesLBA(v uint64) { binary.LittleEndian.PutUint64(h[72:80], v) }

// NumEntries returns the number of partition entries.
func (h Header) NumEntries() uint32 { return binary.LittleEndian.Uint32(h[80:84]) }

// PutNumEntries sets the number of partition entries.
func (h Header) PutNumEntries(v uint32) { binary.LittleEndian.PutUint32(h[80:84], v) }

// EntrySize returns the size of a single partition entry.
func (h Header) EntrySize() uint32 { return binary.LittleEndian.Uint32(h[84:88]) }

// PutEntrySize sets the size of a single partition entry.
func (h Header) PutEntrySize(v uint32) { binary.LittleEndian.PutUint32(h[84:88], v) }

// EntriesCRC32 returns the checksum of the partition entry array.
func (h Header) EntriesCRC32() uint32 { return binary.LittleEndian.Uint32(h[88:92]) }

// PutEntriesCRC32 sets the checksum of the partition entry array.
func (h Header) PutEntriesCRC32(v uint32) { binary.LittleEndian.PutUint32(h[88:92], v) }

// Entry is a single GPT partition entry.
type Entry []byte

// TypeGUID returns the partition type GUID (mixed-endian).
func (e Entry) TypeGUID() []byte { return e[0:16] }

// PutTypeGUID sets the partition type GUID (mixed-endian).
func (e Entry) PutTypeGUID(v []byte) { copy(e[0:16], v) }

// UniqueGUID returns the unique partition GUID (mixed-endian).
func (e Entry) UniqueGUID() []byte { return e[16:32] }

// PutUniqueGUID sets the unique partition GUID (mixed-endian).
func (e Entry) PutUniqueGUID(v []byte) { copy(e[16:32], v) }

// StartingLBA returns the first LBA of the partition.
func (e Entry) StartingLBA() uint64 { return binary.LittleEndian.Uint64(e[32:40]) }

// PutStartingLBA sets the first LBA of the partition.
func (e Entry) PutStartingLBA(v uint64) { binary.LittleEndian.PutUint64(e[32:40], v) }

// EndingLBA returns the last LBA of the partition (inclusive).
func (e Entry) EndingLBA() uint64 { return binary.LittleEndian.Uint64(e[40:48]) }

// PutEndingLBA sets the last LBA of the partition (inclusive).
func (e Entry) PutEndingLBA(v uint64) { binary.LittleEndian.PutUint64(e[40:48], v) }

// Attributes returns the attribute flags.
func (e Entry) Attributes() uint64 { return binary.LittleEndian.Uint64(e[48:56]) }

// PutAttributes sets the attribute flags.
func (e Entry) PutAttributes(v uint64) { binary.LittleEndian.PutUint64(e[48:56], v) }

// Name returns the raw UTF-16LE partition name.
func (e Entry) Name() []byte { return e[56:128] }

// PutName sets the raw UTF-16LE partition name.
func (e Entry) PutName(v []byte) {
	clear(e[56:128])
	copy(e[56:128], v)
}
