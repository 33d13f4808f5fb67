// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package gpt implements read/write support for GPT partition tables.
package gpt

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
	"slices"

	"github.com/google/uuid"
	"github.com/siderolabs/gen/xslices"
	"golang.org/x/sys/unix"
	"golang.org/x/text/encoding/unicode"

	"github.com/siderolabs/go-strictlayout/internal/gptstructs"
	"github.com/siderolabs/go-strictlayout/internal/gptutil"
	"github.com/siderolabs/go-strictlayout/internal/ioutil"
	"github.com/siderolabs/go-strictlayout/partitioning"
)

// Device is an interface around actual block device.
type Device = partitioning.Device

// Table is a wrapper type around GPT partition table.
type Table struct {
	dev Device
	// partition entries are indexed with the partition number.
	//
	// if the partition is missing, its entry is `nil`.
	entries []*Partition

	lastLBA uint64

	primaryHeaderLBA, secondaryHeaderLBA         uint64
	primaryPartitionsLBA, secondaryPartitionsLBA uint64
	firstUsableLBA, lastUsableLBA                uint64

	diskGUID uuid.UUID

	alignment  uint64
	sectorSize uint
}

// Partition is a single partition entry in GPT.
type Partition struct {
	Name string

	TypeGUID uuid.UUID
	PartGUID uuid.UUID

	FirstLBA uint64
	LastLBA  uint64

	Flags uint64
}

// New creates a new (empty) partition table for a specified device.
func New(dev Device, opts ...Option) (*Table, error) {
	var options Options

	for _, opt := range opts {
		opt(&options)
	}

	lastLBA, ok := gptutil.LastLBA(dev)
	if !ok {
		return nil, errors.New("failed to calculate last LBA (device too small?)")
	}

	if lastLBA < 33 {
		return nil, errors.New("device too small for GPT")
	}

	diskGUID := options.DiskGUID
	if diskGUID == uuid.Nil {
		diskGUID = uuid.New()
	}

	t := &Table{
		dev:      dev,
		diskGUID: diskGUID,
	}

	t.init(lastLBA)

	return t, nil
}

// Read reads the partition table from the device.
func Read(dev Device) (*Table, error) {
	lastLBA, ok := gptutil.LastLBA(dev)
	if !ok {
		return nil, errors.New("failed to calculate last LBA (device too small?)")
	}

	if lastLBA < 33 {
		return nil, errors.New("device too small for GPT")
	}

	hdr, entries, err := gptstructs.ReadHeader(dev, 1, lastLBA)
	if err != nil {
		return nil, err
	}

	if hdr == nil {
		hdr, entries, err = gptstructs.ReadHeader(dev, lastLBA, lastLBA)
		if err != nil {
			return nil, err
		}
	}

	if hdr == nil {
		return nil, errors.New("no GPT header found")
	}

	diskGUID, err := gptutil.DecodeGUID(hdr.DiskGUID())
	if err != nil {
		return nil, err
	}

	t := &Table{
		dev:      dev,
		diskGUID: diskGUID,
	}

	t.init(lastLBA)

	partitions := make([]*Partition, len(entries))

	zeroGUID := make([]byte, 16)
	utf16 := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

	lastFilledIdx := -1

	for idx, entry := range entries {
		if entry.StartingLBA() < t.firstUsableLBA || entry.EndingLBA() > t.lastUsableLBA {
			continue
		}

		// skip zero GUIDs
		if bytes.Equal(entry.TypeGUID(), zeroGUID) {
			continue
		}

		partUUID, err := gptutil.DecodeGUID(entry.UniqueGUID())
		if err != nil {
			return nil, err
		}

		typeUUID, err := gptutil.DecodeGUID(entry.TypeGUID())
		if err != nil {
			return nil, err
		}

		name, err := utf16.NewDecoder().Bytes(entry.Name())
		if err != nil {
			return nil, err
		}

		partitions[idx] = &Partition{
			Name: string(bytes.TrimRight(name, "\x00")),

			TypeGUID: typeUUID,
			PartGUID: partUUID,

			FirstLBA: entry.StartingLBA(),
			LastLBA:  entry.EndingLBA(),

			Flags: entry.Attributes(),
		}

		lastFilledIdx = idx
	}

	if lastFilledIdx >= 0 {
		t.entries = partitions[:lastFilledIdx+1]
	}

	return t, nil
}

func (t *Table) init(lastLBA uint64) {
	t.lastLBA = lastLBA
	t.sectorSize = t.dev.GetSectorSize()

	lbasForEntries := (gptstructs.EntrySize*gptstructs.NumEntries + t.sectorSize - 1) / t.sectorSize

	t.primaryHeaderLBA = uint64(1)
	t.secondaryHeaderLBA = lastLBA

	t.primaryPartitionsLBA = t.primaryHeaderLBA + 1
	t.secondaryPartitionsLBA = t.secondaryHeaderLBA - uint64(lbasForEntries)

	t.firstUsableLBA = t.primaryPartitionsLBA + uint64(lbasForEntries)
	t.lastUsableLBA = t.secondaryPartitionsLBA - 1

	ioSize, err := t.dev.GetIOSize()
	if err != nil {
		ioSize = t.sectorSize
	}

	alignmentSize := max(ioSize, 2048*512)
	t.alignment = uint64((alignmentSize + t.sectorSize - 1) / t.sectorSize)
}

// DiskGUID returns the disk GUID.
func (t *Table) DiskGUID() uuid.UUID {
	return t.diskGUID
}

// Clear the partition table.
func (t *Table) Clear() {
	t.entries = nil
}

// Compact the partition table by removing empty entries.
func (t *Table) Compact() {
	t.entries = xslices.FilterInPlace(t.entries, func(e *Partition) bool {
		return e != nil
	})
}

type allocatableRange struct {
	lowLBA  uint64
	highLBA uint64

	partitionIdx int

	size uint64
}

// allocatableRanges returns the slices of LBA ranges that are not allocated to any partition.
func (t *Table) allocatableRanges() []allocatableRange {
	partitionIdx := 0
	lowLBA := t.firstUsableLBA

	var ranges []allocatableRange

	for {
		for partitionIdx < len(t.entries) && t.entries[partitionIdx] == nil {
			partitionIdx++
		}

		var highLBA uint64

		if partitionIdx < len(t.entries) {
			highLBA = t.entries[partitionIdx].FirstLBA - 1
		} else {
			highLBA = t.lastUsableLBA
		}

		lowLBA = (lowLBA + t.alignment - 1) / t.alignment * t.alignment

		if highLBA > lowLBA {
			ranges = append(ranges, allocatableRange{
				lowLBA:       lowLBA,
				highLBA:      highLBA,
				partitionIdx: partitionIdx,
				size:         (highLBA - lowLBA + 1) * uint64(t.sectorSize),
			})
		}

		if partitionIdx >= len(t.entries) {
			break
		}

		lowLBA = t.entries[partitionIdx].LastLBA + 1
		partitionIdx++
	}

	return ranges
}

// LargestContiguousAllocatable returns the size of the largest contiguous allocatable range.
func (t *Table) LargestContiguousAllocatable() uint64 {
	var largest uint64

	for _, r := range t.allocatableRanges() {
		largest = max(largest, r.size)
	}

	return largest
}

// AllocatePartition adds a new partition to the table.
//
// A zero size allocates the whole largest free range.
// If successful, returns the partition number (1-indexed) and the partition entry created.
func (t *Table) AllocatePartition(size uint64, name string, partType uuid.UUID, opts ...PartitionOption) (int, Partition, error) {
	var options PartitionOptions

	for _, o := range opts {
		o(&options)
	}

	if size != 0 && size < uint64(t.sectorSize) {
		return 0, Partition{}, errors.New("partition size must be greater than sector size")
	}

	if options.PartitionGUID == uuid.Nil {
		options.PartitionGUID = uuid.New()
	}

	var chosen allocatableRange

	for _, r := range t.allocatableRanges() {
		switch {
		case size == 0:
			if r.size > chosen.size {
				chosen = r
			}
		case r.size >= size && (chosen.size == 0 || r.size < chosen.size):
			chosen = r
		}
	}

	if chosen.size == 0 {
		return 0, Partition{}, errors.New("no allocatable range found")
	}

	lastLBA := chosen.highLBA
	if size != 0 {
		lastLBA = chosen.lowLBA + size/uint64(t.sectorSize) - 1
	}

	entry := &Partition{
		Name:     name,
		TypeGUID: partType,
		PartGUID: options.PartitionGUID,
		FirstLBA: chosen.lowLBA,
		LastLBA:  lastLBA,
		Flags:    options.Flags,
	}

	if chosen.partitionIdx > 0 && t.entries[chosen.partitionIdx-1] == nil {
		t.entries[chosen.partitionIdx-1] = entry

		return chosen.partitionIdx, *entry, nil
	}

	t.entries = slices.Insert(t.entries, chosen.partitionIdx, entry)

	return chosen.partitionIdx + 1, *entry, nil
}

// SetPartitionType changes the type GUID of the 0-indexed partition.
func (t *Table) SetPartitionType(partition int, partType uuid.UUID) error {
	if partition < 0 || partition >= len(t.entries) || t.entries[partition] == nil {
		return fmt.Errorf("partition %d is not allocated", partition)
	}

	t.entries[partition].TypeGUID = partType

	return nil
}

// DeletePartition deletes a partition from the table.
func (t *Table) DeletePartition(partition int) error {
	if partition < 0 || partition >= len(t.entries) {
		return fmt.Errorf("partition %d out of range", partition)
	}

	t.entries[partition] = nil

	return nil
}

// Partitions returns the list of partitions in the table.
//
// The returned list should not be modified.
// Partitions in the list are zero-indexed, while
// Linux kernel partitions are one-indexed.
func (t *Table) Partitions() []*Partition {
	return slices.Clone(t.entries)
}

// Write writes the partition table to the device.
func (t *Table) Write() error {
	entriesBuf := make([]byte, gptstructs.EntrySize*gptstructs.NumEntries)

	utf16 := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

	for i, entry := range t.entries {
		if entry == nil {
			// zeroed entry
			continue
		}

		entryBuf := gptstructs.Entry(entriesBuf[i*gptstructs.EntrySize : (i+1)*gptstructs.EntrySize])
		entryBuf.PutTypeGUID(gptutil.EncodeGUID(entry.TypeGUID))
		entryBuf.PutUniqueGUID(gptutil.EncodeGUID(entry.PartGUID))
		entryBuf.PutStartingLBA(entry.FirstLBA)
		entryBuf.PutEndingLBA(entry.LastLBA)
		entryBuf.PutAttributes(entry.Flags)

		nameBuf, err := utf16.NewEncoder().Bytes([]byte(entry.Name))
		if err != nil {
			return fmt.Errorf("failed to encode partition name: %w", err)
		}

		if len(nameBuf) > 72 {
			return fmt.Errorf("partition name %q too long: %d bytes", entry.Name, len(nameBuf))
		}

		entryBuf.PutName(nameBuf)
	}

	entriesChecksum := crc32.ChecksumIEEE(entriesBuf)

	// GPT header should occupy whole sector
	header := gptstructs.Header(make([]byte, t.sectorSize))
	header.PutSignature(gptstructs.HeaderSignature)
	header.PutRevision(0x00010000)
	header.PutSize(gptstructs.HeaderSize)
	header.PutFirstUsableLBA(t.firstUsableLBA)
	header.PutLastUsableLBA(t.lastUsableLBA)
	header.PutDiskGUID(gptutil.EncodeGUID(t.diskGUID))
	header.PutNumEntries(gptstructs.NumEntries)
	header.PutEntrySize(gptstructs.EntrySize)
	header.PutEntriesCRC32(entriesChecksum)

	primaryHeader := slices.Clone(header)
	primaryHeader.PutMyLBA(t.primaryHeaderLBA)
	primaryHeader.PutAlternateLBA(t.secondaryHeaderLBA)
	primaryHeader.PutEntriesLBA(t.primaryPartitionsLBA)
	primaryHeader.PutCRC32(primaryHeader.CalculateChecksum())

	if err := ioutil.WriteFullAt(t.dev, primaryHeader, int64(t.primaryHeaderLBA)*int64(t.sectorSize)); err != nil {
		return fmt.Errorf("failed to write primary header: %w", err)
	}

	if err := ioutil.WriteFullAt(t.dev, entriesBuf, int64(t.primaryPartitionsLBA)*int64(t.sectorSize)); err != nil {
		return fmt.Errorf("failed to write primary entries: %w", err)
	}

	secondaryHeader := slices.Clone(header)
	secondaryHeader.PutMyLBA(t.secondaryHeaderLBA)
	secondaryHeader.PutAlternateLBA(t.primaryHeaderLBA)
	secondaryHeader.PutEntriesLBA(t.secondaryPartitionsLBA)
	secondaryHeader.PutCRC32(secondaryHeader.CalculateChecksum())

	if err := ioutil.WriteFullAt(t.dev, secondaryHeader, int64(t.secondaryHeaderLBA)*int64(t.sectorSize)); err != nil {
		return fmt.Errorf("failed to write secondary header: %w", err)
	}

	if err := ioutil.WriteFullAt(t.dev, entriesBuf, int64(t.secondaryPartitionsLBA)*int64(t.sectorSize)); err != nil {
		return fmt.Errorf("failed to write secondary entries: %w", err)
	}

	if err := t.writePMBR(); err != nil {
		return err
	}

	if err := t.dev.Sync(); err != nil {
		return fmt.Errorf("failed to sync device: %w", err)
	}

	return t.syncKernel()
}

func (t *Table) writePMBR() error {
	protectiveMBR := make([]byte, partitioning.MBRSize)

	if err := ioutil.ReadFullAt(t.dev, protectiveMBR, 0); err != nil {
		return fmt.Errorf("failed to read protective MBR: %w", err)
	}

	// boot code is preserved, the partition records are replaced
	clear(protectiveMBR[partitioning.MBRRecordsOffset:510])

	binary.LittleEndian.PutUint16(protectiveMBR[510:512], partitioning.MBRSignature)

	b := protectiveMBR[partitioning.MBRRecordsOffset : partitioning.MBRRecordsOffset+partitioning.MBRRecordSize]

	b[4] = partitioning.ProtectiveType

	// CHS for the start of the partition
	copy(b[1:4], []byte{0x00, 0x02, 0x00})

	// CHS for the end of the partition
	copy(b[5:8], []byte{0xff, 0xff, 0xff})

	// Partition start LBA.
	binary.LittleEndian.PutUint32(b[8:12], 1)

	// Partition length in sectors, capped at what 32 bits can hold.
	binary.LittleEndian.PutUint32(b[12:16], uint32(min(t.lastLBA, math.MaxUint32)))

	if err := ioutil.WriteFullAt(t.dev, protectiveMBR, 0); err != nil {
		return fmt.Errorf("failed to write protective MBR: %w", err)
	}

	return nil
}

func (t *Table) syncKernel() error {
	kernelPartitionNum, err := t.dev.GetKernelLastPartitionNum()
	if err != nil {
		return fmt.Errorf("failed to get kernel last partition number: %w", err)
	}

	partitionNum := max(kernelPartitionNum, len(t.entries))

	for no := 1; no <= partitionNum; no++ {
		var myEntry *Partition
		if no <= len(t.entries) {
			myEntry = t.entries[no-1]
		}

		// try to delete the partition first
		err := t.dev.KernelPartitionDelete(no)

		switch {
		case errors.Is(err, unix.ENXIO):
		// partition doesn't exist, ok
		case errors.Is(err, unix.EBUSY) && myEntry != nil:
			// proceed to resize
			err = t.dev.KernelPartitionResize(no,
				myEntry.FirstLBA*uint64(t.sectorSize),
				(myEntry.LastLBA-myEntry.FirstLBA+1)*uint64(t.sectorSize))
			if err != nil {
				return fmt.Errorf("failed to resize partition %d: %w", no, err)
			}

			continue
		case err != nil:
			return fmt.Errorf("failed to delete partition %d: %w", no, err)
		}

		if myEntry == nil {
			continue
		}

		err = t.dev.KernelPartitionAdd(no,
			myEntry.FirstLBA*uint64(t.sectorSize),
			(myEntry.LastLBA-myEntry.FirstLBA+1)*uint64(t.sectorSize),
		)
		if err != nil {
			return fmt.Errorf("failed to add partition %d: %w", no, err)
		}
	}

	return nil
}
