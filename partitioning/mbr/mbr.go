// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package mbr implements read/write support for DOS (MBR) partition tables.
package mbr

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"golang.org/x/sys/unix"

	"github.com/siderolabs/go-strictlayout/internal/ioutil"
	"github.com/siderolabs/go-strictlayout/partitioning"
)

// Partition types.
const (
	TypeLinuxSwap = 0x82
	TypeLinux     = 0x83
	TypeLinuxLVM  = 0x8e
	TypeEFI       = 0xef
)

const (
	maxPartitions = 4
	bootableFlag  = 0x80
	alignment     = 2048
)

// Partition is a primary DOS partition.
type Partition struct {
	Type     byte
	Bootable bool

	FirstLBA uint64
	Sectors  uint64
}

// Table is a DOS partition table.
type Table struct {
	dev     partitioning.Device
	entries []*Partition

	lastLBA uint64
}

// New creates an empty partition table for the device.
func New(dev partitioning.Device) (*Table, error) {
	sectorSize := uint64(dev.GetSectorSize())
	if sectorSize == 0 || dev.GetSize()/sectorSize <= alignment {
		return nil, errors.New("device too small for a DOS partition table")
	}

	return &Table{
		dev:     dev,
		lastLBA: dev.GetSize()/sectorSize - 1,
	}, nil
}

// Read reads the partition table from the device.
func Read(dev partitioning.Device) (*Table, error) {
	t, err := New(dev)
	if err != nil {
		return nil, err
	}

	buf, err := partitioning.ReadMBR(dev)
	if err != nil {
		return nil, err
	}

	if buf == nil {
		return nil, errors.New("no DOS partition table found")
	}

	if partitioning.IsProtective(buf) {
		return nil, errors.New("disk has a GPT partition table")
	}

	for i := range maxPartitions {
		rec := buf[partitioning.MBRRecordsOffset+i*partitioning.MBRRecordSize:]

		if rec[4] == 0 {
			t.entries = append(t.entries, nil)

			continue
		}

		t.entries = append(t.entries, &Partition{
			Type:     rec[4],
			Bootable: rec[0] == bootableFlag,
			FirstLBA: uint64(binary.LittleEndian.Uint32(rec[8:12])),
			Sectors:  uint64(binary.LittleEndian.Uint32(rec[12:16])),
		})
	}

	for len(t.entries) > 0 && t.entries[len(t.entries)-1] == nil {
		t.entries = t.entries[:len(t.entries)-1]
	}

	return t, nil
}

// Partitions returns the partition entries (0-indexed, nil for unused slots).
func (t *Table) Partitions() []*Partition {
	return append([]*Partition(nil), t.entries...)
}

// Add appends a primary partition of the size in bytes.
//
// A zero size takes the rest of the disk. Returns the 1-based partition number.
func (t *Table) Add(size uint64, partType byte, bootable bool) (int, error) {
	if len(t.entries) >= maxPartitions {
		return 0, errors.New("no free primary partition slot")
	}

	sectorSize := uint64(t.dev.GetSectorSize())

	first := uint64(alignment)

	for _, e := range t.entries {
		if e != nil {
			first = max(first, e.FirstLBA+e.Sectors)
		}
	}

	first = (first + alignment - 1) / alignment * alignment

	if first > t.lastLBA {
		return 0, errors.New("no free space left")
	}

	sectors := t.lastLBA - first + 1

	if size != 0 {
		if size/sectorSize > sectors {
			return 0, fmt.Errorf("partition of %d bytes doesn't fit", size)
		}

		sectors = size / sectorSize
	}

	if first > math.MaxUint32 || sectors > math.MaxUint32 {
		return 0, errors.New("partition is out of the DOS addressable range")
	}

	t.entries = append(t.entries, &Partition{
		Type:     partType,
		Bootable: bootable,
		FirstLBA: first,
		Sectors:  sectors,
	})

	return len(t.entries), nil
}

// Write writes the partition records, keeping the boot code in place.
func (t *Table) Write() error {
	buf := make([]byte, partitioning.MBRSize)

	if err := ioutil.ReadFullAt(t.dev, buf, 0); err != nil {
		return fmt.Errorf("failed to read MBR: %w", err)
	}

	clear(buf[partitioning.MBRRecordsOffset:510])

	for i, e := range t.entries {
		if e == nil {
			continue
		}

		rec := buf[partitioning.MBRRecordsOffset+i*partitioning.MBRRecordSize:]

		if e.Bootable {
			rec[0] = bootableFlag
		}

		// LBA addressing only
		copy(rec[1:4], []byte{0xfe, 0xff, 0xff})
		rec[4] = e.Type
		copy(rec[5:8], []byte{0xfe, 0xff, 0xff})

		binary.LittleEndian.PutUint32(rec[8:12], uint32(e.FirstLBA))
		binary.LittleEndian.PutUint32(rec[12:16], uint32(e.Sectors))
	}

	binary.LittleEndian.PutUint16(buf[510:512], partitioning.MBRSignature)

	if err := ioutil.WriteFullAt(t.dev, buf, 0); err != nil {
		return fmt.Errorf("failed to write MBR: %w", err)
	}

	if err := t.dev.Sync(); err != nil {
		return fmt.Errorf("failed to sync device: %w", err)
	}

	return t.syncKernel()
}

func (t *Table) syncKernel() error {
	sectorSize := uint64(t.dev.GetSectorSize())

	kernelPartitionNum, err := t.dev.GetKernelLastPartitionNum()
	if err != nil {
		return fmt.Errorf("failed to get kernel last partition number: %w", err)
	}

	for no := 1; no <= max(kernelPartitionNum, len(t.entries)); no++ {
		var e *Partition
		if no <= len(t.entries) {
			e = t.entries[no-1]
		}

		err := t.dev.KernelPartitionDelete(no)

		switch {
		case errors.Is(err, unix.ENXIO):
		case errors.Is(err, unix.EBUSY) && e != nil:
			if err = t.dev.KernelPartitionResize(no, e.FirstLBA*sectorSize, e.Sectors*sectorSize); err != nil {
				return fmt.Errorf("failed to resize partition %d: %w", no, err)
			}

			continue
		case err != nil:
			return fmt.Errorf("failed to delete partition %d: %w", no, err)
		}

		if e == nil {
			continue
		}

		if err = t.dev.KernelPartitionAdd(no, e.FirstLBA*sectorSize, e.Sectors*sectorSize); err != nil {
			return fmt.Errorf("failed to add partition %d: %w", no, err)
		}
	}

	return nil
}
