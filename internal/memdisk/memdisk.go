// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package memdisk implements a sparse in-memory block device.
//
// Disk implements partitioning.Device, kernel partition operations are
// tracked in memory so that partitions can be accessed as separate devices.
package memdisk

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sys/unix"
)

const chunkSize = 64 * 1024

// Range of bytes on the disk.
type Range struct {
	Start  uint64
	Length uint64
}

// Disk is a sparse in-memory disk.
type Disk struct {
	mu sync.Mutex

	chunks     map[int64][]byte
	partitions map[int]Range

	size       uint64
	sectorSize uint
}

// New creates a zeroed disk of the specified size.
func New(size uint64, sectorSize uint) *Disk {
	return &Disk{
		chunks:     map[int64][]byte{},
		partitions: map[int]Range{},
		size:       size,
		sectorSize: sectorSize,
	}
}

// FromZstdImage creates a disk from a zstd-compressed raw image.
func FromZstdImage(r io.Reader, sectorSize uint) (*Disk, error) {
	decoder, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}

	defer decoder.Close()

	raw, err := io.ReadAll(decoder)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress image: %w", err)
	}

	d := New(uint64(len(raw)), sectorSize)

	if _, err = d.WriteAt(raw, 0); err != nil {
		return nil, err
	}

	return d, nil
}

// ReadAt implements io.ReaderAt.
func (d *Disk) ReadAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.rw(p, off, false)
}

// WriteAt implements io.WriterAt.
func (d *Disk) WriteAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.rw(p, off, true)
}

func (d *Disk) rw(p []byte, off int64, write bool) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}

	var err error

	if uint64(off) >= d.size {
		if write {
			return 0, io.ErrShortWrite
		}

		return 0, io.EOF
	}

	if uint64(off)+uint64(len(p)) > d.size {
		p = p[:d.size-uint64(off)]

		if write {
			err = io.ErrShortWrite
		} else {
			err = io.EOF
		}
	}

	n := 0

	for n < len(p) {
		pos := off + int64(n)
		idx := pos / chunkSize
		chunkOff := pos % chunkSize
		l := min(int64(len(p)-n), chunkSize-chunkOff)

		chunk := d.chunks[idx]

		if write {
			if chunk == nil {
				chunk = make([]byte, chunkSize)
				d.chunks[idx] = chunk
			}

			copy(chunk[chunkOff:chunkOff+l], p[n:n+int(l)])
		} else {
			if chunk == nil {
				clear(p[n : n+int(l)])
			} else {
				copy(p[n:n+int(l)], chunk[chunkOff:chunkOff+l])
			}
		}

		n += int(l)
	}

	return n, err
}

// GetSize returns the disk size in bytes.
func (d *Disk) GetSize() uint64 {
	return d.size
}

// GetSectorSize returns the sector size in bytes.
func (d *Disk) GetSectorSize() uint {
	return d.sectorSize
}

// GetIOSize returns the optimal I/O size.
func (d *Disk) GetIOSize() (uint, error) {
	return d.sectorSize, nil
}

// Sync is a no-op.
func (d *Disk) Sync() error {
	return nil
}

// GetKernelLastPartitionNum returns the highest partition number known to the "kernel".
func (d *Disk) GetKernelLastPartitionNum() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	last := 0

	for no := range d.partitions {
		last = max(last, no)
	}

	return last, nil
}

// KernelPartitionAdd registers a partition.
func (d *Disk) KernelPartitionAdd(no int, start, length uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.partitions[no]; ok {
		return unix.EBUSY
	}

	if start+length > d.size {
		return unix.EINVAL
	}

	d.partitions[no] = Range{Start: start, Length: length}

	return nil
}

// KernelPartitionResize changes a registered partition.
func (d *Disk) KernelPartitionResize(no int, start, length uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.partitions[no]; !ok {
		return unix.ENXIO
	}

	d.partitions[no] = Range{Start: start, Length: length}

	return nil
}

// KernelPartitionDelete unregisters a partition.
func (d *Disk) KernelPartitionDelete(no int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.partitions[no]; !ok {
		return unix.ENXIO
	}

	delete(d.partitions, no)

	return nil
}

// Partitions returns the sorted numbers of the registered partitions.
func (d *Disk) Partitions() []int {
	d.mu.Lock()
	defer d.mu.Unlock()

	result := make([]int, 0, len(d.partitions))

	for no := range d.partitions {
		result = append(result, no)
	}

	sort.Ints(result)

	return result
}

// Partition returns a view of the registered partition.
func (d *Disk) Partition(no int) (*Section, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, ok := d.partitions[no]
	if !ok {
		return nil, false
	}

	return &Section{disk: d, Range: r}, true
}

// Wipe drops all contents and partitions.
func (d *Disk) Wipe() {
	d.mu.Lock()
	defer d.mu.Unlock()

	clear(d.chunks)
	clear(d.partitions)
}

// Section is a window into the disk, e.g. a partition.
type Section struct {
	disk *Disk

	Range
}

// ReadAt implements io.ReaderAt.
func (s *Section) ReadAt(p []byte, off int64) (int, error) {
	return s.bounded(p, off, s.disk.ReadAt, io.EOF)
}

// WriteAt implements io.WriterAt.
func (s *Section) WriteAt(p []byte, off int64) (int, error) {
	return s.bounded(p, off, s.disk.WriteAt, io.ErrShortWrite)
}

func (s *Section) bounded(p []byte, off int64, fn func([]byte, int64) (int, error), short error) (int, error) {
	if off < 0 || uint64(off) >= s.Length {
		return 0, short
	}

	var err error

	if uint64(off)+uint64(len(p)) > s.Length {
		p = p[:s.Length-uint64(off)]
		err = short
	}

	n, fnErr := fn(p, int64(s.Start)+off)
	if fnErr != nil {
		return n, fnErr
	}

	return n, err
}

// GetSize returns the section size in bytes.
func (s *Section) GetSize() uint64 {
	return s.Length
}

// GetSectorSize returns the sector size of the disk.
func (s *Section) GetSectorSize() uint {
	return s.disk.sectorSize
}

// Sync is a no-op.
func (s *Section) Sync() error {
	return nil
}

// Wipe zeroes the section.
func (s *Section) Wipe() {
	s.disk.zeroRange(s.Start, s.Length)
}

func (d *Disk) zeroRange(start, length uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	end := min(start+length, d.size)

	for idx, chunk := range d.chunks {
		chunkStart := uint64(idx) * chunkSize
		chunkEnd := chunkStart + chunkSize

		if chunkEnd <= start || chunkStart >= end {
			continue
		}

		if chunkStart >= start && chunkEnd <= end {
			delete(d.chunks, idx)

			continue
		}

		clear(chunk[max(start, chunkStart)-chunkStart : min(end, chunkEnd)-chunkStart])
	}
}
