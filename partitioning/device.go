// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package partitioning

import (
	"encoding/binary"
	"io"

	"github.com/siderolabs/go-strictlayout/block"
	"github.com/siderolabs/go-strictlayout/internal/ioutil"
)

// Device is an interface around actual block device.
type Device interface {
	io.ReaderAt
	io.WriterAt

	GetSectorSize() uint
	GetSize() uint64
	GetIOSize() (uint, error)
	Sync() error

	GetKernelLastPartitionNum() (int, error)
	KernelPartitionAdd(no int, start, length uint64) error
	KernelPartitionResize(no int, first, length uint64) error
	KernelPartitionDelete(no int) error
}

type deviceWrapper struct {
	*block.Device

	size uint64
}

func (wrapper *deviceWrapper) GetSize() uint64 {
	return wrapper.size
}

// DeviceFromBlockDevice creates a new Device from a block.Device.
//
// Closing the returned device closes the block device.
func DeviceFromBlockDevice(dev *block.Device) (interface {
	Device
	io.Closer
}, error,
) {
	size, err := dev.GetSize()
	if err != nil {
		return nil, err
	}

	return &deviceWrapper{
		Device: dev,
		size:   size,
	}, nil
}

// TableType is the kind of the partition table found on a disk.
type TableType string

// Partition table kinds, named as parted reports them.
const (
	TableNone TableType = ""
	TableDOS  TableType = "dos"
	TableGPT  TableType = "gpt"
)

// MBR layout constants.
const (
	MBRSize          = 512
	MBRBootCodeSize  = 440
	MBRRecordsOffset = 446
	MBRRecordSize    = 16
	MBRSignature     = 0xAA55

	// ProtectiveType is the OS type of the GPT protective MBR record.
	ProtectiveType = 0xEE
)

// ReadMBR reads the first sector and verifies the 0xAA55 signature.
//
// It returns nil if the signature doesn't match.
func ReadMBR(r io.ReaderAt) ([]byte, error) {
	buf := make([]byte, MBRSize)

	if err := ioutil.ReadFullAt(r, buf, 0); err != nil {
		return nil, err
	}

	if binary.LittleEndian.Uint16(buf[510:512]) != MBRSignature {
		return nil, nil
	}

	return buf, nil
}

// MBRRecordType returns the OS type byte of the i-th (0-based) primary record.
func MBRRecordType(mbr []byte, i int) byte {
	return mbr[MBRRecordsOffset+i*MBRRecordSize+4]
}

// IsProtective returns true if any MBR record is a GPT protective one.
func IsProtective(mbr []byte) bool {
	for i := range 4 {
		if MBRRecordType(mbr, i) == ProtectiveType {
			return true
		}
	}

	return false
}

// Probe returns the kind of partition table on the disk.
func Probe(r io.ReaderAt) (TableType, error) {
	mbr, err := ReadMBR(r)
	if err != nil {
		return TableNone, err
	}

	if mbr == nil {
		return TableNone, nil
	}

	if IsProtective(mbr) {
		return TableGPT, nil
	}

	for i := range 4 {
		if MBRRecordType(mbr, i) != 0 {
			return TableDOS, nil
		}
	}

	// signature without partitions (e.g. an empty dos label)
	return TableDOS, nil
}
