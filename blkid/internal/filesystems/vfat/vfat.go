// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package vfat probes FAT12/FAT16/FAT32 filesystems.
package vfat

import (
	"encoding/binary"

	"github.com/siderolabs/go-strictlayout/blkid/internal/magic"
	"github.com/siderolabs/go-strictlayout/blkid/internal/probe"
	"github.com/siderolabs/go-strictlayout/blkid/internal/utils"
	"github.com/siderolabs/go-strictlayout/internal/ioutil"
)

var (
	fatMagic1 = magic.Magic{
		Offset: 0x52,
		Value:  []byte("MSWIN"),
	}

	fatMagic2 = magic.Magic{
		Offset: 0x52,
		Value:  []byte("FAT32   "),
	}

	fatMagic3 = magic.Magic{
		Offset: 0x36,
		Value:  []byte("MSDOS"),
	}

	fatMagic4 = magic.Magic{
		Offset: 0x36,
		Value:  []byte("FAT16   "),
	}

	fatMagic5 = magic.Magic{
		Offset: 0x36,
		Value:  []byte("FAT12   "),
	}

	fatMagic6 = magic.Magic{
		Offset: 0x36,
		Value:  []byte("FAT     "),
	}
)

const bootSectorSize = 512

// noName is the placeholder label of an unlabeled volume.
const noName = "NO NAME"

// BootSector is the FAT boot sector (BIOS parameter block).
type BootSector []byte

func (b BootSector) sectorSize() uint16   { return binary.LittleEndian.Uint16(b[0x0b:]) }
func (b BootSector) clusterSize() uint8   { return b[0x0d] }
func (b BootSector) reserved() uint16     { return binary.LittleEndian.Uint16(b[0x0e:]) }
func (b BootSector) fats() uint8          { return b[0x10] }
func (b BootSector) sectors() uint16      { return binary.LittleEndian.Uint16(b[0x13:]) }
func (b BootSector) media() uint8         { return b[0x15] }
func (b BootSector) totalSectors() uint32 { return binary.LittleEndian.Uint32(b[0x20:]) }

// Probe for the filesystem.
type Probe struct{}

// Magic returns the magic value for the filesystem.
func (p *Probe) Magic() []*magic.Magic {
	return []*magic.Magic{
		&fatMagic1,
		&fatMagic2,
		&fatMagic3,
		&fatMagic4,
		&fatMagic5,
		&fatMagic6,
	}
}

// Name returns the name of the filesystem.
func (p *Probe) Name() string {
	return "vfat"
}

// Probe runs the further inspection and returns the result if successful.
func (p *Probe) Probe(r probe.Reader, m magic.Magic) (*probe.Result, error) {
	buf := make([]byte, bootSectorSize)

	if err := ioutil.ReadFullAt(r, buf, 0); err != nil {
		return nil, err
	}

	bs := BootSector(buf)

	if !isValid(bs) {
		return nil, nil //nolint:nilnil
	}

	sectorCount := uint32(bs.sectors())
	if sectorCount == 0 {
		sectorCount = bs.totalSectors()
	}

	sectorSize := uint32(bs.sectorSize())

	// the volume label precedes the filesystem type
	labelOffset := 0x2b
	if m.Offset == fatMagic2.Offset {
		labelOffset = 0x47
	}

	label := utils.Label(buf[labelOffset : labelOffset+11])
	if label != nil && *label == noName {
		label = nil
	}

	return &probe.Result{
		Label: label,

		BlockSize:           sectorSize,
		FilesystemBlockSize: uint32(bs.clusterSize()) * sectorSize,
		ProbedSize:          uint64(sectorCount) * uint64(sectorSize),
	}, nil
}

func isValid(bs BootSector) bool {
	if bs.fats() == 0 {
		return false
	}

	if bs.reserved() == 0 {
		return false
	}

	if !(0xf8 <= bs.media() || bs.media() == 0xf0) {
		return false
	}

	if !utils.IsPowerOf2(bs.clusterSize()) {
		return false
	}

	if !utils.IsPowerOf2(bs.sectorSize()) {
		return false
	}

	if bs.sectorSize() < 512 || bs.sectorSize() > 4096 {
		return false
	}

	return true
}
