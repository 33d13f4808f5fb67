// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package lvm2 probes LVM2 PVs.
package lvm2

import (
	"encoding/binary"

	"github.com/siderolabs/go-strictlayout/blkid/internal/magic"
	"github.com/siderolabs/go-strictlayout/blkid/internal/probe"
	"github.com/siderolabs/go-strictlayout/internal/ioutil"
)

var (
	lvmMagic1 = magic.Magic{
		Offset: 0x018,
		Value:  []byte("LVM2 001"),
	}

	lvmMagic2 = magic.Magic{
		Offset: 0x218,
		Value:  []byte("LVM2 001"),
	}
)

// label header is followed by the PV header at offset_xl.
const (
	labelSize  = 32
	pvUUIDSize = 32
)

// Probe for the filesystem.
type Probe struct{}

// Magic returns the magic value for the filesystem.
func (p *Probe) Magic() []*magic.Magic {
	return []*magic.Magic{
		&lvmMagic1,
		&lvmMagic2,
	}
}

// Name returns the name of the filesystem.
func (p *Probe) Name() string {
	return "lvm2-pv"
}

// probe returns the PV UUID if there is a valid label at the offset.
func (p *Probe) probe(r probe.Reader, offset int64) (string, error) {
	buf := make([]byte, labelSize)

	if err := ioutil.ReadFullAt(r, buf, offset); err != nil {
		return "", err
	}

	if string(buf[0:8]) != "LABELONE" || string(buf[24:32]) != "LVM2 001" {
		return "", nil
	}

	pvHeaderOffset := int64(binary.LittleEndian.Uint32(buf[20:24]))
	if pvHeaderOffset < labelSize {
		return "", nil
	}

	pvUUID := make([]byte, pvUUIDSize)

	if err := ioutil.ReadFullAt(r, pvUUID, offset+pvHeaderOffset); err != nil {
		return "", err
	}

	return string(pvUUID), nil
}

// Probe runs the further inspection and returns the result if successful.
func (p *Probe) Probe(r probe.Reader, m magic.Magic) (*probe.Result, error) {
	labelUUID, err := p.probe(r, int64(m.Offset)-24)
	if err != nil {
		return nil, err
	}

	if labelUUID == "" {
		return nil, nil //nolint:nilnil
	}

	// LVM2 UUIDs aren't 16 bytes thus are treated as labels
	labelUUID = labelUUID[:6] + "-" + labelUUID[6:10] + "-" + labelUUID[10:14] +
		"-" + labelUUID[14:18] + "-" + labelUUID[18:22] +
		"-" + labelUUID[22:26] + "-" + labelUUID[26:]

	return &probe.Result{Label: &labelUUID}, nil
}
