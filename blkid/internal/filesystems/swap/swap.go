// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package swap probes Linux swapspaces.
package swap

import (
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/siderolabs/go-strictlayout/blkid/internal/magic"
	"github.com/siderolabs/go-strictlayout/blkid/internal/probe"
	"github.com/siderolabs/go-strictlayout/blkid/internal/utils"
	"github.com/siderolabs/go-strictlayout/internal/ioutil"
)

// swap header follows the 1024 bytes of boot block.
const (
	headerOffset = 1024
	headerSize   = 44
)

// magics are located at the end of the first page, for every supported page size.
var swapMagics = func() []*magic.Magic {
	var magics []*magic.Magic

	for _, pageSize := range []int{0x1000, 0x2000, 0x4000, 0x8000, 0x10000} {
		for _, value := range []string{"SWAP-SPACE", "SWAPSPACE2"} {
			magics = append(magics, &magic.Magic{
				Offset: pageSize - len(value),
				Value:  []byte(value),
			})
		}
	}

	return magics
}()

// Probe for the filesystem.
type Probe struct{}

// Magic returns the magic value for the filesystem.
func (p *Probe) Magic() []*magic.Magic {
	return swapMagics
}

// Name returns the name of the filesystem.
func (p *Probe) Name() string {
	return "swap"
}

// Probe runs the further inspection and returns the result if successful.
func (p *Probe) Probe(r probe.Reader, m magic.Magic) (*probe.Result, error) {
	buf := make([]byte, headerSize)

	if err := ioutil.ReadFullAt(r, buf, headerOffset); err != nil {
		return nil, err
	}

	version := binary.LittleEndian.Uint32(buf[0:4])
	lastPage := binary.LittleEndian.Uint32(buf[4:8])

	if version != 1 || lastPage == 0 {
		return nil, nil //nolint:nilnil
	}

	res := &probe.Result{
		Label: utils.Label(buf[28:44]),
	}

	fsUUID, err := uuid.FromBytes(buf[12:28])
	if err == nil && fsUUID != uuid.Nil {
		res.UUID = &fsUUID
	}

	pageSize := m.Offset + len(m.Value)
	res.BlockSize = uint32(pageSize)
	res.FilesystemBlockSize = uint32(pageSize)
	res.ProbedSize = uint64(pageSize) * uint64(lastPage)

	return res, nil
}
