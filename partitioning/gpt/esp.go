// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package gpt

import (
	"bytes"

	"github.com/siderolabs/go-strictlayout/internal/gptstructs"
	"github.com/siderolabs/go-strictlayout/internal/gptutil"
	"github.com/siderolabs/go-strictlayout/internal/ioutil"
	"github.com/siderolabs/go-strictlayout/partitioning"
)

// Reader is the read side of a disk.
type Reader = gptstructs.HeaderReader

// IsESP returns true if the 1-based partition index of the disk is an EFI System Partition.
//
// The protective MBR must carry the 0xAA55 signature and a 0xEE record, the primary
// GPT header must be valid and the entry's type GUID must be the ESP one.
// Any structural mismatch results in false.
func IsESP(r Reader, index uint) bool {
	typeGUID, ok := partitionTypeGUID(r, index)
	if !ok {
		return false
	}

	return bytes.Equal(typeGUID, gptutil.EncodeGUID(TypeESP))
}

func partitionTypeGUID(r Reader, index uint) ([]byte, bool) {
	if index == 0 || r.GetSectorSize() < partitioning.MBRSize {
		return nil, false
	}

	mbr, err := partitioning.ReadMBR(r)
	if err != nil || mbr == nil || !partitioning.IsProtective(mbr) {
		return nil, false
	}

	hdr, err := gptstructs.ReadHeaderOnly(r, 1)
	if err != nil || hdr == nil {
		return nil, false
	}

	entrySize := hdr.EntrySize()
	if entrySize < gptstructs.EntrySize || uint32(index) > hdr.NumEntries() {
		return nil, false
	}

	offset := int64(hdr.EntriesLBA())*int64(r.GetSectorSize()) + int64(index-1)*int64(entrySize)

	entry := gptstructs.Entry(make([]byte, gptstructs.EntrySize))

	if err = ioutil.ReadFullAt(r, entry, offset); err != nil {
		return nil, false
	}

	return entry.TypeGUID(), true
}
