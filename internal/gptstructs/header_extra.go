// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package gptstructs

import (
	"hash/crc32"
	"io"
	"slices"

	"github.com/siderolabs/go-strictlayout/internal/ioutil"
)

// HeaderSignature is the signature of the GPT header.
const HeaderSignature = 0x5452415020494645 // "EFI PART"

// CalculateChecksum calculates the checksum of the header.
func (h Header) CalculateChecksum() uint32 {
	b := slices.Clone(h[:h.checksummedSize()])

	b[16] = 0
	b[17] = 0
	b[18] = 0
	b[19] = 0

	return crc32.ChecksumIEEE(b)
}

func (h Header) checksummedSize() int {
	size := int(h.Size())
	if size < HeaderSize || size > len(h) {
		size = HeaderSize
	}

	return size
}

// HeaderReader is an interface for reading GPT headers.
type HeaderReader interface {
	io.ReaderAt
	GetSectorSize() uint
}

// ReadHeaderOnly reads and verifies the GPT header at the specified LBA.
//
// It returns nil if there is no valid header.
func ReadHeaderOnly(r HeaderReader, lba uint64) (Header, error) {
	sectorSize := r.GetSectorSize()
	buf := make([]byte, sectorSize)

	if err := ioutil.ReadFullAt(r, buf, int64(lba)*int64(sectorSize)); err != nil {
		return nil, err
	}

	hdr := Header(buf)

	if hdr.Signature() != HeaderSignature {
		return nil, nil
	}

	headerSize := hdr.Size()
	if headerSize < HeaderSize || uint(headerSize) > sectorSize {
		return nil, nil
	}

	if hdr.CRC32() != hdr.CalculateChecksum() {
		return nil, nil
	}

	if hdr.MyLBA() != lba {
		return nil, nil
	}

	return hdr, nil
}

// ReadHeader reads the GPT header and partition entries.
//
// It does sanity checks on the header and partition entries.
func ReadHeader(r HeaderReader, lba, lastLBA uint64) (Header, []Entry, error) {
	hdr, err := ReadHeaderOnly(r, lba)
	if hdr == nil || err != nil {
		return nil, nil, err
	}

	sectorSize := r.GetSectorSize()

	firstUsableLBA := hdr.FirstUsableLBA()
	lastUsableLBA := hdr.LastUsableLBA()

	// verify the usable LBA range
	if lastUsableLBA < firstUsableLBA || firstUsableLBA > lastLBA || lastUsableLBA > lastLBA {
		return nil, nil, nil
	}

	// header should be outside the usable range
	if firstUsableLBA < lba && lba < lastUsableLBA {
		return nil, nil, nil
	}

	if hdr.EntrySize() != EntrySize {
		return nil, nil, nil
	}

	if hdr.NumEntries() == 0 || hdr.NumEntries() > NumEntries {
		return nil, nil, nil
	}

	// read partition entries, verify checksum
	entriesBuffer := make([]byte, hdr.NumEntries()*EntrySize)

	if err := ioutil.ReadFullAt(r, entriesBuffer, int64(hdr.EntriesLBA())*int64(sectorSize)); err != nil {
		return nil, nil, err
	}

	if crc32.ChecksumIEEE(entriesBuffer) != hdr.EntriesCRC32() {
		return nil, nil, nil
	}

	entries := make([]Entry, hdr.NumEntries())
	for i := range entries {
		entries[i] = Entry(entriesBuffer[i*EntrySize : (i+1)*EntrySize])
	}

	return hdr, entries, nil
}
