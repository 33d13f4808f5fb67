// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package magic matches superblock signatures.
package magic

import "bytes"

// Magic is a signature at a fixed byte offset from the start of the device.
type Magic struct {
	Value  []byte
	Offset int
}

// End is the offset right after the signature, i.e. how much has to be read to match it.
func (magic *Magic) End() int {
	return magic.Offset + len(magic.Value)
}

// Matches reports whether buf carries the signature.
func (magic *Magic) Matches(buf []byte) bool {
	end := magic.End()

	return len(buf) >= end && bytes.Equal(buf[magic.Offset:end], magic.Value)
}

// First returns the first signature carried by buf.
func First(buf []byte, magics []*Magic) (*Magic, bool) {
	for _, m := range magics {
		if m.Matches(buf) {
			return m, true
		}
	}

	return nil, false
}
