// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package crc64we implements the non-reflected CRC-64/WE checksum used by bcache.
//
// hash/crc64 only provides reflected tables, so it can't produce these values.
package crc64we

import "sync"

// Poly is the ECMA-182 polynomial in MSB-first form.
const Poly = 0x42F0E1EBA9EA3693

var table = sync.OnceValue(func() *[256]uint64 {
	var t [256]uint64

	for i := range t {
		crc := uint64(i) << 56

		for range 8 {
			if crc&(1<<63) != 0 {
				crc = crc<<1 ^ Poly
			} else {
				crc <<= 1
			}
		}

		t[i] = crc
	}

	return &t
})

// Update returns the result of adding the bytes in p to the raw (not finalized) crc.
func Update(crc uint64, p []byte) uint64 {
	t := table()

	for _, b := range p {
		crc = t[byte(crc>>56)^b] ^ (crc << 8)
	}

	return crc
}

// Checksum returns the CRC-64/WE checksum of p (init and xorout all ones).
func Checksum(p []byte) uint64 {
	return ^Update(^uint64(0), p)
}
