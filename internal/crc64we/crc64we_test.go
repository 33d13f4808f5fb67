// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package crc64we_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/siderolabs/go-strictlayout/internal/crc64we"
)

func TestChecksum(t *testing.T) {
	t.Parallel()

	// catalogue check value for CRC-64/WE
	assert.Equal(t, uint64(0x62EC59E3F1A4F00A), crc64we.Checksum([]byte("123456789")))
	assert.Equal(t, uint64(0), crc64we.Checksum(nil))

	split := ^crc64we.Update(crc64we.Update(^uint64(0), []byte("1234")), []byte("56789"))
	assert.Equal(t, crc64we.Checksum([]byte("123456789")), split)
}
