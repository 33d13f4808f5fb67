// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package chain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/siderolabs/go-strictlayout/blkid/internal/chain"
)

func TestMaxMagicSize(t *testing.T) {
	// btrfs magic at 0x10040
	assert.Equal(t, 0x10048, chain.Default().MaxMagicSize())
}

func TestMagicMatches(t *testing.T) {
	buf := make([]byte, chain.Default().MaxMagicSize())
	copy(buf[0xff6:], "SWAPSPACE2")

	matches := chain.Default().MagicMatches(buf)

	if assert.Len(t, matches, 1) {
		assert.Equal(t, "swap", matches[0].Prober.Name())
		assert.Equal(t, 0xff6, matches[0].Magic.Offset)
	}
}
