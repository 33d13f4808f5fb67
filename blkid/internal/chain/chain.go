// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package chain provides a list of probers for different filesystems and volume managers.
package chain

import (
	"github.com/siderolabs/go-strictlayout/blkid/internal/filesystems/bcache"
	"github.com/siderolabs/go-strictlayout/blkid/internal/filesystems/bcachefs"
	"github.com/siderolabs/go-strictlayout/blkid/internal/filesystems/btrfs"
	"github.com/siderolabs/go-strictlayout/blkid/internal/filesystems/ext"
	"github.com/siderolabs/go-strictlayout/blkid/internal/filesystems/lvm2"
	"github.com/siderolabs/go-strictlayout/blkid/internal/filesystems/swap"
	"github.com/siderolabs/go-strictlayout/blkid/internal/filesystems/vfat"
	"github.com/siderolabs/go-strictlayout/blkid/internal/magic"
	"github.com/siderolabs/go-strictlayout/blkid/internal/probe"
)

// Chain is a list of probers.
type Chain []probe.Prober

// MaxMagicSize is how much of the device has to be read to match every signature in the chain.
func (chain Chain) MaxMagicSize() int {
	size := 0

	for _, prober := range chain {
		for _, m := range prober.Magic() {
			size = max(size, m.End())
		}
	}

	return size
}

// MagicMatches returns the probers whose signature is in buf, in chain order.
func (chain Chain) MagicMatches(buf []byte) []probe.MagicMatch {
	var matches []probe.MagicMatch

	for _, prober := range chain {
		if m, ok := magic.First(buf, prober.Magic()); ok {
			matches = append(matches, probe.MagicMatch{Magic: *m, Prober: prober})
		}
	}

	return matches
}

// Default returns a list of probers for the filesystems and volume managers.
//
// bcache comes before bcachefs as both might share the magic.
func Default() Chain {
	return Chain{
		&ext.Probe{},
		&vfat.Probe{},
		&swap.Probe{},
		&lvm2.Probe{},
		&bcache.Probe{},
		&bcachefs.Probe{},
		&btrfs.Probe{},
	}
}
