// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package bcache probes bcache backing and cache devices.
package bcache

import (
	"errors"

	"github.com/siderolabs/go-strictlayout/bcache"
	"github.com/siderolabs/go-strictlayout/blkid/internal/magic"
	"github.com/siderolabs/go-strictlayout/blkid/internal/probe"
	"github.com/siderolabs/go-strictlayout/blkid/internal/utils"
)

var bcacheMagic = magic.Magic{
	Offset: bcache.SuperBlockOffset + 0x18,
	Value:  bcache.Magic,
}

// Probe for the filesystem.
type Probe struct{}

// Magic returns the magic value for the filesystem.
func (p *Probe) Magic() []*magic.Magic {
	return []*magic.Magic{&bcacheMagic}
}

// Name returns the name of the filesystem.
func (p *Probe) Name() string {
	return "bcache"
}

// Probe runs the further inspection and returns the result if successful.
func (p *Probe) Probe(r probe.Reader, _ magic.Magic) (*probe.Result, error) {
	sb, err := bcache.Read(r)
	if err != nil {
		if errors.Is(err, bcache.ErrNoSuperBlock) || errors.Is(err, bcache.ErrChecksum) {
			return nil, nil //nolint:nilnil
		}

		return nil, err
	}

	if _, ok := sb.Kind(); !ok {
		return nil, nil //nolint:nilnil
	}

	return &probe.Result{
		UUID:  &sb.UUID,
		Label: utils.Label([]byte(sb.Label)),

		BlockSize:           uint32(sb.BlockSize) * 512,
		FilesystemBlockSize: uint32(sb.BucketSize) * 512,
	}, nil
}
