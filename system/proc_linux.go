// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package system

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/moby/sys/mountinfo"
	"github.com/prometheus/procfs"

	"github.com/siderolabs/go-strictlayout/layout"
)

// Mounts implements layout.Inspector.
func (s *System) Mounts(context.Context) ([]layout.Mount, error) {
	f, err := os.Open(filepath.Join(s.procRoot, "self", "mountinfo"))
	if err != nil {
		return nil, err
	}

	defer f.Close() //nolint:errcheck

	infos, err := mountinfo.GetMountsFromReader(f, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read the mount table: %w", err)
	}

	return toMounts(infos), nil
}

func toMounts(infos []*mountinfo.Info) []layout.Mount {
	mounts := make([]layout.Mount, 0, len(infos))

	for _, info := range infos {
		mounts = append(mounts, layout.Mount{
			Device:  info.Source,
			Target:  info.Mountpoint,
			FSType:  info.FSType,
			Options: strings.Split(info.Options, ","),
		})
	}

	return mounts
}

// ActiveSwaps implements layout.Inspector.
func (s *System) ActiveSwaps(context.Context) ([]string, error) {
	fs, err := procfs.NewFS(s.procRoot)
	if err != nil {
		return nil, err
	}

	swaps, err := fs.Swaps()
	if err != nil {
		return nil, fmt.Errorf("failed to read active swaps: %w", err)
	}

	active := make([]string, 0, len(swaps))

	for _, swap := range swaps {
		active = append(active, swap.Filename)
	}

	return active, nil
}
