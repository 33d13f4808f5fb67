// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package layout

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// Root filesystem fill thresholds, in percent.
const (
	growThreshold = 90
	growTarget    = 70
)

// OptimizeRoot grows the root logical volume once the root filesystem is more than 90% full.
//
// The volume grows in whole GiB until the filesystem is at most 70% full.
// Returns true if the root filesystem was grown.
func (l *Layout) OptimizeRoot(ctx context.Context) (bool, error) {
	usage, err := l.sys.Usage(ctx, l.root)
	if err != nil {
		return false, fmt.Errorf("failed to get usage of %q: %w", l.root, err)
	}

	logger := l.logger.With(
		zap.String("used", humanize.IBytes(usage.Used)),
		zap.String("total", humanize.IBytes(usage.Total)),
	)

	if usage.Total == 0 || usage.Used*100 <= usage.Total*growThreshold {
		logger.Debug("root filesystem has enough free space")

		return false, nil
	}

	if l.kind.Volume != VolumeLVM {
		logger.Warn("root filesystem is almost full and can't be grown")

		return false, nil
	}

	grow := GrowSize(usage)

	logger.Info("growing root filesystem", zap.String("by", humanize.IBytes(grow)))

	if err = l.sys.ExtendLV(ctx, l.cfg.VGName, l.cfg.RootLVName, grow); err != nil {
		return false, err
	}

	if err = l.sys.GrowFS(ctx, string(l.kind.Filesystem), l.rootDev, l.root); err != nil {
		return false, err
	}

	return true, nil
}

// GrowSize returns how much a filesystem needs to grow, in whole GiB, to be at most 70% full.
func GrowSize(usage Usage) uint64 {
	// ceil(used / 0.7)
	wanted := (usage.Used*100 + growTarget - 1) / growTarget
	if wanted <= usage.Total {
		return 0
	}

	need := wanted - usage.Total

	return (need + humanize.GiByte - 1) / humanize.GiByte * humanize.GiByte
}
