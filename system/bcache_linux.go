// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package system

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/siderolabs/go-strictlayout/bcache"
)

// RegisterBcache implements layout.CacheManager.
func (s *System) RegisterBcache(_ context.Context, dev string) error {
	if err := bcache.Register(s.sysfsRoot, dev); err != nil {
		return fmt.Errorf("failed to register %s: %w", dev, err)
	}

	s.logger.Debug("registered bcache device", zap.String("device", dev))

	return nil
}

// BcacheDevice implements layout.CacheManager.
//
// The bcache device shows up asynchronously after registration.
func (s *System) BcacheDevice(ctx context.Context, backing string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.bcacheTimeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		dev, err := bcache.Device(s.sysfsRoot, backing)
		if err == nil {
			return dev, nil
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("timed out waiting for the bcache device: %w", err)
		case <-ticker.C:
		}
	}
}

// BcacheSlaves implements layout.CacheManager.
func (s *System) BcacheSlaves(_ context.Context, dev string) ([]string, error) {
	return bcache.Slaves(s.sysfsRoot, dev)
}

// AttachBcache implements layout.CacheManager.
func (s *System) AttachBcache(_ context.Context, dev string, set uuid.UUID) error {
	return bcache.Attach(s.sysfsRoot, dev, set)
}

// DetachBcache implements layout.CacheManager.
//
// Detaching returns once dirty data is written back to the backing device.
func (s *System) DetachBcache(ctx context.Context, dev string) error {
	if err := bcache.Detach(s.sysfsRoot, dev); err != nil {
		return err
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		set, err := bcache.CacheSet(s.sysfsRoot, dev)
		if err != nil {
			return err
		}

		if set == uuid.Nil {
			return nil
		}

		s.logger.Debug("waiting for writeback", zap.String("device", dev))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SetCacheMode implements layout.CacheManager.
func (s *System) SetCacheMode(_ context.Context, dev string, mode bcache.CacheMode) error {
	return bcache.SetCacheMode(s.sysfsRoot, dev, mode)
}

// StopBcache implements layout.CacheManager.
func (s *System) StopBcache(_ context.Context, dev string) error {
	return bcache.Stop(s.sysfsRoot, dev)
}

// UnregisterCacheSet implements layout.CacheManager.
func (s *System) UnregisterCacheSet(_ context.Context, set uuid.UUID) error {
	return bcache.Unregister(s.sysfsRoot, set)
}
