// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package system implements the host side of the strict layouts on Linux.
//
// Block devices are accessed directly, LVM, filesystem and boot loader
// tools are called as commands, bcache is driven through sysfs.
package system

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/siderolabs/go-cmd/pkg/cmd"
	"go.uber.org/zap"

	"github.com/siderolabs/go-strictlayout/bcache"
)

// Options for the System.
type Options struct {
	Logger *zap.Logger

	SysfsRoot string
	ProcRoot  string

	// BcacheTimeout is how long to wait for a registered bcache device to show up.
	BcacheTimeout time.Duration
}

// Option configures the System.
type Option func(*Options)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithSysfsRoot sets the sysfs mountpoint.
func WithSysfsRoot(root string) Option {
	return func(o *Options) {
		o.SysfsRoot = root
	}
}

// WithProcRoot sets the procfs mountpoint.
func WithProcRoot(root string) Option {
	return func(o *Options) {
		o.ProcRoot = root
	}
}

// WithBcacheTimeout sets how long to wait for bcache devices after registration.
func WithBcacheTimeout(timeout time.Duration) Option {
	return func(o *Options) {
		o.BcacheTimeout = timeout
	}
}

// System is the running Linux host.
type System struct {
	logger *zap.Logger

	sysfsRoot     string
	procRoot      string
	bcacheTimeout time.Duration
}

// New returns the running host.
func New(opts ...Option) *System {
	options := Options{
		Logger:        zap.NewNop(),
		SysfsRoot:     bcache.DefaultSysfsRoot,
		ProcRoot:      "/proc",
		BcacheTimeout: 10 * time.Second,
	}

	for _, opt := range opts {
		opt(&options)
	}

	return &System{
		logger:        options.Logger,
		sysfsRoot:     options.SysfsRoot,
		procRoot:      options.ProcRoot,
		bcacheTimeout: options.BcacheTimeout,
	}
}

// CommandError is returned when a tool exits with a non-zero code.
type CommandError struct {
	Command  string
	ExitCode int
	Output   string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s exited with code %d: %s", e.Command, e.ExitCode, e.Output)
}

// run executes the tool and returns its stdout.
func (s *System) run(ctx context.Context, name string, args ...string) (string, error) {
	s.logger.Debug("running command", zap.String("command", name), zap.Strings("args", args))

	stdout, err := cmd.RunContext(ctx, name, args...)
	if err != nil {
		var exitError *cmd.ExitError

		if errors.As(err, &exitError) {
			return "", &CommandError{
				Command:  name,
				ExitCode: exitError.ExitCode,
				Output:   strings.TrimSpace(string(exitError.Output)),
			}
		}

		return "", fmt.Errorf("failed to call %s: %w", name, err)
	}

	return stdout, nil
}
