// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package layout

import (
	"errors"
	"fmt"
)

// Reconfiguration errors.
var (
	ErrLastDisk      = errors.New("cannot remove last disk")
	ErrSwapInUse     = errors.New("swap partition is in use")
	ErrNotMember     = errors.New("disk is not a member of the layout")
	ErrAlreadyMember = errors.New("disk is already a member of the layout")
	ErrDiskNotClean  = errors.New("disk is not clean")
	ErrSingleDisk    = errors.New("layout does not support multiple disks")
	ErrSecondSSD     = errors.New("layout already has an SSD")
	ErrEvacuation    = errors.New("failed to evacuate disk")
)

// Creation errors.
var (
	ErrNoDisk       = errors.New("no disk")
	ErrTooManyDisks = errors.New("too many disks")
	ErrNoHarddisk   = errors.New("no harddisk")
)

// ClassificationError is returned when the system doesn't match a layout.
type ClassificationError struct {
	Layout string
	Cause  string
	Err    error
}

func (e *ClassificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("layout %s: %s: %s", e.Layout, e.Cause, e.Err)
	}

	return fmt.Sprintf("layout %s: %s", e.Layout, e.Cause)
}

func (e *ClassificationError) Unwrap() error {
	return e.Err
}

// CreationError is returned when a layout can't be created on the disks.
type CreationError struct {
	Layout string
	Device string
	Err    error
}

func (e *CreationError) Error() string {
	if e.Device == "" {
		return fmt.Sprintf("failed to create layout %s: %s", e.Layout, e.Err)
	}

	return fmt.Sprintf("failed to create layout %s on %s: %s", e.Layout, e.Device, e.Err)
}

func (e *CreationError) Unwrap() error {
	return e.Err
}

// AddDiskError is returned when a disk can't be added.
type AddDiskError struct {
	Device string
	Err    error
}

func (e *AddDiskError) Error() string {
	return fmt.Sprintf("failed to add disk %s: %s", e.Device, e.Err)
}

func (e *AddDiskError) Unwrap() error {
	return e.Err
}

// ReleaseDiskError is returned when the data of a disk can't be moved off it.
type ReleaseDiskError struct {
	Device string
	Err    error
}

func (e *ReleaseDiskError) Error() string {
	return fmt.Sprintf("failed to release disk %s: %s", e.Device, e.Err)
}

func (e *ReleaseDiskError) Unwrap() error {
	return e.Err
}

// RemoveDiskError is returned when a disk can't be removed.
type RemoveDiskError struct {
	Device string
	Err    error
}

func (e *RemoveDiskError) Error() string {
	return fmt.Sprintf("failed to remove disk %s: %s", e.Device, e.Err)
}

func (e *RemoveDiskError) Unwrap() error {
	return e.Err
}
