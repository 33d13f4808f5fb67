// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build linux

package blkid

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/siderolabs/go-strictlayout/block"
)

type fileReader struct {
	*os.File

	size       uint64
	sectorSize uint
}

func (r *fileReader) GetSize() uint64     { return r.size }
func (r *fileReader) GetSectorSize() uint { return r.sectorSize }

// ProbePath returns the probe information for the specified path.
func ProbePath(devpath string, opts ...ProbeOption) (*Info, error) {
	f, err := os.OpenFile(devpath, os.O_RDONLY|unix.O_CLOEXEC|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, err
	}

	defer f.Close() //nolint:errcheck

	return Probe(f, opts...)
}

// Probe returns the probe information for the specified file.
func Probe(f *os.File, opts ...ProbeOption) (*Info, error) {
	options := applyProbeOptions(opts...)

	unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_RANDOM) //nolint:errcheck // best-effort: we don't care if this fails

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat: %w", err)
	}

	r := &fileReader{File: f}

	sysStat := st.Sys().(*syscall.Stat_t) //nolint:errcheck,forcetypeassert // we know it's a syscall.Stat_t

	switch sysStat.Mode & unix.S_IFMT {
	case unix.S_IFBLK:
		dev := block.NewFromFile(f)

		if r.size, err = dev.GetSize(); err != nil {
			return nil, fmt.Errorf("failed to get block device size: %w", err)
		}

		r.sectorSize = dev.GetSectorSize()

		if !options.SkipLocking {
			// we need to lock the whole disk device (if probing a partition, we lock the whole disk)
			wholeDisk, err := dev.GetWholeDisk()
			if err != nil {
				return nil, fmt.Errorf("failed to get whole disk: %w", err)
			}

			defer wholeDisk.Close() //nolint:errcheck

			if err = wholeDisk.TryLock(false); err != nil {
				if errors.Is(err, unix.EWOULDBLOCK) {
					return nil, ErrFailedLock
				}

				return nil, fmt.Errorf("failed to lock whole disk: %w", err)
			}

			defer wholeDisk.Unlock() //nolint:errcheck
		}
	case unix.S_IFREG:
		// regular file (an image?), so use different settings
		r.size = uint64(st.Size())
		r.sectorSize = block.DefaultBlockSize
	default:
		return nil, fmt.Errorf("unsupported file type: %s", st.Mode().Type())
	}

	return ProbeReader(r, opts...)
}
