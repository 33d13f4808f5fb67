// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package bcache

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// DefaultSysfsRoot is the mountpoint of sysfs.
const DefaultSysfsRoot = "/sys"

func devName(dev string) string {
	return filepath.Base(dev)
}

// linkedDevice resolves a sysfs `<dev>/bcache` style link to the /dev path of <dev>.
func linkedDevice(link string) (string, error) {
	target, err := os.Readlink(link)
	if err != nil {
		return "", err
	}

	return filepath.Join("/dev", filepath.Base(filepath.Dir(target))), nil
}

func bcacheDir(sysfsRoot, dev string) string {
	return filepath.Join(sysfsRoot, "block", devName(dev), "bcache")
}

// Slaves returns the member devices of the bcache device (e.g. /dev/bcache0).
//
// Cache devices come first, the backing device is always the last element.
func Slaves(sysfsRoot, dev string) ([]string, error) {
	dir := bcacheDir(sysfsRoot, dev)

	backing, err := linkedDevice(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve backing device of %s: %w", dev, err)
	}

	caches, err := cacheDevices(filepath.Join(dir, "cache"))
	if err != nil {
		return nil, fmt.Errorf("failed to list cache devices of %s: %w", dev, err)
	}

	return append(caches, backing), nil
}

func cacheDevices(setDir string) ([]string, error) {
	entries, err := os.ReadDir(setDir)
	if err != nil {
		if os.IsNotExist(err) {
			// detached
			return nil, nil
		}

		return nil, err
	}

	var names []string

	for _, entry := range entries {
		suffix, ok := strings.CutPrefix(entry.Name(), "cache")
		if !ok || suffix == "" || strings.Trim(suffix, "0123456789") != "" {
			continue
		}

		names = append(names, entry.Name())
	}

	sort.Strings(names)

	caches := make([]string, 0, len(names))

	for _, name := range names {
		cache, err := linkedDevice(filepath.Join(setDir, name))
		if err != nil {
			return nil, err
		}

		caches = append(caches, cache)
	}

	return caches, nil
}

// Device returns the bcache device a registered backing device is exposed as.
func Device(sysfsRoot, backing string) (string, error) {
	target, err := os.Readlink(filepath.Join(sysfsRoot, "class", "block", devName(backing), "bcache", "dev"))
	if err != nil {
		return "", fmt.Errorf("%s is not a registered bcache backing device: %w", backing, err)
	}

	return filepath.Join("/dev", filepath.Base(target)), nil
}

// CacheSet returns the UUID of the cache set the bcache device is attached to.
//
// It returns uuid.Nil if the device is detached.
func CacheSet(sysfsRoot, dev string) (uuid.UUID, error) {
	target, err := os.Readlink(filepath.Join(bcacheDir(sysfsRoot, dev), "cache"))
	if err != nil {
		if os.IsNotExist(err) {
			return uuid.Nil, nil
		}

		return uuid.Nil, err
	}

	return uuid.Parse(filepath.Base(target))
}

func writeControl(path, value string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return err
	}

	if _, err = f.WriteString(value); err != nil {
		f.Close() //nolint:errcheck

		return fmt.Errorf("failed to write %q to %s: %w", value, path, err)
	}

	return f.Close()
}

// Register makes the kernel pick up a formatted bcache member device.
func Register(sysfsRoot, dev string) error {
	return writeControl(filepath.Join(sysfsRoot, "fs", "bcache", "register"), dev)
}

// Attach attaches the bcache device to the cache set.
func Attach(sysfsRoot, dev string, set uuid.UUID) error {
	return writeControl(filepath.Join(bcacheDir(sysfsRoot, dev), "attach"), set.String())
}

// Detach detaches the bcache device from its cache set, flushing dirty data.
func Detach(sysfsRoot, dev string) error {
	return writeControl(filepath.Join(bcacheDir(sysfsRoot, dev), "detach"), "1")
}

// SetCacheMode changes the cache mode of the bcache device.
func SetCacheMode(sysfsRoot, dev string, mode CacheMode) error {
	return writeControl(filepath.Join(bcacheDir(sysfsRoot, dev), "cache_mode"), mode.String())
}

// Stop stops the bcache device, releasing its backing device.
func Stop(sysfsRoot, dev string) error {
	return writeControl(filepath.Join(bcacheDir(sysfsRoot, dev), "stop"), "1")
}

// Unregister detaches and unregisters the cache set.
func Unregister(sysfsRoot string, set uuid.UUID) error {
	return writeControl(filepath.Join(sysfsRoot, "fs", "bcache", set.String(), "unregister"), "1")
}
