// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package layout

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Size is a size in bytes, written as "512MiB" or "4G" in configuration files.
type Size uint64

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Size) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", node.Line)
	}

	v, err := humanize.ParseBytes(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}

	*s = Size(v)

	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (s Size) MarshalYAML() (any, error) {
	return s.String(), nil
}

// String implements fmt.Stringer.
func (s Size) String() string {
	return strings.ReplaceAll(humanize.IBytes(uint64(s)), " ", "")
}

// Config is the naming and sizing of the strict layouts.
type Config struct {
	VGName     string `yaml:"vgName"`
	RootLVName string `yaml:"rootLVName"`
	SwapLVName string `yaml:"swapLVName"`

	ESPSizeBytes  Size `yaml:"espSize"`
	SwapSizeBytes Size `yaml:"swapSize"`

	SwapFilePath      string `yaml:"swapFile"`
	BucketSizeSectors uint16 `yaml:"bucketSizeSectors"`
	BootMountpoint    string `yaml:"bootMountpoint"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		VGName:            "vg0",
		RootLVName:        "root",
		SwapLVName:        "swap",
		ESPSizeBytes:      512 * humanize.MiByte,
		SwapSizeBytes:     4 * humanize.GiByte,
		SwapFilePath:      "/swapfile",
		BucketSizeSectors: 1024,
		BootMountpoint:    "/boot",
	}
}

// LoadConfig reads a YAML configuration file on top of the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	if err = decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("failed to parse %q: %w", path, err)
	}

	return cfg, cfg.Validate()
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	var errs []error

	for _, f := range []struct{ field, name string }{
		{"vgName", c.VGName},
		{"rootLVName", c.RootLVName},
		{"swapLVName", c.SwapLVName},
	} {
		if f.name == "" || strings.ContainsAny(f.name, "/ ") || strings.HasPrefix(f.name, "-") {
			errs = append(errs, fmt.Errorf("%s: invalid LVM name %q", f.field, f.name))
		}
	}

	if c.RootLVName == c.SwapLVName {
		errs = append(errs, fmt.Errorf("rootLVName and swapLVName are both %q", c.RootLVName))
	}

	if c.ESPSizeBytes < 32*humanize.MiByte || c.ESPSizeBytes%humanize.MiByte != 0 {
		errs = append(errs, fmt.Errorf("espSize: %s must be a whole number of MiB, at least 32MiB", c.ESPSizeBytes))
	}

	if c.SwapSizeBytes == 0 || c.SwapSizeBytes%humanize.MiByte != 0 {
		errs = append(errs, fmt.Errorf("swapSize: %s must be a non-zero whole number of MiB", c.SwapSizeBytes))
	}

	if !filepath.IsAbs(c.SwapFilePath) {
		errs = append(errs, fmt.Errorf("swapFile: %q is not an absolute path", c.SwapFilePath))
	}

	if c.BucketSizeSectors == 0 || c.BucketSizeSectors&(c.BucketSizeSectors-1) != 0 {
		errs = append(errs, fmt.Errorf("bucketSizeSectors: %d is not a power of 2", c.BucketSizeSectors))
	}

	if !filepath.IsAbs(c.BootMountpoint) || filepath.Clean(c.BootMountpoint) == "/" {
		errs = append(errs, fmt.Errorf("bootMountpoint: %q is not an absolute path below /", c.BootMountpoint))
	}

	return errors.Join(errs...)
}
