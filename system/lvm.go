// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package system

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// pvReport is the output of `pvs --reportformat json`.
type pvReport struct {
	Report []struct {
		PV []struct {
			PVName string `json:"pv_name"`
			VGName string `json:"vg_name"`
		} `json:"pv"`
	} `json:"report"`
}

// parsePVReport returns the physical volumes of the volume group, sorted.
func parsePVReport(data []byte, vg string) ([]string, error) {
	var report pvReport

	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("failed to parse pvs report: %w", err)
	}

	var pvs []string

	for _, r := range report.Report {
		for _, pv := range r.PV {
			if pv.VGName == vg {
				pvs = append(pvs, pv.PVName)
			}
		}
	}

	slices.Sort(pvs)

	return pvs, nil
}

// PhysicalVolumes implements layout.VolumeManager.
func (s *System) PhysicalVolumes(ctx context.Context, vg string) ([]string, error) {
	stdout, err := s.run(ctx, "pvs", "--reportformat", "json", "-o", "pv_name,vg_name")
	if err != nil {
		return nil, err
	}

	pvs, err := parsePVReport([]byte(stdout), vg)
	if err != nil {
		return nil, err
	}

	if len(pvs) == 0 {
		return nil, fmt.Errorf("volume group %q not found", vg)
	}

	return pvs, nil
}

// CreatePV implements layout.VolumeManager.
func (s *System) CreatePV(ctx context.Context, dev string) error {
	_, err := s.run(ctx, "pvcreate", "--yes", dev)

	return err
}

// RemovePV implements layout.VolumeManager.
func (s *System) RemovePV(ctx context.Context, dev string) error {
	_, err := s.run(ctx, "pvremove", "--yes", dev)

	return err
}

// MovePV implements layout.VolumeManager.
func (s *System) MovePV(ctx context.Context, dev string) error {
	_, err := s.run(ctx, "pvmove", dev)

	var cmdErr *CommandError

	// pvmove fails on a physical volume without allocated extents
	if errors.As(err, &cmdErr) && strings.Contains(cmdErr.Output, "No data to move") {
		return nil
	}

	return err
}

// CreateVG implements layout.VolumeManager.
func (s *System) CreateVG(ctx context.Context, vg string, pvs []string) error {
	_, err := s.run(ctx, "vgcreate", append([]string{vg}, pvs...)...)

	return err
}

// ExtendVG implements layout.VolumeManager.
func (s *System) ExtendVG(ctx context.Context, vg, pv string) error {
	_, err := s.run(ctx, "vgextend", vg, pv)

	return err
}

// ReduceVG implements layout.VolumeManager.
func (s *System) ReduceVG(ctx context.Context, vg, pv string) error {
	_, err := s.run(ctx, "vgreduce", vg, pv)

	return err
}

// ActivateVG implements layout.VolumeManager.
func (s *System) ActivateVG(ctx context.Context, vg string) error {
	_, err := s.run(ctx, "vgchange", "--activate", "y", vg)

	return err
}

// CreateLV implements layout.VolumeManager.
func (s *System) CreateLV(ctx context.Context, vg, lv string, size uint64) error {
	args := []string{"--yes", "--name", lv}

	if size == 0 {
		args = append(args, "--extents", "100%FREE")
	} else {
		args = append(args, "--size", fmt.Sprintf("%db", size))
	}

	_, err := s.run(ctx, "lvcreate", append(args, vg)...)

	return err
}

// ExtendLV implements layout.VolumeManager.
func (s *System) ExtendLV(ctx context.Context, vg, lv string, size uint64) error {
	_, err := s.run(ctx, "lvextend", "--size", fmt.Sprintf("+%db", size), vg+"/"+lv)

	return err
}
