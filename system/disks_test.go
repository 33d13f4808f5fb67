// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package system_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/suite"
	"go.uber.org/zap/zaptest"

	"github.com/siderolabs/go-strictlayout/system"
)

type DisksSuite struct {
	suite.Suite

	sysfs string
	sys   *system.System
}

func (suite *DisksSuite) SetupTest() {
	suite.sysfs = suite.T().TempDir()
	suite.sys = system.New(system.WithSysfsRoot(suite.sysfs), system.WithLogger(zaptest.NewLogger(suite.T())))

	suite.addDisk("sda", "pci0000:00/0000:00:17.0/ata1/host0/target0:0:0/0:0:0:0", map[string]string{
		"size":             "31250000",
		"queue/rotational": "1",
		"device/model":     "WDC WD160EDGZ",
		"device/wwid":      "naa.5000cca2b0c1d2e3",
		"ro":               "0",
	}, "sda1", "sda2")
	suite.addDisk("sdb", "pci0000:00/0000:00:17.0/ata2/host1/target1:0:0/1:0:0:0", map[string]string{
		"size":             "31250000",
		"queue/rotational": "1",
		"device/model":     "WDC WD160EDGZ",
		"ro":               "0",
	})
	suite.addDisk("sdc", "pci0000:00/0000:00:14.0/usb1/1-1/1-1:1.0/host2/target2:0:0/2:0:0:0", map[string]string{
		"size":             "7821312",
		"queue/rotational": "0",
		"device/model":     "Flash Drive",
		"ro":               "1",
	})
	suite.addDisk("nvme0n1", "pci0000:00/0000:00:1d.0/0000:3d:00.0/nvme/nvme0", map[string]string{
		"size":             "1953525168",
		"queue/rotational": "0",
		"device/model":     "Samsung SSD 980 PRO 1TB",
		"device/serial":    "S5GXNF0R123456",
		"wwid":             "eui.002538b111b2c3d4",
		"ro":               "0",
	})
	suite.addDisk("loop0", "virtual", map[string]string{"size": "2048"})
	suite.addDisk("dm-0", "virtual", map[string]string{"size": "2048"})
	suite.addDisk("bcache0", "virtual", map[string]string{"size": "2048"})
	suite.addDisk("sr0", "pci0000:00/0000:00:17.0/ata3/host3/target3:0:0/3:0:0:0", map[string]string{"size": "0"})
	suite.addDisk("sdd", "pci0000:00/0000:00:17.0/ata4/host4/target4:0:0/4:0:0:0", map[string]string{"size": "0"})
}

func (suite *DisksSuite) addDisk(name, busPath string, files map[string]string, partitions ...string) {
	dir := filepath.Join(suite.sysfs, "devices", busPath, "block", name)

	for path, contents := range files {
		suite.Require().NoError(os.MkdirAll(filepath.Dir(filepath.Join(dir, path)), 0o755))
		suite.Require().NoError(os.WriteFile(filepath.Join(dir, path), []byte(contents+"\n"), 0o644))
	}

	for _, part := range partitions {
		suite.Require().NoError(os.MkdirAll(filepath.Join(dir, part), 0o755))
	}

	suite.Require().NoError(os.MkdirAll(filepath.Join(suite.sysfs, "block"), 0o755))
	suite.Require().NoError(os.Symlink(filepath.Join("..", "devices", busPath, "block", name), filepath.Join(suite.sysfs, "block", name)))
}

func (suite *DisksSuite) TestList() {
	disks, err := suite.sys.Disks(context.Background())
	suite.Require().NoError(err)

	suite.Require().Len(disks, 4)

	sda := disks[1]
	suite.Assert().Equal("/dev/sda", sda.DeviceName)
	suite.Assert().EqualValues(16_000_000_000, sda.Size)
	suite.Assert().Equal("WDC WD160EDGZ", sda.Model)
	suite.Assert().Equal("naa.5000cca2b0c1d2e3", sda.WWID)
	suite.Assert().Equal(system.DiskTypeHDD, sda.Type)
	suite.Assert().True(sda.Type.Rotational())
	suite.Assert().Equal("/pci0000:00/0000:00:17.0/ata1/host0/target0:0:0/0:0:0:0/", sda.BusPath)
	suite.Assert().Equal([]string{"/dev/sda1", "/dev/sda2"}, sda.Partitions)
	suite.Assert().False(sda.ReadOnly)

	nvme := disks[0]
	suite.Assert().Equal("/dev/nvme0n1", nvme.DeviceName)
	suite.Assert().Equal(system.DiskTypeNVMe, nvme.Type)
	suite.Assert().Equal("nvme", nvme.Type.String())
	suite.Assert().Equal("S5GXNF0R123456", nvme.Serial)
	suite.Assert().Equal("eui.002538b111b2c3d4", nvme.WWID)
	suite.Assert().Empty(nvme.Partitions)

	sdc := disks[3]
	suite.Assert().Equal(system.DiskTypeSSD, sdc.Type)
	suite.Assert().True(sdc.ReadOnly)
}

func (suite *DisksSuite) TestMatch() {
	for _, test := range []struct {
		name     string
		matchers []system.DiskMatcher
		expected []string
	}{
		{
			name:     "all",
			expected: []string{"/dev/nvme0n1", "/dev/sdb", "/dev/sda", "/dev/sdc"},
		},
		{
			name:     "candidates",
			matchers: []system.DiskMatcher{system.Unpartitioned()},
			expected: []string{"/dev/nvme0n1", "/dev/sdb"},
		},
		{
			name:     "hdd by model",
			matchers: []system.DiskMatcher{system.WithDiskType(system.DiskTypeHDD), system.WithModel("WDC*160*")},
			expected: []string{"/dev/sdb", "/dev/sda"},
		},
		{
			name:     "model mismatch",
			matchers: []system.DiskMatcher{system.WithModel("WDC*180*")},
		},
		{
			name:     "serial",
			matchers: []system.DiskMatcher{system.WithSerial("S5GX*")},
			expected: []string{"/dev/nvme0n1"},
		},
		{
			name:     "wwid",
			matchers: []system.DiskMatcher{system.WithWWID("naa.*")},
			expected: []string{"/dev/sda"},
		},
		{
			name:     "usb",
			matchers: []system.DiskMatcher{system.WithBusPath("*/usb1/*")},
			expected: []string{"/dev/sdc"},
		},
	} {
		suite.Run(test.name, func() {
			disks, err := suite.sys.Disks(context.Background(), test.matchers...)
			suite.Require().NoError(err)

			names := make([]string, 0, len(disks))

			for _, d := range disks {
				names = append(names, d.DeviceName)
			}

			suite.Assert().ElementsMatch(test.expected, names)
		})
	}
}

func TestDisksSuite(t *testing.T) {
	t.Parallel()

	suite.Run(t, new(DisksSuite))
}
