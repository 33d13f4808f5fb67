// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package system

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestParsePVReport(t *testing.T) {
	t.Parallel()

	report := []byte(`{
      "report": [
          {
              "pv": [
                  {"pv_name":"/dev/sdc2", "vg_name":"vg0"},
                  {"pv_name":"/dev/bcache0", "vg_name":"vg0"},
                  {"pv_name":"/dev/sdd1", "vg_name":"data"},
                  {"pv_name":"/dev/sde", "vg_name":""}
              ]
          }
      ]
  }`)

	pvs, err := parsePVReport(report, "vg0")
	require.NoError(t, err)
	assert.Equal(t, []string{"/dev/bcache0", "/dev/sdc2"}, pvs)

	pvs, err = parsePVReport(report, "missing")
	require.NoError(t, err)
	assert.Empty(t, pvs)

	_, err = parsePVReport([]byte("  No physical volumes found"), "vg0")
	require.Error(t, err)
}

func TestMkfsCommand(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name   string
		fstype string
		devs   []string
		label  string

		expectedName  string
		expectedArgs  []string
		expectedError string
	}{
		{
			name:   "ext4",
			fstype: "ext4",
			devs:   []string{"/dev/mapper/vg0-root"},
			label:  "root",

			expectedName: "mkfs.ext4",
			expectedArgs: []string{"-F", "-E", "lazy_itable_init=0,lazy_journal_init=0", "-L", "root", "/dev/mapper/vg0-root"},
		},
		{
			name:   "vfat",
			fstype: "vfat",
			devs:   []string{"/dev/sda1"},
			label:  "ESP",

			expectedName: "mkfs.vfat",
			expectedArgs: []string{"-F", "32", "-n", "ESP", "/dev/sda1"},
		},
		{
			name:   "swap without label",
			fstype: "swap",
			devs:   []string{"/dev/nvme0n1p2"},

			expectedName: "mkswap",
			expectedArgs: []string{"/dev/nvme0n1p2"},
		},
		{
			name:   "btrfs",
			fstype: "btrfs",
			devs:   []string{"/dev/sda2", "/dev/sdb2"},
			label:  "root",

			expectedName: "mkfs.btrfs",
			expectedArgs: []string{"-f", "-d", "single", "-m", "single", "-L", "root", "/dev/sda2", "/dev/sdb2"},
		},
		{
			name:   "bcachefs",
			fstype: "bcachefs",
			devs:   []string{"/dev/sda2", "/dev/sdb2"},
			label:  "root",

			expectedName: "bcachefs",
			expectedArgs: []string{"format", "-f", "--fs_label", "root", "/dev/sda2", "/dev/sdb2"},
		},
		{
			name:   "ext4 on two devices",
			fstype: "ext4",
			devs:   []string{"/dev/sda2", "/dev/sdb2"},

			expectedError: "ext4 doesn't span multiple devices",
		},
		{
			name:   "no devices",
			fstype: "btrfs",

			expectedError: "no devices for btrfs",
		},
		{
			name:   "unsupported",
			fstype: "xfs",
			devs:   []string{"/dev/sda2"},

			expectedError: `unsupported filesystem "xfs"`,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			name, args, err := mkfsCommand(test.fstype, test.devs, test.label)

			if test.expectedError != "" {
				require.EqualError(t, err, test.expectedError)

				return
			}

			require.NoError(t, err)

			assert.Equal(t, test.expectedName, name)
			assert.Equal(t, test.expectedArgs, args)
		})
	}
}

func TestRunCommandError(t *testing.T) {
	t.Parallel()

	s := New(WithLogger(zaptest.NewLogger(t)))

	stdout, err := s.run(context.Background(), "sh", "-c", "echo out; echo failure >&2; exit 3")
	require.Error(t, err)
	assert.Empty(t, stdout)

	var cmdErr *CommandError

	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, "sh", cmdErr.Command)
	assert.Equal(t, 3, cmdErr.ExitCode)
	assert.Contains(t, cmdErr.Output, "failure")

	stdout, err = s.run(context.Background(), "echo", "-n", "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", stdout)

	_, err = s.run(context.Background(), "/nonexistent/tool")
	require.Error(t, err)

	var notRun *CommandError

	assert.False(t, errors.As(err, &notRun))
}
