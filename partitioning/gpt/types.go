// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package gpt

import "github.com/google/uuid"

// Partition type GUIDs used by the strict layouts.
var (
	// TypeESP marks the EFI System Partition; parted calls it the "esp" flag.
	TypeESP = uuid.MustParse("C12A7328-F81F-11D2-BA4B-00A0C93EC93B")
	// TypeBasicData is what a FAT partition falls back to once the "esp" flag is cleared.
	TypeBasicData = uuid.MustParse("EBD0A0A2-B9E5-4433-87C0-68B6B72699C7")
	// TypeLinuxFilesystem is the generic Linux data partition.
	TypeLinuxFilesystem = uuid.MustParse("0FC63DAF-8483-4772-8E79-3D69D8477DE4")
	// TypeLinuxSwap is the Linux swap partition.
	TypeLinuxSwap = uuid.MustParse("0657FD6D-A4AB-43C4-84E5-0933C84B4F4F")
	// TypeLinuxLVM is the Linux LVM physical volume partition.
	TypeLinuxLVM = uuid.MustParse("E6D6D379-F507-44C2-A23C-238F2A3DF928")
)
