// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package mbr

import (
	"io"

	"github.com/siderolabs/go-strictlayout/internal/ioutil"
	"github.com/siderolabs/go-strictlayout/partitioning"
)

// HasBootCode returns true if the first 440 bytes of the disk are not all zero.
func HasBootCode(r io.ReaderAt) (bool, error) {
	zero, err := ioutil.IsZero(r, 0, partitioning.MBRBootCodeSize)
	if err != nil {
		return false, err
	}

	return !zero, nil
}

// ClearBootCode zeroes the boot code area of the MBR, the partition records are preserved.
func ClearBootCode(w io.WriterAt) error {
	return ioutil.WriteFullAt(w, make([]byte, partitioning.MBRBootCodeSize), 0)
}
