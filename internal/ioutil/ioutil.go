// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package ioutil provides IO utility functions for raw device access.
package ioutil

import (
	"errors"
	"io"
)

// ReadFullAt is io.ReadFull for io.ReaderAt.
func ReadFullAt(r io.ReaderAt, buf []byte, offset int64) error {
	for n := 0; n < len(buf); {
		m, err := r.ReadAt(buf[n:], offset)

		n += m
		offset += int64(m)

		if err != nil {
			if errors.Is(err, io.EOF) && n == len(buf) {
				return nil
			}

			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}

			return err
		}
	}

	return nil
}

// WriteFullAt writes the whole buf at offset, failing on short writes.
func WriteFullAt(w io.WriterAt, buf []byte, offset int64) error {
	n, err := w.WriteAt(buf, offset)
	if err != nil {
		return err
	}

	if n != len(buf) {
		return io.ErrShortWrite
	}

	return nil
}

// IsZero reports whether length bytes starting at offset are all zero.
//
// Reading past the end of the device counts as non-zero.
func IsZero(r io.ReaderAt, offset, length int64) (bool, error) {
	const chunk = 64 * 1024

	buf := make([]byte, min(length, chunk))

	for length > 0 {
		b := buf[:min(length, chunk)]

		if err := ReadFullAt(r, b, offset); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return false, nil
			}

			return false, err
		}

		for _, c := range b {
			if c != 0 {
				return false, nil
			}
		}

		offset += int64(len(b))
		length -= int64(len(b))
	}

	return true, nil
}
