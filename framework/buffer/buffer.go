/*
Relayd - programmable Mail Transfer Agent.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Relayd contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package buffer abstracts access to the stored message content, so the
// scanning and delivery code does not care where an artifact lives.
package buffer

import (
	"bytes"
	"io"
	"os"
)

// Buffer is a read-only view of a stored message blob. It can be opened for
// reading any number of times; whoever created the Buffer is responsible
// for calling Remove once the blob is no longer needed.
type Buffer interface {
	// Open returns a fresh reader positioned at the start of the blob.
	Open() (io.ReadCloser, error)

	// Len reports the blob size in bytes.
	Len() int

	// Remove deletes the underlying storage. Readers obtained earlier
	// stay usable, new Open calls fail.
	Remove() error
}

// FileBuffer reads the blob from a file on disk.
type FileBuffer struct {
	Path string

	// LenHint, when non-zero, is returned by Len directly instead of
	// stat'ing the file.
	LenHint int
}

func (b FileBuffer) Open() (io.ReadCloser, error) {
	return os.Open(b.Path)
}

func (b FileBuffer) Len() int {
	if b.LenHint != 0 {
		return b.LenHint
	}
	info, err := os.Stat(b.Path)
	if err != nil {
		return 0
	}
	return int(info.Size())
}

func (b FileBuffer) Remove() error {
	return os.Remove(b.Path)
}

// MemoryBuffer keeps the blob in a byte slice. Used by tests and for small
// synthesized messages.
type MemoryBuffer struct {
	Slice []byte
}

func (b MemoryBuffer) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b.Slice)), nil
}

func (b MemoryBuffer) Len() int { return len(b.Slice) }

func (b MemoryBuffer) Remove() error { return nil }
