// Package mmap maps files into memory for zero-copy reading of change log
// segments.
package mmap

import (
	"fmt"
	"os"
)

type Options uint

const (
	// Writable maps the file for writing (otherwise, it's mapped read-only).
	Writable Options = 1 << 0

	// SequentialAccess asks for aggressive read-ahead. Maps to MADV_SEQUENTIAL on Unix.
	SequentialAccess Options = 1 << 1

	// RandomAccess says read-ahead is less useful than normally. Maps to
	// MADV_RANDOM on Unix. Ignored when combined with SequentialAccess.
	RandomAccess Options = 1 << 2

	// Prefault loads the whole range up front. Maps to MAP_POPULATE on Linux.
	Prefault Options = 1 << 3
)

func (o Options) Has(v Options) bool {
	return o&v != 0
}

// Map maps the first size bytes of f into memory. The result must be
// released with Unmap.
func Map(f *os.File, size int, opt Options) ([]byte, error) {
	if size <= 0 || int64(size) > MaxSize {
		return nil, fmt.Errorf("mmap %s: invalid size %d", f.Name(), size)
	}
	return mmap(f, size, opt)
}

// Unmap releases a mapping returned by Map.
func Unmap(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return munmap(b)
}

// Fdatasync flushes the data written to f, skipping the metadata that
// plain fsync would also write. If mapping is a writable mapping of f,
// platforms that can sync mappings directly do so.
//
// A failed Fdatasync leaves the file in an unknown state: pages may have
// been marked clean without reaching the disk. Treat the error as fatal for
// whatever the file holds.
func Fdatasync(f *os.File, mapping []byte) error {
	return fdatasync(f, mapping)
}
