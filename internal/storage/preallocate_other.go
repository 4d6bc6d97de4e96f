//go:build !linux

package storage

import "os"

// preallocate falls back to a logical truncate on platforms without a
// wired native block-reservation syscall.
func preallocate(f *os.File, size int64) error {
	if size <= 0 {
		return nil
	}
	return f.Truncate(size)
}
