//go:build linux

package storage

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// preallocate reserves size bytes for f using the platform's native
// block-reservation syscall (fallocate, via x/sys/unix.Fallocate, which
// x/sys provides on Linux only), so a later WriteAt fails fast
// with ENOSPC instead of discovering a full disk mid-segment. Falls
// back to a plain truncate when the syscall is unsupported by the
// underlying filesystem (e.g. tmpfs, some network mounts).
func preallocate(f *os.File, size int64) error {
	if size <= 0 {
		return nil
	}
	err := unix.Fallocate(int(f.Fd()), 0, 0, size)
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.ENOTSUP) || errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.EINVAL) {
		return f.Truncate(size)
	}
	return err
}
