// Package storage owns the on-disk temp file for a job: preallocation,
// concurrent positional writes, fsync, and the atomic rename to the
// final name.
package storage

import (
	"fmt"
	"os"
)

// Writer wraps a single open file descriptor. It is safe to share
// across goroutines: WriteAt never touches a shared cursor, so workers
// may write disjoint ranges concurrently with no coordination.
type Writer struct {
	file     *os.File
	tempPath string
}

// Create opens tempPath for writing, truncating any existing content.
// Fails if the directory does not exist or is not writable.
func Create(tempPath string) (*Writer, error) {
	f, err := os.OpenFile(tempPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create temp file %s: %w", tempPath, err)
	}
	return &Writer{file: f, tempPath: tempPath}, nil
}

// OpenExisting opens tempPath for read+write without truncating, for
// resuming a partially-downloaded job.
func OpenExisting(tempPath string) (*Writer, error) {
	f, err := os.OpenFile(tempPath, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open existing temp file %s: %w", tempPath, err)
	}
	return &Writer{file: f, tempPath: tempPath}, nil
}

// Preallocate extends the file to size, preferring a true
// block-reservation primitive (see preallocate_unix.go) and falling
// back to a logical truncate. Only the block reservation gives early
// ENOSPC on a full disk; the truncate fallback sets the length without
// reserving blocks.
func (w *Writer) Preallocate(size int64) error {
	return preallocate(w.file, size)
}

// WriteAt performs a positional write at offset. A short write (fewer
// bytes written than requested, with no error) is itself treated as an
// error so the executor can retry the segment rather than silently
// leaving a gap.
func (w *Writer) WriteAt(offset int64, data []byte) error {
	n, err := w.file.WriteAt(data, offset)
	if err != nil {
		return fmt.Errorf("write at %d: %w", offset, err)
	}
	if n != len(data) {
		return fmt.Errorf("short write at %d: wrote %d of %d bytes", offset, n, len(data))
	}
	return nil
}

// Sync flushes both data and metadata to stable storage.
func (w *Writer) Sync() error {
	return w.file.Sync()
}

// TempPath returns the temp file's path.
func (w *Writer) TempPath() string {
	return w.tempPath
}

// Finalize closes the file and atomically renames it to finalPath.
// Rename fails (rather than silently falling back to copy) when
// tempPath and finalPath are on different filesystems.
func (w *Writer) Finalize(finalPath string) error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close temp file before finalize: %w", err)
	}
	if err := os.Rename(w.tempPath, finalPath); err != nil {
		return fmt.Errorf("finalize rename %s -> %s: %w", w.tempPath, finalPath, err)
	}
	return nil
}

// Close closes the underlying file without renaming (used when
// abandoning a job, e.g. on pause, so the descriptor is released; the
// .part file and its bytes remain on disk for the next resume).
func (w *Writer) Close() error {
	return w.file.Close()
}
