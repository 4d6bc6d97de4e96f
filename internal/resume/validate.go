// Package resume implements the safe-resume validator: a pure
// comparison between a job's stored validators and a fresh probe
// result, refusing to resume over changed remote content.
package resume

import (
	"fmt"
	"strings"

	"github.com/datallboy/godlm/internal/domain"
	"github.com/datallboy/godlm/internal/probe"
)

// ChangedFields records exactly which validators differ between the
// stored job and the fresh probe.
type ChangedFields struct {
	ETag         bool
	LastModified bool
	Size         bool
}

func (c ChangedFields) any() bool { return c.ETag || c.LastModified || c.Size }

// RemoteChangedError is returned when any stored validator no longer
// matches the current probe.
type RemoteChangedError struct {
	Changed ChangedFields
}

func (e *RemoteChangedError) Error() string {
	var parts []string
	if e.Changed.ETag {
		parts = append(parts, "ETag")
	}
	if e.Changed.LastModified {
		parts = append(parts, "Last-Modified")
	}
	if e.Changed.Size {
		parts = append(parts, "size")
	}
	joined := strings.Join(parts, ", ")
	return fmt.Sprintf("remote resource changed (%s); use force-restart to discard progress and re-download", joined)
}

// ValidateForResume returns nil if job has no stored validators (a
// fresh job) or if every stored validator still matches result.
// Otherwise it returns a *RemoteChangedError naming which fields
// changed. A missing-vs-present mismatch on any field counts as changed.
func ValidateForResume(job *domain.Job, result probe.Result) error {
	if !job.HasStoredValidators() {
		return nil
	}

	etagChanged := stringPtrChanged(job.ETag, result.ETag)
	lastModifiedChanged := stringPtrChanged(job.LastModified, result.LastModified)
	sizeChanged := sizeChanged(job.TotalSize, result.ContentLength)

	changed := ChangedFields{ETag: etagChanged, LastModified: lastModifiedChanged, Size: sizeChanged}
	if !changed.any() {
		return nil
	}
	return &RemoteChangedError{Changed: changed}
}

func stringPtrChanged(a, b *string) bool {
	switch {
	case a == nil && b == nil:
		return false
	case a != nil && b != nil:
		return *a != *b
	default:
		return true
	}
}

func sizeChanged(storedSize *int64, probedLen *int64) bool {
	switch {
	case storedSize == nil && probedLen == nil:
		return false
	case storedSize != nil && probedLen != nil:
		return *storedSize != *probedLen
	default:
		return true
	}
}
