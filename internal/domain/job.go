// Package domain holds the plain data types shared across the engine:
// the persistent Job record, its state machine, and the per-origin host
// key used by the adaptive policy.
package domain

import "fmt"

// JobState is the job's position in the state machine described in
// the job store's state transition table.
type JobState string

const (
	StateQueued    JobState = "queued"
	StateRunning   JobState = "running"
	StatePaused    JobState = "paused"
	StateCompleted JobState = "completed"
	StateError     JobState = "error"
)

// Settings carries the user-supplied, job-scoped options that are not
// part of the download's technical metadata.
type Settings struct {
	Note           string            `json:"note,omitempty"`
	CustomHeaders  map[string]string `json:"custom_headers,omitempty"`
	DownloadDir    string            `json:"download_dir,omitempty"`
}

// Job is the persistent record stored in the job table. Optional fields
// are nil until the metadata prober has run at least once.
type Job struct {
	ID              int64
	URL             string
	FinalFilename   *string
	TempFilename    *string
	TotalSize       *int64
	ETag            *string
	LastModified    *string
	SegmentCount    int
	CompletedBitmap []byte
	State           JobState
	CreatedAt       int64
	UpdatedAt       int64
	Settings        Settings
}

// HasStoredValidators reports whether the job has ever completed a
// metadata probe (used by the safe-resume validator to distinguish a
// fresh job from one being resumed).
func (j *Job) HasStoredValidators() bool {
	return j.TotalSize != nil || j.ETag != nil || j.LastModified != nil
}

// Summary is the projection returned by the store's list operation.
type Summary struct {
	ID            int64
	URL           string
	State         JobState
	FinalFilename *string
	TotalSize     *int64
}

func (s Summary) String() string {
	name := s.URL
	if s.FinalFilename != nil {
		name = *s.FinalFilename
	}
	return fmt.Sprintf("#%d %-9s %s", s.ID, s.State, name)
}
