// Package control implements job pause/cancel: a shared registry of
// abort tokens the scheduler consults during a download and an
// external client (CLI or local socket) sets.
package control

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/segmentio/ksuid"
)

// ErrJobAborted is returned by the download loop when a job's abort
// token was set while segments were still in flight.
var ErrJobAborted = errors.New("job aborted by user")

// IsAborted reports whether err is, or wraps, ErrJobAborted.
func IsAborted(err error) bool {
	return errors.Is(err, ErrJobAborted)
}

// Token is the abort flag passed into a running job. The zero value is
// unset; Requested reports the current state. Each Token carries a
// runID, a fresh ksuid minted at Register time, so every log line a
// single job run produces (probe, plan, execute, finalize) can be
// correlated even across the several goroutines a segmented download
// spreads across.
type Token struct {
	flag  atomic.Bool
	runID string
}

// RunID returns this run's correlation id. Stable for the lifetime of
// a single job run; a retried or resumed job gets a new one.
func (t *Token) RunID() string {
	if t == nil {
		return ""
	}
	return t.runID
}

// Requested reports whether abort has been requested.
func (t *Token) Requested() bool {
	if t == nil {
		return false
	}
	return t.flag.Load()
}

func (t *Token) set() {
	t.flag.Store(true)
}

// Registry maps a running job id to its abort token so a control
// client can request abort without holding a reference to the job
// itself.
type Registry struct {
	mu   sync.RWMutex
	jobs map[int64]*Token
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{jobs: make(map[int64]*Token)}
}

// Register creates and stores a fresh abort token for jobID, returning
// it for the scheduler to thread through the download. Call once per
// job run, before segments start.
func (r *Registry) Register(jobID int64) *Token {
	token := &Token{runID: ksuid.New().String()}
	r.mu.Lock()
	r.jobs[jobID] = token
	r.mu.Unlock()
	return token
}

// Unregister removes jobID's token once the job has finished, whatever
// the outcome.
func (r *Registry) Unregister(jobID int64) {
	r.mu.Lock()
	delete(r.jobs, jobID)
	r.mu.Unlock()
}

// RequestAbort sets the abort token for jobID, if it is currently
// registered. A request for a job that is not running (already
// finished, or never started) is a silent no-op.
func (r *Registry) RequestAbort(jobID int64) {
	r.mu.RLock()
	token := r.jobs[jobID]
	r.mu.RUnlock()
	if token != nil {
		token.set()
	}
}

// tokenFor returns jobID's token, or nil if it is not currently
// registered. Used for diagnostics (correlating a control command with
// the run it targets); abort requests still go through RequestAbort.
func (r *Registry) tokenFor(jobID int64) *Token {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.jobs[jobID]
}

// IsRunning reports whether jobID currently has a registered token.
func (r *Registry) IsRunning(jobID int64) bool {
	r.mu.RLock()
	_, ok := r.jobs[jobID]
	r.mu.RUnlock()
	return ok
}
