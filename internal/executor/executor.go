// Package executor downloads all incomplete segments of a job with a
// bounded worker pool, writing each segment's bytes through storage
// and keeping the completion bitmap and per-host throttle/error
// counters current as results arrive.
package executor

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/datallboy/godlm/internal/control"
	"github.com/datallboy/godlm/internal/progress"
	"github.com/datallboy/godlm/internal/retry"
	"github.com/datallboy/godlm/internal/segment"
	"github.com/datallboy/godlm/internal/storage"
	"golang.org/x/time/rate"
)

// coalesceProgressEvery is the number of newly completed segments
// between progress-channel sends; persisting the bitmap on every
// single completion would make large segment counts churn the store.
const coalesceProgressEvery = 2

// Summary reports throttle and error counts accumulated during a run,
// consumed by the per-host adaptive policy after the job finishes.
type Summary struct {
	ThrottleEvents uint32
	ErrorEvents    uint32
}

// Options configures a Run call.
type Options struct {
	JobID         int64
	URL           string
	Headers       map[string]string
	HTTPClient    *http.Client
	MaxConcurrent int
	RetryPolicy   *retry.Policy
	RateLimiter   *rate.Limiter
	AbortToken    *control.Token
	Progress      *progress.Channel
	// InFlight, if non-nil, must have one entry per segment; Run stores
	// each segment's live byte count there as it downloads so a status
	// display can report bytes in flight, not just bytes completed.
	InFlight []atomic.Uint64
}

type job struct {
	index int
	seg   segment.Segment
}

type result struct {
	index int
	err   *retry.SegmentError
}

// Run downloads every segment not yet marked complete in bitmap,
// writing through writer and updating bitmap as results arrive. It
// returns the accumulated Summary regardless of outcome (even on
// error, partial counts are useful to the caller's adaptive policy)
// together with any error. control.ErrJobAborted itself is returned
// when opts.AbortToken is set mid-run; callers check for it with
// control.IsAborted.
func Run(ctx context.Context, opts Options, segments []segment.Segment, bitmap *segment.Bitmap, writer *storage.Writer) (Summary, error) {
	var summary Summary

	var incomplete []job
	for i, seg := range segments {
		if !bitmap.IsCompleted(i) {
			incomplete = append(incomplete, job{index: i, seg: seg})
		}
	}
	if len(incomplete) == 0 {
		return summary, nil
	}

	client := opts.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	numWorkers := opts.MaxConcurrent
	if numWorkers <= 0 || numWorkers > len(incomplete) {
		numWorkers = len(incomplete)
	}

	jobs := make(chan job, len(incomplete))
	for _, j := range incomplete {
		jobs <- j
	}
	close(jobs)

	results := make(chan result, len(incomplete))
	var abortRequested atomic.Bool

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				if abortRequested.Load() || opts.AbortToken.Requested() {
					results <- result{index: j.index, err: &retry.SegmentError{Transport: control.ErrJobAborted}}
					continue
				}
				var inFlight *atomic.Uint64
				if opts.InFlight != nil && j.index < len(opts.InFlight) {
					inFlight = &opts.InFlight[j.index]
				}
				attempt := func() *retry.SegmentError {
					return downloadOneSegment(ctx, client, opts.URL, opts.Headers, j.seg, writer, inFlight, opts.RateLimiter)
				}
				var segErr *retry.SegmentError
				if opts.RetryPolicy != nil {
					segErr = retry.Run(*opts.RetryPolicy, attempt)
				} else {
					segErr = attempt()
				}
				results <- result{index: j.index, err: segErr}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var firstErr error
	completedSinceSend := 0
	for res := range results {
		if res.err == nil {
			bitmap.SetCompleted(res.index)
			completedSinceSend++
			if opts.Progress != nil && completedSinceSend >= coalesceProgressEvery {
				opts.Progress.Send(progress.Update{JobID: opts.JobID, Bitmap: bitmap.Clone()})
				completedSinceSend = 0
			}
			continue
		}

		kind := retry.Classify(res.err)
		switch {
		case kind == retry.KindThrottled:
			summary.ThrottleEvents++
		case kind != retry.KindOther:
			summary.ErrorEvents++
		}

		if kind == retry.KindOther {
			abortRequested.Store(true)
		}

		if firstErr == nil {
			if control.IsAborted(res.err.Unwrap()) {
				firstErr = control.ErrJobAborted
			} else {
				firstErr = fmt.Errorf("segment %d: %w", res.index, res.err)
			}
		}
	}

	if completedSinceSend > 0 && opts.Progress != nil {
		opts.Progress.Send(progress.Update{JobID: opts.JobID, Bitmap: bitmap.Clone()})
	}

	return summary, firstErr
}
