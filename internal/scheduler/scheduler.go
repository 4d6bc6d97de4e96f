// Package scheduler orchestrates a single job end to end: claim, probe,
// validate, plan, download, and finalize, and drives the parallel
// multi-job loop on top of the same per-job logic.
package scheduler

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/datallboy/godlm/internal/budget"
	"github.com/datallboy/godlm/internal/config"
	"github.com/datallboy/godlm/internal/control"
	"github.com/datallboy/godlm/internal/domain"
	"github.com/datallboy/godlm/internal/executor"
	"github.com/datallboy/godlm/internal/filename"
	"github.com/datallboy/godlm/internal/hostpolicy"
	"github.com/datallboy/godlm/internal/logger"
	"github.com/datallboy/godlm/internal/probe"
	"github.com/datallboy/godlm/internal/progress"
	"github.com/datallboy/godlm/internal/resume"
	"github.com/datallboy/godlm/internal/retry"
	"github.com/datallboy/godlm/internal/segment"
	"github.com/datallboy/godlm/internal/storage"
	"github.com/datallboy/godlm/internal/store"
	"golang.org/x/time/rate"
)

// StatsObserver receives a progress snapshot every time a job's bitmap
// is durably updated. Implementations must return quickly; the
// scheduler calls it synchronously from the progress-drain goroutine.
type StatsObserver func(jobID int64, stats progress.Stats)

// Scheduler bundles the dependencies a job run needs: the job store,
// the shared adaptive host policy, the global connection budget, the
// pause/cancel registry, and static configuration.
type Scheduler struct {
	Store      *store.Store
	Config     *config.Config
	Control    *control.Registry
	Log        *logger.Logger
	Budget     *budget.Budget
	HostPolicy *hostpolicy.Policy
	OnProgress StatsObserver

	hostPolicyMu sync.Mutex
	probe        probe.Client
}

// New builds a Scheduler from its dependencies. Budget may be nil for
// a standalone single-job run with no cross-job contention.
func New(st *store.Store, cfg *config.Config, ctrl *control.Registry, log *logger.Logger, bud *budget.Budget) *Scheduler {
	return &Scheduler{
		Store:      st,
		Config:     cfg,
		Control:    ctrl,
		Log:        log,
		Budget:     bud,
		HostPolicy: hostpolicy.New(cfg.HostPolicy.MinSegments, cfg.HostPolicy.MaxSegments),
	}
}

// RunOptions are the per-invocation knobs a CLI caller can set.
type RunOptions struct {
	ForceRestart bool
	Overwrite    bool
}

// chooseSegmentCount clamps the adaptive recommendation into [min, max]
// and, for small files, further down to at most one segment per byte.
func chooseSegmentCount(totalSize uint64, minSeg, maxSeg, adaptive int) int {
	n := adaptive
	if n < minSeg {
		n = minSeg
	}
	if n > maxSeg {
		n = maxSeg
	}
	if n < 1 {
		n = 1
	}
	if totalSize == 0 {
		return n
	}
	if uint64(n) > totalSize {
		n = int(totalSize)
	}
	return n
}

func retryPolicyFromConfig(cfg config.RetryConfig) retry.Policy {
	return retry.Policy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   time.Duration(cfg.BaseDelayMillis) * time.Millisecond,
		MaxDelay:    time.Duration(cfg.MaxDelaySecs) * time.Second,
	}
}

func mergedHeaders(settings domain.Settings) map[string]string {
	if len(settings.CustomHeaders) == 0 {
		return nil
	}
	out := make(map[string]string, len(settings.CustomHeaders))
	for k, v := range settings.CustomHeaders {
		out[k] = v
	}
	return out
}

func (s *Scheduler) downloadDirFor(job *domain.Job) string {
	if job.Settings.DownloadDir != "" {
		return job.Settings.DownloadDir
	}
	return s.Config.Download.OutDir
}

// RunJob runs a single job end to end: probe, validate, plan, download,
// finalize. jobID must name a job already present in the store; RunJob
// sets it to Running itself, so a job already claimed as Running (as
// RunParallel does) is accepted. On a user-requested abort, RunJob persists
// progress, transitions the job to Paused, and returns a nil error
// (Paused is a normal outcome, not a failure).
func (s *Scheduler) RunJob(ctx context.Context, jobID int64, opts RunOptions) error {
	if err := s.Store.SetState(ctx, jobID, domain.StateRunning); err != nil {
		return fmt.Errorf("claim job %d: %w", jobID, err)
	}
	job, err := s.Store.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %d: %w", jobID, err)
	}

	token := s.Control.Register(jobID)
	defer s.Control.Unregister(jobID)
	log := s.Log.WithRunID(token.RunID())
	log.Info("job %d: probing %s", jobID, job.URL)

	headers := mergedHeaders(job.Settings)
	result, err := probe.ProbeBestEffort(ctx, &s.probe, job.URL, headers)
	if err != nil {
		s.Store.SetState(ctx, jobID, domain.StateError)
		return fmt.Errorf("probe job %d: %w", jobID, err)
	}

	s.hostPolicyMu.Lock()
	_ = s.HostPolicy.RecordHeadResult(job.URL, result)
	s.hostPolicyMu.Unlock()

	remoteChanged := false
	if job.HasStoredValidators() {
		if verr := resume.ValidateForResume(job, result); verr != nil {
			if !opts.ForceRestart {
				s.Store.SetState(ctx, jobID, domain.StateError)
				return fmt.Errorf("job %d: %w", jobID, verr)
			}
			log.Info("job %d: force-restart discarding progress (%s)", jobID, verr)
			remoteChanged = true
		}
	}

	if !result.AcceptRanges {
		return s.runFallback(ctx, job, result, opts, headers, token)
	}
	if result.ContentLength == nil {
		s.Store.SetState(ctx, jobID, domain.StateError)
		return fmt.Errorf("job %d: server did not send a Content-Length", jobID)
	}

	downloadDir := s.downloadDirFor(job)
	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		s.Store.SetState(ctx, jobID, domain.StateError)
		return fmt.Errorf("create download dir %s: %w", downloadDir, err)
	}

	needsMetadata := job.TotalSize == nil || opts.ForceRestart || remoteChanged

	s.hostPolicyMu.Lock()
	adaptive := s.HostPolicy.AdaptiveSegmentCountForURL(job.URL)
	s.hostPolicyMu.Unlock()
	segCount := chooseSegmentCount(uint64(*result.ContentLength), s.Config.HostPolicy.MinSegments, s.Config.HostPolicy.MaxSegments, adaptive)

	if needsMetadata {
		finalName := job.FinalFilename
		if finalName == nil || opts.ForceRestart || remoteChanged {
			existing, lerr := s.Store.ListFinalFilenamesIn(ctx, downloadDir, jobID)
			if lerr != nil {
				existing = nil
			}
			existingSet := make(map[string]bool, len(existing))
			for _, n := range existing {
				existingSet[n] = true
			}
			derived := filename.AvoidCollision(filename.Derive(job.URL, result.ContentDisposition), existingSet)
			finalName = &derived
		}
		tempName := filename.TempName(*finalName)
		bitmap := segment.NewBitmap(segCount)
		totalSize := *result.ContentLength
		meta := store.Metadata{
			FinalFilename:   finalName,
			TempFilename:    &tempName,
			TotalSize:       &totalSize,
			ETag:            result.ETag,
			LastModified:    result.LastModified,
			SegmentCount:    segCount,
			CompletedBitmap: bitmap.ToBytes(segCount),
		}
		if err := s.Store.UpdateMetadata(ctx, jobID, meta); err != nil {
			s.Store.SetState(ctx, jobID, domain.StateError)
			return fmt.Errorf("update metadata for job %d: %w", jobID, err)
		}
		job, err = s.Store.Get(ctx, jobID)
		if err != nil {
			return fmt.Errorf("reload job %d: %w", jobID, err)
		}
	}

	totalSize := uint64(*job.TotalSize)
	segments := segment.Plan(totalSize, job.SegmentCount)
	bitmap := segment.FromBytes(job.CompletedBitmap, job.SegmentCount)

	tempPath := filepath.Join(downloadDir, *job.TempFilename)
	finalPath := filepath.Join(downloadDir, *job.FinalFilename)

	if needsMetadata {
		if _, statErr := os.Stat(tempPath); statErr == nil {
			if rmErr := os.Remove(tempPath); rmErr != nil {
				s.Store.SetState(ctx, jobID, domain.StateError)
				return fmt.Errorf("remove stale temp file for job %d: %w", jobID, rmErr)
			}
		}
	}

	resuming := false
	if _, statErr := os.Stat(tempPath); statErr == nil {
		resuming = true
	}
	if !resuming && !opts.Overwrite {
		if _, statErr := os.Stat(finalPath); statErr == nil {
			s.Store.SetState(ctx, jobID, domain.StateError)
			return fmt.Errorf("job %d: %s already exists; use overwrite to replace it", jobID, finalPath)
		}
	}

	var writer *storage.Writer
	if resuming {
		writer, err = storage.OpenExisting(tempPath)
	} else {
		writer, err = storage.Create(tempPath)
		if err == nil {
			err = writer.Preallocate(int64(totalSize))
		}
	}
	if err != nil {
		s.Store.SetState(ctx, jobID, domain.StateError)
		return fmt.Errorf("open storage for job %d: %w", jobID, err)
	}
	defer writer.Close()

	maxConcurrent := s.Config.Download.MaxConnectionsPerHost
	if s.Config.Download.MaxTotalConnections < maxConcurrent {
		maxConcurrent = s.Config.Download.MaxTotalConnections
	}
	if job.SegmentCount < maxConcurrent {
		maxConcurrent = job.SegmentCount
	}
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if s.Budget != nil {
		granted := s.Budget.Reserve(uint64(maxConcurrent))
		defer s.Budget.Release(granted)
		if granted > 0 {
			maxConcurrent = int(granted)
		} else {
			maxConcurrent = 1
		}
	}

	var limiter *rate.Limiter
	if s.Config.Download.MaxBytesPerSec > 0 {
		// The burst must cover one full read chunk (32 KiB), or WaitN
		// rejects every chunk when the cap is below that.
		burst := int(s.Config.Download.MaxBytesPerSec)
		if burst < 32*1024 {
			burst = 32 * 1024
		}
		limiter = rate.NewLimiter(rate.Limit(s.Config.Download.MaxBytesPerSec), burst)
	}

	inFlight := make([]atomic.Uint64, job.SegmentCount)
	pch := progress.NewChannel()
	startedAt := time.Now()

	var drainWG sync.WaitGroup
	drainWG.Add(1)
	go func() {
		defer drainWG.Done()
		for update := range pch.Updates() {
			blob := update.Bitmap.ToBytes(job.SegmentCount)
			if err := s.Store.UpdateBitmap(ctx, jobID, blob); err != nil {
				log.Warn("job %d: durable progress update failed: %v", jobID, err)
			}
			if s.OnProgress != nil {
				inFlightVals := make([]uint64, len(inFlight))
				for i := range inFlight {
					inFlightVals[i] = inFlight[i].Load()
				}
				stats := progress.StatsFromBitmap(update.Bitmap, segments, inFlightVals, totalSize, startedAt)
				s.OnProgress(jobID, stats)
			}
		}
	}()

	var bytesThisRun uint64
	for i, seg := range segments {
		if !bitmap.IsCompleted(i) {
			bytesThisRun += seg.Len()
		}
	}
	downloadStart := time.Now()

	policy := retryPolicyFromConfig(s.Config.Retry)
	summary, runErr := executor.Run(ctx, executor.Options{
		JobID:         jobID,
		URL:           job.URL,
		Headers:       headers,
		HTTPClient:    httpClientFor(),
		MaxConcurrent: maxConcurrent,
		RetryPolicy:   &policy,
		RateLimiter:   limiter,
		AbortToken:    token,
		Progress:      pch,
		InFlight:      inFlight,
	}, segments, bitmap, writer)

	pch.Close()
	drainWG.Wait()

	s.hostPolicyMu.Lock()
	_ = s.HostPolicy.RecordJobOutcome(job.URL, bytesThisRun, time.Since(downloadStart), summary.ThrottleEvents, summary.ErrorEvents)
	s.hostPolicyMu.Unlock()

	if runErr != nil {
		if control.IsAborted(runErr) {
			if err := writer.Sync(); err != nil {
				log.Warn("job %d: sync after abort failed: %v", jobID, err)
			}
			if err := s.persistBitmap(ctx, job, bitmap); err != nil {
				log.Warn("job %d: persist bitmap after abort failed: %v", jobID, err)
			}
			return s.Store.SetState(ctx, jobID, domain.StatePaused)
		}
		s.Store.SetState(ctx, jobID, domain.StateError)
		return fmt.Errorf("job %d: %w", jobID, runErr)
	}

	if err := writer.Sync(); err != nil {
		s.Store.SetState(ctx, jobID, domain.StateError)
		return fmt.Errorf("sync job %d: %w", jobID, err)
	}
	if err := s.persistBitmap(ctx, job, bitmap); err != nil {
		return fmt.Errorf("persist final bitmap for job %d: %w", jobID, err)
	}

	if bitmap.AllCompleted(job.SegmentCount) {
		if err := writer.Finalize(finalPath); err != nil {
			s.Store.SetState(ctx, jobID, domain.StateError)
			return fmt.Errorf("finalize job %d: %w", jobID, err)
		}
		log.Info("job %d completed: %s", jobID, finalPath)
		return s.Store.SetState(ctx, jobID, domain.StateCompleted)
	}
	return nil
}

func (s *Scheduler) persistBitmap(ctx context.Context, job *domain.Job, bitmap *segment.Bitmap) error {
	return s.Store.UpdateBitmap(ctx, job.ID, bitmap.ToBytes(job.SegmentCount))
}

// RecoverStrandedJobs resets every job left Running by a crashed
// previous process back to Queued. Call once at startup, before
// scheduling anything.
func (s *Scheduler) RecoverStrandedJobs(ctx context.Context) (int64, error) {
	return s.Store.RecoverRunning(ctx)
}

// LoadHostPolicySnapshot restores the adaptive host policy from the
// configured snapshot file. A missing file is not an error.
func (s *Scheduler) LoadHostPolicySnapshot() error {
	s.hostPolicyMu.Lock()
	defer s.hostPolicyMu.Unlock()
	return s.HostPolicy.LoadFile(s.Config.HostPolicy.SnapshotPath)
}

// SaveHostPolicySnapshot persists the adaptive host policy to the
// configured snapshot file. Call after a run finishes so the next
// process starts with what was learned.
func (s *Scheduler) SaveHostPolicySnapshot() error {
	s.hostPolicyMu.Lock()
	defer s.hostPolicyMu.Unlock()
	return s.HostPolicy.SaveFile(s.Config.HostPolicy.SnapshotPath)
}

// connectTimeout bounds how long dialing a segment's connection may
// take, matching the original curl-based downloader's
// connect_timeout(30).
const connectTimeout = 30 * time.Second

// httpClientFor builds the client every job download (segmented and
// fallback) issues requests through. It only bounds the dial itself;
// the per-request 1h hard ceiling and the low-speed stall guard are
// applied at the call site, since they need to reset on read progress
// rather than once at dial time.
func httpClientFor() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
		},
	}
}
