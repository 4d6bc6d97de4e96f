package scheduler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/datallboy/godlm/internal/control"
	"github.com/datallboy/godlm/internal/domain"
	"github.com/datallboy/godlm/internal/executor"
	"github.com/datallboy/godlm/internal/filename"
	"github.com/datallboy/godlm/internal/probe"
	"github.com/datallboy/godlm/internal/progress"
	"github.com/datallboy/godlm/internal/storage"
	"github.com/datallboy/godlm/internal/store"
)

// fallbackReadBufferSize matches the segment executor's read chunk size.
const fallbackReadBufferSize = 32 * 1024

// runFallback performs a single sequential GET for servers that don't
// support Range requests. It honors the storage-writer contract, still
// reports progress as bytes written, and still completes the job on
// success. Entered only when the prober proves ranges are unsupported
// (§4.10.1); the scheduler never silently downgrades a failed ranged
// attempt into this path.
func (s *Scheduler) runFallback(ctx context.Context, job *domain.Job, result probe.Result, opts RunOptions, headers map[string]string, token *control.Token) error {
	jobID := job.ID
	log := s.Log.WithRunID(token.RunID())
	downloadDir := s.downloadDirFor(job)
	if err := os.MkdirAll(downloadDir, 0o755); err != nil {
		s.Store.SetState(ctx, jobID, domain.StateError)
		return fmt.Errorf("create download dir %s: %w", downloadDir, err)
	}

	finalName := job.FinalFilename
	if finalName == nil || opts.ForceRestart {
		existing, _ := s.Store.ListFinalFilenamesIn(ctx, downloadDir, jobID)
		existingSet := make(map[string]bool, len(existing))
		for _, n := range existing {
			existingSet[n] = true
		}
		derived := filename.AvoidCollision(filename.Derive(job.URL, result.ContentDisposition), existingSet)
		finalName = &derived
	}
	tempName := filename.TempName(*finalName)

	var totalSize *int64
	if result.ContentLength != nil {
		n := *result.ContentLength
		totalSize = &n
	}
	meta := store.Metadata{
		FinalFilename: finalName,
		TempFilename:  &tempName,
		TotalSize:     totalSize,
		ETag:          result.ETag,
		LastModified:  result.LastModified,
		SegmentCount:  0,
	}
	if err := s.Store.UpdateMetadata(ctx, jobID, meta); err != nil {
		s.Store.SetState(ctx, jobID, domain.StateError)
		return fmt.Errorf("update metadata for job %d: %w", jobID, err)
	}

	tempPath := filepath.Join(downloadDir, tempName)
	finalPath := filepath.Join(downloadDir, *finalName)

	if !opts.Overwrite {
		if _, statErr := os.Stat(finalPath); statErr == nil {
			s.Store.SetState(ctx, jobID, domain.StateError)
			return fmt.Errorf("job %d: %s already exists; use overwrite to replace it", jobID, finalPath)
		}
	}

	writer, err := storage.Create(tempPath)
	if err != nil {
		s.Store.SetState(ctx, jobID, domain.StateError)
		return fmt.Errorf("create storage for job %d: %w", jobID, err)
	}
	defer writer.Close()
	if totalSize != nil {
		if err := writer.Preallocate(*totalSize); err != nil {
			s.Store.SetState(ctx, jobID, domain.StateError)
			return fmt.Errorf("preallocate job %d: %w", jobID, err)
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, executor.RequestCeiling)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, job.URL, nil)
	if err != nil {
		s.Store.SetState(ctx, jobID, domain.StateError)
		return fmt.Errorf("build request for job %d: %w", jobID, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := httpClientFor()
	startedAt := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		s.Store.SetState(ctx, jobID, domain.StateError)
		return fmt.Errorf("GET job %d: %w", jobID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.Store.SetState(ctx, jobID, domain.StateError)
		return fmt.Errorf("job %d: unexpected status %d", jobID, resp.StatusCode)
	}

	var stalled atomic.Bool
	stallTimer := time.AfterFunc(executor.LowSpeedWindow, func() {
		stalled.Store(true)
		cancel()
	})
	defer stallTimer.Stop()
	speedGuard := executor.NewLowSpeedGuard(time.Now())

	var written int64
	buf := make([]byte, fallbackReadBufferSize)
	lastReport := time.Now()
	for {
		if token.Requested() {
			_ = writer.Sync()
			s.reportFallbackProgress(jobID, uint64(written), totalSize, startedAt)
			return s.Store.SetState(ctx, jobID, domain.StatePaused)
		}
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			stallTimer.Reset(executor.LowSpeedWindow)
			if speedGuard.Observe(time.Now(), n) {
				s.Store.SetState(ctx, jobID, domain.StateError)
				return fmt.Errorf("job %d: %w", jobID, &executor.ErrLowSpeed{Elapsed: executor.LowSpeedWindow})
			}
			if werr := writer.WriteAt(written, buf[:n]); werr != nil {
				s.Store.SetState(ctx, jobID, domain.StateError)
				return fmt.Errorf("write job %d: %w", jobID, werr)
			}
			written += int64(n)
			if s.OnProgress != nil && time.Since(lastReport) > 200*time.Millisecond {
				s.reportFallbackProgress(jobID, uint64(written), totalSize, startedAt)
				lastReport = time.Now()
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if stalled.Load() {
				s.Store.SetState(ctx, jobID, domain.StateError)
				return fmt.Errorf("job %d: %w", jobID, &executor.ErrLowSpeed{Elapsed: executor.LowSpeedWindow})
			}
			s.Store.SetState(ctx, jobID, domain.StateError)
			return fmt.Errorf("read job %d: %w", jobID, readErr)
		}
	}

	if err := writer.Sync(); err != nil {
		s.Store.SetState(ctx, jobID, domain.StateError)
		return fmt.Errorf("sync job %d: %w", jobID, err)
	}
	finalSize := written
	finalMeta := store.Metadata{
		FinalFilename: finalName,
		TempFilename:  &tempName,
		TotalSize:     &finalSize,
		ETag:          result.ETag,
		LastModified:  result.LastModified,
		SegmentCount:  0,
	}
	if err := s.Store.UpdateMetadata(ctx, jobID, finalMeta); err != nil {
		return fmt.Errorf("update final metadata for job %d: %w", jobID, err)
	}
	if err := writer.Finalize(finalPath); err != nil {
		s.Store.SetState(ctx, jobID, domain.StateError)
		return fmt.Errorf("finalize job %d: %w", jobID, err)
	}
	log.Info("job %d completed (non-segmented): %s", jobID, finalPath)
	return s.Store.SetState(ctx, jobID, domain.StateCompleted)
}

func (s *Scheduler) reportFallbackProgress(jobID int64, written uint64, totalSize *int64, startedAt time.Time) {
	if s.OnProgress == nil {
		return
	}
	var total uint64
	if totalSize != nil {
		total = uint64(*totalSize)
	}
	stats := progress.Stats{
		BytesDone:    written,
		TotalBytes:   total,
		ElapsedSecs:  time.Since(startedAt).Seconds(),
		SegmentsDone: 0,
		SegmentCount: 0,
	}
	if total > 0 && written >= total {
		stats.SegmentsDone = 1
		stats.SegmentCount = 1
	}
	s.OnProgress(jobID, stats)
}
