// Package bench implements the "bench" command: downloads a capped
// byte range of a URL at several segment counts and reports which one
// achieved the best throughput, without fully downloading the file
// multiple times.
package bench

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/datallboy/godlm/internal/config"
	"github.com/datallboy/godlm/internal/executor"
	"github.com/datallboy/godlm/internal/probe"
	"github.com/datallboy/godlm/internal/retry"
	"github.com/datallboy/godlm/internal/segment"
	"github.com/datallboy/godlm/internal/storage"
)

// DefaultCapBytes bounds how much of the file each trial segment count
// downloads, so a bench run stays fast on large files.
const DefaultCapBytes = 20 * 1024 * 1024

var segmentCountsToTry = []int{4, 8, 16}

// Result is the outcome of one trial at a given segment count.
type Result struct {
	SegmentCount    int
	BytesDownloaded uint64
	ElapsedSecs     float64
	ThroughputMiBs  float64
	ThrottleEvents  uint32
	ErrorEvents     uint32
}

// Run probes url, then downloads up to capBytes (0 means
// DefaultCapBytes, further capped by the resource's actual size) at
// each of 4, 8, and 16 segments into a discarded temp file, returning
// one Result per segment count actually attempted.
func Run(ctx context.Context, url string, headers map[string]string, cfg *config.Config, capBytes uint64) ([]Result, error) {
	result, err := probe.ProbeBestEffort(ctx, &probe.Client{}, url, headers)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", url, err)
	}
	if !result.AcceptRanges {
		return nil, fmt.Errorf("server does not support Range requests (Accept-Ranges: bytes)")
	}
	if result.ContentLength == nil {
		return nil, fmt.Errorf("server did not send Content-Length")
	}
	totalSize := uint64(*result.ContentLength)
	if totalSize == 0 {
		return nil, fmt.Errorf("content length is 0")
	}

	cap := capBytes
	if cap == 0 {
		cap = DefaultCapBytes
	}
	if cap > totalSize {
		cap = totalSize
	}

	retryPolicy := retry.Policy{MaxAttempts: cfg.Retry.MaxAttempts, BaseDelay: time.Duration(cfg.Retry.BaseDelayMillis) * time.Millisecond, MaxDelay: time.Duration(cfg.Retry.MaxDelaySecs) * time.Second}

	tempDir, err := os.MkdirTemp("", "godlm-bench-*")
	if err != nil {
		return nil, fmt.Errorf("create bench temp dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	var results []Result
	for _, requested := range segmentCountsToTry {
		segmentCount := requested
		if uint64(segmentCount) > cap {
			segmentCount = int(cap)
		}
		if segmentCount < 1 {
			segmentCount = 1
		}

		segments := segment.Plan(cap, segmentCount)
		if len(segments) == 0 {
			continue
		}

		tempPath := filepath.Join(tempDir, fmt.Sprintf("trial-%d.part", requested))
		writer, err := storage.Create(tempPath)
		if err != nil {
			return nil, fmt.Errorf("create trial storage: %w", err)
		}
		if err := writer.Preallocate(int64(cap)); err != nil {
			writer.Close()
			return nil, fmt.Errorf("preallocate trial storage: %w", err)
		}
		bitmap := segment.NewBitmap(len(segments))

		maxConcurrent := segmentCount
		if maxConcurrent > cfg.Download.MaxConnectionsPerHost {
			maxConcurrent = cfg.Download.MaxConnectionsPerHost
		}
		if maxConcurrent > cfg.Download.MaxTotalConnections {
			maxConcurrent = cfg.Download.MaxTotalConnections
		}

		start := time.Now()
		summary, runErr := executor.Run(ctx, executor.Options{
			URL:           url,
			Headers:       headers,
			MaxConcurrent: maxConcurrent,
			RetryPolicy:   &retryPolicy,
		}, segments, bitmap, writer)
		elapsed := time.Since(start).Seconds()
		writer.Close()

		var bytesDownloaded uint64
		if runErr == nil {
			bytesDownloaded = cap
		} else {
			for i, seg := range segments {
				if bitmap.IsCompleted(i) {
					bytesDownloaded += seg.Len()
				}
			}
		}

		var throughput float64
		if elapsed > 0 && bytesDownloaded > 0 {
			throughput = (float64(bytesDownloaded) / 1_048_576.0) / elapsed
		}

		results = append(results, Result{
			SegmentCount:    segmentCount,
			BytesDownloaded: bytesDownloaded,
			ElapsedSecs:     elapsed,
			ThroughputMiBs:  throughput,
			ThrottleEvents:  summary.ThrottleEvents,
			ErrorEvents:     summary.ErrorEvents,
		})
	}

	return results, nil
}

// Recommend picks the best-throughput trial among those with no
// errors, falling back to the best throughput overall if every trial
// saw errors. Returns false if results is empty.
func Recommend(results []Result) (int, bool) {
	if len(results) == 0 {
		return 0, false
	}
	best, ok := bestBy(results, func(r Result) bool { return r.ErrorEvents == 0 })
	if !ok {
		best, ok = bestBy(results, func(Result) bool { return true })
	}
	if !ok {
		return 0, false
	}
	return best.SegmentCount, true
}

func bestBy(results []Result, include func(Result) bool) (Result, bool) {
	var best Result
	found := false
	for _, r := range results {
		if !include(r) {
			continue
		}
		if !found || r.ThroughputMiBs > best.ThroughputMiBs {
			best = r
			found = true
		}
	}
	return best, found
}
