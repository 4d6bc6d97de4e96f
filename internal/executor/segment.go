package executor

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/datallboy/godlm/internal/retry"
	"github.com/datallboy/godlm/internal/segment"
	"github.com/datallboy/godlm/internal/storage"
	"golang.org/x/time/rate"
)

const readBufferSize = 32 * 1024

// downloadOneSegment issues a single ranged GET for seg and streams the
// body into writer at the segment's file offset. No byte is written
// until the response is validated: a ranged request must receive
// exactly HTTP 206, and a Content-Range header, when the response
// carries one, must match the requested range, since a server that silently ignores Range and returns 200 with the
// full body would otherwise corrupt the file at this segment's offset.
// The request is bounded by RequestCeiling overall and by
// LowSpeedWindow of sub-LowSpeedLimitBytesPerSec throughput, the same
// two guards the original curl-based downloader applied per easy
// handle.
func downloadOneSegment(ctx context.Context, client *http.Client, url string, headers map[string]string, seg segment.Segment, writer *storage.Writer, inFlight *atomic.Uint64, limiter *rate.Limiter) *retry.SegmentError {
	reqCtx, cancel := context.WithTimeout(ctx, RequestCeiling)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return &retry.SegmentError{Transport: err}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	endInclusive := seg.End - 1
	req.Header.Set("Range", "bytes="+strconv.FormatUint(seg.Start, 10)+"-"+strconv.FormatUint(endInclusive, 10))

	resp, err := client.Do(req)
	if err != nil {
		return &retry.SegmentError{Transport: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &retry.SegmentError{HTTPStatus: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusPartialContent {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &retry.SegmentError{InvalidRange: true, HTTPStatus: resp.StatusCode}
	}
	if start, end, ok := parseContentRange(resp.Header.Get("Content-Range")); ok {
		if start != seg.Start || end != endInclusive {
			return &retry.SegmentError{InvalidRange: true, HTTPStatus: resp.StatusCode}
		}
	}

	var stalled atomic.Bool
	stallTimer := time.AfterFunc(LowSpeedWindow, func() {
		stalled.Store(true)
		cancel()
	})
	defer stallTimer.Stop()
	speedGuard := NewLowSpeedGuard(time.Now())

	var written uint64
	buf := make([]byte, readBufferSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			stallTimer.Reset(LowSpeedWindow)
			if speedGuard.Observe(time.Now(), n) {
				return &retry.SegmentError{Transport: &ErrLowSpeed{Elapsed: LowSpeedWindow}}
			}
			if limiter != nil {
				if waitErr := limiter.WaitN(reqCtx, n); waitErr != nil {
					return &retry.SegmentError{Transport: waitErr}
				}
			}
			if writeErr := writer.WriteAt(int64(seg.Start+written), buf[:n]); writeErr != nil {
				return &retry.SegmentError{Storage: writeErr}
			}
			written += uint64(n)
			if inFlight != nil {
				inFlight.Store(written)
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			if stalled.Load() {
				return &retry.SegmentError{Transport: &ErrLowSpeed{Elapsed: LowSpeedWindow}}
			}
			return &retry.SegmentError{Transport: readErr}
		}
	}

	if expected := seg.Len(); written != expected {
		return &retry.SegmentError{Partial: true, Expected: expected, Received: written}
	}
	return nil
}

// parseContentRange parses "bytes start-end/total" or "bytes start-end/*"
// and returns the inclusive start/end.
func parseContentRange(value string) (start, end uint64, ok bool) {
	value = strings.TrimSpace(value)
	rest := strings.TrimPrefix(value, "bytes")
	rest = strings.TrimSpace(rest)
	rangePart, _, found := strings.Cut(rest, "/")
	if !found {
		return 0, 0, false
	}
	s, e, found := strings.Cut(rangePart, "-")
	if !found {
		return 0, 0, false
	}
	startVal, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, 0, false
	}
	endVal, err := strconv.ParseUint(strings.TrimSpace(e), 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return startVal, endVal, true
}
