package bench

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/datallboy/godlm/internal/config"
)

func rangeCapableServer(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		rangeHdr := r.Header.Get("Range")
		if rangeHdr == "" {
			w.Header().Set("Content-Length", strconv.Itoa(len(body)))
			w.WriteHeader(http.StatusOK)
			w.Write(body)
			return
		}
		var start, end int
		if _, err := fmt.Sscanf(rangeHdr, "bytes=%d-%d", &start, &end); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if end >= len(body) {
			end = len(body) - 1
		}
		chunk := body[start : end+1]
		w.Header().Set("Content-Range", "bytes "+strconv.Itoa(start)+"-"+strconv.Itoa(end)+"/"+strconv.Itoa(len(body)))
		w.Header().Set("Content-Length", strconv.Itoa(len(chunk)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(chunk)
	}))
}

func TestRunProducesOneResultPerSegmentCount(t *testing.T) {
	body := make([]byte, 4096)
	for i := range body {
		body[i] = byte(i % 256)
	}
	srv := rangeCapableServer(t, body)
	defer srv.Close()

	cfg := &config.Config{Download: config.DownloadConfig{MaxTotalConnections: 16, MaxConnectionsPerHost: 16}, Retry: config.RetryConfig{MaxAttempts: 1, BaseDelayMillis: 1, MaxDelaySecs: 1}}
	results, err := Run(t.Context(), srv.URL, nil, cfg, uint64(len(body)))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("len(results) = %d, want 3", len(results))
	}
	for _, r := range results {
		if r.BytesDownloaded != uint64(len(body)) {
			t.Fatalf("segment count %d downloaded %d bytes, want %d", r.SegmentCount, r.BytesDownloaded, len(body))
		}
		if r.ErrorEvents != 0 {
			t.Fatalf("segment count %d reported %d errors", r.SegmentCount, r.ErrorEvents)
		}
	}
}

func TestRunRejectsServerWithoutRangeSupport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := &config.Config{Download: config.DownloadConfig{MaxTotalConnections: 4, MaxConnectionsPerHost: 4}, Retry: config.RetryConfig{MaxAttempts: 1, BaseDelayMillis: 1, MaxDelaySecs: 1}}
	if _, err := Run(t.Context(), srv.URL, nil, cfg, 0); err == nil {
		t.Fatalf("expected error for a server without range support")
	}
}

func TestRecommendPrefersNoErrors(t *testing.T) {
	results := []Result{
		{SegmentCount: 4, ThroughputMiBs: 1.0, ErrorEvents: 0},
		{SegmentCount: 16, ThroughputMiBs: 2.0, ErrorEvents: 1},
	}
	got, ok := Recommend(results)
	if !ok || got != 4 {
		t.Fatalf("Recommend = (%d, %v), want (4, true)", got, ok)
	}
}

func TestRecommendFallsBackWhenAllHaveErrors(t *testing.T) {
	results := []Result{
		{SegmentCount: 8, ThroughputMiBs: 2.0, ErrorEvents: 1},
		{SegmentCount: 4, ThroughputMiBs: 1.0, ErrorEvents: 1},
	}
	got, ok := Recommend(results)
	if !ok || got != 8 {
		t.Fatalf("Recommend = (%d, %v), want (8, true)", got, ok)
	}
}

func TestRecommendEmptyResults(t *testing.T) {
	if _, ok := Recommend(nil); ok {
		t.Fatalf("expected ok=false for empty results")
	}
}
