package executor

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/datallboy/godlm/internal/control"
	"github.com/datallboy/godlm/internal/retry"
	"github.com/datallboy/godlm/internal/segment"
	"github.com/datallboy/godlm/internal/storage"
)

func rangeServer(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "" {
			w.WriteHeader(http.StatusOK)
			w.Write(body)
			return
		}
		var start, end uint64
		fmt.Sscanf(rangeHeader, "bytes=%d-%d", &start, &end)
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(body)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body[start : end+1])
	}))
}

func TestRunDownloadsAllSegments(t *testing.T) {
	body := make([]byte, 1000)
	for i := range body {
		body[i] = byte(i % 251)
	}
	srv := rangeServer(t, body)
	defer srv.Close()

	segments := segment.Plan(uint64(len(body)), 4)
	bitmap := segment.NewBitmap(len(segments))

	dir := t.TempDir()
	writer, err := storage.Create(filepath.Join(dir, "out.bin.part"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := writer.Preallocate(int64(len(body))); err != nil {
		t.Fatalf("Preallocate: %v", err)
	}

	opts := Options{
		JobID:         1,
		URL:           srv.URL,
		HTTPClient:    srv.Client(),
		MaxConcurrent: 2,
	}
	summary, err := Run(context.Background(), opts, segments, bitmap, writer)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.ErrorEvents != 0 || summary.ThrottleEvents != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if !bitmap.AllCompleted(len(segments)) {
		t.Fatalf("not all segments completed")
	}

	final := filepath.Join(dir, "out.bin")
	if err := writer.Finalize(final); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	got, err := os.ReadFile(final)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(got) != len(body) {
		t.Fatalf("len = %d, want %d", len(got), len(body))
	}
	for i := range body {
		if got[i] != body[i] {
			t.Fatalf("byte %d = %d, want %d", i, got[i], body[i])
		}
	}
}

func TestRunSkipsAlreadyCompletedSegments(t *testing.T) {
	body := []byte("0123456789")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatalf("server should not be contacted when all segments complete")
	}))
	defer srv.Close()

	segments := segment.Plan(uint64(len(body)), 2)
	bitmap := segment.NewBitmap(len(segments))
	bitmap.SetCompleted(0)
	bitmap.SetCompleted(1)

	dir := t.TempDir()
	writer, err := storage.Create(filepath.Join(dir, "out.bin.part"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	opts := Options{URL: srv.URL, HTTPClient: srv.Client(), MaxConcurrent: 2}
	summary, err := Run(context.Background(), opts, segments, bitmap, writer)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary != (Summary{}) {
		t.Fatalf("expected empty summary, got %+v", summary)
	}
}

func TestRunNonRangedServerYieldsInvalidRange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("0123456789"))
	}))
	defer srv.Close()

	segments := segment.Plan(10, 2)
	bitmap := segment.NewBitmap(len(segments))

	dir := t.TempDir()
	writer, err := storage.Create(filepath.Join(dir, "out.bin.part"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	opts := Options{URL: srv.URL, HTTPClient: srv.Client(), MaxConcurrent: 2}
	_, err = Run(context.Background(), opts, segments, bitmap, writer)
	if err == nil {
		t.Fatalf("expected error for non-ranged server response")
	}
}

func TestRunHonorsAbortToken(t *testing.T) {
	body := make([]byte, 100)
	srv := rangeServer(t, body)
	defer srv.Close()

	segments := segment.Plan(uint64(len(body)), 4)
	bitmap := segment.NewBitmap(len(segments))

	dir := t.TempDir()
	writer, err := storage.Create(filepath.Join(dir, "out.bin.part"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	registry := control.NewRegistry()
	token := registry.Register(7)
	registry.RequestAbort(7)

	opts := Options{JobID: 7, URL: srv.URL, HTTPClient: srv.Client(), MaxConcurrent: 1, AbortToken: token}
	_, err = Run(context.Background(), opts, segments, bitmap, writer)
	if !control.IsAborted(err) {
		t.Fatalf("expected aborted error, got %v", err)
	}
}

func TestRunRetriesTransientFailures(t *testing.T) {
	body := []byte("0123456789")
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes 0-%d/%d", len(body)-1, len(body)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body)
	}))
	defer srv.Close()

	segments := segment.Plan(uint64(len(body)), 1)
	bitmap := segment.NewBitmap(len(segments))

	dir := t.TempDir()
	writer, err := storage.Create(filepath.Join(dir, "out.bin.part"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	policy := retry.Policy{MaxAttempts: 3, BaseDelay: 1, MaxDelay: 10}
	opts := Options{URL: srv.URL, HTTPClient: srv.Client(), MaxConcurrent: 1, RetryPolicy: &policy}
	_, err = Run(context.Background(), opts, segments, bitmap, writer)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if attempts.Load() != 2 {
		t.Fatalf("attempts = %d, want 2", attempts.Load())
	}
}
