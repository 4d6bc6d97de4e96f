package scheduler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/datallboy/godlm/internal/budget"
	"github.com/datallboy/godlm/internal/config"
	"github.com/datallboy/godlm/internal/control"
	"github.com/datallboy/godlm/internal/domain"
	"github.com/datallboy/godlm/internal/logger"
	"github.com/datallboy/godlm/internal/store"
)

func newTestScheduler(t *testing.T, outDir string) (*Scheduler, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "jobs.db"))
	if err != nil {
		t.Fatalf("Open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	log, err := logger.New(filepath.Join(t.TempDir(), "test.log"), logger.LevelDebug, false)
	if err != nil {
		t.Fatalf("New logger: %v", err)
	}

	cfg := &config.Config{
		Download:   config.DownloadConfig{OutDir: outDir, MaxTotalConnections: 8, MaxConnectionsPerHost: 4},
		HostPolicy: config.HostPolicyConfig{MinSegments: 2, MaxSegments: 4, SnapshotPath: filepath.Join(t.TempDir(), "hp.json")},
		Retry:      config.RetryConfig{MaxAttempts: 2, BaseDelayMillis: 1, MaxDelaySecs: 1},
	}
	sched := New(st, cfg, control.NewRegistry(), log, budget.New(8))
	return sched, st
}

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

func TestRunJobDownloadsAndCompletesSegmentedJob(t *testing.T) {
	body := make([]byte, 500)
	for i := range body {
		body[i] = byte(i % 251)
	}
	srv := rangeCapableServer(t, body)
	defer srv.Close()

	outDir := t.TempDir()
	sched, st := newTestScheduler(t, outDir)
	ctx := context.Background()

	id, err := st.Add(ctx, srv.URL+"/file.bin", domain.Settings{})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := sched.RunJob(ctx, id, RunOptions{}); err != nil {
		t.Fatalf("RunJob: %v", err)
	}

	job, err := st.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.State != domain.StateCompleted {
		t.Fatalf("State = %q, want completed", job.State)
	}

	finalPath := filepath.Join(outDir, *job.FinalFilename)
	data, err := os.ReadFile(finalPath)
	if err != nil {
		t.Fatalf("ReadFile final: %v", err)
	}
	if len(data) != len(body) {
		t.Fatalf("len(data) = %d, want %d", len(data), len(body))
	}
	for i := range body {
		if data[i] != body[i] {
			t.Fatalf("byte %d mismatch: got %d want %d", i, data[i], body[i])
		}
	}
}

func TestRunJobFallsBackForNonRangedServer(t *testing.T) {
	body := []byte("a non-ranged response body used for the fallback path")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}))
	defer srv.Close()

	outDir := t.TempDir()
	sched, st := newTestScheduler(t, outDir)
	ctx := context.Background()

	id, err := st.Add(ctx, srv.URL+"/plain.bin", domain.Settings{})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := sched.RunJob(ctx, id, RunOptions{}); err != nil {
		t.Fatalf("RunJob: %v", err)
	}

	job, err := st.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.State != domain.StateCompleted {
		t.Fatalf("State = %q, want completed", job.State)
	}
	data, err := os.ReadFile(filepath.Join(outDir, *job.FinalFilename))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != string(body) {
		t.Fatalf("data = %q, want %q", data, body)
	}
}

func TestRunJobRefusesOverwriteWithoutOptIn(t *testing.T) {
	body := []byte("hello world")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}))
	defer srv.Close()

	outDir := t.TempDir()
	sched, st := newTestScheduler(t, outDir)
	ctx := context.Background()

	id, err := st.Add(ctx, srv.URL+"/clash.bin", domain.Settings{})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := os.WriteFile(filepath.Join(outDir, "clash.bin"), []byte("existing"), 0644); err != nil {
		t.Fatalf("pre-seed existing file: %v", err)
	}

	if err := sched.RunJob(ctx, id, RunOptions{}); err == nil {
		t.Fatalf("expected error refusing to overwrite existing file")
	}

	job, err := st.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if job.State != domain.StateError {
		t.Fatalf("State = %q, want error", job.State)
	}
}

func TestRunParallelDrainsQueue(t *testing.T) {
	body := []byte("parallel run body content for testing purposes")
	srv := rangeCapableServer(t, body)
	defer srv.Close()

	outDir := t.TempDir()
	sched, st := newTestScheduler(t, outDir)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := st.Add(ctx, srv.URL+"/"+strconv.Itoa(i)+".bin", domain.Settings{}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	ran, err := sched.RunParallel(ctx, 2, RunOptions{})
	if err != nil {
		t.Fatalf("RunParallel: %v", err)
	}
	if ran != 3 {
		t.Fatalf("ran = %d, want 3", ran)
	}

	list, err := st.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for _, sum := range list {
		if sum.State != domain.StateCompleted {
			t.Fatalf("job %d state = %q, want completed", sum.ID, sum.State)
		}
	}
}
