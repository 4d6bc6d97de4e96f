package control

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestListenAndServeAppliesPauseCommand(t *testing.T) {
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "control.sock")
	registry := NewRegistry()
	token := registry.Register(5)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go ListenAndServe(ctx, sockPath, registry, nil)
	waitForSocket(t, sockPath)

	if err := SendCommand(sockPath, "pause", 5); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for !token.Requested() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !token.Requested() {
		t.Fatalf("expected abort token to be set after pause command")
	}
}

func TestSendCommandToMissingSocketIsNoop(t *testing.T) {
	if err := SendCommand("/nonexistent/path/control.sock", "pause", 1); err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
}

func TestParseCommand(t *testing.T) {
	cases := []struct {
		line    string
		wantID  int64
		wantOK  bool
	}{
		{"pause 7", 7, true},
		{"cancel 12", 12, true},
		{"pause abc", 0, false},
		{"unknown 1", 0, false},
		{"", 0, false},
	}
	for _, c := range cases {
		id, ok := parseCommand(c.line)
		if ok != c.wantOK || (ok && id != c.wantID) {
			t.Errorf("parseCommand(%q) = (%d, %v), want (%d, %v)", c.line, id, ok, c.wantID, c.wantOK)
		}
	}
}

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("control socket never appeared at %s", path)
}
