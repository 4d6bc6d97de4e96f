package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug": LevelDebug,
		"DEBUG": LevelDebug,
		"warn":  LevelWarn,
		"error": LevelError,
		"info":  LevelInfo,
		"":      LevelInfo,
		"huh":   LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLogFiltersBelowLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	l, err := New(path, LevelWarn, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Debug("should not appear")
	l.Info("also should not appear")
	l.Warn("this appears")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	out := string(data)
	if strings.Contains(out, "should not appear") {
		t.Fatalf("log below threshold was written: %q", out)
	}
	if !strings.Contains(out, "this appears") {
		t.Fatalf("log at threshold missing: %q", out)
	}
	if !strings.Contains(out, "[WARN]") {
		t.Fatalf("missing level prefix: %q", out)
	}
}

func TestWriteAdaptsToInfoLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	l, err := New(path, LevelInfo, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	n, err := l.Write([]byte("hello from a writer\n"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != len("hello from a writer\n") {
		t.Fatalf("n = %d", n)
	}

	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "hello from a writer") {
		t.Fatalf("Write did not log message: %q", data)
	}
}

func TestWriteIgnoresBlankInput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	l, err := New(path, LevelInfo, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Write([]byte("   \n"))

	data, _ := os.ReadFile(path)
	if len(data) != 0 {
		t.Fatalf("expected no log output for blank input, got %q", data)
	}
}
