// Package logger is a small leveled file logger with an optional
// stdout echo, adapted from the teacher's infra logger to carry a
// per-run correlation id through every line a job's goroutines write.
package logger

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

// Logger writes leveled, timestamped lines to a file, optionally
// echoing Info-and-above lines to stdout. A Logger returned by
// WithRunID stamps runID on every line it writes, so a job run's
// lines can be grepped out of the shared log file without every
// call site formatting the id into its own message by hand.
type Logger struct {
	fileLogger    *log.Logger
	level         Level
	includeStdout bool
	runID         string
}

// New opens (or creates/appends to) filePath and returns a Logger that
// drops anything below level and, if includeStdout, also prints
// Info-and-above lines to stdout.
func New(filePath string, level Level, includeStdout bool) (*Logger, error) {
	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", filePath, err)
	}

	return &Logger{
		fileLogger:    log.New(f, "", 0),
		level:         level,
		includeStdout: includeStdout,
	}, nil
}

// WithRunID returns a derived Logger that stamps every line it writes
// with runID (typically a job run's control.Token.RunID()). The
// parent Logger is left untouched, so a run-scoped logger can be
// handed to one job's goroutines while siblings keep logging under
// their own run id, or none.
func (l *Logger) WithRunID(runID string) *Logger {
	scoped := *l
	scoped.runID = runID
	return &scoped
}

func (l *Logger) log(lvl Level, prefix string, format string, v ...any) {
	if lvl < l.level {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05")
	msg := fmt.Sprintf(format, v...)
	var fullMsg string
	if l.runID != "" {
		fullMsg = fmt.Sprintf("%s [%s] [run %s] %s", timestamp, prefix, l.runID, msg)
	} else {
		fullMsg = fmt.Sprintf("%s [%s] %s", timestamp, prefix, msg)
	}

	l.fileLogger.Println(fullMsg)

	// Progress output writes raw to stdout without a trailing newline,
	// so log lines get a leading one to avoid running together.
	if l.includeStdout && lvl >= LevelInfo {
		fmt.Printf("\n%s", fullMsg)
	}
}

// ParseLevel maps a config string to a Level, defaulting to Info for
// anything unrecognized.
func ParseLevel(lvl string) Level {
	switch strings.ToLower(lvl) {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l *Logger) Debug(f string, v ...any) { l.log(LevelDebug, "DEBUG", f, v...) }
func (l *Logger) Info(f string, v ...any)  { l.log(LevelInfo, "INFO", f, v...) }
func (l *Logger) Warn(f string, v ...any)  { l.log(LevelWarn, "WARN", f, v...) }
func (l *Logger) Error(f string, v ...any) { l.log(LevelError, "ERROR", f, v...) }
func (l *Logger) Fatal(f string, v ...any) { l.log(LevelFatal, "FATAL", f, v...); os.Exit(1) }

// Write adapts Logger to io.Writer: each non-blank write is logged as
// one Info line with surrounding whitespace trimmed.
func (l *Logger) Write(p []byte) (n int, err error) {
	msg := strings.TrimSpace(string(p))
	if msg != "" {
		l.Info("%s", msg)
	}
	return len(p), nil
}
