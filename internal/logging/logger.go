// Package logging provides structured logging for the orchestrator using slog.
//
// Usage:
//
//	if err := logging.Init(stateRoot); err != nil {
//	    // fall back to stderr logging; Init never fails the caller
//	}
//	defer logging.Close()
//
//	ctx = logging.WithStage(ctx, stageID)
//	logging.Info(ctx, "stage queued", slog.String("reason", "deps satisfied"))
package logging

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// LevelEnvVar is the environment variable that controls log level.
const LevelEnvVar = "WEFT_LOG_LEVEL"

// FileName is the daemon log file, relative to the state root (see §6 of
// SPEC_FULL.md: "orchestrator.log # daemon stdout/stderr").
const FileName = "orchestrator.log"

var (
	mu           sync.RWMutex
	logger       *slog.Logger
	logFile      *os.File
	logBufWriter *bufio.Writer
)

// Init opens the daemon log file under stateRoot and starts a buffered JSON
// logger. If the file cannot be opened, logging falls back to stderr — Init
// itself never returns an error that should abort startup.
func Init(stateRoot string) error {
	mu.Lock()
	defer mu.Unlock()

	closeLocked()

	level := parseLevel(os.Getenv(LevelEnvVar))

	if err := os.MkdirAll(stateRoot, 0o750); err != nil {
		logger = newLogger(os.Stderr, level)
		return fmt.Errorf("creating state root for logs: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(stateRoot, FileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		logger = newLogger(os.Stderr, level)
		return fmt.Errorf("opening daemon log: %w", err)
	}

	logFile = f
	logBufWriter = bufio.NewWriterSize(f, 8192)
	logger = newLogger(logBufWriter, level)
	return nil
}

// Close flushes and closes the log file. Safe to call multiple times.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	closeLocked()
}

func closeLocked() {
	if logBufWriter != nil {
		_ = logBufWriter.Flush()
		logBufWriter = nil
	}
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
}

func getLogger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if logger == nil {
		return slog.Default()
	}
	return logger
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

func parseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Debug logs at DEBUG with context values automatically extracted.
func Debug(ctx context.Context, msg string, attrs ...any) { log(ctx, slog.LevelDebug, msg, attrs...) }

// Info logs at INFO with context values automatically extracted.
func Info(ctx context.Context, msg string, attrs ...any) { log(ctx, slog.LevelInfo, msg, attrs...) }

// Warn logs at WARN with context values automatically extracted.
func Warn(ctx context.Context, msg string, attrs ...any) { log(ctx, slog.LevelWarn, msg, attrs...) }

// Error logs at ERROR with context values automatically extracted.
func Error(ctx context.Context, msg string, attrs ...any) { log(ctx, slog.LevelError, msg, attrs...) }

// LogDuration logs msg with a duration_ms attribute measured from start.
// Intended for use with defer:
//
//	defer logging.LogDuration(ctx, slog.LevelInfo, "merge completed", time.Now())
func LogDuration(ctx context.Context, level slog.Level, msg string, start time.Time, attrs ...any) {
	all := append([]any{slog.Int64("duration_ms", time.Since(start).Milliseconds())}, attrs...)
	log(ctx, level, msg, all...)
}

func log(ctx context.Context, level slog.Level, msg string, attrs ...any) {
	l := getLogger()

	var all []any
	if v := StageIDFromContext(ctx); v != "" {
		all = append(all, slog.String("stage_id", v))
	}
	if v := SessionIDFromContext(ctx); v != "" {
		all = append(all, slog.String("session_id", v))
	}
	if v := ComponentFromContext(ctx); v != "" {
		all = append(all, slog.String("component", v))
	}
	all = append(all, attrs...)

	l.Log(ctx, level, msg, all...)
}
