// Package logging wraps log/slog with the run and stage attributes used
// throughout testforge.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Logger is a structured logger. It is safe for concurrent use.
type Logger struct {
	logger *slog.Logger
	closer *fileCloser
}

type fileCloser struct {
	mu   sync.Mutex
	file *os.File
}

// New returns a Logger writing to w. format is "json" or "text".
func New(w io.Writer, level, format string) *Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	var h slog.Handler
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return &Logger{logger: slog.New(h)}
}

// NewFile returns a JSON Logger appending to path. The parent directory is
// created if needed.
func NewFile(path, level string) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	l := New(f, level, "json")
	l.closer = &fileCloser{file: f}
	return l, nil
}

// Nop returns a Logger that discards everything.
func Nop() *Logger {
	return New(io.Discard, "error", "text")
}

// ParseLevel converts a level name to a slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// With returns a child logger carrying the given key-value pairs.
func (l *Logger) With(args ...any) *Logger {
	if len(args) == 0 {
		return l
	}
	return &Logger{logger: l.logger.With(args...), closer: l.closer}
}

func (l *Logger) WithRun(runID string) *Logger {
	return l.With("run_id", runID)
}

func (l *Logger) WithStage(stage string) *Logger {
	return l.With("stage", stage)
}

func (l *Logger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }

// Slog exposes the underlying slog.Logger for libraries that accept one.
func (l *Logger) Slog() *slog.Logger { return l.logger }

// Close syncs and closes the log file, if any. Child loggers share the file,
// so closing any of them closes it for all.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	l.closer.mu.Lock()
	defer l.closer.mu.Unlock()
	if l.closer.file == nil {
		return nil
	}
	if err := l.closer.file.Sync(); err != nil {
		return fmt.Errorf("sync log file: %w", err)
	}
	err := l.closer.file.Close()
	l.closer.file = nil
	return err
}
