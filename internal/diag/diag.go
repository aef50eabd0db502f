// Package diag is sentinel's diagnostic side channel.
//
// Detection and sync must never interfere with the workflow that invoked
// them, so their failures are routed here instead of to exit codes or
// stdout. Diagnostics are structured (log/slog) and, when configured,
// written to a size-rotated file.
package diag

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the diagnostic logger.
type Options struct {
	// File is the rotating log file path. Empty disables file output.
	File string

	// Level is one of debug, info, warn, error (default: info)
	Level string

	// MaxSizeMB is the size at which the file is rotated (default: 10)
	MaxSizeMB int

	// MaxBackups is how many rotated files are kept (default: 3)
	MaxBackups int

	// MaxAgeDays is how long rotated files are kept (default: 28)
	MaxAgeDays int

	// Stderr mirrors diagnostics to standard error
	Stderr bool
}

// Logger is a configured diagnostic logger and the writer it owns.
type Logger struct {
	*slog.Logger
	closer io.Closer
}

// Close releases the rotating file, if any.
func (l *Logger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// New builds a Logger from opts. With neither a file nor stderr configured
// the logger discards everything.
func New(opts Options) (*Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	var (
		writers []io.Writer
		closer  io.Closer
	)

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, 10),
			MaxBackups: orDefault(opts.MaxBackups, 3),
			MaxAge:     orDefault(opts.MaxAgeDays, 28),
			Compress:   true,
		}
		writers = append(writers, rotator)
		closer = rotator
	}
	if opts.Stderr {
		writers = append(writers, os.Stderr)
	}

	if len(writers) == 0 {
		return &Logger{Logger: Discard()}, nil
	}

	handler := slog.NewTextHandler(io.MultiWriter(writers...), &slog.HandlerOptions{Level: level})
	return &Logger{Logger: slog.New(handler), closer: closer}, nil
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ParseLevel maps a level name to a slog.Level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Shield runs fn as a non-propagating error boundary. Errors and panics are
// logged under op and swallowed; Shield reports whether fn completed cleanly
// so callers can count outcomes, but never hands an error back.
func Shield(ctx context.Context, logger *slog.Logger, op string, fn func(ctx context.Context) error) (ok bool) {
	if logger == nil {
		logger = Discard()
	}

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "recovered panic",
				"op", op,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
			ok = false
		}
	}()

	if err := fn(ctx); err != nil {
		logger.WarnContext(ctx, "operation failed", "op", op, "error", err)
		return false
	}
	return true
}
