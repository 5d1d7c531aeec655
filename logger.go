package lancevec

import (
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with lancevec-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// WithTable adds the table name to the logger.
func (l *Logger) WithTable(table string) *Logger {
	return &Logger{
		Logger: l.Logger.With("table", table),
	}
}

// LogAdd logs an add operation.
func (l *Logger) LogAdd(count int, firstLabel int64, duration time.Duration, err error) {
	if err != nil {
		l.Error("add failed", "count", count, "duration", duration, "error", err)
		return
	}
	l.Debug("add completed", "count", count, "first_label", firstLabel, "duration", duration)
}

// LogSearch logs a search operation.
func (l *Logger) LogSearch(k, results int, duration time.Duration, err error) {
	if err != nil {
		l.Error("search failed", "k", k, "duration", duration, "error", err)
		return
	}
	l.Debug("search completed", "k", k, "results", results, "duration", duration)
}

// LogDelete logs a delete operation.
func (l *Logger) LogDelete(count int, duration time.Duration, err error) {
	if err != nil {
		l.Error("delete failed", "count", count, "duration", duration, "error", err)
		return
	}
	l.Debug("delete completed", "count", count, "duration", duration)
}

// LogMerge logs a merge operation.
func (l *Logger) LogMerge(requested, merged int, duration time.Duration, err error) {
	if err != nil {
		l.Error("merge failed", "requested", requested, "merged", merged, "duration", duration, "error", err)
		return
	}
	l.Info("merge completed", "requested", requested, "merged", merged, "duration", duration)
}

// LogIndexBuild logs an index build operation.
func (l *Logger) LogIndexBuild(kind string, duration time.Duration, err error) {
	if err != nil {
		l.Error("index build failed", "kind", kind, "duration", duration, "error", err)
		return
	}
	l.Info("index build completed", "kind", kind, "duration", duration)
}

// LogCompact logs a compaction operation.
func (l *Logger) LogCompact(duration time.Duration, err error) {
	if err != nil {
		l.Error("compact failed", "duration", duration, "error", err)
		return
	}
	l.Info("compact completed", "duration", duration)
}
