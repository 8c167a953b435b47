// Package observability provides the structured logging and metrics used
// across the supervisor binary and pulse driver.
package observability

import (
	"io"
	"log/slog"
	"os"
)

// LogConfig configures the process-wide logger.
type LogConfig struct {
	Level     string // debug, info, warn, error
	Format    string // text, json
	Output    io.Writer
	AddSource bool
}

// DefaultLogConfig returns the logger configuration used when nothing is
// overridden by flags or config file.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:  "info",
		Format: "text",
		Output: os.Stderr,
	}
}

// NewLogger builds a slog.Logger per cfg. Format "json" is used for
// non-interactive invocations (cron, pulse background runs); "text" for
// interactive CLI use.
func NewLogger(cfg LogConfig) *slog.Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	} else {
		handler = slog.NewTextHandler(cfg.Output, opts)
	}
	return slog.New(handler)
}

// NewNop returns a logger that discards all output, for tests.
func NewNop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func parseLevel(s string) slog.Level {
	switch s {
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

// WithTask returns a logger annotated with a task id, used by pulse and the
// dispatcher so every log line in a task's lifecycle carries its id.
func WithTask(l *slog.Logger, taskID string) *slog.Logger {
	return l.With("task_id", taskID)
}

// WithBatch returns a logger annotated with a batch id.
func WithBatch(l *slog.Logger, batchID string) *slog.Logger {
	return l.With("batch_id", batchID)
}
