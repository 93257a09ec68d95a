// Package logging provides structured logging configuration using log/slog.
//
// Every import run gets a run ID that is stored in the context by [WithRun].
// Loggers obtained through [FromContext] carry the run ID, the job name and the
// current task, so all entries of one run can be correlated in the log pipeline.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Setup configures the global slog logger based on level and format.
//
// Level values: "debug", "info", "warn", "error" (default: "info")
// Format values: "text", "json" (default: "text")
//
// Use "json" format in production for machine parsing (ELK, CloudWatch, etc.)
// Use "text" format in development for human readability.
func Setup(level, format string) {
	slog.SetDefault(New(os.Stdout, level, format))
}

// New builds a logger writing to w with the given level and format.
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}

	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(level string) slog.Level {
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

type ctxKey int

const (
	runKey ctxKey = iota
	taskKey
	loggerKey
)

type runInfo struct {
	id  string
	job string
}

// WithRun stores the run ID and job name in the context.
func WithRun(ctx context.Context, runID, job string) context.Context {
	return context.WithValue(ctx, runKey, runInfo{id: runID, job: job})
}

// WithTask stores the current task name in the context.
func WithTask(ctx context.Context, task string) context.Context {
	return context.WithValue(ctx, taskKey, task)
}

// WithLogger overrides the base logger used by FromContext.
// Tests use it to capture log output.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// RunID returns the run ID stored in the context, if any.
func RunID(ctx context.Context) string {
	info, _ := ctx.Value(runKey).(runInfo)
	return info.id
}

// FromContext returns a logger enriched with run context.
//
// When the context carries a run (see WithRun), the returned logger includes
// run_id and job in all entries; inside a task it also includes task.
//
// Usage:
//
//	func (t *openbareRuimte) Process(ctx context.Context, env *task.Env, row source.Row) task.Outcome {
//	    logger := logging.FromContext(ctx)
//	    logger.Warn("unknown type", "value", raw)
//	}
func FromContext(ctx context.Context) *slog.Logger {
	logger, ok := ctx.Value(loggerKey).(*slog.Logger)
	if !ok {
		logger = slog.Default()
	}

	if info, ok := ctx.Value(runKey).(runInfo); ok {
		logger = logger.With("run_id", info.id, "job", info.job)
	}
	if task, ok := ctx.Value(taskKey).(string); ok && task != "" {
		logger = logger.With("task", task)
	}

	return logger
}

// WithFields returns a logger with additional structured fields.
//
// This is useful for creating operation-specific loggers that carry
// consistent context through a multi-step process.
//
// Usage:
//
//	flushLogger := logging.WithFields(ctx,
//	    "entity_type", t.Name,
//	    "batch_size", size,
//	)
//	flushLogger.Info("flush started")
//	// ... later ...
//	flushLogger.Info("flush completed", "created", created)
func WithFields(ctx context.Context, args ...any) *slog.Logger {
	return FromContext(ctx).With(args...)
}
