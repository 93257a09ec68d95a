package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/Amsterdam/bag-services/internal/cache"
	"github.com/Amsterdam/bag-services/internal/geometry"
	"github.com/Amsterdam/bag-services/internal/logging"
	"github.com/Amsterdam/bag-services/internal/resolve"
	"github.com/Amsterdam/bag-services/internal/source"
	"github.com/Amsterdam/bag-services/internal/store"
	"github.com/Amsterdam/bag-services/internal/validity"
)

// DefaultProgressInterval is the number of rows between progress log entries.
const DefaultProgressInterval = 100000

// Runner executes jobs against a store. Each run gets a fresh cache.
type Runner struct {
	Store            store.Store
	BatchSize        int       // Records per store call; defaults to cache.DefaultBatchSize
	SRID             int       // Project SRID; defaults to RD New
	AsOf             time.Time // Effective date for validity filtering; defaults to today
	ProgressInterval int       // Rows between progress log entries
	MaxMessages      int       // Messages kept per report; further messages are only counted
}

// progressReporter is implemented by readers that know how far into the file they are.
type progressReporter interface {
	Progress() int
}

// Run executes the job's tasks in order and returns the report. The report's Fatal
// field is set when the job was aborted.
func (r *Runner) Run(ctx context.Context, job Job) *Report {
	report := &Report{
		Job:         job.Name,
		RunID:       uuid.NewString(),
		Started:     time.Now(),
		maxMessages: r.MaxMessages,
	}
	ctx = logging.WithRun(ctx, report.RunID, job.Name)
	logger := logging.FromContext(ctx)

	if err := job.Validate(); err != nil {
		report.Fatal = err
		logger.Error("invalid job", "error", err)
		return report
	}

	c := cache.New(job.Catalog, r.Store, cache.WithBatchSize(r.BatchSize))
	env := &Env{
		Cache:      c,
		Normalizer: geometry.NewNormalizer(r.SRID),
		Store:      r.Store,
		Validity:   validity.NewChecker(r.AsOf),
		report:     report,
	}
	env.Resolver = resolve.New(c, func(w resolve.Warning) {
		env.record(Message{
			Level: LevelWarning,
			Task:  env.task,
			File:  w.File,
			Line:  w.Line,
			Text:  fmt.Sprintf("unresolved reference to %s %q", w.EntityType, w.NaturalKey),
		})
	})

	logger.Info("job started", "tasks", len(job.Tasks), "as_of", env.Validity.AsOf.Format("2006-01-02"))

	for _, t := range job.Tasks {
		env.task = t.Name()
		taskCtx := logging.WithTask(ctx, t.Name())

		tr, err := r.runTask(taskCtx, env, t)
		report.Tasks = append(report.Tasks, tr)
		if err != nil {
			report.Fatal = err
			report.FailedTask = t.Name()
			report.add(Message{Level: LevelError, Task: t.Name(), Text: err.Error()})
			p := store.Describe(err)
			logging.FromContext(taskCtx).Error("task failed, job aborted",
				"error", err,
				"code", p.Code,
				"retryable", p.Retryable,
			)
			break
		}
	}

	report.Unresolved = env.Resolver.Unresolved()
	report.Duration = time.Since(report.Started)

	totals := report.Totals()
	logger.Info("job finished",
		"ok", report.OK(),
		"processed", totals.Processed,
		"created", totals.Created,
		"skipped", totals.Skipped,
		"errors", totals.Errors,
		"messages", len(report.Messages)+report.DroppedMessages,
		"duration", report.Duration.Round(time.Millisecond),
	)
	return report
}

func (r *Runner) runTask(ctx context.Context, env *Env, t Task) (tr TaskReport, err error) {
	tr.Name = t.Name()
	start := time.Now()
	logger := logging.FromContext(ctx)
	logger.Info("task started")

	defer func() {
		tr.Duration = time.Since(start)
		if err == nil {
			logger.Info("task finished",
				"processed", tr.Processed,
				"created", tr.Created,
				"skipped", tr.Skipped,
				"errors", tr.Errors,
				"duration", tr.Duration.Round(time.Millisecond),
			)
		}
	}()

	if h, ok := t.(BeforeHook); ok {
		if err := guard(func() error { return h.Before(ctx, env) }); err != nil {
			return tr, fmt.Errorf("before: %w", err)
		}
	}

	switch tt := t.(type) {
	case RowTask:
		if err := r.processRows(ctx, env, tt, &tr); err != nil {
			return tr, err
		}
	case Runnable:
		if err := guard(func() error { return tt.Run(ctx, env) }); err != nil {
			return tr, err
		}
	}

	if h, ok := t.(AfterHook); ok {
		if err := guard(func() error { return h.After(ctx, env) }); err != nil {
			return tr, fmt.Errorf("after: %w", err)
		}
	}
	return tr, nil
}

func (r *Runner) processRows(ctx context.Context, env *Env, t RowTask, tr *TaskReport) error {
	src := t.Source()
	rd, err := src.Open(ctx)
	if err != nil {
		return fmt.Errorf("open %s: %w", src.Name(), err)
	}
	defer rd.Close()

	if b, ok := t.(Binder); ok {
		if err := b.Bind(rd.Schema()); err != nil {
			return fmt.Errorf("bind %s: %w", src.Name(), err)
		}
	}

	interval := r.ProgressInterval
	if interval <= 0 {
		interval = DefaultProgressInterval
	}
	progress, _ := rd.(progressReporter)
	logger := logging.FromContext(ctx)

	for {
		row, err := rd.Read(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			var rowErr *source.RowError
			if !errors.As(err, &rowErr) {
				return fmt.Errorf("read %s: %w", src.Name(), err)
			}
			tr.Processed++
			tr.Errors++
			tr.skip("malformed row")
			env.Error(ctx, source.Row{File: rowErr.File, Line: rowErr.Line}, "malformed row: %s", rowErr.Reason)
			continue
		}

		tr.Processed++
		out := processGuarded(ctx, env, t, row)
		switch out.Kind {
		case OutcomeAccepted:
			tr.Created++
		case OutcomeSkipped:
			tr.skip(out.Reason)
			logger.Debug("row skipped", "file", row.File, "line", row.Line, "reason", out.Reason)
		case OutcomeError:
			tr.Errors++
			tr.skip(out.Reason)
			env.Error(ctx, row, "%s", out.Reason)
		case OutcomeAbort:
			return fmt.Errorf("%s: %w", row, out.Err)
		}

		if tr.Processed%interval == 0 {
			args := []any{"processed", tr.Processed}
			if progress != nil {
				args = append(args, "percent", progress.Progress())
			}
			logger.Info("task progress", args...)
		}
	}
}

// processGuarded runs Process, turning a panic into a row error.
func processGuarded(ctx context.Context, env *Env, t RowTask, row source.Row) (out Outcome) {
	defer func() {
		if p := recover(); p != nil {
			logging.FromContext(ctx).Debug("panic processing row", "file", row.File, "line", row.Line, "stack", string(debug.Stack()))
			out = SkippedWithError(fmt.Sprintf("panic: %v", p))
		}
	}()
	return t.Process(ctx, env, row)
}

// guard runs fn, turning a panic into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return fn()
}
