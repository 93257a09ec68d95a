package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Amsterdam/bag-services/internal/metrics"
	"github.com/Amsterdam/bag-services/internal/registries"
	"github.com/Amsterdam/bag-services/internal/store"
	"github.com/Amsterdam/bag-services/internal/task"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List the registered import jobs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		for _, def := range registries.All() {
			fmt.Fprintf(out, "%-6s %s (%s)\n", def.Name, def.Description, cfg.Import.Dir(def.Name, def.DirName))
			for _, t := range def.Build(registries.Options{}).Tasks {
				fmt.Fprintf(out, "         - %s\n", t.Name())
			}
		}
		return nil
	},
}

var (
	dryRun bool
	asOf   string
)

var runCmd = &cobra.Command{
	Use:   "run <job>...",
	Short: "Run import jobs in the given order",
	Long: `Run import jobs in the given order. Each job gets its own cache and report.

A job that aborts does not stop the jobs after it; the command exits non-zero when
any job aborted. With --dry-run records are written to an in-memory store.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		defs := make([]registries.Definition, 0, len(args))
		for _, name := range args {
			def, ok := registries.Get(name)
			if !ok {
				return fmt.Errorf("unknown job %q", name)
			}
			defs = append(defs, def)
		}

		effective := cfg.Import.AsOf
		if asOf != "" {
			d, err := time.Parse("2006-01-02", asOf)
			if err != nil {
				return fmt.Errorf("invalid --as-of %q, want YYYY-MM-DD", asOf)
			}
			effective = d
		}

		ctx := cmd.Context()
		var st store.Store
		if dryRun {
			slog.Info("dry run: records are kept in memory")
			st = store.NewMemory()
		} else {
			pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()
			st = store.NewPostgres(pool)
		}

		runner := &task.Runner{
			Store:            st,
			BatchSize:        cfg.Import.BatchSize,
			SRID:             cfg.Import.SRID,
			AsOf:             effective,
			ProgressInterval: cfg.Import.ProgressInterval,
			MaxMessages:      cfg.Import.MaxMessages,
		}
		recorder := metrics.NewRecorder()

		var failed []string
		for _, def := range defs {
			opts := registries.Options{
				Dir:         cfg.Import.Dir(def.Name, def.DirName),
				CSVEncoding: cfg.Import.CSVEncoding,
				CSVLimit:    cfg.Import.CSVLimit,
			}
			report := runner.Run(ctx, def.Build(opts))
			logReport(report)
			recorder.ObserveJob(report)
			if !report.OK() {
				failed = append(failed, def.Name)
			}
			if ctx.Err() != nil {
				break
			}
		}

		pushMetrics(ctx, recorder)

		if len(failed) > 0 {
			return fmt.Errorf("jobs aborted: %s", strings.Join(failed, ", "))
		}
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "write to an in-memory store instead of the database")
	runCmd.Flags().StringVar(&asOf, "as-of", "", "effective date YYYY-MM-DD (default: IMPORT_AS_OF or today)")
}

// logReport writes the summary of a job run to the log.
func logReport(r *task.Report) {
	logger := slog.With("job", r.Job, "run_id", r.RunID)

	for _, t := range r.Tasks {
		args := []any{
			"task", t.Name,
			"processed", t.Processed,
			"created", t.Created,
			"skipped", t.Skipped,
			"errors", t.Errors,
		}
		for reason, n := range t.SkipReasons {
			args = append(args, "skip."+reason, n)
		}
		logger.Info("task summary", args...)
	}
	for _, u := range r.Unresolved {
		logger.Warn("unresolved references", "entity_type", u.EntityType, "count", u.Count)
	}
	if n := len(r.Flush.Missing); n > 0 {
		logger.Warn("merges without target", "count", n)
	}

	totals := r.Totals()
	summary := []any{
		"processed", totals.Processed,
		"created", totals.Created,
		"skipped", totals.Skipped,
		"errors", totals.Errors,
		"warnings", r.Count(task.LevelWarning),
		"dropped_messages", r.DroppedMessages,
		"stored", r.Flush.Created(),
		"merged", r.Flush.Merged(),
		"duration", r.Duration.Round(time.Millisecond),
	}
	if !r.OK() {
		logger.Error("job aborted", append(summary,
			"task", r.FailedTask,
			"error", r.Fatal,
			"retryable", store.IsRetryable(r.Fatal),
		)...)
		return
	}
	logger.Info("job completed", summary...)
}

// pushMetrics pushes the recorded metrics when a Pushgateway is configured.
// A failed push is logged and does not fail the command.
func pushMetrics(ctx context.Context, recorder *metrics.Recorder) {
	if cfg.Metrics.PushgatewayURL == "" {
		return
	}
	if err := recorder.Push(context.WithoutCancel(ctx), cfg.Metrics.PushgatewayURL, cfg.Metrics.Job); err != nil {
		slog.Warn("metrics not pushed", "error", err)
		return
	}
	slog.Debug("metrics pushed", "url", cfg.Metrics.PushgatewayURL)
}
