package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Amsterdam/bag-services/internal/metrics"
	"github.com/Amsterdam/bag-services/internal/registries"
	"github.com/Amsterdam/bag-services/internal/search"
	"github.com/Amsterdam/bag-services/internal/store"
)

var indexOutput string

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Export searchable objects as Elasticsearch bulk documents",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		output := cfg.Search.Output
		if indexOutput != "" {
			output = indexOutput
		}

		pool, err := connect(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		f, err := os.Create(output)
		if err != nil {
			return fmt.Errorf("create %s: %w", output, err)
		}

		indexer := search.NewIndexer(store.NewPostgres(pool))
		indexer.Index = cfg.Search.Index

		stats, err := indexer.Write(ctx, f, registries.Searchable())
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close %s: %w", output, cerr)
		}
		if err != nil {
			return err
		}

		recorder := metrics.NewRecorder()
		recorder.ObserveIndex(stats.Documents)
		pushMetrics(ctx, recorder)

		slog.Info("search documents written",
			"output", output,
			"documents", stats.Total(),
			"duration", stats.Duration.Round(time.Millisecond),
		)
		return nil
	},
}

func init() {
	indexCmd.Flags().StringVarP(&indexOutput, "output", "o", "", "bulk file to write (default: SEARCH_OUTPUT)")
}
