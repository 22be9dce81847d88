package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mbox-drill/config"
	"github.com/dhcgn/mbox-drill/filter"
	"github.com/dhcgn/mbox-drill/index"
	"github.com/dhcgn/mbox-drill/mbox"
	"github.com/dhcgn/mbox-drill/progress"
	"github.com/dhcgn/mbox-drill/runner"
	"github.com/dhcgn/mbox-drill/stats"
)

var errInterrupted = errors.New("indexing interrupted")

var indexCmd = &cobra.Command{
	Use:   "index <mbox file> <index file>",
	Short: "Scan an mbox archive and write its index",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, cleanup, err := prepare(cmd)
		if err != nil {
			return err
		}
		defer func() {
			_ = cleanup()
		}()
		cfg.Index.MboxPath = args[0]
		cfg.Index.IndexPath = args[1]

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		logger.Info("starting index", "mbox", cfg.Index.MboxPath, "index", cfg.Index.IndexPath)
		_, err = runIndex(ctx, cfg, logger, true)
		return err
	},
}

func init() {
	config.RegisterIndexFlags(indexCmd)
	rootCmd.AddCommand(indexCmd)
}

type indexResult struct {
	RunID  string
	Status index.RunStatus
	Counts index.Counts
}

// runIndex performs one ingestion run. With interactive set it draws the
// progress bar (at info level) and prints the summary.
func runIndex(ctx context.Context, cfg config.Config, logger *slog.Logger, interactive bool) (indexResult, error) {
	size, err := mbox.Size(cfg.Index.MboxPath)
	if err != nil {
		return indexResult{}, err
	}
	source, err := filepath.Abs(cfg.Index.MboxPath)
	if err != nil {
		source = cfg.Index.MboxPath
	}

	r := runner.New(ctx, logger)
	stats.NewReporter(r, logger)

	bar := progress.New(size, interactive && !cfg.Index.NoProgress && cfg.LogLevel == "info")
	reporter := progress.NewProgressReporter(r, bar, logger)

	readerOpts := mbox.Options{
		Path:            cfg.Index.MboxPath,
		MaxMessageBytes: cfg.Index.MaxMessageBytes,
		KeepFromQuoting: cfg.Index.KeepFromQuoting,
		Filter: filter.Options{
			IncludeHeader: cfg.Index.IncludeHeader,
			IncludeBody:   cfg.Index.IncludeBody,
			ExcludeHeader: cfg.Index.ExcludeHeader,
			ExcludeBody:   cfg.Index.ExcludeBody,
			SkipLabels:    cfg.Index.SkipLabels,
		},
	}
	if _, err := mbox.NewProducer(readerOpts, r, logger); err != nil {
		return indexResult{}, fmt.Errorf("mbox.NewProducer: %w", err)
	}

	w, err := index.Create(ctx, cfg.Index.IndexPath, index.Options{
		Overwrite: cfg.Index.Force,
		BatchSize: cfg.Index.BatchSize,
	})
	if err != nil {
		return indexResult{}, err
	}

	runID, err := w.StartRun(ctx, source)
	if err != nil {
		_ = w.Close()
		return indexResult{}, err
	}
	ing, err := index.NewIngester(w, r)
	if err != nil {
		_ = w.Close()
		return indexResult{}, fmt.Errorf("index.NewIngester: %w", err)
	}

	runErr := r.Start()
	closeErr := w.Close()

	res := indexResult{RunID: runID, Status: ing.Status(), Counts: ing.Counts()}
	if interactive {
		reporter.PrintSummary(string(res.Status))
	}

	if err := errors.Join(runErr, closeErr); err != nil {
		return res, err
	}
	if res.Status == index.RunInterrupted {
		return res, fmt.Errorf("%w after %d messages; the index holds what was committed", errInterrupted, res.Counts.Scanned)
	}
	return res, nil
}
