package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lodeworks/entsearch/internal/mass"
	"github.com/lodeworks/entsearch/internal/progress"
)

// reindexOptions holds CLI flags for reindex.
type reindexOptions struct {
	kinds          []string
	parallelKinds  int
	loaderThreads  int
	builderThreads int
	batchSize      int
	idFetchSize    int
	limit          int64
	noPurge        bool
	noMerge        bool
	factory        string
	quiet          bool
}

func newReindexCmd() *cobra.Command {
	var opts reindexOptions

	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the search index from the backing store",
		Long: `Rebuild the search index by scanning entity tables.

The rebuild runs outside any transaction: searches during the run see
partial results until it completes.

Examples:
  entsearch reindex
  entsearch reindex --kind products --kind authors
  entsearch reindex --parallel-kinds 2 --loader-threads 8
  entsearch reindex --limit 1000   # smoke test on large tables`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runReindex(cmd.Context(), cmd, opts)
		},
	}

	cmd.Flags().StringSliceVarP(&opts.kinds, "kind", "k", nil, "Kind to reindex (repeatable, default: all)")
	cmd.Flags().IntVar(&opts.parallelKinds, "parallel-kinds", 0, "Kinds rebuilt concurrently")
	cmd.Flags().IntVar(&opts.loaderThreads, "loader-threads", 0, "Record loader workers per kind")
	cmd.Flags().IntVar(&opts.builderThreads, "builder-threads", 0, "Document builder workers per kind")
	cmd.Flags().IntVar(&opts.batchSize, "batch-size", 0, "Records per load batch")
	cmd.Flags().IntVar(&opts.idFetchSize, "id-fetch-size", 0, "Primary keys per producer page")
	cmd.Flags().Int64Var(&opts.limit, "limit", 0, "Cap records per kind (0 = all)")
	cmd.Flags().BoolVar(&opts.noPurge, "no-purge", false, "Skip purging each kind before reindexing")
	cmd.Flags().BoolVar(&opts.noMerge, "no-merge", false, "Skip segment compaction after the run")
	cmd.Flags().StringVar(&opts.factory, "factory", "", "Mass indexer factory (default: from config)")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "Suppress the progress display")

	return cmd
}

func runReindex(ctx context.Context, cmd *cobra.Command, opts reindexOptions) error {
	app, err := openApp()
	if err != nil {
		return err
	}
	defer app.Close()

	runOpts := app.cfg.Mass.Options
	if len(opts.kinds) > 0 {
		runOpts.Kinds = opts.kinds
	}
	if opts.parallelKinds > 0 {
		runOpts.ParallelKinds = opts.parallelKinds
	}
	if opts.loaderThreads > 0 {
		runOpts.LoaderThreads = opts.loaderThreads
	}
	if opts.builderThreads > 0 {
		runOpts.BuilderThreads = opts.builderThreads
	}
	if opts.batchSize > 0 {
		runOpts.BatchSize = opts.batchSize
	}
	if opts.idFetchSize > 0 {
		runOpts.IDFetchSize = opts.idFetchSize
	}
	if opts.limit > 0 {
		runOpts.Limit = opts.limit
	}
	if opts.noPurge {
		runOpts.PurgeAllOnStart = false
	}
	if opts.noMerge {
		runOpts.MergeOnFinish = false
	}
	runOpts.LockPath = resolvePath(app.cfg.Mass.Options.LockPath)

	monitor := progress.Monitor(progress.NewLogMonitor(slog.Default(), 5000))
	if !opts.quiet {
		monitor = progress.NewMulti(monitor, progress.NewRenderer(os.Stderr))
	}
	runOpts.Monitor = monitor

	factory := app.cfg.Mass.Factory
	if opts.factory != "" {
		factory = opts.factory
	}

	runner, err := mass.NewRunner(factory, mass.Deps{
		Store:    app.store,
		Writer:   app.index,
		Registry: app.registry,
	}, runOpts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runner.Run(ctx); err != nil {
		return fmt.Errorf("reindex failed: %w", err)
	}

	total, err := app.index.DocCount()
	if err == nil {
		fmt.Fprintf(cmd.OutOrStdout(), "reindex complete: %d documents\n", total)
	}
	return nil
}
