package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lodeworks/entsearch/internal/session"
	"github.com/lodeworks/entsearch/internal/watch"
)

func newWatchCmd() *cobra.Command {
	var (
		reconcile bool
		debounce  time.Duration
		poll      time.Duration
		once      bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep the index in step with the backing store",
		Long: `Watch the SQLite database for changes and refresh the index
incrementally using each kind's updated_at column.

Kinds without an updated_at_column are skipped; use --reconcile to also
purge documents whose rows were deleted.

Examples:
  entsearch watch
  entsearch watch --reconcile --poll 10s
  entsearch watch --once   # single refresh cycle, then exit`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWatch(cmd.Context(), cmd, reconcile, debounce, poll, once)
		},
	}

	cmd.Flags().BoolVar(&reconcile, "reconcile", false, "Purge documents whose store rows are gone")
	cmd.Flags().DurationVar(&debounce, "debounce", 0, "Delay after the last file event before refreshing")
	cmd.Flags().DurationVar(&poll, "poll", 0, "Forced refresh interval without file events")
	cmd.Flags().BoolVar(&once, "once", false, "Run one refresh cycle and exit")

	return cmd
}

func runWatch(ctx context.Context, cmd *cobra.Command, reconcile bool, debounce, poll time.Duration, once bool) error {
	app, err := openApp()
	if err != nil {
		return err
	}
	defer app.Close()

	sess, err := session.New(app.registry, app.index, session.Options{
		AutoFlushThreshold: app.cfg.Session.AutoFlushThreshold,
		HashCacheSize:      app.cfg.Session.HashCacheSize,
	})
	if err != nil {
		return err
	}

	watchOpts := app.cfg.Watch
	if reconcile {
		watchOpts.Reconcile = true
	}
	if debounce > 0 {
		watchOpts.Debounce = debounce
	}
	if poll > 0 {
		watchOpts.PollInterval = poll
	}

	w := watch.New(app.store, sess, app.index, app.registry,
		resolvePath(app.cfg.Store.Path), watchOpts)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if once {
		n, err := w.RefreshOnce(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "refreshed %d records\n", n)
		return nil
	}

	err = w.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
