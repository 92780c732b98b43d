// Package cmd provides the CLI commands for entsearch.
package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lodeworks/entsearch/internal/config"
	"github.com/lodeworks/entsearch/internal/entity"
	"github.com/lodeworks/entsearch/internal/index"
	"github.com/lodeworks/entsearch/internal/logging"
	"github.com/lodeworks/entsearch/internal/store"
	"github.com/lodeworks/entsearch/pkg/version"
)

var (
	flagDir      string
	flagLogLevel string

	loggingCleanup func()
)

// NewRootCmd creates the root command for the entsearch CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "entsearch",
		Short: "Full-text search index maintenance for SQLite-backed entities",
		Long: `entsearch keeps a Bleve full-text index in step with entity tables in
a SQLite database.

Define your indexable kinds in entsearch.yaml, run 'entsearch reindex'
for a full rebuild, and 'entsearch watch' to keep the index fresh while
the application writes.`,
		Version:       version.Short(),
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.SetVersionTemplate("entsearch version {{.Version}}\n")

	cmd.PersistentFlags().StringVarP(&flagDir, "dir", "C", ".", "Project directory holding entsearch.yaml")
	cmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Override the configured log level")

	cmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error { return nil }
	cmd.PersistentPostRun = func(_ *cobra.Command, _ []string) {
		if loggingCleanup != nil {
			loggingCleanup()
			loggingCleanup = nil
		}
	}

	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newReindexCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

// app bundles the opened resources a command works with.
type app struct {
	cfg      *config.Config
	registry *entity.Registry
	store    *store.SQLiteStore
	index    *index.BleveIndex
}

// openApp loads the configuration and opens store and index. The caller
// must Close.
func openApp() (*app, error) {
	cfg, err := config.Load(flagDir)
	if err != nil {
		return nil, err
	}
	if flagLogLevel != "" {
		cfg.Log.Level = flagLogLevel
	}

	cleanup, err := logging.SetupDefault(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("cannot set up logging: %w", err)
	}
	loggingCleanup = cleanup

	if len(cfg.Kinds) == 0 {
		return nil, fmt.Errorf("no kinds configured; add a kinds section to entsearch.yaml or run 'entsearch init'")
	}

	registry, err := cfg.Registry()
	if err != nil {
		return nil, err
	}

	st, err := store.Open(resolvePath(cfg.Store.Path), registry, store.Options{
		ReadTimeout: cfg.Store.ReadTimeout,
		BusyTimeout: cfg.Store.BusyTimeout,
		CacheSizeMB: cfg.Store.CacheSizeMB,
	})
	if err != nil {
		return nil, err
	}

	idx, err := index.Open(resolvePath(cfg.Index.Path), cfg.Index.Tuning)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	return &app{
		cfg:      cfg,
		registry: registry,
		store:    st,
		index:    idx,
	}, nil
}

func (a *app) Close() {
	_ = a.index.Close()
	_ = a.store.Close()
}

// resolvePath anchors relative configured paths at the project directory.
func resolvePath(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(flagDir, path)
}
