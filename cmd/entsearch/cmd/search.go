package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// searchOptions holds CLI flags for search.
type searchOptions struct {
	kind   string
	limit  int
	format string // "text", "json"
}

func newSearchCmd() *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the index",
		Long: `Run a full-text query against the index.

Examples:
  entsearch search "walnut desk lamp"
  entsearch search "lamp" --kind products --limit 5
  entsearch search "lamp" --format json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			return runSearch(cmd.Context(), cmd, query, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.kind, "kind", "k", "", "Restrict to one kind")
	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 10, "Maximum number of results")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "text", "Output format: text, json")

	return cmd
}

func runSearch(ctx context.Context, cmd *cobra.Command, query string, opts searchOptions) error {
	app, err := openApp()
	if err != nil {
		return err
	}
	defer app.Close()

	if opts.kind != "" {
		if _, ok := app.registry.Get(opts.kind); !ok {
			return fmt.Errorf("unknown kind %q (configured: %s)",
				opts.kind, strings.Join(app.registry.Names(), ", "))
		}
	}

	results, err := app.index.Search(ctx, query, opts.kind, opts.limit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if opts.format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	if len(results) == 0 {
		fmt.Fprintln(out, "no results")
		return nil
	}
	for i, r := range results {
		fmt.Fprintf(out, "%2d. %-24s score=%.3f\n", i+1, r.ID, r.Score)
		for col, val := range r.Fields {
			if len(val) > 80 {
				val = val[:80] + "..."
			}
			fmt.Fprintf(out, "      %s: %s\n", col, val)
		}
	}
	return nil
}
