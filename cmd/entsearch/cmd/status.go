package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show store and index counts per kind",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd.Context(), cmd)
		},
	}
}

func runStatus(ctx context.Context, cmd *cobra.Command) error {
	app, err := openApp()
	if err != nil {
		return err
	}
	defer app.Close()

	out := cmd.OutOrStdout()
	fmt.Fprint(out, app.cfg.String())

	total, err := app.index.DocCount()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "indexed documents: %d\n\n", total)

	fmt.Fprintf(out, "%-20s %12s %12s\n", "kind", "store rows", "indexed")
	for _, k := range app.registry.Kinds() {
		rows, err := app.store.Count(ctx, k.Name)
		if err != nil {
			return err
		}
		indexed, err := app.index.CountKind(ctx, k.Name)
		if err != nil {
			return err
		}
		marker := ""
		if uint64(rows) != indexed {
			marker = "  (out of sync, run reindex)"
		}
		fmt.Fprintf(out, "%-20s %12d %12d%s\n", k.Name, rows, indexed, marker)
	}
	return nil
}
