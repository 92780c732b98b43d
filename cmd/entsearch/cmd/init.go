package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/lodeworks/entsearch/internal/config"
	"github.com/lodeworks/entsearch/internal/entity"
)

func newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter entsearch.yaml",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInit(cmd, force)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing entsearch.yaml")

	return cmd
}

func runInit(cmd *cobra.Command, force bool) error {
	path := filepath.Join(flagDir, "entsearch.yaml")
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	cfg := config.New()
	// A worked example beats an empty kinds list.
	cfg.Kinds = []*entity.Kind{{
		Name:            "products",
		Table:           "products",
		IDColumn:        "id",
		TextColumns:     []string{"name", "description"},
		StoredColumns:   []string{"price"},
		UpdatedAtColumn: "updated_at",
	}}

	if err := cfg.WriteYAML(path); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\nedit the kinds section to match your schema, then run 'entsearch reindex'\n", path)
	return nil
}
