package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Whamp/pi-brain-sub000/internal/storage/sqlite"
)

var migrateRebuild bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply schema migrations and show the ledger",
	Long: `Open the database, apply any pending migrations, and print the
migration ledger. With --rebuild, relational rows and the search index are
re-derived from the JSON side-store afterwards.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := context.Background()
		log := slog.New(slog.NewTextHandler(io.Discard, nil))

		store, err := sqlite.New(ctx, cfg.DatabasePath(), cfg.NodesDir(), log)
		if err != nil {
			return fmt.Errorf("failed to open store: %w", err)
		}
		defer store.Close()

		ledger, err := store.ListMigrationStatus(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, m := range ledger {
			if m.Reason != "" {
				fmt.Fprintf(w, "%s\t%s\t(%s)\n", m.Name, m.Status, m.Reason)
			} else {
				fmt.Fprintf(w, "%s\t%s\n", m.Name, m.Status)
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}

		if migrateRebuild {
			n, err := store.RebuildIndex(ctx)
			if err != nil {
				return fmt.Errorf("failed to rebuild index: %w", err)
			}
			fmt.Printf("rebuilt index from %d node files\n", n)
		}
		return nil
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateRebuild, "rebuild", false,
		"re-derive relational rows and FTS from the JSON side-store")
}
