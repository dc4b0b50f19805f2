// pibraind is the pi-brain daemon: it watches agent session logs, runs the
// analysis pipeline, and maintains the knowledge graph.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Whamp/pi-brain-sub000/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "pibraind",
	Short: "Background knowledge-graph daemon for agent session logs",
	Long: `pibraind watches append-only agent session logs, segments them into
nodes, invokes the configured analyzer, and maintains a knowledge graph of
lessons, failures, and model quirks in a local SQLite+JSON store.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"config file (default $PI_BRAIN_CONFIG, then <data-dir>/config.yaml)")
	rootCmd.AddCommand(startCmd, stopCmd, statusCmd, migrateCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
