package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Whamp/pi-brain-sub000/internal/daemon"
	"github.com/Whamp/pi-brain-sub000/internal/queue"
	"github.com/Whamp/pi-brain-sub000/internal/storage/sqlite"
)

var statusJSON bool

// statusReport is the machine-readable status payload.
type statusReport struct {
	Running  bool         `json:"running"`
	PID      int          `json:"pid,omitempty"`
	DataDir  string       `json:"dataDir"`
	Database string       `json:"database"`
	Queue    *queue.Stats `json:"queue,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and queue status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		report := statusReport{DataDir: cfg.DataDir, Database: cfg.DatabasePath()}
		if pid, err := daemon.ReadPID(cfg.PIDPath()); err == nil && daemon.Alive(pid) {
			report.Running = true
			report.PID = pid
		}

		// WAL mode lets us read queue stats alongside a live daemon.
		if _, err := os.Stat(cfg.DatabasePath()); err == nil {
			ctx := context.Background()
			log := slog.New(slog.NewTextHandler(io.Discard, nil))
			store, err := sqlite.New(ctx, cfg.DatabasePath(), cfg.NodesDir(), log)
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
			defer store.Close()
			q := queue.New(store.UnderlyingDB(), cfg.Retry, log)
			if st, err := q.GetStats(ctx); err == nil {
				report.Queue = st
			}
		}

		if statusJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		if report.Running {
			fmt.Fprintf(w, "daemon:\trunning (pid %d)\n", report.PID)
		} else {
			fmt.Fprintf(w, "daemon:\tstopped\n")
		}
		fmt.Fprintf(w, "data dir:\t%s\n", report.DataDir)
		if report.Queue != nil {
			fmt.Fprintf(w, "queue:\t%d pending, %d running, %d completed, %d failed\n",
				report.Queue.Pending, report.Queue.Running, report.Queue.Completed, report.Queue.Failed)
			if report.Queue.OldestPendingAge > 0 {
				fmt.Fprintf(w, "oldest pending:\t%s\n", report.Queue.OldestPendingAge.Round(time.Second))
			}
		}
		return w.Flush()
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output JSON")
}
