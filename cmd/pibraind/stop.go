package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Whamp/pi-brain-sub000/internal/daemon"
)

var stopTimeout time.Duration

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := daemon.Stop(cfg.PIDPath(), stopTimeout); err != nil {
			return err
		}
		fmt.Println("daemon stopped")
		return nil
	},
}

func init() {
	stopCmd.Flags().DurationVar(&stopTimeout, "timeout", 30*time.Second,
		"how long to wait for a graceful exit")
}
