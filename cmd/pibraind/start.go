package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/Whamp/pi-brain-sub000/internal/daemon"
)

var startForeground bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon",
	Long: `Start the daemon in the foreground. Use a service manager (launchd,
systemd) for background operation; the PID file prevents double starts.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := daemon.NewLogger(cfg.LogPath(), startForeground)
		d := daemon.New(cfg, configPath, log)
		return d.Run(context.Background())
	},
}

func init() {
	startCmd.Flags().BoolVar(&startForeground, "foreground", true,
		"log to stderr in addition to the log file")
}
