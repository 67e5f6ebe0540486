package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Poll surveillance cameras and match their frames",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if roster, _ := cmd.Flags().GetString("roster"); roster != "" {
			cfg.Camera.Roster = roster
		}
		if cfg.Camera.Roster == "" {
			return eris.New("watch: camera.roster or --roster is required")
		}

		env, err := initEnv(ctx, cfg, "watch")
		if err != nil {
			return err
		}
		defer env.Close()

		return env.Scheduler.Run(ctx, env.Cameras, secs(cfg.Camera.PollIntervalSecs))
	},
}

func init() {
	watchCmd.Flags().String("roster", "", "camera roster YAML (default from config)")
	rootCmd.AddCommand(watchCmd)
}
