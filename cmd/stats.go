package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/reunite/internal/monitoring"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print case counts and recent alert delivery figures",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("admin"); err != nil {
			return err
		}

		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		hours, _ := cmd.Flags().GetInt("lookback")
		if hours <= 0 {
			hours = cfg.Monitoring.LookbackHours
		}

		snap, err := monitoring.NewCollector(st).Collect(ctx, hours)
		if err != nil {
			return eris.Wrap(err, "stats")
		}
		return printJSON(os.Stdout, snap)
	},
}

func init() {
	statsCmd.Flags().Int("lookback", 0, "ledger lookback in hours (default from config)")
	rootCmd.AddCommand(statsCmd)
}
