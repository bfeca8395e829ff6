package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Run a single orphan sweep and exit",
	Long: `Scan for running jobs whose heartbeat has gone stale, fail them and
schedule retries where attempts remain. Useful from cron when the long-running
service's built-in reaper is disabled.`,
	RunE: runReap,
}

func init() {
	rootCmd.AddCommand(reapCmd)
}

func runReap(cmd *cobra.Command, args []string) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	ctx := cmd.Context()
	store, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	q, _, err := buildEngine(cfg, store, log)
	if err != nil {
		return err
	}
	rpr, err := buildReaper(cfg, q, nil, log)
	if err != nil {
		return err
	}

	reaped, err := rpr.Sweep(ctx)
	if err != nil {
		return err
	}
	log.Info("sweep complete", zap.Int("reaped", reaped))
	return nil
}
