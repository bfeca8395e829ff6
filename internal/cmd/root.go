// Package cmd implements the gearqueue command line interface.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mlattimore/gearqueue/internal/config"
	"github.com/mlattimore/gearqueue/internal/observability"
)

var (
	cfgFile string

	version = "dev"
	commit  = "HEAD"
)

var rootCmd = &cobra.Command{
	Use:   "gearqueue",
	Short: "Job queue and batch orchestration engine",
	Long: `gearqueue schedules gear executions over research data containers:
jobs are claimed atomically by pollers, heartbeats keep them alive, and
batches fan a gear out over container hierarchies.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ./gearqueue.yaml, /etc/gearqueue)")
}

// SetVersionInfo records build metadata injected at link time.
func SetVersionInfo(v, c string) {
	version = v
	commit = c
	rootCmd.Version = fmt.Sprintf("%s (%s)", v, c)
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

// setup loads configuration and builds the root logger shared by all
// subcommands.
func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	log, err := observability.NewLogger(cfg.Log.Level)
	if err != nil {
		return nil, nil, fmt.Errorf("building logger: %w", err)
	}
	return cfg, log, nil
}
