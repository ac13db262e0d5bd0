package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/accessprobe/scand/internal/app"
	"github.com/accessprobe/scand/internal/config"
)

// newServeCmd creates the 'serve' subcommand hosting the full service.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scan gateway and worker pool",
		Long: `Starts the HTTP gateway that accepts scan submissions and serves job
status, together with the worker pool that executes queued scans. The
process runs until it receives SIGINT or SIGTERM, then drains in-flight
work and shuts down.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	a, err := app.Build(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("initialize services: %w", err)
	}

	return a.Run(cmd.Context())
}
