// Package cmd implements the scand command line interface.
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scand",
		Short: "Asynchronous website accessibility scanner.",
		Long: `scand audits websites for accessibility problems.

Submitted URLs enter a durable job queue and are processed by a pool of
scan workers that fetch the page, evaluate it against WCAG rules, and
store an HTML snapshot next to the findings. Use serve to run the HTTP
gateway and worker pool, or scan to audit a single URL from the command
line without the queue.`,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (environment variables override it)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newScanCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute is the CLI entry point. Cobra prints the failure; the exit code
// signals it.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
