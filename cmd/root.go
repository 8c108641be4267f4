// Package cmd defines and implements the CLI commands for the renderq executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "renderq",
		Short: "A durable URL render queue backed by a headless browser.",
		Long: `renderq accepts URLs over HTTP, stores them as durable jobs, and
renders each one sequentially in a headless browser, waiting for the page's
network activity to settle before declaring it done.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./renderq.yaml)")
	cmd.AddCommand(newServeCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
