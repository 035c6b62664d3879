// Package cmd wires the eventrelay CLI.
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
		Use:   "eventrelay",
		Short: "Real-time tenant event distribution plane.",
		Long: `eventrelay ingests hierarchical progress reports and domain events from
cloud-collection workflow runs, aggregates them per run, and fans them out
over per-tenant streaming connections.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is built-in defaults plus EVENTRELAY_* env)")

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
