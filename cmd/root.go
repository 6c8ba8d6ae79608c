// Package cmd defines the CLI commands for the harvester executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Resumable extraction pipeline for municipal permitting records",
		Long: `harvester walks a municipal permitting API jurisdiction by
jurisdiction, pages through every project type's records, and appends
them to per-jurisdiction NDJSON files (or Postgres). Progress is
checkpointed so an interrupted run resumes where it left off.`,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: environment only)")
	cmd.AddCommand(newExtractCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
