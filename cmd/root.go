// Package cmd defines the CLI commands for the insar-pipeline executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sentryal/insar-pipeline/internal/config"
)

var (
	cfgFile string
	cfg     config.Config
)

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "insar-pipeline",
		Short: "Schedules InSAR processing jobs and extracts deformation samples.",
		Long: `insar-pipeline drives interferometric SAR jobs for monitored
infrastructure: it submits granule pairs to the remote processing service,
polls for completion, and converts the resulting displacement rasters into
per-point deformation samples.`,

		// Config is loaded here so every subcommand sees a validated Config.
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			loaded, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cfg = loaded
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newEnqueueCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
