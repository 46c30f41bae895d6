// Package cli wires the doflow commands together.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    *cobra.Command
)

func init() {
	rootCmd = &cobra.Command{
		Use:   "doflow",
		Short: "doflow - work through task lists on a countdown",
		Long: `doflow keeps daily tasks and task lists, counts each task down and
moves to the next one when time is up.

Run without a subcommand to open the terminal UI.`,
		RunE:          runTUI, // Default action is the TUI
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/doflow/config.yaml)")
}

// Execute runs the root command
func Execute(version string) error {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(resetDailyCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(taskCmd)

	rootCmd.Version = version
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}
