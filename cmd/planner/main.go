// Command planner turns Russian voice and text messages into estimated tasks.
//
// Usage:
//
//	# Create a task from text
//	planner run "Завтра в 9 Максиму починить фрезер"
//
//	# Create a task from a voice note
//	planner run --audio note.ogg
//
//	# Report how long a task actually took
//	planner complete 42 95
//
//	# Serve the HTTP API and the NATS completion subscriber
//	planner serve --config planner.yaml
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	_ "time/tzdata"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var (
	// configPath is the optional YAML configuration file.
	configPath string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "planner",
	Short: "Voice and text task planner for four business contexts",
	Long: `planner interprets a Russian voice or text message as a task, assigns it to
exactly one business context, estimates its duration from completed tasks of
that same context and stores it.

Configuration is read from --config (YAML) and BP_* environment variables.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file (defaults to $BP_CONFIG)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(completeCmd)
	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "planner %s\n", version)
		fmt.Fprintf(cmd.OutOrStdout(), "  commit: %s\n", gitCommit)
		fmt.Fprintf(cmd.OutOrStdout(), "  built:  %s\n", buildDate)
	},
}
