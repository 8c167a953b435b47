package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagDataDir  string
	flagVerbose  bool
	flagFormat   string
	flagProvider string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "supervisor",
	Short: "Autonomous multi-task supervisor for AI coding agents",
	Long: `supervisor drives queued units of work through an AI coding agent,
one pulse at a time: dispatch into an isolated worktree, evaluate the
worker's outcome, retry or self-heal on failure, and walk a produced PR
through review, merge, deploy and verification.

Core commands:
  init      Create or migrate the state store
  add       Queue a new task
  batch     Group tasks under a shared concurrency budget
  pulse     Run one driver cycle
  status    Show task or batch state
  list      Enumerate tasks
  watch     Run pulse on every repo filesystem change`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and runs it.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "Override the supervisor data directory")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&flagFormat, "format", "o", "table", "Output format (table, json)")
	rootCmd.PersistentFlags().StringVar(&flagProvider, "provider-cli", "", "AI coding agent CLI to invoke (default claude)")
}

// exitCodeFor maps a returned error to the spec's exit-code contract. Only
// dispatch surfaces concurrency-limited(2)/provider-unavailable(3); every
// other command error is a plain user error(1).
func exitCodeFor(err error) int {
	switch {
	case isConcurrencyLimited(err):
		return 2
	case isProviderUnavailable(err):
		return 3
	default:
		return 1
	}
}
