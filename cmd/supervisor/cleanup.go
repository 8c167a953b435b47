package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/boshu2/gosuper/internal/pulse"
)

var cleanupDryRun bool

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove worktrees and PIDs for terminal tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close() //nolint:errcheck

		d := a.driver(a.cfg.Repos, selfIdentity())
		d.DryRun = cleanupDryRun
		sum := &pulse.Summary{}
		if err := d.HygieneOnly(cmd.Context(), sum); err != nil {
			return fmt.Errorf("running cleanup: %w", err)
		}
		fmt.Println(sum.String())
		return nil
	},
}

func init() {
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "Report what would be cleaned up without acting")
	rootCmd.AddCommand(cleanupCmd)
}
