package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	pulseRepos []string
	pulseBatch string
)

var pulseCmd = &cobra.Command{
	Use:   "pulse",
	Short: "Run one driver cycle",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close() //nolint:errcheck

		repos := pulseRepos
		if len(repos) == 0 {
			repos = a.cfg.Repos
		}

		sum, err := a.driverForBatch(repos, selfIdentity(), pulseBatch).Run(cmd.Context())
		if err != nil {
			return fmt.Errorf("running pulse: %w", err)
		}
		fmt.Fprintln(cmd.ErrOrStderr(), sum.String())
		return nil
	},
}

func selfIdentity() string {
	if id, err := os.Hostname(); err == nil {
		return "supervisor@" + id
	}
	return "supervisor"
}

func init() {
	pulseCmd.Flags().StringArrayVar(&pulseRepos, "repo", nil, "Repository to scan (repeatable; defaults to config's repos list)")
	pulseCmd.Flags().StringVar(&pulseBatch, "batch", "", "Restrict dispatch to tasks enrolled in this batch")
	rootCmd.AddCommand(pulseCmd)
}
