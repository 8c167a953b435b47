package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create or migrate the state store",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close() //nolint:errcheck

		for _, dir := range []string{"pids", "logs", "health", "retrospectives"} {
			if err := os.MkdirAll(filepath.Join(a.cfg.DataDir, dir), 0o750); err != nil {
				return fmt.Errorf("creating %s: %w", dir, err)
			}
		}
		fmt.Printf("supervisor initialized at %s\n", a.cfg.DataDir)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
