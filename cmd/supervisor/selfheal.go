package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var selfHealCmd = &cobra.Command{
	Use:   "self-heal <id>",
	Short: "Force the self-healer to spawn a diagnostic subtask",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close() //nolint:errcheck

		task, err := a.store.FindTask(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("finding task %s: %w", args[0], err)
		}

		healer := a.healer()
		healer.Enabled = true
		diagID, created, err := healer.Heal(cmd.Context(), task)
		if err != nil {
			return fmt.Errorf("self-healing %s: %w", task.ID, err)
		}
		if !created {
			fmt.Printf("%s already has a diagnostic subtask\n", task.ID)
			return nil
		}
		fmt.Printf("spawned diagnostic %s for %s\n", diagID, task.ID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(selfHealCmd)
}
