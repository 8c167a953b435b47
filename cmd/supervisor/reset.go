package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/boshu2/gosuper/internal/model"
	"github.com/boshu2/gosuper/internal/store"
)

var resetCmd = &cobra.Command{
	Use:   "reset <id>",
	Short: "Return a terminal task to queued",
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

		task.Retries = 0
		if err := a.store.UpdateTask(cmd.Context(), task); err != nil {
			return fmt.Errorf("clearing retries: %w", err)
		}

		empty := ""
		if _, err := a.store.Transition(cmd.Context(), task.ID, model.StatusQueued, "reset: returned to queue", store.TransitionFields{
			Worktree: &empty,
			Branch:   &empty,
			LogFile:  &empty,
			PRURL:    &empty,
			Error:    &empty,
		}); err != nil {
			return fmt.Errorf("resetting %s: %w", task.ID, err)
		}
		fmt.Printf("reset %s to queued\n", task.ID)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(resetCmd)
}
