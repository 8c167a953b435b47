package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/boshu2/gosuper/internal/model"
	"github.com/boshu2/gosuper/internal/store"
)

var repromptText string

var repromptCmd = &cobra.Command{
	Use:   "reprompt <id>",
	Short: "Re-launch a blocked or failed task with added context",
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
		if task.Retries >= task.MaxRetries {
			task.Retries = 0
		}
		if repromptText != "" {
			task.Description = fmt.Sprintf("%s\n\n--- reprompt context ---\n%s", task.Description, repromptText)
		}
		if err := a.store.UpdateTask(cmd.Context(), task); err != nil {
			return fmt.Errorf("recording reprompt context: %w", err)
		}

		// Worktree is deliberately left untouched: per §4.10 a reprompt
		// preserves any partial work the worker already committed there.
		empty := ""
		if _, err := a.store.Transition(cmd.Context(), task.ID, model.StatusQueued, "reprompt: requeued with added context", store.TransitionFields{
			Error: &empty,
		}); err != nil {
			return fmt.Errorf("requeuing %s: %w", task.ID, err)
		}
		fmt.Printf("requeued %s for reprompt\n", task.ID)
		return nil
	},
}

func init() {
	repromptCmd.Flags().StringVar(&repromptText, "prompt", "", "Additional context appended to the task description")
	rootCmd.AddCommand(repromptCmd)
}
