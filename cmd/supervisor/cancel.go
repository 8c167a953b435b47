package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/boshu2/gosuper/internal/model"
	"github.com/boshu2/gosuper/internal/store"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <id|batch>",
	Short: "Cancel a task or every task in a batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close() //nolint:errcheck

		if task, err := a.store.FindTask(cmd.Context(), args[0]); err == nil {
			return cancelTask(cmd, a, task)
		}

		batch, err := a.store.FindBatch(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("%s is neither a known task nor batch: %w", args[0], err)
		}
		tasks, err := a.store.ListTasks(cmd.Context(), model.TaskFilter{BatchID: batch.ID})
		if err != nil {
			return fmt.Errorf("listing tasks for batch %s: %w", batch.Name, err)
		}
		var failures []string
		for _, t := range tasks {
			if model.TerminalForBatch[t.Status] {
				continue
			}
			if err := cancelTask(cmd, a, t); err != nil {
				failures = append(failures, fmt.Sprintf("%s: %v", t.ID, err))
			}
		}
		if len(failures) > 0 {
			return fmt.Errorf("cancelling batch %s: %v", batch.Name, failures)
		}
		fmt.Printf("cancelled batch %s\n", batch.Name)
		return nil
	},
}

func cancelTask(cmd *cobra.Command, a *app, task *model.Task) error {
	if _, err := a.store.Transition(cmd.Context(), task.ID, model.StatusCancelled, "cancel: requested by operator", store.TransitionFields{}); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "cancelled %s\n", task.ID)
	return nil
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}
