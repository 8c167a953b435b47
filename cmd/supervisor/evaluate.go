package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/boshu2/gosuper/internal/model"
	"github.com/boshu2/gosuper/internal/store"
)

var evaluateNoAI bool

var evaluateCmd = &cobra.Command{
	Use:   "evaluate <id>",
	Short: "Run the evaluator against a task on demand",
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
		if task.Status == model.StatusDispatched || task.Status == model.StatusRunning {
			if _, err := a.store.Transition(cmd.Context(), task.ID, model.StatusEvaluating, "evaluate: forced by operator", store.TransitionFields{}); err != nil {
				return fmt.Errorf("transitioning to evaluating: %w", err)
			}
		}

		d := a.driver(nil, "")
		d.NoAI = evaluateNoAI
		sum, err := d.EvaluateTask(cmd.Context(), task.ID)
		if err != nil {
			return fmt.Errorf("evaluating %s: %w", task.ID, err)
		}
		fmt.Println(sum.String())
		return nil
	},
}

func init() {
	evaluateCmd.Flags().BoolVar(&evaluateNoAI, "no-ai", false, "Skip the AI-verdict tier and rely on deterministic tiers only")
	rootCmd.AddCommand(evaluateCmd)
}
