package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/boshu2/gosuper/internal/model"
)

// lifecycleVerb builds a direct-invoke command for one post-PR stage,
// requiring the task to already be sitting in that stage before advancing
// it — Advance itself dispatches on task.Status, so these verbs exist to let
// an operator name the stage they expect rather than accept whatever
// Advance happens to do next.
func lifecycleVerb(use, short string, expect model.Status) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
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
			if expect != "" && task.Status != expect {
				return fmt.Errorf("%w: task %s is %s, expected %s", errUserInput, task.ID, task.Status, expect)
			}

			d := a.driver(nil, "")
			if err := d.LifecycleAdvanceOne(cmd.Context(), task); err != nil {
				return fmt.Errorf("advancing %s: %w", task.ID, err)
			}
			refreshed, err := a.store.FindTask(cmd.Context(), task.ID)
			if err != nil {
				return fmt.Errorf("reloading %s: %w", task.ID, err)
			}
			fmt.Printf("%s is now %s\n", refreshed.ID, refreshed.Status)
			return nil
		},
	}
}

var verifyCmd = &cobra.Command{
	Use:   "verify <id>",
	Short: "Run VERIFY.md's declared checks for a deployed task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close() //nolint:errcheck

		d := a.driver(nil, "")
		sum, err := d.VerifyOne(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("verifying %s: %w", args[0], err)
		}
		fmt.Println(sum.String())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(lifecycleVerb("pr-check", "Check PR status (review decision, CI, draft state)", model.StatusPRReview))
	rootCmd.AddCommand(lifecycleVerb("pr-merge", "Merge a PR ready for merging", model.StatusMerging))
	rootCmd.AddCommand(lifecycleVerb("pr-lifecycle", "Advance whatever post-PR stage the task is currently in", ""))
	rootCmd.AddCommand(verifyCmd)
}
