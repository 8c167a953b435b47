package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/boshu2/gosuper/internal/model"
	"github.com/boshu2/gosuper/internal/store"
)

var (
	transitionError   string
	transitionPRURL   string
	transitionReason  string
	transitionSession string
)

var transitionCmd = &cobra.Command{
	Use:   "transition <id> <state>",
	Short: "Force a task transition (audited)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close() //nolint:errcheck

		to := model.Status(args[1])
		reason := transitionReason
		if reason == "" {
			reason = "transition: forced by operator"
		}

		fields := store.TransitionFields{}
		if cmd.Flags().Changed("error") {
			fields.Error = &transitionError
		}
		if cmd.Flags().Changed("pr-url") {
			fields.PRURL = &transitionPRURL
		}
		if cmd.Flags().Changed("session-id") {
			fields.SessionID = &transitionSession
		}

		task, err := a.store.Transition(cmd.Context(), args[0], to, reason, fields)
		if err != nil {
			return fmt.Errorf("transitioning %s to %s: %w", args[0], to, err)
		}
		fmt.Printf("%s is now %s\n", task.ID, task.Status)
		return nil
	},
}

func init() {
	transitionCmd.Flags().StringVar(&transitionError, "error", "", "Error detail to record on the task")
	transitionCmd.Flags().StringVar(&transitionPRURL, "pr-url", "", "PR URL to record on the task")
	transitionCmd.Flags().StringVar(&transitionReason, "reason", "", "State log reason (defaults to a generic operator note)")
	transitionCmd.Flags().StringVar(&transitionSession, "session-id", "", "Session/PID identifier to record on the task")
	rootCmd.AddCommand(transitionCmd)
}
