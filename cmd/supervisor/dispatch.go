package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/boshu2/gosuper/internal/dispatcher"
	"github.com/boshu2/gosuper/internal/model"
)

// errConcurrencyLimited and errProviderUnavailable wrap the dispatcher's
// non-error outcomes so a bare `dispatch` invocation can still report them
// through the normal cobra RunE -> exit code path (exit 2 and 3 per the
// external-interface contract; every other failure is exit 1).
var (
	errConcurrencyLimited  = errors.New("concurrency limited")
	errProviderUnavailable = errors.New("provider unavailable")
)

func isConcurrencyLimited(err error) bool {
	return errors.Is(err, errConcurrencyLimited)
}

func isProviderUnavailable(err error) bool {
	return errors.Is(err, errProviderUnavailable)
}

var dispatchBatch string

var dispatchCmd = &cobra.Command{
	Use:   "dispatch <id>",
	Short: "Launch a worker for a queued task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close() //nolint:errcheck

		var batch *model.Batch
		if dispatchBatch != "" {
			batch, err = a.store.FindBatch(cmd.Context(), dispatchBatch)
			if err != nil {
				return fmt.Errorf("finding batch %s: %w", dispatchBatch, err)
			}
		}

		outcome, err := a.dispatcher().Dispatch(cmd.Context(), args[0], batch)
		if err != nil {
			return fmt.Errorf("dispatching %s: %w", args[0], err)
		}

		switch outcome {
		case dispatcher.OutcomeDispatched:
			fmt.Printf("dispatched %s\n", args[0])
			return nil
		case dispatcher.OutcomeConcurrencyLimited:
			return fmt.Errorf("%w: %s", errConcurrencyLimited, args[0])
		case dispatcher.OutcomeProviderUnavailable:
			return fmt.Errorf("%w: %s", errProviderUnavailable, args[0])
		default:
			return fmt.Errorf("unexpected dispatch outcome %q for %s", outcome, args[0])
		}
	},
}

func init() {
	dispatchCmd.Flags().StringVar(&dispatchBatch, "batch", "", "Batch name or ID to dispatch within")
	rootCmd.AddCommand(dispatchCmd)
}
