package main

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/boshu2/gosuper/internal/model"
)

var (
	batchConcurrency   int
	batchMaxLoadFactor int
	batchTasks         string
	batchReleaseOn     bool
	batchReleaseType   string
)

var batchCmd = &cobra.Command{
	Use:   "batch <name>",
	Short: "Group tasks under a shared concurrency budget",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close() //nolint:errcheck

		b := &model.Batch{
			ID:                uuid.NewString(),
			Name:              args[0],
			Concurrency:       batchConcurrency,
			MaxLoadFactor:     batchMaxLoadFactor,
			ReleaseOnComplete: batchReleaseOn,
			ReleaseType:       batchReleaseType,
		}
		if err := a.store.InsertBatch(cmd.Context(), b); err != nil {
			return fmt.Errorf("inserting batch: %w", err)
		}

		for _, id := range splitCSV(batchTasks) {
			if err := a.store.EnrollTask(cmd.Context(), b.ID, id); err != nil {
				return fmt.Errorf("enrolling task %s: %w", id, err)
			}
		}

		fmt.Printf("created batch %s (%s)\n", b.Name, b.ID)
		return nil
	},
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func init() {
	batchCmd.Flags().IntVar(&batchConcurrency, "concurrency", model.DefaultConcurrency, "Base concurrency budget")
	batchCmd.Flags().IntVar(&batchMaxLoadFactor, "max-load", model.DefaultMaxLoadFactor, "Load-average throttle factor")
	batchCmd.Flags().StringVar(&batchTasks, "tasks", "", "Comma-separated task IDs to enroll")
	batchCmd.Flags().BoolVar(&batchReleaseOn, "release-on-complete", false, "Release held resources once every task in the batch is terminal")
	batchCmd.Flags().StringVar(&batchReleaseType, "release-type", "", "Release handler name invoked at batch completion")
	rootCmd.AddCommand(batchCmd)
}
