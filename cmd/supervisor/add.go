package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/boshu2/gosuper/internal/model"
)

var (
	addRepo        string
	addDescription string
	addModel       string
	addMaxRetries  int
)

var addCmd = &cobra.Command{
	Use:   "add <id>",
	Short: "Insert a new queued task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close() //nolint:errcheck

		task := &model.Task{
			ID:          args[0],
			Repo:        addRepo,
			Description: addDescription,
			Status:      model.StatusQueued,
			Model:       addModel,
			MaxRetries:  addMaxRetries,
		}
		if task.Repo == "" {
			return fmt.Errorf("%w: --repo is required", errUserInput)
		}
		if err := a.store.InsertTask(cmd.Context(), task); err != nil {
			return fmt.Errorf("inserting task: %w", err)
		}
		fmt.Printf("added task %s (queued)\n", task.ID)
		return nil
	},
}

func init() {
	addCmd.Flags().StringVar(&addRepo, "repo", "", "Repository working directory")
	addCmd.Flags().StringVar(&addDescription, "description", "", "Task description/prompt")
	addCmd.Flags().StringVar(&addModel, "model", model.DefaultModelTier, "Model tier")
	addCmd.Flags().IntVar(&addMaxRetries, "max-retries", model.DefaultMaxRetries, "Maximum retry attempts")
	rootCmd.AddCommand(addCmd)
}
