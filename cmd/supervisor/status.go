package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/boshu2/gosuper/internal/dashboard"
	"github.com/boshu2/gosuper/internal/formatter"
	"github.com/boshu2/gosuper/internal/model"
)

var statusWatch bool

var statusCmd = &cobra.Command{
	Use:   "status [<id>|<batch>]",
	Short: "Show task or batch state",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close() //nolint:errcheck

		if statusWatch {
			var batch string
			if len(args) == 1 {
				batch = args[0]
			}
			return dashboard.Run(a.store, batch)
		}

		if len(args) == 0 {
			return statusOverview(cmd, a)
		}
		return statusOne(cmd, a, args[0])
	},
}

func statusOne(cmd *cobra.Command, a *app, id string) error {
	if task, err := a.store.FindTask(cmd.Context(), id); err == nil {
		log, err := a.store.StateLog(cmd.Context(), task.ID)
		if err != nil {
			return fmt.Errorf("loading state log for %s: %w", task.ID, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "task %s: %s (repo=%s retries=%d/%d pr=%s)\n",
			task.ID, task.Status, task.Repo, task.Retries, task.MaxRetries, task.PRURL)
		table := formatter.NewTable(cmd.OutOrStdout(), "FROM", "TO", "REASON", "AT")
		for _, e := range log {
			table.AddRow(string(e.FromState), string(e.ToState), e.Reason, e.Timestamp.Format("2006-01-02T15:04:05Z"))
		}
		return table.Render()
	}

	batch, err := a.store.FindBatch(cmd.Context(), id)
	if err != nil {
		return fmt.Errorf("%s is neither a known task nor batch: %w", id, err)
	}
	tasks, err := a.store.ListTasks(cmd.Context(), model.TaskFilter{BatchID: batch.ID})
	if err != nil {
		return fmt.Errorf("listing tasks for batch %s: %w", batch.Name, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "batch %s (%s): %s concurrency=%d max_load=%d\n",
		batch.Name, batch.ID, batch.Status, batch.Concurrency, batch.MaxLoadFactor)
	return renderTaskTable(cmd, tasks)
}

func statusOverview(cmd *cobra.Command, a *app) error {
	tasks, err := a.store.ListTasks(cmd.Context(), model.TaskFilter{})
	if err != nil {
		return fmt.Errorf("listing tasks: %w", err)
	}
	counts := map[model.Status]int{}
	for _, t := range tasks {
		counts[t.Status]++
	}
	table := formatter.NewTable(cmd.OutOrStdout(), "STATUS", "COUNT")
	for _, st := range model.AllStatuses {
		if n := counts[st]; n > 0 {
			table.AddRow(string(st), fmt.Sprintf("%d", n))
		}
	}
	return table.Render()
}

func init() {
	statusCmd.Flags().BoolVar(&statusWatch, "watch", false, "Open a live dashboard instead of a one-shot report")
	rootCmd.AddCommand(statusCmd)
}
