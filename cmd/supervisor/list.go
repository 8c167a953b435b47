package main

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/boshu2/gosuper/internal/formatter"
	"github.com/boshu2/gosuper/internal/model"
	"github.com/boshu2/gosuper/internal/todosync"
	"github.com/boshu2/gosuper/internal/worker"
)

var (
	listState string
	listBatch string
)

// listOutput is the --format json payload: tracked store tasks plus, per
// repo, any TODO.md entries not yet picked up as a task.
type listOutput struct {
	Tasks     []*model.Task    `json:"tasks"`
	Untracked []untrackedEntry `json:"untracked,omitempty"`
}

type untrackedEntry struct {
	Repo string        `json:"repo"`
	Task todosync.Task `json:"task"`
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Enumerate tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close() //nolint:errcheck

		filter := model.TaskFilter{}
		if listState != "" {
			filter.Statuses = []model.Status{model.Status(listState)}
		}
		if listBatch != "" {
			b, err := a.store.FindBatch(cmd.Context(), listBatch)
			if err != nil {
				return fmt.Errorf("finding batch %s: %w", listBatch, err)
			}
			filter.BatchID = b.ID
		}

		tasks, err := a.store.ListTasks(cmd.Context(), filter)
		if err != nil {
			return fmt.Errorf("listing tasks: %w", err)
		}

		if flagFormat != "json" {
			return renderTaskTable(cmd, tasks)
		}

		out := listOutput{Tasks: tasks}
		out.Untracked = scanUntrackedRepos(a.cfg.Repos, tasks)
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

// scanUntrackedRepos fans out a TODO.md parse per repo: bounded, short-lived
// I/O that the pulse's single-threaded guarantee doesn't apply to.
func scanUntrackedRepos(repos []string, tracked []*model.Task) []untrackedEntry {
	known := make(map[string]bool, len(tracked))
	for _, t := range tracked {
		known[t.ID] = true
	}

	pool := worker.NewPool[[]untrackedEntry](0)
	results := pool.Process(repos, func(repo string) ([]untrackedEntry, error) {
		parsed, err := todosync.ParseFile(filepath.Join(repo, "TODO.md"))
		if err != nil {
			return nil, err
		}
		var entries []untrackedEntry
		for _, t := range parsed {
			if known[t.ID] {
				continue
			}
			entries = append(entries, untrackedEntry{Repo: repo, Task: t})
		}
		return entries, nil
	})

	var all []untrackedEntry
	for _, r := range results {
		if r.Err != nil {
			continue // repo has no TODO.md, or it's unreadable; skip silently
		}
		all = append(all, r.Value...)
	}
	return all
}

func renderTaskTable(cmd *cobra.Command, tasks []*model.Task) error {
	table := formatter.NewTable(cmd.OutOrStdout(), "ID", "REPO", "STATUS", "RETRIES", "PR")
	for _, t := range tasks {
		table.AddRow(t.ID, t.Repo, string(t.Status), fmt.Sprintf("%d/%d", t.Retries, t.MaxRetries), t.PRURL)
	}
	return table.Render()
}

func init() {
	listCmd.Flags().StringVar(&listState, "state", "", "Filter by task status")
	listCmd.Flags().StringVar(&listBatch, "batch", "", "Filter by batch name or ID")
	rootCmd.AddCommand(listCmd)
}
