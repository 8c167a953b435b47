package main

import (
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

var watchRepos []string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run pulse on every repo filesystem change",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close() //nolint:errcheck

		repos := watchRepos
		if len(repos) == 0 {
			repos = a.cfg.Repos
		}
		if len(repos) == 0 {
			return fmt.Errorf("%w: watch needs at least one --repo, or a configured repos list", errUserInput)
		}

		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("creating filesystem watcher: %w", err)
		}
		defer watcher.Close() //nolint:errcheck

		for _, repo := range repos {
			if err := watcher.Add(repo); err != nil {
				a.logger.Warn("watch: adding repo failed", "repo", repo, "error", err)
			}
		}

		// debounce coalesces a burst of events (a whole checkout, a worker's
		// commit) into one pulse rather than one per touched file.
		debounce := time.NewTimer(0)
		if !debounce.Stop() {
			<-debounce.C
		}
		const debounceWindow = 2 * time.Second

		for {
			select {
			case <-cmd.Context().Done():
				return nil
			case event, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if !watchRelevant(event) {
					continue
				}
				debounce.Reset(debounceWindow)
			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				a.logger.Warn("watch: fsnotify error", "error", err)
			case <-debounce.C:
				sum, err := a.driver(repos, selfIdentity()).Run(cmd.Context())
				if err != nil {
					a.logger.Error("watch: pulse failed", "error", err)
					continue
				}
				fmt.Fprintln(cmd.ErrOrStderr(), sum.String())
			}
		}
	},
}

// watchRelevant keeps write, create, remove and rename events and drops the
// rest (chmod-only changes); it does not filter by file name.
func watchRelevant(event fsnotify.Event) bool {
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0
}

func init() {
	watchCmd.Flags().StringArrayVar(&watchRepos, "repo", nil, "Repository to watch (repeatable; defaults to config's repos list)")
	rootCmd.AddCommand(watchCmd)
}
