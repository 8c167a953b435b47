// Package worker provides a generic concurrent fan-out/fan-in pool, used by
// the `list --format json` command to parse every configured repo's
// TODO.md concurrently while scanning for untracked tasks — work the pulse
// driver's single-task-at-a-time guarantee deliberately does not cover.
package worker

import (
	"runtime"
	"sync"
)

// Result pairs a processed value with its original index to preserve ordering.
type Result[T any] struct {
	Index int
	Value T
	Err   error
}

// Pool fans a list of repo paths out to a fixed number of goroutine workers
// and collects results preserving the original input order.
type Pool[T any] struct {
	concurrency int
}

// NewPool creates a worker pool with the given concurrency.
// If concurrency <= 0, defaults to runtime.NumCPU().
func NewPool[T any](concurrency int) *Pool[T] {
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}
	return &Pool[T]{concurrency: concurrency}
}

// Process distributes repos across workers, applies fn to each (a TODO.md
// parse, in practice), and returns results in the same order as the input
// slice. A per-repo error (missing or malformed TODO.md) is captured on
// that result rather than aborting the rest of the scan.
func (p *Pool[T]) Process(repos []string, fn func(string) (T, error)) []Result[T] {
	if len(repos) == 0 {
		return nil
	}

	workers := p.concurrency
	if workers > len(repos) {
		workers = len(repos)
	}

	type job struct {
		index int
		repo  string
	}

	jobs := make(chan job, len(repos))
	results := make([]Result[T], len(repos))
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				val, err := fn(j.repo)
				results[j.index] = Result[T]{
					Index: j.index,
					Value: val,
					Err:   err,
				}
			}
		}()
	}

	for i, repo := range repos {
		jobs <- job{index: i, repo: repo}
	}
	close(jobs)

	wg.Wait()

	return results
}
