package pulse

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/boshu2/gosuper/internal/dispatcher"
	"github.com/boshu2/gosuper/internal/evaluator"
	"github.com/boshu2/gosuper/internal/model"
	"github.com/boshu2/gosuper/internal/procutil"
	"github.com/boshu2/gosuper/internal/selfheal"
	"github.com/boshu2/gosuper/internal/store"
	"github.com/boshu2/gosuper/internal/todosync"
	"github.com/boshu2/gosuper/internal/verify"
	"github.com/boshu2/gosuper/internal/worktree"
)

// phaseAutoPickup is phase 1: pull open, auto-dispatch-tagged TODO.md entries
// into the store as queued tasks, enrolling each into the current active
// batch (creating one if none exists).
func (d *Driver) phaseAutoPickup(ctx context.Context, sum *Summary) error {
	var cachedBatch *model.Batch

	for _, repo := range d.Repos {
		path := filepath.Join(repo, "TODO.md")
		tasks, err := todosync.ParseFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			d.logger().Warn("auto-pickup: reading TODO.md failed", "repo", repo, "error", err)
			continue
		}

		for _, t := range todosync.ForAutoDispatch(tasks, d.SelfIdentity) {
			if _, err := d.Store.FindTask(ctx, t.ID); err == nil {
				continue // already tracked
			} else if !errors.Is(err, store.ErrNotFound) {
				d.logger().Warn("auto-pickup: checking existing task failed", "task", t.ID, "error", err)
				continue
			}

			batch, err := d.currentActiveBatch(ctx, &cachedBatch)
			if err != nil {
				return fmt.Errorf("resolving active batch: %w", err)
			}

			task := &model.Task{
				ID:          t.ID,
				Repo:        repo,
				Description: t.Description,
				Status:      model.StatusQueued,
			}
			if err := d.Store.InsertTask(ctx, task); err != nil {
				d.logger().Warn("auto-pickup: inserting task failed", "task", t.ID, "error", err)
				continue
			}
			if err := d.Store.EnrollTask(ctx, batch.ID, task.ID); err != nil {
				d.logger().Warn("auto-pickup: enrolling task failed", "task", t.ID, "batch", batch.ID, "error", err)
			}
			sum.AutoPicked++
		}
	}
	return nil
}

// currentActiveBatch returns the most recently created active batch, creating
// an auto-YYYYMMDD-HHMMSS one with base concurrency max(2, cpu_cores/2) if
// none exists. cache is reused across repos within one phase call.
func (d *Driver) currentActiveBatch(ctx context.Context, cache **model.Batch) (*model.Batch, error) {
	if *cache != nil {
		return *cache, nil
	}

	active, err := d.Store.ListBatches(ctx, model.BatchFilter{Statuses: []model.BatchStatus{model.BatchActive}})
	if err != nil {
		return nil, err
	}
	if len(active) > 0 {
		best := active[0]
		for _, b := range active[1:] {
			if b.CreatedAt.After(best.CreatedAt) {
				best = b
			}
		}
		*cache = best
		return best, nil
	}

	concurrency := runtime.NumCPU() / 2
	if concurrency < 2 {
		concurrency = 2
	}
	name := "auto-" + time.Now().UTC().Format("20060102-150405")
	batch := &model.Batch{
		ID:            name,
		Name:          name,
		Concurrency:   concurrency,
		MaxLoadFactor: model.DefaultMaxLoadFactor,
		Status:        model.BatchActive,
	}
	if err := d.Store.InsertBatch(ctx, batch); err != nil {
		return nil, err
	}
	*cache = batch
	return batch, nil
}

// phaseWorkerCheckEvaluate is phase 2: for every dispatched/running task,
// check whether its worker process has died; dead workers (and any task
// already sitting in evaluating from an interrupted prior pulse) are run
// through the outcome evaluator, with retry/block/fail side effects applied.
func (d *Driver) phaseWorkerCheckEvaluate(ctx context.Context, sum *Summary) error {
	tasks, err := d.Store.ListTasks(ctx, model.TaskFilter{
		Statuses: []model.Status{model.StatusDispatched, model.StatusRunning, model.StatusEvaluating},
	})
	if err != nil {
		return err
	}

	for _, t := range tasks {
		if t.Status == model.StatusDispatched || t.Status == model.StatusRunning {
			pid, _ := procutil.ReadPidFile(d.DataDir, t.ID)
			if pid != 0 && procutil.IsAlive(pid) {
				continue
			}
			if _, err := d.Store.Transition(ctx, t.ID, model.StatusEvaluating, "pulse: worker process no longer alive", store.TransitionFields{}); err != nil {
				d.logger().Error("worker-check: transition to evaluating failed", "task", t.ID, "error", err)
				continue
			}
		}

		if err := d.evaluateTask(ctx, sum, t.ID); err != nil {
			d.logger().Error("worker-check: evaluation failed", "task", t.ID, "error", err)
		}
	}
	return nil
}

// EvaluateTask runs the evaluator against a single task on demand (the
// `evaluate` CLI verb), bypassing the worker-check sweep's own discovery of
// evaluating tasks.
func (d *Driver) EvaluateTask(ctx context.Context, taskID string) (*Summary, error) {
	sum := &Summary{}
	err := d.evaluateTask(ctx, sum, taskID)
	return sum, err
}

func (d *Driver) evaluateTask(ctx context.Context, sum *Summary, taskID string) error {
	task, err := d.Store.FindTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != model.StatusEvaluating {
		return nil // lost a race with another resolver; nothing to do
	}

	verdict, err := evaluator.Evaluate(ctx, evaluator.Input{
		TaskID:      task.ID,
		Description: task.Description,
		LogPath:     task.LogFile,
		RetriesLeft: task.Retries < task.MaxRetries,
		Git:         d.gitHeuristic(task),
		AIClient:    d.AIClient,
		NoAI:        d.NoAI,
	})
	if err != nil {
		return fmt.Errorf("evaluating %s: %w", task.ID, err)
	}
	sum.Evaluated++
	if d.Metrics != nil {
		d.Metrics.ObserveOutcome(string(verdict.Kind))
	}

	switch verdict.Kind {
	case evaluator.KindComplete:
		return d.applyComplete(ctx, sum, task, verdict)
	case evaluator.KindRetry:
		return d.applyRetry(ctx, task, verdict)
	case evaluator.KindBlocked:
		return d.applyBlockedOrFailed(ctx, sum, task, model.StatusBlocked, verdict)
	case evaluator.KindFailed:
		return d.applyBlockedOrFailed(ctx, sum, task, model.StatusFailed, verdict)
	default:
		return fmt.Errorf("evaluator returned unrecognised kind %q", verdict.Kind)
	}
}

// gitHeuristic inspects a task's worktree for the evaluator's tier 2.5,
// best-effort: a git failure simply means the tier is skipped.
func (d *Driver) gitHeuristic(task *model.Task) *evaluator.GitHeuristic {
	if task.Worktree == "" || task.Branch == "" {
		return nil
	}
	repoRoot, err := worktree.GetRepoRoot(task.Repo, d.gitTimeout())
	if err != nil {
		repoRoot = task.Repo
	}
	baseBranch, err := worktree.GetDefaultBranch(repoRoot, d.gitTimeout())
	if err != nil {
		return nil
	}
	ahead, err := worktree.CommitsAhead(task.Worktree, baseBranch, task.Branch, d.gitTimeout())
	if err != nil {
		return nil
	}
	dirty, _ := worktree.HasUncommittedChanges(task.Worktree, d.gitTimeout())
	return &evaluator.GitHeuristic{CommitsAhead: ahead, HasUncommitted: dirty}
}

func (d *Driver) applyComplete(ctx context.Context, sum *Summary, task *model.Task, v evaluator.Verdict) error {
	var prURL *string
	if strings.HasPrefix(v.Detail, "https://") {
		detail := v.Detail
		prURL = &detail
	}
	if _, err := d.Store.Transition(ctx, task.ID, model.StatusComplete, "evaluator: "+v.String(), store.TransitionFields{PRURL: prURL}); err != nil {
		return err
	}
	if task.IsDiagnostic() {
		orig := strings.TrimSuffix(task.ID, fmt.Sprintf("-diag-%d", selfheal.MaxDiagnostics))
		if err := d.Healer.Recover(ctx, orig); err != nil {
			d.logger().Warn("self-heal: recovering original task failed", "task", orig, "diagnostic", task.ID, "error", err)
		} else {
			sum.SelfHealRecovered++
		}
	}
	return nil
}

// applyRetry moves task into StatusRetrying per §4.5: Transition bumps the
// retry counter and records the evaluator's verdict as the task's error, so
// the next phaseDispatch pass finds it and calls Dispatcher.Dispatch, which
// reprompts it (§4.10: previous error and log tail appended, existing
// worktree reused) before relaunching the worker.
func (d *Driver) applyRetry(ctx context.Context, task *model.Task, v evaluator.Verdict) error {
	detail := v.Detail
	_, err := d.Store.Transition(ctx, task.ID, model.StatusRetrying, "evaluator: "+v.String(), store.TransitionFields{Error: &detail})
	return err
}

func (d *Driver) applyBlockedOrFailed(ctx context.Context, sum *Summary, task *model.Task, to model.Status, v evaluator.Verdict) error {
	detail := v.Detail
	if _, err := d.Store.Transition(ctx, task.ID, to, "evaluator: "+v.String(), store.TransitionFields{Error: &detail}); err != nil {
		return err
	}
	if err := todosync.MarkBlocked(ctx, task.Repo, task.ID, detail); err != nil {
		d.logger().Warn("todo sync: mark blocked failed", "task", task.ID, "error", err)
	}

	if d.Healer == nil {
		return nil
	}
	refreshed, err := d.Store.FindTask(ctx, task.ID)
	if err != nil {
		return nil //nolint:nilerr
	}
	diagID, created, err := d.Healer.Heal(ctx, refreshed)
	if err != nil {
		d.logger().Warn("self-heal: heal failed", "task", task.ID, "error", err)
		return nil
	}
	if created {
		sum.SelfHealed++
		d.logger().Info("self-heal: diagnostic spawned", "task", task.ID, "diagnostic", diagID)
	}
	return nil
}

// phaseDispatch is phase 3: dispatch every queued task up to its batch's
// effective concurrency budget, stopping early on provider-unavailable.
func (d *Driver) phaseDispatch(ctx context.Context, sum *Summary) error {
	filter := model.TaskFilter{Statuses: []model.Status{model.StatusQueued, model.StatusRetrying}}
	if d.BatchFilter != "" {
		b, err := d.Store.FindBatch(ctx, d.BatchFilter)
		if err != nil {
			return fmt.Errorf("resolving batch filter %s: %w", d.BatchFilter, err)
		}
		filter.BatchID = b.ID
	}
	tasks, err := d.Store.ListTasks(ctx, filter)
	if err != nil {
		return err
	}

	for _, t := range tasks {
		batch := d.batchFor(ctx, t.ID)

		start := time.Now()
		outcome, err := d.Dispatcher.Dispatch(ctx, t.ID, batch)
		if d.Metrics != nil {
			d.Metrics.ObserveDispatch(t.Repo, time.Since(start).Seconds())
		}
		if err != nil {
			if errors.Is(err, dispatcher.ErrNotDispatchable) {
				continue
			}
			sum.Errors = append(sum.Errors, fmt.Errorf("dispatching %s: %w", t.ID, err))
			continue
		}

		switch outcome {
		case dispatcher.OutcomeDispatched:
			sum.Dispatched++
		case dispatcher.OutcomeConcurrencyLimited:
			sum.ConcurrencyLimited++
			if d.Metrics != nil {
				d.Metrics.IncConcurrencyLimited()
			}
		case dispatcher.OutcomeProviderUnavailable:
			sum.ProviderUnavailable++
			return nil // no further dispatches this pulse
		}
	}
	return nil
}

func (d *Driver) batchFor(ctx context.Context, taskID string) *model.Batch {
	ids, err := d.Store.BatchIDsForTask(ctx, taskID)
	if err != nil || len(ids) == 0 {
		return nil
	}
	batch, err := d.Store.FindBatch(ctx, ids[0])
	if err != nil {
		return nil
	}
	return batch
}

// phasePostPRLifecycle is phase 4: advance every task sitting in a post-PR
// stage one step. `complete` is resolved by pulse itself (its two legal
// successors, pr_review or deployed, depend on whether a PR was produced);
// everything else goes through lifecycle.Handler.
func (d *Driver) phasePostPRLifecycle(ctx context.Context, sum *Summary) error {
	tasks, err := d.Store.ListTasks(ctx, model.TaskFilter{Statuses: []model.Status{
		model.StatusComplete, model.StatusPRReview, model.StatusReviewTriage,
		model.StatusMerging, model.StatusMerged, model.StatusDeploying,
	}})
	if err != nil {
		return err
	}

	for _, t := range tasks {
		if t.Status == model.StatusComplete {
			next := model.StatusDeployed
			reason := "pulse: no PR produced, marking deployed"
			if t.PRURL != "" {
				next = model.StatusPRReview
				reason = "pulse: PR known, entering review"
			}
			if _, err := d.Store.Transition(ctx, t.ID, next, reason, store.TransitionFields{}); err != nil {
				d.logger().Error("post-pr: resolving complete task failed", "task", t.ID, "error", err)
				continue
			}
			sum.LifecycleAdvanced++
			continue
		}

		if t.PRURL == "" {
			continue // lifecycle stages past complete require a known PR
		}
		if err := d.lifecycleFor(t.Repo).Advance(ctx, t); err != nil {
			d.logger().Error("post-pr: lifecycle advance failed", "task", t.ID, "error", err)
			continue
		}
		sum.LifecycleAdvanced++
	}
	return nil
}

// LifecycleAdvanceOne runs one post-PR lifecycle step for a single task (the
// `pr-check`/`pr-merge`/`pr-lifecycle` CLI verbs — Advance itself dispatches
// on the task's current status, so each verb is just this call gated by the
// caller on the expected status).
func (d *Driver) LifecycleAdvanceOne(ctx context.Context, task *model.Task) error {
	return d.lifecycleFor(task.Repo).Advance(ctx, task)
}

// VerifyOne runs phase 5 for a single task on demand (the `verify` CLI verb).
func (d *Driver) VerifyOne(ctx context.Context, taskID string) (*Summary, error) {
	task, err := d.Store.FindTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	sum := &Summary{}
	return sum, d.verifyTask(ctx, sum, task)
}

// phaseVerification is phase 5: run VERIFY.md's declared checks against every
// task that just reached deployed.
func (d *Driver) phaseVerification(ctx context.Context, sum *Summary) error {
	tasks, err := d.Store.ListTasks(ctx, model.TaskFilter{Statuses: []model.Status{model.StatusDeployed}})
	if err != nil {
		return err
	}

	for _, t := range tasks {
		if err := d.verifyTask(ctx, sum, t); err != nil {
			d.logger().Error("verification failed", "task", t.ID, "error", err)
		}
	}
	return nil
}

func (d *Driver) verifyTask(ctx context.Context, sum *Summary, t *model.Task) error {
	repoRoot, err := worktree.GetRepoRoot(t.Repo, d.gitTimeout())
	if err != nil {
		repoRoot = t.Repo
	}

	entries, err := verify.ParseFile(filepath.Join(repoRoot, "VERIFY.md"))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	mine := verify.ForTask(entries, t.ID)
	if len(mine) == 0 {
		if _, err := d.Store.Transition(ctx, t.ID, model.StatusVerified, "pulse: no VERIFY.md entries declared", store.TransitionFields{}); err != nil {
			return err
		}
		sum.Verified++
		d.markTodoComplete(ctx, t)
		return nil
	}

	if _, err := d.Store.Transition(ctx, t.ID, model.StatusVerifying, "pulse: running VERIFY.md entries", store.TransitionFields{}); err != nil {
		return err
	}

	allPassed := true
	for _, e := range mine {
		passed, _ := verify.RunEntry(ctx, repoRoot, e)
		if err := verify.AppendProof(repoRoot, e.VerificationID, e.TaskID, passed, "pulse", time.Now()); err != nil {
			d.logger().Warn("verification: appending proof failed", "task", t.ID, "verification_id", e.VerificationID, "error", err)
		}
		if !passed {
			allPassed = false
		}
	}

	if allPassed {
		if _, err := d.Store.Transition(ctx, t.ID, model.StatusVerified, "pulse: all verify entries passed", store.TransitionFields{}); err != nil {
			return err
		}
		sum.Verified++
		d.markTodoComplete(ctx, t)
		return nil
	}

	if _, err := d.Store.Transition(ctx, t.ID, model.StatusVerifyFailed, "pulse: one or more verify entries failed", store.TransitionFields{}); err != nil {
		return err
	}
	sum.VerifyFailed++
	return nil
}

func (d *Driver) markTodoComplete(ctx context.Context, t *model.Task) {
	if err := todosync.MarkComplete(ctx, t.Repo, t.ID, t.PRURL, time.Now()); err != nil {
		d.logger().Warn("todo sync: mark complete failed", "task", t.ID, "error", err)
	}
}

// phaseOrphanedPRScan is phase 6: every OrphanedScanInterval, look up a PR
// for each pushed-but-unlinked task branch and attach it.
func (d *Driver) phaseOrphanedPRScan(ctx context.Context, sum *Summary) error {
	if d.GH == nil && d.GHFor == nil {
		return nil
	}
	last, err := d.Store.GetMetaTime(ctx, "orphaned_scan_last")
	if err != nil {
		return err
	}
	if !last.IsZero() && time.Since(last) < d.orphanedScanInterval() {
		return nil
	}

	tasks, err := d.Store.ListTasks(ctx, model.TaskFilter{})
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.Branch == "" || t.PRURL != "" {
			continue
		}
		if t.Status == model.StatusQueued || t.Status == model.StatusCancelled {
			continue
		}
		url, err := d.ghFor(t.Repo).FindPRForBranch(ctx, t.Branch)
		if err != nil {
			d.logger().Warn("orphaned-pr: lookup failed", "task", t.ID, "branch", t.Branch, "error", err)
			continue
		}
		if url == "" {
			continue
		}
		t.PRURL = url
		if err := d.Store.UpdateTask(ctx, t); err != nil {
			d.logger().Warn("orphaned-pr: recording url failed", "task", t.ID, "error", err)
			continue
		}
		sum.OrphanedLinked++
	}

	return d.Store.SetMetaTime(ctx, "orphaned_scan_last", time.Now())
}

// HygieneOnly runs phase 7 standalone (the `cleanup` CLI verb), without the
// lock, pulse logging, or any of the other eight phases.
func (d *Driver) HygieneOnly(ctx context.Context, sum *Summary) error {
	return d.phaseHygiene(ctx, sum)
}

// phaseHygiene is phase 7: reap dead PID files, kill lingering descendants of
// terminal tasks, and remove worktrees the store no longer tracks as active.
func (d *Driver) phaseHygiene(ctx context.Context, sum *Summary) error {
	terminal := make([]model.Status, 0, len(model.TerminalForBatch))
	for s := range model.TerminalForBatch {
		terminal = append(terminal, s)
	}
	tasks, err := d.Store.ListTasks(ctx, model.TaskFilter{Statuses: terminal})
	if err != nil {
		return err
	}

	for _, t := range tasks {
		if pid, _ := procutil.ReadPidFile(d.DataDir, t.ID); pid != 0 {
			if d.DryRun {
				sum.PIDsCleaned++
			} else {
				if procutil.IsAlive(pid) {
					if err := procutil.KillTree(pid, 5*time.Second); err != nil {
						d.logger().Warn("hygiene: killing worker tree failed", "task", t.ID, "pid", pid, "error", err)
					}
				}
				if err := procutil.RemovePidFile(d.DataDir, t.ID); err == nil {
					sum.PIDsCleaned++
				}
			}
		}

		if t.Worktree == "" {
			continue
		}
		if _, err := os.Stat(t.Worktree); err != nil {
			continue
		}
		if d.DryRun {
			sum.WorktreesCleaned++
			continue
		}
		repoRoot, err := worktree.GetRepoRoot(t.Repo, d.gitTimeout())
		if err != nil {
			repoRoot = t.Repo
		}
		if err := worktree.Remove(repoRoot, t.Worktree, d.gitTimeout()); err != nil {
			d.logger().Warn("hygiene: removing worktree failed", "task", t.ID, "worktree", t.Worktree, "error", err)
			continue
		}
		t.Worktree = ""
		if err := d.Store.UpdateTask(ctx, t); err != nil {
			d.logger().Warn("hygiene: clearing worktree field failed", "task", t.ID, "error", err)
		}
		sum.WorktreesCleaned++
	}

	d.sweepUntrackedWorktrees(ctx, sum)
	return nil
}

// sweepUntrackedWorktrees globs each repo's sibling <repo>.feature-* entries
// and removes any whose task id the store either never heard of or has
// already settled to a terminal status for — "worktrees that the store has
// forgotten", per spec.
func (d *Driver) sweepUntrackedWorktrees(ctx context.Context, sum *Summary) {
	for _, repo := range d.Repos {
		repoRoot, err := worktree.GetRepoRoot(repo, d.gitTimeout())
		if err != nil {
			repoRoot = repo
		}
		parent := filepath.Dir(repoRoot)
		base := filepath.Base(repoRoot)
		matches, err := filepath.Glob(filepath.Join(parent, base+".feature-*"))
		if err != nil {
			continue
		}
		for _, m := range matches {
			taskID := strings.TrimPrefix(filepath.Base(m), base+".feature-")
			if t, err := d.Store.FindTask(ctx, taskID); err == nil && !model.TerminalForBatch[t.Status] {
				continue
			}
			if d.DryRun {
				sum.WorktreesCleaned++
				continue
			}
			if err := worktree.Remove(repoRoot, m, d.gitTimeout()); err != nil {
				d.logger().Warn("hygiene: removing untracked worktree failed", "path", m, "error", err)
				continue
			}
			sum.WorktreesCleaned++
		}
	}
}

// phaseRetrospectiveRelease is phase 8: for any batch that just went
// complete, write a retrospective artifact and, if configured, log a release
// intent (enqueuing the release itself is an external-interface concern).
func (d *Driver) phaseRetrospectiveRelease(ctx context.Context, sum *Summary) error {
	batches, err := d.Store.ListBatches(ctx, model.BatchFilter{Statuses: []model.BatchStatus{model.BatchComplete}})
	if err != nil {
		return err
	}

	for _, b := range batches {
		path := filepath.Join(d.DataDir, "retrospectives", b.ID+".md")
		if _, err := os.Stat(path); err == nil {
			continue // already produced
		}

		tasks, err := d.Store.ListTasks(ctx, model.TaskFilter{BatchID: b.ID})
		if err != nil {
			d.logger().Error("retrospective: listing batch tasks failed", "batch", b.ID, "error", err)
			continue
		}
		if err := writeRetrospective(path, b, tasks); err != nil {
			d.logger().Error("retrospective: writing artifact failed", "batch", b.ID, "error", err)
			continue
		}
		sum.BatchesReleased++

		if b.ReleaseOnComplete {
			d.logger().Info("release intent recorded", "batch", b.ID, "release_type", b.ReleaseType)
		}
	}
	return nil
}

func writeRetrospective(path string, b *model.Batch, tasks []*model.Task) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# Retrospective: %s\n\n", b.Name)
	fmt.Fprintf(&sb, "Concurrency: %d, max load factor: %d\n\n", b.Concurrency, b.MaxLoadFactor)
	fmt.Fprintf(&sb, "| Task | Status | Retries | PR |\n|---|---|---|---|\n")
	counts := make(map[model.Status]int)
	for _, t := range tasks {
		fmt.Fprintf(&sb, "| %s | %s | %d | %s |\n", t.ID, t.Status, t.Retries, t.PRURL)
		counts[t.Status]++
	}
	fmt.Fprintf(&sb, "\n## Totals\n\n")
	for status, n := range counts {
		fmt.Fprintf(&sb, "- %s: %d\n", status, n)
	}
	return os.WriteFile(path, []byte(sb.String()), 0o644)
}
