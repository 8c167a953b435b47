// Package dispatcher implements the §4.4 algorithm: turning a queued task
// into a running, detached worker process inside an isolated git worktree.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/boshu2/gosuper/internal/concurrency"
	"github.com/boshu2/gosuper/internal/evaluator"
	"github.com/boshu2/gosuper/internal/healthprobe"
	"github.com/boshu2/gosuper/internal/model"
	"github.com/boshu2/gosuper/internal/procutil"
	"github.com/boshu2/gosuper/internal/store"
	"github.com/boshu2/gosuper/internal/worktree"
)

// Outcome is the non-error result of one Dispatch call — a few of these are
// expected, routine pulse outcomes rather than failures.
type Outcome string

const (
	OutcomeDispatched          Outcome = "dispatched"
	OutcomeConcurrencyLimited  Outcome = "concurrency_limited"
	OutcomeProviderUnavailable Outcome = "provider_unavailable"
)

// ErrNotDispatchable is returned when the task is not in a dispatchable
// state, or has exhausted its retries.
var ErrNotDispatchable = errors.New("task not dispatchable")

// MemoryCollaborator recalls a short textual preamble of prior context for a
// task. Best-effort: callers treat any error as "no context available".
type MemoryCollaborator interface {
	Recall(ctx context.Context, task *model.Task) (string, error)
}

// InvocationBuilder turns a task plus its prepared worktree and memory
// preamble into a runnable worker command. Opaque per the external-interface
// contract — the dispatcher does not know what CLI it is driving.
type InvocationBuilder interface {
	Build(task *model.Task, worktreePath, memoryContext string) (name string, args []string)
}

// Dispatcher wires together the store, concurrency controller, health
// prober, worktree manager, and process launcher that make up one dispatch
// attempt.
type Dispatcher struct {
	Store       *store.Store
	Prober      *healthprobe.Prober
	Sampler     *concurrency.Sampler
	Invocation  InvocationBuilder
	Memory      MemoryCollaborator // optional
	DataDir     string
	ProviderCLI string
	GitTimeout  time.Duration
	Verbosef    func(string, ...any)
}

func (d *Dispatcher) gitTimeout() time.Duration {
	if d.GitTimeout > 0 {
		return d.GitTimeout
	}
	return 30 * time.Second
}

// Dispatch runs the full §4.4 algorithm for one task. batch may be nil, in
// which case concurrency accounting and budgets fall back to process-wide
// defaults. A task in StatusRetrying is dispatched the same way a queued
// one is, except it is reprompted first (§4.10): the previous error and a
// tail of its old log are appended to the task description, and its
// existing worktree is reused rather than recreated — worktree.Create is
// deterministic per task ID, so the same path is handed back and any
// partial work the worker already committed survives.
func (d *Dispatcher) Dispatch(ctx context.Context, taskID string, batch *model.Batch) (Outcome, error) {
	task, err := d.Store.FindTask(ctx, taskID)
	if err != nil {
		return "", fmt.Errorf("loading task %s: %w", taskID, err)
	}
	retry := task.Status == model.StatusRetrying
	if (task.Status != model.StatusQueued && !retry) || task.Retries >= task.MaxRetries {
		return "", fmt.Errorf("%w: task %s is %s with %d/%d retries", ErrNotDispatchable, taskID, task.Status, task.Retries, task.MaxRetries)
	}

	budget, err := d.effectiveBudget(batch)
	if err != nil {
		return "", fmt.Errorf("sampling concurrency: %w", err)
	}
	active, err := d.activeCount(ctx, batch)
	if err != nil {
		return "", fmt.Errorf("counting active tasks: %w", err)
	}
	if active >= budget {
		return OutcomeConcurrencyLimited, nil
	}

	if err := d.Prober.Check(ctx, d.ProviderCLI, task.Model); err != nil {
		return OutcomeProviderUnavailable, nil
	}

	if retry {
		if err := d.reprompt(ctx, task); err != nil {
			return "", fmt.Errorf("reprompting %s: %w", task.ID, err)
		}
	}

	repoRoot, err := worktree.GetRepoRoot(task.Repo, d.gitTimeout())
	if err != nil {
		repoRoot = task.Repo
	}
	baseBranch, err := worktree.GetDefaultBranch(repoRoot, d.gitTimeout())
	if err != nil {
		return "", d.failWorktree(ctx, task, fmt.Errorf("resolving default branch: %w", err))
	}
	wtPath, branch, _, err := worktree.Create(repoRoot, task.ID, baseBranch, d.gitTimeout(), d.Verbosef)
	if err != nil {
		return "", d.failWorktree(ctx, task, fmt.Errorf("creating worktree: %w", err))
	}

	logPath := filepath.Join(d.DataDir, "logs", fmt.Sprintf("%s-%s.log", task.ID, time.Now().UTC().Format("20060102150405")))

	if _, err := d.Store.Transition(ctx, task.ID, model.StatusDispatched, "dispatcher: worktree ready", store.TransitionFields{
		Worktree: &wtPath,
		Branch:   &branch,
		LogFile:  &logPath,
	}); err != nil {
		return "", fmt.Errorf("transitioning to dispatched: %w", err)
	}

	memoryContext := d.recallMemory(ctx, task)

	name, args := d.Invocation.Build(task, wtPath, memoryContext)
	pid, err := procutil.Spawn(wtPath, logPath, name, args...)
	if err != nil {
		if _, txErr := d.Store.Transition(ctx, task.ID, model.StatusFailed, "dispatcher: launch failed", store.TransitionFields{
			Error: errPtr(err.Error()),
		}); txErr != nil {
			return "", fmt.Errorf("launch failed (%v) and recording failure: %w", err, txErr)
		}
		return "", fmt.Errorf("launching worker: %w", err)
	}

	if err := procutil.WritePidFile(d.DataDir, task.ID, pid); err != nil {
		return "", fmt.Errorf("writing pid file: %w", err)
	}

	sessionID := fmt.Sprintf("pid:%d", pid)
	if _, err := d.Store.Transition(ctx, task.ID, model.StatusRunning, "dispatcher: worker launched", store.TransitionFields{
		SessionID: &sessionID,
	}); err != nil {
		return "", fmt.Errorf("transitioning to running: %w", err)
	}

	return OutcomeDispatched, nil
}

// reprompt appends the previous attempt's error and log tail to task's
// description and persists it, so the next worker invocation is built with
// that context in view per §4.10.
func (d *Dispatcher) reprompt(ctx context.Context, task *model.Task) error {
	tail := evaluator.LogTail(task.LogFile)
	var b strings.Builder
	b.WriteString(task.Description)
	b.WriteString("\n\n--- retry: previous attempt failed ---\n")
	if task.Error != "" {
		fmt.Fprintf(&b, "error: %s\n", task.Error)
	}
	if tail != "" {
		fmt.Fprintf(&b, "log tail:\n%s\n", tail)
	}
	task.Description = b.String()
	return d.Store.UpdateTask(ctx, task)
}

func (d *Dispatcher) failWorktree(ctx context.Context, task *model.Task, cause error) error {
	if _, err := d.Store.Transition(ctx, task.ID, model.StatusFailed, "dispatcher: worktree failure", store.TransitionFields{
		Error: errPtr(cause.Error()),
	}); err != nil {
		return fmt.Errorf("worktree failure (%v) and recording failure: %w", cause, err)
	}
	return cause
}

func (d *Dispatcher) recallMemory(ctx context.Context, task *model.Task) string {
	if d.Memory == nil {
		return ""
	}
	text, err := d.Memory.Recall(ctx, task)
	if err != nil {
		return ""
	}
	return text
}

func (d *Dispatcher) effectiveBudget(batch *model.Batch) (int, error) {
	sample, err := d.Sampler.Sample()
	if err != nil {
		return 0, err
	}
	base, maxLoadFactor := model.DefaultConcurrency, model.DefaultMaxLoadFactor
	if batch != nil {
		base, maxLoadFactor = batch.Concurrency, batch.MaxLoadFactor
	}
	return concurrency.Effective(base, maxLoadFactor, sample), nil
}

func (d *Dispatcher) activeCount(ctx context.Context, batch *model.Batch) (int, error) {
	filter := model.TaskFilter{Statuses: []model.Status{model.StatusDispatched, model.StatusRunning, model.StatusEvaluating}}
	if batch != nil {
		filter.BatchID = batch.ID
	}
	tasks, err := d.Store.ListTasks(ctx, filter)
	if err != nil {
		return 0, err
	}
	return len(tasks), nil
}

func errPtr(s string) *string { return &s }
