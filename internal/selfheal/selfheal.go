// Package selfheal implements the diagnostic-subtask auto-recovery loop of
// §4.8: a failed/blocked task with a recoverable reason gets one diagnostic
// subtask spawned to investigate and fix it before the original is retried.
package selfheal

import (
	"context"
	"errors"
	"fmt"

	"github.com/boshu2/gosuper/internal/evaluator"
	"github.com/boshu2/gosuper/internal/model"
	"github.com/boshu2/gosuper/internal/store"
)

// MaxDiagnostics caps the number of diagnostic subtasks per original task at
// exactly one; diagnostics themselves never self-heal, which is the
// recursion guard.
const MaxDiagnostics = 1

// DiagID returns the deterministic diagnostic subtask id for origTaskID.
func DiagID(origTaskID string) string {
	return fmt.Sprintf("%s-diag-%d", origTaskID, MaxDiagnostics)
}

// Healer watches for recoverable failed/blocked tasks and spawns diagnostics.
type Healer struct {
	Store   *store.Store
	Enabled bool
}

// errAlreadyDiagnosed is returned by Heal when the task's diagnostic subtask
// already exists; no new one is created.
var errAlreadyDiagnosed = errors.New("diagnostic subtask already exists")

// Heal inspects task and, if eligible, creates its diagnostic subtask.
// Returns the diagnostic's id and true if one was created.
func (h *Healer) Heal(ctx context.Context, task *model.Task) (string, bool, error) {
	if !h.Enabled {
		return "", false, nil
	}
	if task.Status != model.StatusFailed && task.Status != model.StatusBlocked {
		return "", false, nil
	}
	if task.IsDiagnostic() {
		return "", false, nil // recursion guard: diagnostics never self-heal
	}
	if evaluator.HardBlockers[task.Error] {
		return "", false, nil
	}

	diagID := DiagID(task.ID)
	if _, err := h.Store.FindTask(ctx, diagID); err == nil {
		return "", false, errAlreadyDiagnosed
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", false, fmt.Errorf("checking for existing diagnostic: %w", err)
	}

	diag := &model.Task{
		ID:          diagID,
		Repo:        task.Repo,
		Description: diagnosticDescription(task),
		Status:      model.StatusQueued,
		Model:       task.Model,
		MaxRetries:  model.DefaultMaxRetries,
	}
	if err := h.Store.InsertTask(ctx, diag); err != nil {
		return "", false, fmt.Errorf("inserting diagnostic subtask: %w", err)
	}
	return diagID, true, nil
}

func diagnosticDescription(task *model.Task) string {
	logRef := task.LogFile
	if logRef == "" {
		logRef = "(no log file recorded)"
	}
	return fmt.Sprintf(
		"Diagnose and fix the failure of %s (%s): %s\n\nOriginal task: %s\nLog tail: %s",
		task.ID, task.Status, task.Error, task.Description, logRef,
	)
}

// Recover transitions the original task back to queued with retries reset,
// called once its diagnostic subtask reaches complete.
func (h *Healer) Recover(ctx context.Context, origTaskID string) error {
	task, err := h.Store.FindTask(ctx, origTaskID)
	if err != nil {
		return fmt.Errorf("loading original task %s: %w", origTaskID, err)
	}
	if task.Status != model.StatusFailed && task.Status != model.StatusBlocked {
		return fmt.Errorf("task %s is %s, not failed/blocked; nothing to recover", origTaskID, task.Status)
	}

	task.Retries = 0
	if err := h.Store.UpdateTask(ctx, task); err != nil {
		return fmt.Errorf("resetting retries: %w", err)
	}
	_, err = h.Store.Transition(ctx, origTaskID, model.StatusQueued, "selfheal: diagnostic complete, requeued", store.TransitionFields{})
	return err
}
