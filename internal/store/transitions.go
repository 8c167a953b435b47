package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/boshu2/gosuper/internal/model"
	"github.com/boshu2/gosuper/internal/statemachine"
)

// TransitionFields carries the optional field updates a transition may apply
// alongside the status change.
type TransitionFields struct {
	Worktree  *string
	Branch    *string
	LogFile   *string
	PRURL     *string
	SessionID *string
	Error     *string
}

// Transition validates and applies a task status change in one store
// transaction: it sets status and updated_at, stamps started_at on the first
// queued->dispatched, stamps completed_at on terminal states, increments
// retries on any ->retrying, applies optional fields, appends exactly one
// StateLogEntry, and checks owning-batch completion.
func (s *Store) Transition(ctx context.Context, taskID string, to model.Status, reason string, fields TransitionFields) (*model.Task, error) {
	var updated *model.Task

	err := s.WithTransaction(ctx, func(tx *sql.Tx) error {
		t, err := findTaskTx(ctx, tx, taskID)
		if err != nil {
			return err
		}

		if err := statemachine.Validate(t.Status, to); err != nil {
			return err
		}

		from := t.Status
		now := time.Now().UTC()

		if from == model.StatusQueued && to == model.StatusDispatched && t.StartedAt == nil {
			t.StartedAt = &now
		}
		if model.TerminalForBatch[to] {
			t.CompletedAt = &now
		}
		if to == model.StatusRetrying {
			t.Retries++
		}

		applyOptionalFields(t, fields)
		t.Status = to
		t.UpdatedAt = now

		if err := updateTaskTx(ctx, tx, t); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO state_log (task_id, from_state, to_state, reason, timestamp) VALUES (?, ?, ?, ?, ?)",
			t.ID, string(from), string(to), reason, now.Format(timeLayout),
		); err != nil {
			return err
		}
		if err := checkBatchCompletionTx(ctx, tx, t.ID); err != nil {
			return err
		}

		updated = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func applyOptionalFields(t *model.Task, f TransitionFields) {
	if f.Worktree != nil {
		t.Worktree = *f.Worktree
	}
	if f.Branch != nil {
		t.Branch = *f.Branch
	}
	if f.LogFile != nil {
		t.LogFile = *f.LogFile
	}
	if f.PRURL != nil {
		t.PRURL = *f.PRURL
	}
	if f.SessionID != nil {
		t.SessionID = *f.SessionID
	}
	if f.Error != nil {
		t.Error = *f.Error
	}
}

func findTaskTx(ctx context.Context, tx *sql.Tx, id string) (*model.Task, error) {
	row := tx.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return t, err
}

func updateTaskTx(ctx context.Context, tx *sql.Tx, t *model.Task) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE tasks SET repo=?, description=?, status=?, model=?, retries=?, max_retries=?,
			session_id=?, worktree=?, branch=?, log_file=?, error=?, pr_url=?,
			started_at=?, completed_at=?, updated_at=?
		WHERE id=?`,
		t.Repo, t.Description, string(t.Status), t.Model, t.Retries, t.MaxRetries,
		t.SessionID, nullableString(&t.Worktree), nullableString(&t.Branch), nullableString(&t.LogFile),
		nullableString(&t.Error), nullableString(&t.PRURL),
		nullableTime(t.StartedAt), nullableTime(t.CompletedAt), t.UpdatedAt.Format(timeLayout),
		t.ID,
	)
	return err
}

// checkBatchCompletionTx marks every batch owning taskID as complete once all
// its member tasks are in a terminal-for-batch status.
func checkBatchCompletionTx(ctx context.Context, tx *sql.Tx, taskID string) error {
	rows, err := tx.QueryContext(ctx, "SELECT batch_id FROM batch_tasks WHERE task_id = ?", taskID)
	if err != nil {
		return err
	}
	var batchIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close() //nolint:errcheck
			return err
		}
		batchIDs = append(batchIDs, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close() //nolint:errcheck
		return err
	}
	rows.Close() //nolint:errcheck

	for _, batchID := range batchIDs {
		complete, err := batchAllTerminal(ctx, tx, batchID)
		if err != nil {
			return fmt.Errorf("checking batch %s completion: %w", batchID, err)
		}
		if !complete {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE batches SET status = ?, updated_at = ? WHERE id = ? AND status != ?",
			string(model.BatchComplete), time.Now().UTC().Format(timeLayout), batchID, string(model.BatchComplete),
		); err != nil {
			return err
		}
	}
	return nil
}

func batchAllTerminal(ctx context.Context, tx *sql.Tx, batchID string) (bool, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT t.status FROM tasks t
		JOIN batch_tasks bt ON bt.task_id = t.id
		WHERE bt.batch_id = ?`, batchID)
	if err != nil {
		return false, err
	}
	defer rows.Close() //nolint:errcheck

	any := false
	for rows.Next() {
		any = true
		var status string
		if err := rows.Scan(&status); err != nil {
			return false, err
		}
		if !model.TerminalForBatch[model.Status(status)] {
			return false, nil
		}
	}
	if err := rows.Err(); err != nil {
		return false, err
	}
	return any, nil
}
