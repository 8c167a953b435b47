package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/boshu2/gosuper/internal/model"
)

// ErrNotFound is returned when a lookup by id finds nothing.
var ErrNotFound = errors.New("not found")

// InsertTask persists a new task. CreatedAt/UpdatedAt are stamped if zero.
func (s *Store) InsertTask(ctx context.Context, t *model.Task) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.MaxRetries == 0 {
		t.MaxRetries = model.DefaultMaxRetries
	}
	if t.Model == "" {
		t.Model = model.DefaultModelTier
	}

	return s.retryWrite(ctx, "insert task", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (id, repo, description, status, model, retries, max_retries,
				session_id, worktree, branch, log_file, error, pr_url,
				created_at, started_at, completed_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.Repo, t.Description, string(t.Status), t.Model, t.Retries, t.MaxRetries,
			t.SessionID, nullableString(&t.Worktree), nullableString(&t.Branch), nullableString(&t.LogFile),
			nullableString(&t.Error), nullableString(&t.PRURL),
			t.CreatedAt.Format(timeLayout), nullableTime(t.StartedAt), nullableTime(t.CompletedAt),
			t.UpdatedAt.Format(timeLayout),
		)
		return err
	})
}

const taskColumns = `id, repo, description, status, model, retries, max_retries,
	session_id, worktree, branch, log_file, error, pr_url,
	created_at, started_at, completed_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (*model.Task, error) {
	var t model.Task
	var statusStr, createdAt, updatedAt string
	var worktree, branch, logFile, errStr, prURL sql.NullString
	var startedAt, completedAt sql.NullString

	if err := row.Scan(
		&t.ID, &t.Repo, &t.Description, &statusStr, &t.Model, &t.Retries, &t.MaxRetries,
		&t.SessionID, &worktree, &branch, &logFile, &errStr, &prURL,
		&createdAt, &startedAt, &completedAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	t.Status = model.Status(statusStr)
	t.Worktree = worktree.String
	t.Branch = branch.String
	t.LogFile = logFile.String
	t.Error = errStr.String
	t.PRURL = prURL.String

	created, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	t.CreatedAt = created

	updated, err := time.Parse(timeLayout, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	t.UpdatedAt = updated

	if t.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, err
	}
	if t.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

// FindTask returns the task with id, or ErrNotFound.
func (s *Store) FindTask(ctx context.Context, id string) (*model.Task, error) {
	row := s.readDB.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// ListTasks returns tasks matching filter, ordered by created_at.
func (s *Store) ListTasks(ctx context.Context, filter model.TaskFilter) ([]*model.Task, error) {
	query := "SELECT " + taskColumns + " FROM tasks"
	var conds []string
	var args []any

	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		conds = append(conds, "status IN ("+strings.Join(placeholders, ",")+")")
	}
	if filter.BatchID != "" {
		conds = append(conds, "id IN (SELECT task_id FROM batch_tasks WHERE batch_id = ?)")
		args = append(args, filter.BatchID)
	}
	if filter.UpdatedSince != nil {
		conds = append(conds, "updated_at >= ?")
		args = append(args, filter.UpdatedSince.UTC().Format(timeLayout))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// UpdateTask writes every field of t back, bumping updated_at.
func (s *Store) UpdateTask(ctx context.Context, t *model.Task) error {
	t.UpdatedAt = time.Now().UTC()
	return s.retryWrite(ctx, "update task", func() error {
		res, err := s.db.ExecContext(ctx, `
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
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// AppendStateLog writes one immutable audit record.
func (s *Store) AppendStateLog(ctx context.Context, taskID string, from, to model.Status, reason string) error {
	return s.retryWrite(ctx, "append state log", func() error {
		_, err := s.db.ExecContext(ctx,
			"INSERT INTO state_log (task_id, from_state, to_state, reason, timestamp) VALUES (?, ?, ?, ?, ?)",
			taskID, string(from), string(to), reason, time.Now().UTC().Format(timeLayout),
		)
		return err
	})
}

// StateLog returns the full audit trail for a task, ordered by timestamp.
func (s *Store) StateLog(ctx context.Context, taskID string) ([]model.StateLogEntry, error) {
	rows, err := s.readDB.QueryContext(ctx,
		"SELECT id, task_id, from_state, to_state, reason, timestamp FROM state_log WHERE task_id = ? ORDER BY timestamp ASC, id ASC",
		taskID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var entries []model.StateLogEntry
	for rows.Next() {
		var e model.StateLogEntry
		var from, to, ts string
		if err := rows.Scan(&e.ID, &e.TaskID, &from, &to, &e.Reason, &ts); err != nil {
			return nil, err
		}
		e.FromState = model.Status(from)
		e.ToState = model.Status(to)
		t, err := time.Parse(timeLayout, ts)
		if err != nil {
			return nil, fmt.Errorf("parsing state log timestamp: %w", err)
		}
		e.Timestamp = t
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
