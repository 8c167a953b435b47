package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/boshu2/gosuper/internal/model"
)

// InsertBatch persists a new batch, applying defaults for zero-valued fields.
func (s *Store) InsertBatch(ctx context.Context, b *model.Batch) error {
	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	if b.Concurrency == 0 {
		b.Concurrency = model.DefaultConcurrency
	}
	if b.MaxLoadFactor == 0 {
		b.MaxLoadFactor = model.DefaultMaxLoadFactor
	}
	if b.Status == "" {
		b.Status = model.BatchActive
	}

	return s.retryWrite(ctx, "insert batch", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO batches (id, name, concurrency, max_load_factor, status,
				release_on_complete, release_type, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			b.ID, b.Name, b.Concurrency, b.MaxLoadFactor, string(b.Status),
			boolToInt(b.ReleaseOnComplete), b.ReleaseType,
			b.CreatedAt.Format(timeLayout), b.UpdatedAt.Format(timeLayout),
		)
		return err
	})
}

const batchColumns = `id, name, concurrency, max_load_factor, status,
	release_on_complete, release_type, created_at, updated_at`

func scanBatch(row interface{ Scan(...any) error }) (*model.Batch, error) {
	var b model.Batch
	var statusStr, createdAt, updatedAt string
	var releaseOnComplete int

	if err := row.Scan(
		&b.ID, &b.Name, &b.Concurrency, &b.MaxLoadFactor, &statusStr,
		&releaseOnComplete, &b.ReleaseType, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	b.Status = model.BatchStatus(statusStr)
	b.ReleaseOnComplete = releaseOnComplete != 0

	var err error
	if b.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, err
	}
	if b.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, err
	}
	return &b, nil
}

// FindBatch looks up a batch by id or, failing that, by name.
func (s *Store) FindBatch(ctx context.Context, idOrName string) (*model.Batch, error) {
	row := s.readDB.QueryRowContext(ctx, "SELECT "+batchColumns+" FROM batches WHERE id = ?", idOrName)
	b, err := scanBatch(row)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	row = s.readDB.QueryRowContext(ctx, "SELECT "+batchColumns+" FROM batches WHERE name = ?", idOrName)
	b, err = scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

// ListBatches returns batches matching filter, ordered by created_at.
func (s *Store) ListBatches(ctx context.Context, filter model.BatchFilter) ([]*model.Batch, error) {
	query := "SELECT " + batchColumns + " FROM batches"
	var args []any
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += " WHERE status IN (" + strings.Join(placeholders, ",") + ")"
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var batches []*model.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// UpdateBatch writes every field of b back, bumping updated_at.
func (s *Store) UpdateBatch(ctx context.Context, b *model.Batch) error {
	b.UpdatedAt = time.Now().UTC()
	return s.retryWrite(ctx, "update batch", func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE batches SET name=?, concurrency=?, max_load_factor=?, status=?,
				release_on_complete=?, release_type=?, updated_at=?
			WHERE id=?`,
			b.Name, b.Concurrency, b.MaxLoadFactor, string(b.Status),
			boolToInt(b.ReleaseOnComplete), b.ReleaseType, b.UpdatedAt.Format(timeLayout), b.ID,
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

// EnrollTask adds a task to a batch's junction table at the next position.
func (s *Store) EnrollTask(ctx context.Context, batchID, taskID string) error {
	return s.retryWrite(ctx, "enroll task", func() error {
		var nextPos int
		row := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(position), -1) + 1 FROM batch_tasks WHERE batch_id = ?", batchID)
		if err := row.Scan(&nextPos); err != nil {
			return err
		}
		_, err := s.db.ExecContext(ctx,
			"INSERT OR IGNORE INTO batch_tasks (batch_id, task_id, position) VALUES (?, ?, ?)",
			batchID, taskID, nextPos,
		)
		return err
	})
}

// BatchIDsForTask returns every batch id a task is enrolled in.
func (s *Store) BatchIDsForTask(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.readDB.QueryContext(ctx, "SELECT batch_id FROM batch_tasks WHERE task_id = ?", taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
