package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// GetMeta returns a scalar value from the supervisor_meta table, or "" if
// unset. Used for cross-pulse throttle timestamps (orphaned-PR scan, etc.).
func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.readDB.QueryRowContext(ctx, "SELECT value FROM supervisor_meta WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// SetMeta upserts a scalar value in the supervisor_meta table.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	return s.retryWrite(ctx, "set meta", func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO supervisor_meta (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, value, time.Now().UTC().Format(timeLayout),
		)
		return err
	})
}

// GetMetaTime reads a meta key as an RFC3339Nano timestamp. Returns the zero
// time if unset.
func (s *Store) GetMetaTime(ctx context.Context, key string) (time.Time, error) {
	raw, err := s.GetMeta(ctx, key)
	if err != nil || raw == "" {
		return time.Time{}, err
	}
	return time.Parse(timeLayout, raw)
}

// SetMetaTime writes a meta key as an RFC3339Nano timestamp.
func (s *Store) SetMetaTime(ctx context.Context, key string, t time.Time) error {
	return s.SetMeta(ctx, key, t.UTC().Format(timeLayout))
}
