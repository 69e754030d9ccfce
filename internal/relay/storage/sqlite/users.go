package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/pfconnect/liveboard/internal/relay/storage"
)

// GetUser returns one user row by id.
func (s *Store) GetUser(ctx context.Context, userID string) (storage.UserRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.UserRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.UserRecord{}, fmt.Errorf("storage is not configured")
	}

	var record storage.UserRecord
	err := s.sqlDB.QueryRowContext(ctx,
		"SELECT id, username, avatar, vatsim_rating_id FROM users WHERE id = ?",
		strings.TrimSpace(userID)).Scan(
		&record.ID,
		&record.Username,
		&record.Avatar,
		&record.VatsimRatingID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.UserRecord{}, storage.ErrNotFound
		}
		return storage.UserRecord{}, fmt.Errorf("get user: %w", err)
	}
	return record, nil
}

// PutUser inserts or replaces one user row. Identity rows are written by the
// auth collaborator; this exists for that surface and for tests.
func (s *Store) PutUser(ctx context.Context, record storage.UserRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	record.ID = strings.TrimSpace(record.ID)
	if record.ID == "" {
		return fmt.Errorf("user id is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT OR REPLACE INTO users (id, username, avatar, vatsim_rating_id)
VALUES (?, ?, ?, ?)`,
		record.ID,
		record.Username,
		record.Avatar,
		record.VatsimRatingID,
	)
	if err != nil {
		return fmt.Errorf("put user: %w", err)
	}
	return nil
}
