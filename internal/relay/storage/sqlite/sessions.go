package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/pfconnect/liveboard/internal/relay/storage"
)

const sessionColumns = "session_id, access_id, airport_icao, active_runway, custom_name, is_pfatc, atis_ciphertext, created_by, created_at"

// ListSessions returns every session row ordered by creation time.
func (s *Store) ListSessions(ctx context.Context) ([]storage.SessionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions ORDER BY created_at ASC")
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var records []storage.SessionRecord
	for rows.Next() {
		record, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return records, nil
}

// GetSession returns one session row by id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (storage.SessionRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.SessionRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.SessionRecord{}, fmt.Errorf("storage is not configured")
	}

	row := s.sqlDB.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE session_id = ?", strings.TrimSpace(sessionID))
	record, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.SessionRecord{}, storage.ErrNotFound
		}
		return storage.SessionRecord{}, err
	}
	return record, nil
}

// ValidateAccess reports whether accessID grants entry to sessionID.
func (s *Store) ValidateAccess(ctx context.Context, sessionID string, accessID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if s == nil || s.sqlDB == nil {
		return false, fmt.Errorf("storage is not configured")
	}
	sessionID = strings.TrimSpace(sessionID)
	accessID = strings.TrimSpace(accessID)
	if sessionID == "" || accessID == "" {
		return false, nil
	}

	var found int
	err := s.sqlDB.QueryRowContext(ctx,
		"SELECT 1 FROM sessions WHERE session_id = ? AND access_id = ?", sessionID, accessID).Scan(&found)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("validate session access: %w", err)
	}
	return true, nil
}

// PutSession inserts or replaces one session row. The relay core never calls
// this; it exists for the board CRUD surface and for tests.
func (s *Store) PutSession(ctx context.Context, record storage.SessionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	record.SessionID = strings.TrimSpace(record.SessionID)
	if record.SessionID == "" {
		return fmt.Errorf("session id is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT OR REPLACE INTO sessions (`+sessionColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.SessionID,
		record.AccessID,
		record.AirportICAO,
		record.ActiveRunway,
		record.CustomName,
		boolToInt(record.IsPFATC),
		record.ATISCiphertext,
		record.CreatedBy,
		toMillis(record.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("put session: %w", err)
	}
	return nil
}

// SetSessionATIS replaces one session's encrypted ATIS payload.
func (s *Store) SetSessionATIS(ctx context.Context, sessionID string, ciphertext string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	result, err := s.sqlDB.ExecContext(ctx,
		"UPDATE sessions SET atis_ciphertext = ? WHERE session_id = ?",
		ciphertext, strings.TrimSpace(sessionID))
	if err != nil {
		return fmt.Errorf("set session atis: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set session atis rows: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (storage.SessionRecord, error) {
	var record storage.SessionRecord
	var isPFATC int
	var createdAt int64
	err := row.Scan(
		&record.SessionID,
		&record.AccessID,
		&record.AirportICAO,
		&record.ActiveRunway,
		&record.CustomName,
		&isPFATC,
		&record.ATISCiphertext,
		&record.CreatedBy,
		&createdAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.SessionRecord{}, err
		}
		return storage.SessionRecord{}, fmt.Errorf("scan session: %w", err)
	}
	record.IsPFATC = isPFATC != 0
	record.CreatedAt = fromMillis(createdAt)
	return record, nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
