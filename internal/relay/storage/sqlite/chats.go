package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pfconnect/liveboard/internal/relay/storage"
)

const chatColumns = "id, session_id, user_id, username, avatar, message, sent_at"

// AppendMessage persists one chat message and returns the committed row with
// its assigned id and authoritative sent_at.
func (s *Store) AppendMessage(ctx context.Context, record storage.ChatMessageRecord) (storage.ChatMessageRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.ChatMessageRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.ChatMessageRecord{}, fmt.Errorf("storage is not configured")
	}
	record.SessionID = strings.TrimSpace(record.SessionID)
	record.UserID = strings.TrimSpace(record.UserID)
	if record.SessionID == "" {
		return storage.ChatMessageRecord{}, fmt.Errorf("chat scope is required")
	}
	if record.UserID == "" {
		return storage.ChatMessageRecord{}, fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(record.Message) == "" {
		return storage.ChatMessageRecord{}, fmt.Errorf("message is required")
	}

	if record.SentAt.IsZero() {
		record.SentAt = time.Now().UTC()
	}
	result, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO chat_messages (session_id, user_id, username, avatar, message, sent_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		record.SessionID,
		record.UserID,
		record.Username,
		record.Avatar,
		record.Message,
		toMillis(record.SentAt),
	)
	if err != nil {
		return storage.ChatMessageRecord{}, fmt.Errorf("append chat message: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return storage.ChatMessageRecord{}, fmt.Errorf("chat message insert id: %w", err)
	}
	record.ID = id
	return record, nil
}

// DeleteMessage removes one message when requesterID authored it.
func (s *Store) DeleteMessage(ctx context.Context, scope string, messageID int64, requesterID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	var ownerID string
	err := s.sqlDB.QueryRowContext(ctx,
		"SELECT user_id FROM chat_messages WHERE id = ? AND session_id = ?",
		messageID, strings.TrimSpace(scope)).Scan(&ownerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("lookup chat message owner: %w", err)
	}
	if ownerID != strings.TrimSpace(requesterID) {
		return storage.ErrNotOwner
	}

	if _, err := s.sqlDB.ExecContext(ctx,
		"DELETE FROM chat_messages WHERE id = ?", messageID); err != nil {
		return fmt.Errorf("delete chat message: %w", err)
	}
	return nil
}

// ListByScope returns the most recent messages for one scope in
// chronological order.
func (s *Store) ListByScope(ctx context.Context, scope string, limit int) ([]storage.ChatMessageRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+chatColumns+` FROM (
    SELECT `+chatColumns+` FROM chat_messages
    WHERE session_id = ?
    ORDER BY sent_at DESC, id DESC
    LIMIT ?
) ORDER BY sent_at ASC, id ASC`,
		strings.TrimSpace(scope), limit)
	if err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	defer rows.Close()

	var records []storage.ChatMessageRecord
	for rows.Next() {
		var record storage.ChatMessageRecord
		var sentAt int64
		if err := rows.Scan(
			&record.ID,
			&record.SessionID,
			&record.UserID,
			&record.Username,
			&record.Avatar,
			&record.Message,
			&sentAt,
		); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		record.SentAt = fromMillis(sentAt)
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat messages: %w", err)
	}
	return records, nil
}
