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

const flightColumns = "id, session_id, callsign, aircraft_type, departure, arrival, route, runway, squawk, status, remark, hidden, created_at, updated_at"

// ListRecentBySession returns flights for one session updated within window,
// oldest first. Hidden strips are excluded; they exist only for the owning
// board's controllers.
func (s *Store) ListRecentBySession(ctx context.Context, sessionID string, window time.Duration) ([]storage.FlightRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if window <= 0 {
		window = 2 * time.Hour
	}
	cutoff := toMillis(time.Now().Add(-window))

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT `+flightColumns+` FROM flights
WHERE session_id = ? AND hidden = 0 AND updated_at >= ?
ORDER BY updated_at ASC`,
		strings.TrimSpace(sessionID), cutoff)
	if err != nil {
		return nil, fmt.Errorf("list recent flights: %w", err)
	}
	defer rows.Close()

	var records []storage.FlightRecord
	for rows.Next() {
		record, err := scanFlight(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate flights: %w", err)
	}
	return records, nil
}

// PutFlight inserts or updates one flight row and returns the committed value.
func (s *Store) PutFlight(ctx context.Context, record storage.FlightRecord) (storage.FlightRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.FlightRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.FlightRecord{}, fmt.Errorf("storage is not configured")
	}
	record.SessionID = strings.TrimSpace(record.SessionID)
	if record.SessionID == "" {
		return storage.FlightRecord{}, fmt.Errorf("session id is required")
	}

	now := time.Now().UTC()
	record.UpdatedAt = now

	if record.ID == 0 {
		record.CreatedAt = now
		result, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO flights (session_id, callsign, aircraft_type, departure, arrival, route, runway, squawk, status, remark, hidden, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			record.SessionID,
			record.Callsign,
			record.AircraftType,
			record.Departure,
			record.Arrival,
			record.Route,
			record.Runway,
			record.Squawk,
			record.Status,
			record.Remark,
			boolToInt(record.Hidden),
			toMillis(record.CreatedAt),
			toMillis(record.UpdatedAt),
		)
		if err != nil {
			return storage.FlightRecord{}, fmt.Errorf("insert flight: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return storage.FlightRecord{}, fmt.Errorf("flight insert id: %w", err)
		}
		record.ID = id
		return record, nil
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE flights SET callsign = ?, aircraft_type = ?, departure = ?, arrival = ?, route = ?, runway = ?, squawk = ?, status = ?, remark = ?, hidden = ?, updated_at = ?
WHERE id = ? AND session_id = ?`,
		record.Callsign,
		record.AircraftType,
		record.Departure,
		record.Arrival,
		record.Route,
		record.Runway,
		record.Squawk,
		record.Status,
		record.Remark,
		boolToInt(record.Hidden),
		toMillis(record.UpdatedAt),
		record.ID,
		record.SessionID,
	)
	if err != nil {
		return storage.FlightRecord{}, fmt.Errorf("update flight: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storage.FlightRecord{}, fmt.Errorf("update flight rows: %w", err)
	}
	if affected == 0 {
		return storage.FlightRecord{}, storage.ErrNotFound
	}

	row := s.sqlDB.QueryRowContext(ctx,
		"SELECT "+flightColumns+" FROM flights WHERE id = ? AND session_id = ?",
		record.ID, record.SessionID)
	committed, err := scanFlight(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.FlightRecord{}, storage.ErrNotFound
		}
		return storage.FlightRecord{}, err
	}
	return committed, nil
}

// DeleteFlight removes one flight row.
func (s *Store) DeleteFlight(ctx context.Context, sessionID string, flightID int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	result, err := s.sqlDB.ExecContext(ctx,
		"DELETE FROM flights WHERE id = ? AND session_id = ?",
		flightID, strings.TrimSpace(sessionID))
	if err != nil {
		return fmt.Errorf("delete flight: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete flight rows: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func scanFlight(row rowScanner) (storage.FlightRecord, error) {
	var record storage.FlightRecord
	var hidden int
	var createdAt, updatedAt int64
	err := row.Scan(
		&record.ID,
		&record.SessionID,
		&record.Callsign,
		&record.AircraftType,
		&record.Departure,
		&record.Arrival,
		&record.Route,
		&record.Runway,
		&record.Squawk,
		&record.Status,
		&record.Remark,
		&hidden,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.FlightRecord{}, err
		}
		return storage.FlightRecord{}, fmt.Errorf("scan flight: %w", err)
	}
	record.Hidden = hidden != 0
	record.CreatedAt = fromMillis(createdAt)
	record.UpdatedAt = fromMillis(updatedAt)
	return record, nil
}
