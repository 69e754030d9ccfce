// Package storage defines the persistence collaborator consumed by the relay
// core. The core reads session, flight, chat, and user rows and relays commit
// confirmations; it never owns the business rules behind them.
package storage

import (
	"context"
	"errors"
	"time"
)

// GlobalChatScope is the sentinel session id for the network-wide chat room.
const GlobalChatScope = "global"

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrNotOwner indicates a delete attempted by someone other than the
	// message author.
	ErrNotOwner = errors.New("record owned by another user")
)

// SessionRecord stores one flight-strip board scoped to a single airport.
type SessionRecord struct {
	SessionID      string
	AccessID       string
	AirportICAO    string
	ActiveRunway   string
	CustomName     string
	IsPFATC        bool // participates in cross-session aggregation
	ATISCiphertext string
	CreatedBy      string
	CreatedAt      time.Time
}

// FlightRecord stores one strip on a session board. The relay treats the
// fields beyond ID and SessionID as an opaque payload for ordering and
// fan-out purposes. Records serialize directly into board events and
// overview snapshots, so the fields carry wire tags.
type FlightRecord struct {
	ID           int64     `json:"id"`
	SessionID    string    `json:"sessionId"`
	Callsign     string    `json:"callsign"`
	AircraftType string    `json:"aircraftType,omitempty"`
	Departure    string    `json:"departure,omitempty"`
	Arrival      string    `json:"arrival,omitempty"`
	Route        string    `json:"route,omitempty"`
	Runway       string    `json:"runway,omitempty"`
	Squawk       string    `json:"squawk,omitempty"`
	Status       string    `json:"status,omitempty"`
	Remark       string    `json:"remark,omitempty"`
	Hidden       bool      `json:"hidden"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// ChatMessageRecord stores one chat message in a session or the global
// scope. Like FlightRecord it serializes directly into chat events and
// history frames.
type ChatMessageRecord struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	Avatar    string    `json:"avatar,omitempty"`
	Message   string    `json:"message"`
	SentAt    time.Time `json:"sentAt"`
}

// UserRecord stores one known identity as resolved by the auth collaborator.
type UserRecord struct {
	ID             string
	Username       string
	Avatar         string
	VatsimRatingID int
}

// SessionStore reads session rows and validates session-scoped credentials.
type SessionStore interface {
	ListSessions(ctx context.Context) ([]SessionRecord, error)
	GetSession(ctx context.Context, sessionID string) (SessionRecord, error)
	// ValidateAccess reports whether accessID grants entry to sessionID.
	ValidateAccess(ctx context.Context, sessionID string, accessID string) (bool, error)
}

// FlightStore persists committed flight mutations and serves bounded recent
// windows for aggregation.
type FlightStore interface {
	ListRecentBySession(ctx context.Context, sessionID string, window time.Duration) ([]FlightRecord, error)
	PutFlight(ctx context.Context, record FlightRecord) (FlightRecord, error)
	DeleteFlight(ctx context.Context, sessionID string, flightID int64) error
}

// ChatStore persists chat history. AppendMessage assigns the id and the
// authoritative SentAt timestamp.
type ChatStore interface {
	AppendMessage(ctx context.Context, record ChatMessageRecord) (ChatMessageRecord, error)
	// DeleteMessage removes one message. It returns ErrNotOwner when
	// requesterID did not author the message, and ErrNotFound when the
	// message is already gone.
	DeleteMessage(ctx context.Context, scope string, messageID int64, requesterID string) error
	ListByScope(ctx context.Context, scope string, limit int) ([]ChatMessageRecord, error)
}

// UserStore resolves identities to displayable user rows.
type UserStore interface {
	GetUser(ctx context.Context, userID string) (UserRecord, error)
}
