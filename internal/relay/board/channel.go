// Package board broadcasts committed flight mutations to session rooms.
//
// Each session is a logical room. A mutation is persisted and then fanned out
// to every room member under one per-session sequencing lock, so within one
// session broadcast order always equals commit order. There is no
// cross-session ordering guarantee, and none across server instances.
package board

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/pfconnect/liveboard/internal/relay/storage"
)

// EventKind identifies one board event type.
type EventKind string

const (
	// EventFlightAdded carries the full committed value of a new strip.
	EventFlightAdded EventKind = "flightAdded"
	// EventFlightUpdated carries the full post-commit value. Clients must
	// replace any optimistic local copy with it, including the sender.
	EventFlightUpdated EventKind = "flightUpdated"
	// EventFlightDeleted names the removed strip.
	EventFlightDeleted EventKind = "flightDeleted"
	// EventATISGenerated relays a freshly generated ATIS to the room.
	EventATISGenerated EventKind = "atisGenerated"
)

// Event is one committed mutation fanned out to a session room.
type Event struct {
	Kind      EventKind             `json:"kind"`
	SessionID string                `json:"sessionId"`
	Flight    *storage.FlightRecord `json:"flight,omitempty"`
	FlightID  int64                 `json:"flightId,omitempty"`
	ATIS      json.RawMessage       `json:"atis,omitempty"`
}

// Subscriber receives board events for one room membership.
type Subscriber interface {
	DeliverBoardEvent(Event)
}

type room struct {
	// seq is the per-session sequencing point: commit-then-broadcast runs
	// under it so concurrent writers' results are never reordered.
	seq         sync.Mutex
	mu          sync.Mutex
	subscribers map[Subscriber]struct{}
}

func (r *room) snapshotSubscribers() []Subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()
	subscribers := make([]Subscriber, 0, len(r.subscribers))
	for subscriber := range r.subscribers {
		subscribers = append(subscribers, subscriber)
	}
	return subscribers
}

// Channel owns the per-session mutation rooms.
type Channel struct {
	flights storage.FlightStore
	notify  func(Event)

	mu    sync.Mutex
	rooms map[string]*room
}

// NewChannel builds a mutation channel over the given flight store. notify,
// when non-nil, observes every broadcast event; the overview aggregator uses
// it as its mutation trigger.
func NewChannel(flights storage.FlightStore, notify func(Event)) *Channel {
	return &Channel{
		flights: flights,
		notify:  notify,
		rooms:   make(map[string]*room),
	}
}

// Subscribe adds one member to a session room.
func (c *Channel) Subscribe(sessionID string, subscriber Subscriber) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" || subscriber == nil {
		return
	}
	r := c.room(sessionID)
	r.mu.Lock()
	r.subscribers[subscriber] = struct{}{}
	r.mu.Unlock()
}

// Unsubscribe removes one member from a session room.
func (c *Channel) Unsubscribe(sessionID string, subscriber Subscriber) {
	c.mu.Lock()
	r, ok := c.rooms[sessionID]
	c.mu.Unlock()
	if !ok {
		return
	}
	r.mu.Lock()
	delete(r.subscribers, subscriber)
	r.mu.Unlock()
}

// CommitFlight persists one add or update and broadcasts the committed value
// to every room member, including the original sender.
func (c *Channel) CommitFlight(ctx context.Context, sessionID string, record storage.FlightRecord) (storage.FlightRecord, error) {
	record.SessionID = sessionID
	kind := EventFlightUpdated
	if record.ID == 0 {
		kind = EventFlightAdded
	}

	r := c.room(sessionID)
	r.seq.Lock()
	defer r.seq.Unlock()

	committed, err := c.flights.PutFlight(ctx, record)
	if err != nil {
		return storage.FlightRecord{}, err
	}
	c.broadcast(r, Event{
		Kind:      kind,
		SessionID: sessionID,
		Flight:    &committed,
		FlightID:  committed.ID,
	})
	return committed, nil
}

// CommitDelete removes one flight and broadcasts the deletion.
func (c *Channel) CommitDelete(ctx context.Context, sessionID string, flightID int64) error {
	r := c.room(sessionID)
	r.seq.Lock()
	defer r.seq.Unlock()

	if err := c.flights.DeleteFlight(ctx, sessionID, flightID); err != nil {
		return err
	}
	c.broadcast(r, Event{
		Kind:      EventFlightDeleted,
		SessionID: sessionID,
		FlightID:  flightID,
	})
	return nil
}

// RelayATIS fans a generated ATIS payload out to the session room. The
// payload is opaque to the channel; persistence of the sealed ATIS belongs to
// the board CRUD surface.
func (c *Channel) RelayATIS(sessionID string, payload json.RawMessage) {
	r := c.room(sessionID)
	r.seq.Lock()
	defer r.seq.Unlock()

	c.broadcast(r, Event{
		Kind:      EventATISGenerated,
		SessionID: sessionID,
		ATIS:      payload,
	})
}

func (c *Channel) room(sessionID string) *room {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rooms[sessionID]
	if !ok {
		r = &room{subscribers: make(map[Subscriber]struct{})}
		c.rooms[sessionID] = r
	}
	return r
}

func (c *Channel) broadcast(r *room, event Event) {
	for _, subscriber := range r.snapshotSubscribers() {
		subscriber.DeliverBoardEvent(event)
	}
	if c.notify != nil {
		c.notify(event)
	}
}
