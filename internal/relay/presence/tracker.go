// Package presence tracks which identities are connected to which session
// room, plus a station-keyed registry for en-route sector controllers.
//
// Presence is ephemeral, core-owned state. Entries are created only after the
// transport layer has validated session access, and destroyed on disconnect;
// the tracker itself never performs I/O.
package presence

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Identity is the resolved identity for one connection.
type Identity struct {
	UserID   string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

// Entry is one live connection inside a session room.
type Entry struct {
	SessionID    string    `json:"-"`
	ConnectionID string    `json:"-"`
	Identity
	Position string    `json:"position"`
	JoinedAt time.Time `json:"joinedAt"`
}

// Tracker owns per-session presence rooms.
type Tracker struct {
	mu    sync.Mutex
	rooms map[string]map[string]Entry // sessionID -> connectionID -> entry
	now   func() time.Time
}

// NewTracker builds an empty presence tracker.
func NewTracker() *Tracker {
	return &Tracker{
		rooms: make(map[string]map[string]Entry),
		now:   time.Now,
	}
}

// Join records one connection in a session room and returns the resulting
// active list. A connection lives in at most one room: re-joining moves it.
func (t *Tracker) Join(sessionID string, connectionID string, identity Identity, position string) []Entry {
	sessionID = strings.TrimSpace(sessionID)
	connectionID = strings.TrimSpace(connectionID)
	if sessionID == "" || connectionID == "" {
		return nil
	}

	t.mu.Lock()
	for roomID, room := range t.rooms {
		if roomID == sessionID {
			continue
		}
		delete(room, connectionID)
	}

	room, ok := t.rooms[sessionID]
	if !ok {
		room = make(map[string]Entry)
		t.rooms[sessionID] = room
	}
	room[connectionID] = Entry{
		SessionID:    sessionID,
		ConnectionID: connectionID,
		Identity:     identity,
		Position:     position,
		JoinedAt:     t.now().UTC(),
	}
	active := snapshotRoom(room)
	t.mu.Unlock()
	return active
}

// Leave removes one connection from a session room. An empty room is a
// legitimate, queryable state; the room map entry itself is dropped only to
// bound memory.
func (t *Tracker) Leave(sessionID string, connectionID string) {
	t.mu.Lock()
	if room, ok := t.rooms[sessionID]; ok {
		delete(room, connectionID)
		if len(room) == 0 {
			delete(t.rooms, sessionID)
		}
	}
	t.mu.Unlock()
}

// UpdatePosition changes the station/position label on one live entry.
func (t *Tracker) UpdatePosition(sessionID string, connectionID string, position string) {
	t.mu.Lock()
	if room, ok := t.rooms[sessionID]; ok {
		if entry, ok := room[connectionID]; ok {
			entry.Position = position
			room[connectionID] = entry
		}
	}
	t.mu.Unlock()
}

// ActiveUsers returns an immutable copy of the session's presence list, safe
// for concurrent readers.
func (t *Tracker) ActiveUsers(sessionID string) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	room, ok := t.rooms[sessionID]
	if !ok {
		return []Entry{}
	}
	return snapshotRoom(room)
}

func snapshotRoom(room map[string]Entry) []Entry {
	entries := make([]Entry, 0, len(room))
	for _, entry := range room {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].JoinedAt.Equal(entries[j].JoinedAt) {
			return entries[i].ConnectionID < entries[j].ConnectionID
		}
		return entries[i].JoinedAt.Before(entries[j].JoinedAt)
	})
	return entries
}

// SectorController is a standalone presence entity for an en-route controller
// not bound to any single session.
type SectorController struct {
	Identity
	Station  string    `json:"station"`
	JoinedAt time.Time `json:"joinedAt"`
}

// SectorRegistry tracks sector controllers keyed by station. Each station
// remembers which connection registered it so a stale unregister (for example
// a disconnect racing a re-registration from another connection) cannot drop
// the current holder.
type SectorRegistry struct {
	mu       sync.Mutex
	stations map[string]sectorClaim
	now      func() time.Time
}

type sectorClaim struct {
	controller SectorController
	owner      string
}

// NewSectorRegistry builds an empty sector controller registry.
func NewSectorRegistry() *SectorRegistry {
	return &SectorRegistry{
		stations: make(map[string]sectorClaim),
		now:      time.Now,
	}
}

// Register records one sector controller on a station for the given owning
// connection, replacing any previous holder of that station.
func (r *SectorRegistry) Register(station string, owner string, identity Identity) {
	station = strings.ToUpper(strings.TrimSpace(station))
	if station == "" {
		return
	}
	r.mu.Lock()
	r.stations[station] = sectorClaim{
		controller: SectorController{
			Identity: identity,
			Station:  station,
			JoinedAt: r.now().UTC(),
		},
		owner: owner,
	}
	r.mu.Unlock()
}

// Unregister removes the controller on one station, but only while owner
// still holds it.
func (r *SectorRegistry) Unregister(station string, owner string) {
	station = strings.ToUpper(strings.TrimSpace(station))
	r.mu.Lock()
	if claim, ok := r.stations[station]; ok && claim.owner == owner {
		delete(r.stations, station)
	}
	r.mu.Unlock()
}

// Active returns a copy of every registered sector controller, ordered by
// station for deterministic snapshots.
func (r *SectorRegistry) Active() []SectorController {
	r.mu.Lock()
	defer r.mu.Unlock()
	controllers := make([]SectorController, 0, len(r.stations))
	for _, claim := range r.stations {
		controllers = append(controllers, claim.controller)
	}
	sort.Slice(controllers, func(i, j int) bool {
		return controllers[i].Station < controllers[j].Station
	})
	return controllers
}
