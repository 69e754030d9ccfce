package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"

	"github.com/pfconnect/liveboard/internal/platform/timeouts"
	"github.com/pfconnect/liveboard/internal/relay/board"
	"github.com/pfconnect/liveboard/internal/relay/presence"
	"github.com/pfconnect/liveboard/internal/relay/storage"
)

type flightDeletePayload struct {
	FlightID int64 `json:"flightId"`
}

type positionPayload struct {
	Position string `json:"position"`
}

type stationPayload struct {
	Station string `json:"station"`
}

// sessionSubscriber forwards board events to one peer as typed frames.
type sessionSubscriber struct {
	peer *wsPeer
}

func (s *sessionSubscriber) DeliverBoardEvent(event board.Event) {
	_ = s.peer.writeFrame(wsFrame{Type: string(event.Kind), Payload: mustJSON(event)})
}

// handleSessionConn owns one session websocket: handshake validation,
// presence registration, the frame loop, and teardown of exactly the state
// this connection created.
func handleSessionConn(conn *websocket.Conn, deps Deps, hub *sessionHub) {
	defer func() {
		_ = conn.Close()
	}()

	peer := newWSPeer(json.NewEncoder(conn))
	request := conn.Request()
	if request == nil {
		return
	}
	query := request.URL.Query()
	sessionID := strings.TrimSpace(query.Get("session_id"))
	accessID := strings.TrimSpace(query.Get("access_id"))
	identity, err := parseIdentity(query.Get("identity"))
	if sessionID == "" || accessID == "" || err != nil {
		_ = writeWSError(peer, "", "INVALID_ARGUMENT", "session_id, access_id and identity are required")
		return
	}

	if !validateSessionAccess(request.Context(), deps.Sessions, sessionID, accessID) {
		// No presence, board, or chat state exists yet; closing here
		// leaves nothing behind.
		_ = writeWSError(peer, "", "ACCESS_DENIED", "invalid session access")
		return
	}

	connectionID := uuid.NewString()
	subscriber := &sessionSubscriber{peer: peer}
	deps.Board.Subscribe(sessionID, subscriber)
	hub.join(sessionID, peer)
	if deps.Mentions != nil {
		deps.Mentions.register(identity.UserID, peer)
	}
	deps.Tracker.Join(sessionID, connectionID, identity, strings.TrimSpace(query.Get("position")))
	broadcastActiveUsers(deps, hub, sessionID)
	deps.presenceChanged()

	stations := make(map[string]struct{})
	defer func() {
		deps.Board.Unsubscribe(sessionID, subscriber)
		if deps.Mentions != nil {
			deps.Mentions.unregister(identity.UserID, peer)
		}
		deps.Tracker.Leave(sessionID, connectionID)
		hub.leave(sessionID, peer)
		for station := range stations {
			deps.Sectors.Unregister(station, connectionID)
		}
		broadcastActiveUsers(deps, hub, sessionID)
		deps.presenceChanged()
	}()

	decoder := json.NewDecoder(conn)
	var limiter frameLimiter
	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			_ = writeWSError(peer, "", "INVALID_ARGUMENT", "invalid frame payload")
			if limiter.recordDecodeError() {
				return
			}
			continue
		}
		limiter.resetDecodeErrors()

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "payload too large")
			continue
		}
		if !limiter.allowFrame(time.Now()) {
			_ = writeWSError(peer, frame.RequestID, "RESOURCE_EXHAUSTED", "rate limit exceeded")
			return
		}

		switch frame.Type {
		case "flight.commit":
			handleFlightCommit(request.Context(), deps, peer, sessionID, frame)
		case "flight.delete":
			handleFlightDelete(request.Context(), deps, peer, sessionID, frame)
		case "atis.generated":
			deps.Board.RelayATIS(sessionID, frame.Payload)
		case "position.update":
			var payload positionPayload
			if err := json.Unmarshal(frame.Payload, &payload); err != nil {
				_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "invalid position payload")
				continue
			}
			deps.Tracker.UpdatePosition(sessionID, connectionID, strings.TrimSpace(payload.Position))
			broadcastActiveUsers(deps, hub, sessionID)
			deps.presenceChanged()
		case "sector.register":
			station, ok := decodeStation(peer, frame)
			if !ok {
				continue
			}
			deps.Sectors.Register(station, connectionID, identity)
			stations[station] = struct{}{}
			deps.presenceChanged()
		case "sector.unregister":
			station, ok := decodeStation(peer, frame)
			if !ok {
				continue
			}
			deps.Sectors.Unregister(station, connectionID)
			delete(stations, station)
			deps.presenceChanged()
		default:
			_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "unsupported frame type")
		}
	}
}

func handleFlightCommit(ctx context.Context, deps Deps, peer *wsPeer, sessionID string, frame wsFrame) {
	var record storage.FlightRecord
	if err := json.Unmarshal(frame.Payload, &record); err != nil {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "invalid flight payload")
		return
	}
	commitCtx, cancel := context.WithTimeout(ctx, timeouts.ExternalFetch)
	defer cancel()
	if _, err := deps.Board.CommitFlight(commitCtx, sessionID, record); err != nil {
		log.Printf("relay: flight commit for session %s failed: %v", sessionID, err)
		_ = writeWSError(peer, frame.RequestID, "UNAVAILABLE", "flight commit failed")
	}
}

func handleFlightDelete(ctx context.Context, deps Deps, peer *wsPeer, sessionID string, frame wsFrame) {
	var payload flightDeletePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil || payload.FlightID == 0 {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "flightId is required")
		return
	}
	commitCtx, cancel := context.WithTimeout(ctx, timeouts.ExternalFetch)
	defer cancel()
	if err := deps.Board.CommitDelete(commitCtx, sessionID, payload.FlightID); err != nil {
		log.Printf("relay: flight delete for session %s failed: %v", sessionID, err)
		_ = writeWSError(peer, frame.RequestID, "UNAVAILABLE", "flight delete failed")
	}
}

func decodeStation(peer *wsPeer, frame wsFrame) (string, bool) {
	var payload stationPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "invalid station payload")
		return "", false
	}
	station := strings.ToUpper(strings.TrimSpace(payload.Station))
	if station == "" {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "station is required")
		return "", false
	}
	return station, true
}

// validateSessionAccess gates every session-scoped handshake. Lookup errors
// deny access rather than letting an unverified connection through.
func validateSessionAccess(ctx context.Context, sessions storage.SessionStore, sessionID string, accessID string) bool {
	checkCtx, cancel := context.WithTimeout(ctx, timeouts.AccessCheck)
	defer cancel()
	ok, err := sessions.ValidateAccess(checkCtx, sessionID, accessID)
	if err != nil {
		log.Printf("relay: access check for session %s failed: %v", sessionID, err)
		return false
	}
	return ok
}

func parseIdentity(raw string) (presence.Identity, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return presence.Identity{}, errors.New("identity is required")
	}
	var identity presence.Identity
	if err := json.Unmarshal([]byte(raw), &identity); err != nil {
		return presence.Identity{}, err
	}
	if strings.TrimSpace(identity.UserID) == "" {
		return presence.Identity{}, errors.New("identity id is required")
	}
	return identity, nil
}

func broadcastActiveUsers(deps Deps, hub *sessionHub, sessionID string) {
	entries := deps.Tracker.ActiveUsers(sessionID)
	frame := wsFrame{Type: "activeUsers", Payload: mustJSON(entries)}
	for _, peer := range hub.peers(sessionID) {
		_ = peer.writeFrame(frame)
	}
}
