package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/net/websocket"

	"github.com/pfconnect/liveboard/internal/relay/board"
	"github.com/pfconnect/liveboard/internal/relay/chat"
	"github.com/pfconnect/liveboard/internal/relay/overview"
	"github.com/pfconnect/liveboard/internal/relay/presence"
	"github.com/pfconnect/liveboard/internal/relay/profile"
	"github.com/pfconnect/liveboard/internal/relay/storage"
)

var testJWTSecret = []byte("test-overview-secret")

type memorySessionStore struct {
	sessions map[string]storage.SessionRecord
}

func (s *memorySessionStore) ListSessions(context.Context) ([]storage.SessionRecord, error) {
	out := make([]storage.SessionRecord, 0, len(s.sessions))
	for _, record := range s.sessions {
		out = append(out, record)
	}
	return out, nil
}

func (s *memorySessionStore) GetSession(_ context.Context, sessionID string) (storage.SessionRecord, error) {
	record, ok := s.sessions[sessionID]
	if !ok {
		return storage.SessionRecord{}, storage.ErrNotFound
	}
	return record, nil
}

func (s *memorySessionStore) ValidateAccess(_ context.Context, sessionID string, accessID string) (bool, error) {
	record, ok := s.sessions[sessionID]
	return ok && record.AccessID == accessID, nil
}

type memoryFlightStore struct {
	mu      sync.Mutex
	nextID  int64
	flights map[int64]storage.FlightRecord
}

func newMemoryFlightStore() *memoryFlightStore {
	return &memoryFlightStore{flights: make(map[int64]storage.FlightRecord)}
}

func (s *memoryFlightStore) ListRecentBySession(_ context.Context, sessionID string, _ time.Duration) ([]storage.FlightRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.FlightRecord
	for _, record := range s.flights {
		if record.SessionID == sessionID && !record.Hidden {
			out = append(out, record)
		}
	}
	return out, nil
}

func (s *memoryFlightStore) PutFlight(_ context.Context, record storage.FlightRecord) (storage.FlightRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == 0 {
		s.nextID++
		record.ID = s.nextID
	}
	s.flights[record.ID] = record
	return record, nil
}

func (s *memoryFlightStore) DeleteFlight(_ context.Context, _ string, flightID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.flights[flightID]; !ok {
		return storage.ErrNotFound
	}
	delete(s.flights, flightID)
	return nil
}

type memoryChatStore struct {
	mu       sync.Mutex
	nextID   int64
	messages map[int64]storage.ChatMessageRecord
}

func newMemoryChatStore() *memoryChatStore {
	return &memoryChatStore{messages: make(map[int64]storage.ChatMessageRecord)}
}

func (s *memoryChatStore) AppendMessage(_ context.Context, record storage.ChatMessageRecord) (storage.ChatMessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	record.ID = s.nextID
	record.SentAt = time.Now().UTC()
	s.messages[record.ID] = record
	return record, nil
}

func (s *memoryChatStore) DeleteMessage(_ context.Context, _ string, messageID int64, requesterID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.messages[messageID]
	if !ok {
		return storage.ErrNotFound
	}
	if record.UserID != requesterID {
		return storage.ErrNotOwner
	}
	delete(s.messages, messageID)
	return nil
}

func (s *memoryChatStore) ListByScope(_ context.Context, scope string, _ int) ([]storage.ChatMessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.ChatMessageRecord
	for _, record := range s.messages {
		if record.SessionID == scope {
			out = append(out, record)
		}
	}
	return out, nil
}

type memoryUserStore struct{}

func (memoryUserStore) GetUser(_ context.Context, id string) (storage.UserRecord, error) {
	return storage.UserRecord{ID: id, Username: "user-" + id}, nil
}

type testRelay struct {
	deps    Deps
	tracker *presence.Tracker
	server  *httptest.Server
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()

	sessions := &memorySessionStore{sessions: map[string]storage.SessionRecord{
		"session-1": {SessionID: "session-1", AccessID: "access-1", AirportICAO: "EGLL", IsPFATC: true},
	}}
	tracker := presence.NewTracker()
	sectors := presence.NewSectorRegistry()
	profiles := profile.NewCache(memoryUserStore{}, time.Minute)
	aggregator := overview.NewAggregator(sessions, newMemoryFlightStore(), tracker, sectors, profiles, nil)
	boardChannel := board.NewChannel(newMemoryFlightStore(), func(board.Event) { aggregator.Trigger() })
	mentions := NewMentionRegistry()
	chatRouter := chat.NewRouter(newMemoryChatStore(), tracker, mentions, nil)

	deps := Deps{
		Sessions:          sessions,
		Tracker:           tracker,
		Sectors:           sectors,
		Board:             boardChannel,
		Chat:              chatRouter,
		Overview:          aggregator,
		Mentions:          mentions,
		OverviewJWTSecret: testJWTSecret,
		PresenceChanged:   aggregator.Trigger,
	}

	srv := httptest.NewServer(NewHandler(deps))
	t.Cleanup(srv.Close)
	return &testRelay{deps: deps, tracker: tracker, server: srv}
}

func (r *testRelay) dial(t *testing.T, path string, params url.Values) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(r.server.URL, "http") + path
	if len(params) > 0 {
		wsURL += "?" + params.Encode()
	}
	conn, err := websocket.Dial(wsURL, "", r.server.URL)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func sessionParams(userID string, username string) url.Values {
	identity, _ := json.Marshal(presence.Identity{UserID: userID, Username: username})
	return url.Values{
		"session_id": {"session-1"},
		"access_id":  {"access-1"},
		"identity":   {string(identity)},
		"position":   {"TWR"},
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) wsFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame wsFrame
	if err := json.NewDecoder(conn).Decode(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func readFrameOfType(t *testing.T, conn *websocket.Conn, frameType string) wsFrame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		frame := readFrame(t, conn)
		if frame.Type == frameType {
			return frame
		}
	}
	t.Fatalf("no %q frame before deadline", frameType)
	return wsFrame{}
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame wsFrame) {
	t.Helper()
	if err := json.NewEncoder(conn).Encode(frame); err != nil {
		t.Fatalf("send frame: %v", err)
	}
}

func TestSessionHandshakeRejectsInvalidAccess(t *testing.T) {
	relay := newTestRelay(t)

	params := sessionParams("u1", "alice")
	params.Set("access_id", "wrong")
	conn := relay.dial(t, "/ws/session", params)

	frame := readFrame(t, conn)
	if frame.Type != "error" {
		t.Fatalf("frame type = %q, want error", frame.Type)
	}
	var envelope wsErrorEnvelope
	if err := json.Unmarshal(frame.Payload, &envelope); err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	if envelope.Error.Code != "ACCESS_DENIED" {
		t.Fatalf("code = %q, want ACCESS_DENIED", envelope.Error.Code)
	}
	if got := relay.tracker.ActiveUsers("session-1"); len(got) != 0 {
		t.Fatalf("presence entries = %d after rejected handshake, want 0", len(got))
	}
}

func TestSessionJoinBroadcastsActiveUsers(t *testing.T) {
	relay := newTestRelay(t)

	alice := relay.dial(t, "/ws/session", sessionParams("u1", "alice"))
	frame := readFrameOfType(t, alice, "activeUsers")
	var entries []presence.Entry
	if err := json.Unmarshal(frame.Payload, &entries); err != nil {
		t.Fatalf("unmarshal active users: %v", err)
	}
	if len(entries) != 1 || entries[0].Username != "alice" {
		t.Fatalf("entries = %+v, want alice alone", entries)
	}

	relay.dial(t, "/ws/session", sessionParams("u2", "bob"))
	frame = readFrameOfType(t, alice, "activeUsers")
	if err := json.Unmarshal(frame.Payload, &entries); err != nil {
		t.Fatalf("unmarshal active users: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %+v, want alice and bob", entries)
	}
}

func TestFlightCommitFansOutToRoom(t *testing.T) {
	relay := newTestRelay(t)

	alice := relay.dial(t, "/ws/session", sessionParams("u1", "alice"))
	bob := relay.dial(t, "/ws/session", sessionParams("u2", "bob"))
	readFrameOfType(t, alice, "activeUsers")
	readFrameOfType(t, bob, "activeUsers")

	sendFrame(t, alice, wsFrame{
		Type:    "flight.commit",
		Payload: mustJSON(storage.FlightRecord{Callsign: "BAW123", Departure: "EGLL", Arrival: "EHAM"}),
	})

	// The committed value reaches every room member, sender included.
	for _, conn := range []*websocket.Conn{alice, bob} {
		frame := readFrameOfType(t, conn, string(board.EventFlightAdded))
		var event board.Event
		if err := json.Unmarshal(frame.Payload, &event); err != nil {
			t.Fatalf("unmarshal board event: %v", err)
		}
		if event.Flight == nil || event.Flight.ID == 0 || event.Flight.Callsign != "BAW123" {
			t.Fatalf("event = %+v, want committed BAW123", event)
		}
	}
}

func TestChatSendReachesRoomAfterHistory(t *testing.T) {
	relay := newTestRelay(t)

	alice := relay.dial(t, "/ws/chat", sessionParams("u1", "alice"))
	if frame := readFrame(t, alice); frame.Type != "chatHistory" {
		t.Fatalf("first frame = %q, want chatHistory", frame.Type)
	}

	sendFrame(t, alice, wsFrame{Type: "chat.send", Payload: mustJSON(chatSendPayload{Message: "radar contact"})})
	frame := readFrameOfType(t, alice, string(chat.EventMessage))
	var event chat.Event
	if err := json.Unmarshal(frame.Payload, &event); err != nil {
		t.Fatalf("unmarshal chat event: %v", err)
	}
	if event.Message == nil || event.Message.Message != "radar contact" {
		t.Fatalf("event = %+v, want committed message", event)
	}
}

func TestChatMentionReachesSessionConnection(t *testing.T) {
	relay := newTestRelay(t)

	// Bob listens on the session channel only; the mention must reach him
	// there even though he has no chat connection.
	bobSession := relay.dial(t, "/ws/session", sessionParams("u2", "bob"))
	readFrameOfType(t, bobSession, "activeUsers")

	alice := relay.dial(t, "/ws/chat", sessionParams("u1", "alice"))
	readFrameOfType(t, alice, "chatHistory")
	sendFrame(t, alice, wsFrame{Type: "chat.send", Payload: mustJSON(chatSendPayload{Message: "@bob descend FL80"})})
	frame := readFrameOfType(t, bobSession, "chatMention")
	var mention chat.Mention
	if err := json.Unmarshal(frame.Payload, &mention); err != nil {
		t.Fatalf("unmarshal mention: %v", err)
	}
	if mention.MentionedUserID != "u2" || mention.FromUserID != "u1" {
		t.Fatalf("mention = %+v", mention)
	}
}

func TestOverviewHandshakeRequiresValidToken(t *testing.T) {
	relay := newTestRelay(t)

	wsURL := "ws" + strings.TrimPrefix(relay.server.URL, "http") + "/ws/overview"
	if _, err := websocket.Dial(wsURL, "", relay.server.URL); err == nil {
		t.Fatal("expected handshake rejection without token")
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "dashboard",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(testJWTSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	// A presence entry makes session-1 visible so the forced initial
	// snapshot has content.
	session := relay.dial(t, "/ws/session", sessionParams("u1", "alice"))
	readFrameOfType(t, session, "activeUsers")

	dashboard := relay.dial(t, "/ws/overview", url.Values{"token": {token}})
	frame := readFrameOfType(t, dashboard, "overviewUpdate")
	var snapshot overview.Snapshot
	if err := json.Unmarshal(frame.Payload, &snapshot); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if len(snapshot.Sessions) != 1 || snapshot.Sessions[0].SessionID != "session-1" {
		t.Fatalf("snapshot sessions = %+v", snapshot.Sessions)
	}
}

func TestDisconnectTearsDownPresence(t *testing.T) {
	relay := newTestRelay(t)

	conn := relay.dial(t, "/ws/session", sessionParams("u1", "alice"))
	readFrameOfType(t, conn, "activeUsers")
	_ = conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(relay.tracker.ActiveUsers("session-1")) == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("presence entry survived disconnect")
}

func TestUpEndpoint(t *testing.T) {
	relay := newTestRelay(t)
	resp, err := http.Get(relay.server.URL + "/up")
	if err != nil {
		t.Fatalf("GET /up: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}
