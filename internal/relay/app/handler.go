package app

import (
	"net/http"
	"sync"

	"golang.org/x/net/websocket"

	"github.com/pfconnect/liveboard/internal/relay/board"
	"github.com/pfconnect/liveboard/internal/relay/chat"
	"github.com/pfconnect/liveboard/internal/relay/overview"
	"github.com/pfconnect/liveboard/internal/relay/presence"
	"github.com/pfconnect/liveboard/internal/relay/storage"
)

// Deps wires the websocket handler to the relay collaborators.
type Deps struct {
	Sessions storage.SessionStore
	Tracker  *presence.Tracker
	Sectors  *presence.SectorRegistry
	Board    *board.Channel
	Chat     *chat.Router
	Overview *overview.Aggregator
	Mentions *MentionRegistry

	// OverviewJWTSecret verifies dashboard handshake tokens.
	OverviewJWTSecret []byte

	// PresenceChanged fires after any join, leave, or position change so
	// the overview can recompute.
	PresenceChanged func()
}

func (d Deps) presenceChanged() {
	if d.PresenceChanged != nil {
		d.PresenceChanged()
	}
}

// NewHandler creates the relay routes: a health probe plus one websocket
// endpoint per channel kind.
func NewHandler(deps Deps) http.Handler {
	hub := newSessionHub()
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.Handle("/ws/session", requireGet(websocket.Handler(func(conn *websocket.Conn) {
		handleSessionConn(conn, deps, hub)
	})))
	mux.Handle("/ws/chat", requireGet(websocket.Handler(func(conn *websocket.Conn) {
		handleChatConn(conn, deps)
	})))
	mux.Handle("/ws/overview", requireGet(overviewHandler(deps)))
	return mux
}

func requireGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// sessionHub tracks which session peers are connected per room, for
// presence-list fan-out.
type sessionHub struct {
	mu    sync.Mutex
	rooms map[string]map[*wsPeer]struct{}
}

func newSessionHub() *sessionHub {
	return &sessionHub{rooms: make(map[string]map[*wsPeer]struct{})}
}

func (h *sessionHub) join(sessionID string, peer *wsPeer) {
	h.mu.Lock()
	room, ok := h.rooms[sessionID]
	if !ok {
		room = make(map[*wsPeer]struct{})
		h.rooms[sessionID] = room
	}
	room[peer] = struct{}{}
	h.mu.Unlock()
}

func (h *sessionHub) leave(sessionID string, peer *wsPeer) {
	h.mu.Lock()
	if room, ok := h.rooms[sessionID]; ok {
		delete(room, peer)
		if len(room) == 0 {
			delete(h.rooms, sessionID)
		}
	}
	h.mu.Unlock()
}

func (h *sessionHub) peers(sessionID string) []*wsPeer {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[sessionID]
	peers := make([]*wsPeer, 0, len(room))
	for peer := range room {
		peers = append(peers, peer)
	}
	return peers
}

// MentionRegistry routes mention notifications to a user's live session
// connections. One user may hold several connections; each receives the
// mention.
type MentionRegistry struct {
	mu    sync.Mutex
	peers map[string]map[*wsPeer]struct{}
}

// NewMentionRegistry builds an empty mention registry.
func NewMentionRegistry() *MentionRegistry {
	return &MentionRegistry{peers: make(map[string]map[*wsPeer]struct{})}
}

// NotifyMention implements chat.MentionNotifier.
func (m *MentionRegistry) NotifyMention(userID string, mention chat.Mention) {
	m.mu.Lock()
	targets := make([]*wsPeer, 0, len(m.peers[userID]))
	for peer := range m.peers[userID] {
		targets = append(targets, peer)
	}
	m.mu.Unlock()
	frame := wsFrame{Type: "chatMention", Payload: mustJSON(mention)}
	for _, peer := range targets {
		_ = peer.writeFrame(frame)
	}
}

func (m *MentionRegistry) register(userID string, peer *wsPeer) {
	if userID == "" {
		return
	}
	m.mu.Lock()
	peers, ok := m.peers[userID]
	if !ok {
		peers = make(map[*wsPeer]struct{})
		m.peers[userID] = peers
	}
	peers[peer] = struct{}{}
	m.mu.Unlock()
}

func (m *MentionRegistry) unregister(userID string, peer *wsPeer) {
	m.mu.Lock()
	if peers, ok := m.peers[userID]; ok {
		delete(peers, peer)
		if len(peers) == 0 {
			delete(m.peers, userID)
		}
	}
	m.mu.Unlock()
}
