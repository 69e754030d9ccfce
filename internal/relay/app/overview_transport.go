package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/net/websocket"
)

// overviewSubscriber forwards snapshots to one dashboard peer.
type overviewSubscriber struct {
	peer *wsPeer
}

func (s *overviewSubscriber) DeliverOverview(payload json.RawMessage) {
	_ = s.peer.writeFrame(wsFrame{Type: "overviewUpdate", Payload: payload})
}

// overviewHandler verifies the dashboard token before upgrading, so an
// unauthorized client never becomes a subscriber.
func overviewHandler(deps Deps) http.Handler {
	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		handleOverviewConn(conn, deps)
	})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(deps.OverviewJWTSecret) == 0 {
			http.Error(w, "overview auth is not configured", http.StatusServiceUnavailable)
			return
		}
		subject, err := verifyOverviewToken(deps.OverviewJWTSecret, overviewTokenFromRequest(r))
		if err != nil {
			log.Printf("relay: overview handshake rejected for remote=%s: %v", r.RemoteAddr, err)
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		log.Printf("relay: overview subscriber %q connected", subject)
		wsHandler.ServeHTTP(w, r)
	})
}

func overviewTokenFromRequest(r *http.Request) string {
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return token
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return ""
}

func verifyOverviewToken(secret []byte, raw string) (string, error) {
	if raw == "" {
		return "", errors.New("token is required")
	}
	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", fmt.Errorf("parse overview token: %w", err)
	}
	subject, err := token.Claims.GetSubject()
	if err != nil || strings.TrimSpace(subject) == "" {
		return "", errors.New("overview token has no subject")
	}
	return subject, nil
}

// handleOverviewConn subscribes one dashboard client for full snapshots. The
// subscription itself forces an initial broadcast; the read loop exists only
// to notice the disconnect and to serve explicit refresh requests.
func handleOverviewConn(conn *websocket.Conn, deps Deps) {
	defer func() {
		_ = conn.Close()
	}()

	peer := newWSPeer(json.NewEncoder(conn))
	subscriber := &overviewSubscriber{peer: peer}
	deps.Overview.Subscribe(subscriber)
	defer deps.Overview.Unsubscribe(subscriber)

	decoder := json.NewDecoder(conn)
	var limiter frameLimiter
	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			if limiter.recordDecodeError() {
				return
			}
			continue
		}
		limiter.resetDecodeErrors()
		if !limiter.allowFrame(time.Now()) {
			_ = writeWSError(peer, frame.RequestID, "RESOURCE_EXHAUSTED", "rate limit exceeded")
			return
		}
		switch frame.Type {
		case "overview.refresh":
			deps.Overview.Trigger()
		default:
			_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "unsupported frame type")
		}
	}
}
