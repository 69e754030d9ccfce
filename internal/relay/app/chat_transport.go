package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/net/websocket"

	"github.com/pfconnect/liveboard/internal/relay/chat"
	"github.com/pfconnect/liveboard/internal/relay/storage"
)

const defaultChatHistoryLimit = 50

type chatSendPayload struct {
	Message string `json:"message"`
}

type chatDeletePayload struct {
	MessageID int64 `json:"messageId"`
}

type chatHistoryPayload struct {
	Limit int `json:"limit"`
}

// chatSubscriber forwards chat events to one peer as typed frames.
type chatSubscriber struct {
	peer *wsPeer
}

func (s *chatSubscriber) DeliverChatEvent(event chat.Event) {
	_ = s.peer.writeFrame(wsFrame{Type: string(event.Kind), Payload: mustJSON(event)})
}

// handleChatConn owns one chat websocket. The scope is either a session id,
// validated exactly like a session connection, or the global room which any
// authenticated identity may join.
func handleChatConn(conn *websocket.Conn, deps Deps) {
	defer func() {
		_ = conn.Close()
	}()

	peer := newWSPeer(json.NewEncoder(conn))
	request := conn.Request()
	if request == nil {
		return
	}
	query := request.URL.Query()
	identity, err := parseIdentity(query.Get("identity"))
	if err != nil {
		_ = writeWSError(peer, "", "INVALID_ARGUMENT", "identity is required")
		return
	}

	scope := strings.TrimSpace(query.Get("session_id"))
	if scope == "" {
		scope = storage.GlobalChatScope
	}
	if scope != storage.GlobalChatScope {
		accessID := strings.TrimSpace(query.Get("access_id"))
		if accessID == "" || !validateSessionAccess(request.Context(), deps.Sessions, scope, accessID) {
			_ = writeWSError(peer, "", "ACCESS_DENIED", "invalid session access")
			return
		}
	}

	subscriber := &chatSubscriber{peer: peer}
	deps.Chat.Join(scope, subscriber, identity)
	defer deps.Chat.Leave(scope, subscriber)

	sendHistory(request.Context(), deps, peer, scope, defaultChatHistoryLimit, "")

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
		case "chat.send":
			handleChatSend(request.Context(), deps, peer, subscriber, scope, frame)
		case "chat.delete":
			var payload chatDeletePayload
			if err := json.Unmarshal(frame.Payload, &payload); err != nil || payload.MessageID == 0 {
				_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "messageId is required")
				continue
			}
			// A rejected delete already reaches the requester as a
			// compensating event; nothing more to report here.
			if err := deps.Chat.Delete(request.Context(), scope, subscriber, payload.MessageID); err != nil {
				log.Printf("chat: delete message %d in %s: %v", payload.MessageID, scope, err)
			}
		case "chat.open":
			deps.Chat.MarkOpen(scope, subscriber)
		case "chat.close":
			deps.Chat.MarkClosed(scope, subscriber)
		case "chat.history":
			var payload chatHistoryPayload
			if len(frame.Payload) > 0 {
				if err := json.Unmarshal(frame.Payload, &payload); err != nil {
					_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "invalid history payload")
					continue
				}
			}
			sendHistory(request.Context(), deps, peer, scope, payload.Limit, frame.RequestID)
		default:
			_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "unsupported frame type")
		}
	}
}

func handleChatSend(ctx context.Context, deps Deps, peer *wsPeer, subscriber *chatSubscriber, scope string, frame wsFrame) {
	var payload chatSendPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "invalid send payload")
		return
	}
	message := strings.TrimSpace(payload.Message)
	if message == "" {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "message is required")
		return
	}
	if utf8.RuneCountInString(message) > maxChatMessageRunes {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "message must be at most 2000 characters")
		return
	}
	if _, err := deps.Chat.Send(ctx, scope, subscriber, message); err != nil {
		log.Printf("chat: send in %s failed: %v", scope, err)
		_ = writeWSError(peer, frame.RequestID, "UNAVAILABLE", "message could not be sent")
	}
}

func sendHistory(ctx context.Context, deps Deps, peer *wsPeer, scope string, limit int, requestID string) {
	if limit <= 0 {
		limit = defaultChatHistoryLimit
	}
	if limit > 200 {
		limit = 200
	}
	records, err := deps.Chat.History(ctx, scope, limit)
	if err != nil {
		log.Printf("chat: history for %s failed: %v", scope, err)
		_ = writeWSError(peer, requestID, "UNAVAILABLE", "history unavailable")
		return
	}
	_ = peer.writeFrame(wsFrame{Type: "chatHistory", RequestID: requestID, Payload: mustJSON(records)})
}
