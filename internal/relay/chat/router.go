// Package chat routes session and global chat messages with mention
// detection, asynchronous moderation annotations, and compensating delete
// semantics.
//
// Membership is established once per connection after the transport layer has
// validated session access; individual messages are never re-authenticated.
package chat

import (
	"context"
	"log"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	platformerrors "github.com/pfconnect/liveboard/internal/platform/errors"
	"github.com/pfconnect/liveboard/internal/relay/presence"
	"github.com/pfconnect/liveboard/internal/relay/storage"
)

// maxDeletedRecord bounds the per-room memory of recently deleted message
// ids used to no-op late moderation annotations.
const maxDeletedRecord = 1024

// EventKind identifies one chat event type.
type EventKind string

const (
	// EventMessage carries one committed chat message.
	EventMessage EventKind = "chatMessage"
	// EventMessageDeleted names a message optimistically removed from the room.
	EventMessageDeleted EventKind = "chatMessageDeleted"
	// EventMessageDeleteFailed tells the requester to reinsert the original
	// message at its original chronological position.
	EventMessageDeleteFailed EventKind = "chatMessageDeleteFailed"
	// EventMessageAutomodded attaches a late moderation annotation.
	EventMessageAutomodded EventKind = "chatMessageAutomodded"
	// EventActiveReaders lists the identities with the room currently open.
	EventActiveReaders EventKind = "activeChatUsers"
)

// Event is one chat room event fanned out to subscribers.
type Event struct {
	Kind          EventKind                  `json:"kind"`
	Scope         string                     `json:"scope"`
	Message       *storage.ChatMessageRecord `json:"message,omitempty"`
	MessageID     int64                      `json:"messageId,omitempty"`
	Reason        string                     `json:"reason,omitempty"`
	ActiveReaders []string                   `json:"activeReaders,omitempty"`
}

// Mention is a targeted notification for one mentioned identity. It is
// delivered outside the chat room so a user not currently viewing chat still
// learns about the mention.
type Mention struct {
	Scope           string    `json:"scope"`
	MessageID       int64     `json:"messageId"`
	MentionedUserID string    `json:"mentionedUserId"`
	FromUserID      string    `json:"fromUserId"`
	FromUsername    string    `json:"fromUsername"`
	Message         string    `json:"message"`
	SentAt          time.Time `json:"sentAt"`
}

// Subscriber receives chat events for one room membership.
type Subscriber interface {
	DeliverChatEvent(Event)
}

// MentionNotifier delivers mention notifications to a user's live
// connections, independent of chat room fan-out.
type MentionNotifier interface {
	NotifyMention(userID string, mention Mention)
}

// Moderator reviews committed messages asynchronously. A flagged result
// produces a moderation annotation after the message has already been
// broadcast.
type Moderator interface {
	Review(ctx context.Context, message storage.ChatMessageRecord) (reason string, flagged bool, err error)
}

type member struct {
	identity presence.Identity
	open     bool
}

type room struct {
	mu           sync.Mutex
	members      map[Subscriber]*member
	deletedByID  map[int64]struct{}
	deletedOrder []int64
}

func newRoom() *room {
	return &room{
		members:     make(map[Subscriber]*member),
		deletedByID: make(map[int64]struct{}),
	}
}

func (r *room) subscribers() []Subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()
	subscribers := make([]Subscriber, 0, len(r.members))
	for subscriber := range r.members {
		subscribers = append(subscribers, subscriber)
	}
	return subscribers
}

func (r *room) recordDeleted(messageID int64) {
	r.mu.Lock()
	if _, ok := r.deletedByID[messageID]; !ok {
		r.deletedByID[messageID] = struct{}{}
		r.deletedOrder = append(r.deletedOrder, messageID)
		if len(r.deletedOrder) > maxDeletedRecord {
			evict := r.deletedOrder[0]
			r.deletedOrder = r.deletedOrder[1:]
			delete(r.deletedByID, evict)
		}
	}
	r.mu.Unlock()
}

func (r *room) wasDeleted(messageID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.deletedByID[messageID]
	return ok
}

// Router owns the chat rooms: one per session plus the global scope.
type Router struct {
	store     storage.ChatStore
	tracker   *presence.Tracker
	mentions  MentionNotifier
	moderator Moderator

	mu    sync.Mutex
	rooms map[string]*room
}

// NewRouter builds a chat router. tracker supplies the current participant
// list for mention detection in session scopes; mentions and moderator are
// optional collaborators.
func NewRouter(store storage.ChatStore, tracker *presence.Tracker, mentions MentionNotifier, moderator Moderator) *Router {
	return &Router{
		store:     store,
		tracker:   tracker,
		mentions:  mentions,
		moderator: moderator,
		rooms:     make(map[string]*room),
	}
}

// Join establishes one connection's membership in a room.
func (rt *Router) Join(scope string, subscriber Subscriber, identity presence.Identity) {
	if subscriber == nil {
		return
	}
	r := rt.room(scope)
	r.mu.Lock()
	r.members[subscriber] = &member{identity: identity}
	r.mu.Unlock()
}

// Leave drops one connection's membership and refreshes the active-readers
// list if the leaver had the room open.
func (rt *Router) Leave(scope string, subscriber Subscriber) {
	r := rt.lookupRoom(scope)
	if r == nil {
		return
	}
	r.mu.Lock()
	m, ok := r.members[subscriber]
	delete(r.members, subscriber)
	wasOpen := ok && m.open
	r.mu.Unlock()
	if wasOpen {
		rt.broadcastActiveReaders(scope, r)
	}
}

// Send validates membership, persists the message, broadcasts the committed
// value, and emits mention notifications for each matched participant.
func (rt *Router) Send(ctx context.Context, scope string, subscriber Subscriber, text string) (storage.ChatMessageRecord, error) {
	r := rt.room(scope)
	r.mu.Lock()
	m, ok := r.members[subscriber]
	var identity presence.Identity
	if ok {
		identity = m.identity
	}
	r.mu.Unlock()
	if !ok {
		return storage.ChatMessageRecord{}, errNotMember(scope)
	}

	committed, err := rt.store.AppendMessage(ctx, storage.ChatMessageRecord{
		SessionID: scope,
		UserID:    identity.UserID,
		Username:  identity.Username,
		Avatar:    identity.Avatar,
		Message:   text,
	})
	if err != nil {
		return storage.ChatMessageRecord{}, err
	}

	rt.broadcast(r, Event{Kind: EventMessage, Scope: scope, Message: &committed})
	rt.notifyMentions(scope, r, committed)

	if rt.moderator != nil {
		// Two-phase moderation: the message is already out; the
		// annotation follows whenever review completes.
		go rt.review(scope, committed)
	}
	return committed, nil
}

// Delete optimistically removes a message for immediate UI feedback, then
// attempts the persistence delete. On rejection the requester alone receives
// a delete-failure event and must reinsert the original message at its
// original sentAt position.
func (rt *Router) Delete(ctx context.Context, scope string, subscriber Subscriber, messageID int64) error {
	r := rt.room(scope)
	r.mu.Lock()
	m, ok := r.members[subscriber]
	var requesterID string
	if ok {
		requesterID = m.identity.UserID
	}
	r.mu.Unlock()
	if !ok {
		return errNotMember(scope)
	}

	rt.broadcast(r, Event{Kind: EventMessageDeleted, Scope: scope, MessageID: messageID})

	if err := rt.store.DeleteMessage(ctx, scope, messageID, requesterID); err != nil {
		log.Printf("chat: delete message %d in %s rejected, compensating: %v", messageID, scope, err)
		subscriber.DeliverChatEvent(Event{
			Kind:      EventMessageDeleteFailed,
			Scope:     scope,
			MessageID: messageID,
		})
		return platformerrors.Wrap(platformerrors.CodeCompensatedDelete, "chat delete rejected after broadcast", err)
	}
	r.recordDeleted(messageID)
	return nil
}

// Annotate attaches a late moderation annotation to a message. Annotations
// for messages that were already deleted are dropped.
func (rt *Router) Annotate(scope string, messageID int64, reason string) {
	r := rt.room(scope)
	if r.wasDeleted(messageID) {
		log.Printf("chat: dropping moderation annotation for deleted message %d in %s", messageID, scope)
		return
	}
	rt.broadcast(r, Event{
		Kind:      EventMessageAutomodded,
		Scope:     scope,
		MessageID: messageID,
		Reason:    reason,
	})
}

// MarkOpen flags one member as currently viewing the room and refreshes the
// active-readers list. The flag drives read indicators only.
func (rt *Router) MarkOpen(scope string, subscriber Subscriber) {
	rt.setOpen(scope, subscriber, true)
}

// MarkClosed clears the viewing flag and refreshes the active-readers list.
func (rt *Router) MarkClosed(scope string, subscriber Subscriber) {
	rt.setOpen(scope, subscriber, false)
}

// History returns the recent message tail for one scope in chronological
// order.
func (rt *Router) History(ctx context.Context, scope string, limit int) ([]storage.ChatMessageRecord, error) {
	return rt.store.ListByScope(ctx, scope, limit)
}

func (rt *Router) setOpen(scope string, subscriber Subscriber, open bool) {
	r := rt.lookupRoom(scope)
	if r == nil {
		return
	}
	r.mu.Lock()
	m, ok := r.members[subscriber]
	changed := ok && m.open != open
	if ok {
		m.open = open
	}
	r.mu.Unlock()
	if changed {
		rt.broadcastActiveReaders(scope, r)
	}
}

func (rt *Router) broadcastActiveReaders(scope string, r *room) {
	r.mu.Lock()
	readers := make([]string, 0, len(r.members))
	for _, m := range r.members {
		if m.open {
			readers = append(readers, m.identity.UserID)
		}
	}
	r.mu.Unlock()
	sort.Strings(readers)
	rt.broadcast(r, Event{Kind: EventActiveReaders, Scope: scope, ActiveReaders: readers})
}

// notifyMentions scans the message for identity tokens matching the current
// participant list and notifies each matched identity once.
func (rt *Router) notifyMentions(scope string, r *room, message storage.ChatMessageRecord) {
	if rt.mentions == nil {
		return
	}

	lowered := strings.ToLower(message.Message)
	notified := make(map[string]struct{})
	for _, participant := range rt.participants(scope, r) {
		if participant.UserID == "" || participant.UserID == message.UserID {
			continue
		}
		if _, done := notified[participant.UserID]; done {
			continue
		}
		token := "@" + strings.ToLower(participant.Username)
		if participant.Username == "" || !containsMention(lowered, token) {
			continue
		}
		notified[participant.UserID] = struct{}{}
		rt.mentions.NotifyMention(participant.UserID, Mention{
			Scope:           scope,
			MessageID:       message.ID,
			MentionedUserID: participant.UserID,
			FromUserID:      message.UserID,
			FromUsername:    message.Username,
			Message:         message.Message,
			SentAt:          message.SentAt,
		})
	}
}

// containsMention reports whether token occurs in lowered with a boundary
// after it, so "@bob" does not match inside "@bobby".
func containsMention(lowered, token string) bool {
	for rest := lowered; ; {
		i := strings.Index(rest, token)
		if i < 0 {
			return false
		}
		tail := rest[i+len(token):]
		if tail == "" {
			return true
		}
		next, _ := utf8.DecodeRuneInString(tail)
		if !unicode.IsLetter(next) && !unicode.IsDigit(next) && next != '_' {
			return true
		}
		rest = tail
	}
}

// participants returns the identity list mentions are matched against: the
// live presence room for session scopes, the chat membership for the global
// scope.
func (rt *Router) participants(scope string, r *room) []presence.Identity {
	if scope != storage.GlobalChatScope && rt.tracker != nil {
		entries := rt.tracker.ActiveUsers(scope)
		identities := make([]presence.Identity, 0, len(entries))
		for _, entry := range entries {
			identities = append(identities, entry.Identity)
		}
		return identities
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	identities := make([]presence.Identity, 0, len(r.members))
	for _, m := range r.members {
		identities = append(identities, m.identity)
	}
	return identities
}

func (rt *Router) review(scope string, message storage.ChatMessageRecord) {
	reason, flagged, err := rt.moderator.Review(context.Background(), message)
	if err != nil {
		log.Printf("chat: moderation review for message %d failed: %v", message.ID, err)
		return
	}
	if !flagged {
		return
	}
	rt.Annotate(scope, message.ID, reason)
}

func (rt *Router) broadcast(r *room, event Event) {
	for _, subscriber := range r.subscribers() {
		subscriber.DeliverChatEvent(event)
	}
}

func (rt *Router) room(scope string) *room {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	r, ok := rt.rooms[scope]
	if !ok {
		r = newRoom()
		rt.rooms[scope] = r
	}
	return r
}

func (rt *Router) lookupRoom(scope string) *room {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.rooms[scope]
}

func errNotMember(scope string) error {
	return platformerrors.WithMetadata(platformerrors.CodeAccessDenied,
		"not a member of chat room", map[string]string{"scope": scope})
}
