package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	platformerrors "github.com/pfconnect/liveboard/internal/platform/errors"
	"github.com/pfconnect/liveboard/internal/relay/presence"
	"github.com/pfconnect/liveboard/internal/relay/storage"
)

type fakeChatStore struct {
	mu        sync.Mutex
	nextID    int64
	messages  map[int64]storage.ChatMessageRecord
	deleteErr error
}

func newFakeChatStore() *fakeChatStore {
	return &fakeChatStore{messages: make(map[int64]storage.ChatMessageRecord)}
}

func (s *fakeChatStore) AppendMessage(_ context.Context, message storage.ChatMessageRecord) (storage.ChatMessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	message.ID = s.nextID
	message.SentAt = time.Now().UTC()
	s.messages[message.ID] = message
	return message, nil
}

func (s *fakeChatStore) DeleteMessage(_ context.Context, _ string, messageID int64, requesterID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return s.deleteErr
	}
	message, ok := s.messages[messageID]
	if !ok {
		return storage.ErrNotFound
	}
	if message.UserID != requesterID {
		return storage.ErrNotOwner
	}
	delete(s.messages, messageID)
	return nil
}

func (s *fakeChatStore) ListByScope(_ context.Context, scope string, _ int) ([]storage.ChatMessageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.ChatMessageRecord
	for _, message := range s.messages {
		if message.SessionID == scope {
			out = append(out, message)
		}
	}
	return out, nil
}

type fakeSubscriber struct {
	events chan Event
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{events: make(chan Event, 16)}
}

func (s *fakeSubscriber) DeliverChatEvent(event Event) {
	s.events <- event
}

func (s *fakeSubscriber) next(t *testing.T) Event {
	t.Helper()
	select {
	case event := <-s.events:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for chat event")
		return Event{}
	}
}

func (s *fakeSubscriber) expectNone(t *testing.T) {
	t.Helper()
	select {
	case event := <-s.events:
		t.Fatalf("unexpected chat event %q", event.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

type fakeMentions struct {
	mu       sync.Mutex
	mentions []Mention
}

func (m *fakeMentions) NotifyMention(_ string, mention Mention) {
	m.mu.Lock()
	m.mentions = append(m.mentions, mention)
	m.mu.Unlock()
}

func (m *fakeMentions) all() []Mention {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Mention(nil), m.mentions...)
}

type fakeModerator struct {
	reason  string
	flagged bool
	err     error
}

func (m *fakeModerator) Review(context.Context, storage.ChatMessageRecord) (string, bool, error) {
	return m.reason, m.flagged, m.err
}

func TestSendBroadcastsCommittedMessage(t *testing.T) {
	store := newFakeChatStore()
	router := NewRouter(store, presence.NewTracker(), nil, nil)

	alice := newFakeSubscriber()
	bob := newFakeSubscriber()
	router.Join("session-1", alice, presence.Identity{UserID: "u1", Username: "alice"})
	router.Join("session-1", bob, presence.Identity{UserID: "u2", Username: "bob"})

	committed, err := router.Send(context.Background(), "session-1", alice, "good morning")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if committed.ID == 0 {
		t.Fatal("expected store-assigned message id")
	}

	for _, subscriber := range []*fakeSubscriber{alice, bob} {
		event := subscriber.next(t)
		if event.Kind != EventMessage {
			t.Fatalf("kind = %q, want %q", event.Kind, EventMessage)
		}
		if event.Message == nil || event.Message.ID != committed.ID {
			t.Fatalf("event message = %+v, want id %d", event.Message, committed.ID)
		}
		if event.Message.Message != "good morning" {
			t.Fatalf("message text = %q", event.Message.Message)
		}
	}
}

func TestSendRejectsNonMember(t *testing.T) {
	router := NewRouter(newFakeChatStore(), presence.NewTracker(), nil, nil)

	stranger := newFakeSubscriber()
	if _, err := router.Send(context.Background(), "session-1", stranger, "hello"); err == nil {
		t.Fatal("expected membership error")
	} else if !errors.Is(err, platformerrors.New(platformerrors.CodeAccessDenied, "")) {
		t.Fatalf("error = %v, want access denied", err)
	}
}

func TestSendIsolatesScopes(t *testing.T) {
	router := NewRouter(newFakeChatStore(), presence.NewTracker(), nil, nil)

	alice := newFakeSubscriber()
	other := newFakeSubscriber()
	router.Join("session-1", alice, presence.Identity{UserID: "u1", Username: "alice"})
	router.Join("session-2", other, presence.Identity{UserID: "u2", Username: "bob"})

	if _, err := router.Send(context.Background(), "session-1", alice, "local traffic"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	alice.next(t)
	other.expectNone(t)
}

func TestSendNotifiesMentionedParticipants(t *testing.T) {
	tracker := presence.NewTracker()
	tracker.Join("session-1", "conn-1", presence.Identity{UserID: "u1", Username: "alice"}, "TWR")
	tracker.Join("session-1", "conn-2", presence.Identity{UserID: "u2", Username: "Bob"}, "GND")
	tracker.Join("session-1", "conn-3", presence.Identity{UserID: "u3", Username: "carol"}, "APP")

	mentions := &fakeMentions{}
	router := NewRouter(newFakeChatStore(), tracker, mentions, nil)

	alice := newFakeSubscriber()
	router.Join("session-1", alice, presence.Identity{UserID: "u1", Username: "alice"})

	committed, err := router.Send(context.Background(), "session-1", alice, "@bob and @carol check the ILS")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	got := mentions.all()
	if len(got) != 2 {
		t.Fatalf("mentions = %d, want 2: %+v", len(got), got)
	}
	seen := make(map[string]bool)
	for _, mention := range got {
		seen[mention.MentionedUserID] = true
		if mention.MessageID != committed.ID {
			t.Fatalf("mention message id = %d, want %d", mention.MessageID, committed.ID)
		}
		if mention.FromUserID != "u1" {
			t.Fatalf("mention from = %q, want u1", mention.FromUserID)
		}
	}
	if !seen["u2"] || !seen["u3"] {
		t.Fatalf("mentioned users = %v, want u2 and u3", seen)
	}
}

func TestMentionRequiresTokenBoundary(t *testing.T) {
	tracker := presence.NewTracker()
	tracker.Join("session-1", "conn-1", presence.Identity{UserID: "u1", Username: "alice"}, "TWR")
	tracker.Join("session-1", "conn-2", presence.Identity{UserID: "u2", Username: "bob"}, "GND")
	tracker.Join("session-1", "conn-3", presence.Identity{UserID: "u3", Username: "bobby"}, "APP")

	mentions := &fakeMentions{}
	router := NewRouter(newFakeChatStore(), tracker, mentions, nil)

	alice := newFakeSubscriber()
	router.Join("session-1", alice, presence.Identity{UserID: "u1", Username: "alice"})

	if _, err := router.Send(context.Background(), "session-1", alice, "@bobby check final"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got := mentions.all()
	if len(got) != 1 {
		t.Fatalf("mentions = %+v, want only bobby", got)
	}
	if got[0].MentionedUserID != "u3" {
		t.Fatalf("mentioned = %q, want u3", got[0].MentionedUserID)
	}

	// A boundary is still a match: punctuation and end of message qualify.
	if _, err := router.Send(context.Background(), "session-1", alice, "roger, @bob. hold short"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got = mentions.all()
	if len(got) != 2 || got[1].MentionedUserID != "u2" {
		t.Fatalf("mentions = %+v, want bob matched before punctuation", got)
	}
}

func TestSendNeverMentionsSender(t *testing.T) {
	tracker := presence.NewTracker()
	tracker.Join("session-1", "conn-1", presence.Identity{UserID: "u1", Username: "alice"}, "TWR")

	mentions := &fakeMentions{}
	router := NewRouter(newFakeChatStore(), tracker, mentions, nil)

	alice := newFakeSubscriber()
	router.Join("session-1", alice, presence.Identity{UserID: "u1", Username: "alice"})

	if _, err := router.Send(context.Background(), "session-1", alice, "note to self @alice"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := mentions.all(); len(got) != 0 {
		t.Fatalf("self-mention notified: %+v", got)
	}
}

func TestGlobalScopeMentionsMatchRoomMembers(t *testing.T) {
	mentions := &fakeMentions{}
	router := NewRouter(newFakeChatStore(), presence.NewTracker(), mentions, nil)

	alice := newFakeSubscriber()
	bob := newFakeSubscriber()
	router.Join(storage.GlobalChatScope, alice, presence.Identity{UserID: "u1", Username: "alice"})
	router.Join(storage.GlobalChatScope, bob, presence.Identity{UserID: "u2", Username: "bob"})

	if _, err := router.Send(context.Background(), storage.GlobalChatScope, alice, "@bob are you around"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got := mentions.all()
	if len(got) != 1 || got[0].MentionedUserID != "u2" {
		t.Fatalf("mentions = %+v, want one for u2", got)
	}
}

func TestDeleteBroadcastsThenCompensatesOnRejection(t *testing.T) {
	store := newFakeChatStore()
	router := NewRouter(store, presence.NewTracker(), nil, nil)

	alice := newFakeSubscriber()
	bob := newFakeSubscriber()
	router.Join("session-1", alice, presence.Identity{UserID: "u1", Username: "alice"})
	router.Join("session-1", bob, presence.Identity{UserID: "u2", Username: "bob"})

	committed, err := router.Send(context.Background(), "session-1", alice, "wrong runway")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	alice.next(t)
	bob.next(t)

	// Bob does not own the message; the optimistic broadcast still goes out
	// before the store rejects him.
	err = router.Delete(context.Background(), "session-1", bob, committed.ID)
	if err == nil {
		t.Fatal("expected owner rejection")
	}
	if !errors.Is(err, storage.ErrNotOwner) {
		t.Fatalf("error = %v, want ErrNotOwner in chain", err)
	}

	for _, subscriber := range []*fakeSubscriber{alice, bob} {
		event := subscriber.next(t)
		if event.Kind != EventMessageDeleted || event.MessageID != committed.ID {
			t.Fatalf("event = %+v, want %s for %d", event, EventMessageDeleted, committed.ID)
		}
	}

	// Only the requester hears about the failure.
	event := bob.next(t)
	if event.Kind != EventMessageDeleteFailed || event.MessageID != committed.ID {
		t.Fatalf("event = %+v, want %s for %d", event, EventMessageDeleteFailed, committed.ID)
	}
	alice.expectNone(t)
}

func TestDeleteByOwnerSucceeds(t *testing.T) {
	store := newFakeChatStore()
	router := NewRouter(store, presence.NewTracker(), nil, nil)

	alice := newFakeSubscriber()
	router.Join("session-1", alice, presence.Identity{UserID: "u1", Username: "alice"})

	committed, err := router.Send(context.Background(), "session-1", alice, "disregard")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	alice.next(t)

	if err := router.Delete(context.Background(), "session-1", alice, committed.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	event := alice.next(t)
	if event.Kind != EventMessageDeleted {
		t.Fatalf("kind = %q, want %q", event.Kind, EventMessageDeleted)
	}
	alice.expectNone(t)
}

func TestModerationAnnotatesAfterBroadcast(t *testing.T) {
	router := NewRouter(newFakeChatStore(), presence.NewTracker(), nil, &fakeModerator{
		reason:  "masked profanity",
		flagged: true,
	})

	alice := newFakeSubscriber()
	router.Join("session-1", alice, presence.Identity{UserID: "u1", Username: "alice"})

	committed, err := router.Send(context.Background(), "session-1", alice, "$#@! go-around")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	first := alice.next(t)
	if first.Kind != EventMessage {
		t.Fatalf("first event = %q, want %q", first.Kind, EventMessage)
	}
	second := alice.next(t)
	if second.Kind != EventMessageAutomodded {
		t.Fatalf("second event = %q, want %q", second.Kind, EventMessageAutomodded)
	}
	if second.MessageID != committed.ID || second.Reason != "masked profanity" {
		t.Fatalf("annotation = %+v", second)
	}
}

func TestAnnotateDropsForDeletedMessage(t *testing.T) {
	store := newFakeChatStore()
	router := NewRouter(store, presence.NewTracker(), nil, nil)

	alice := newFakeSubscriber()
	router.Join("session-1", alice, presence.Identity{UserID: "u1", Username: "alice"})

	committed, err := router.Send(context.Background(), "session-1", alice, "oops")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	alice.next(t)

	if err := router.Delete(context.Background(), "session-1", alice, committed.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	alice.next(t)

	router.Annotate("session-1", committed.ID, "late flag")
	alice.expectNone(t)
}

func TestActiveReadersFollowsOpenAndClose(t *testing.T) {
	router := NewRouter(newFakeChatStore(), presence.NewTracker(), nil, nil)

	alice := newFakeSubscriber()
	bob := newFakeSubscriber()
	router.Join("session-1", alice, presence.Identity{UserID: "u1", Username: "alice"})
	router.Join("session-1", bob, presence.Identity{UserID: "u2", Username: "bob"})

	router.MarkOpen("session-1", alice)
	event := alice.next(t)
	if event.Kind != EventActiveReaders {
		t.Fatalf("kind = %q, want %q", event.Kind, EventActiveReaders)
	}
	if len(event.ActiveReaders) != 1 || event.ActiveReaders[0] != "u1" {
		t.Fatalf("readers = %v, want [u1]", event.ActiveReaders)
	}
	bob.next(t)

	router.MarkOpen("session-1", bob)
	event = alice.next(t)
	if fmt.Sprint(event.ActiveReaders) != "[u1 u2]" {
		t.Fatalf("readers = %v, want [u1 u2]", event.ActiveReaders)
	}
	bob.next(t)

	router.MarkClosed("session-1", alice)
	event = bob.next(t)
	if len(event.ActiveReaders) != 1 || event.ActiveReaders[0] != "u2" {
		t.Fatalf("readers = %v, want [u2]", event.ActiveReaders)
	}
}

func TestLeaveWhileOpenRefreshesReaders(t *testing.T) {
	router := NewRouter(newFakeChatStore(), presence.NewTracker(), nil, nil)

	alice := newFakeSubscriber()
	bob := newFakeSubscriber()
	router.Join("session-1", alice, presence.Identity{UserID: "u1", Username: "alice"})
	router.Join("session-1", bob, presence.Identity{UserID: "u2", Username: "bob"})
	router.MarkOpen("session-1", alice)
	alice.next(t)
	bob.next(t)

	router.Leave("session-1", alice)
	event := bob.next(t)
	if event.Kind != EventActiveReaders || len(event.ActiveReaders) != 0 {
		t.Fatalf("event = %+v, want empty reader list", event)
	}
}
