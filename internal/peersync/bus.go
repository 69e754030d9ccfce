// Package peersync elects one leader among several peer contexts sharing an
// identity, so a single ambient resource is driven by exactly one of them
// while followers stay loosely position-synchronized.
//
// The protocol is claim/heartbeat/release message passing over a Bus. It is
// exchanged only among peers; the server never participates.
package peersync

import (
	"log"
	"sync"
	"time"
)

// MessageType identifies one coordination message.
type MessageType string

const (
	// MessageClaim announces a peer taking leadership.
	MessageClaim MessageType = "claim"
	// MessageHeartbeat asserts leadership and carries the leader's position.
	MessageHeartbeat MessageType = "heartbeat"
	// MessageRelease is the graceful leadership handoff.
	MessageRelease MessageType = "release"
	// MessagePositionUpdate shares a position without leadership semantics.
	MessagePositionUpdate MessageType = "positionUpdate"
)

// Message is one coordination message between peer contexts.
type Message struct {
	Type     MessageType `json:"type"`
	PeerID   string      `json:"peerId"`
	Position float64     `json:"position,omitempty"`
	SentAt   time.Time   `json:"sentAt"`
}

// Bus carries coordination messages among peer contexts. Implementations
// deliver every published message to every subscriber, including the
// publisher; peers filter their own id.
type Bus interface {
	Publish(message Message)
	Subscribe() <-chan Message
}

const memoryBusBuffer = 64

// MemoryBus is the in-process Bus for a single-instance deployment.
type MemoryBus struct {
	mu          sync.Mutex
	subscribers []chan Message
}

// NewMemoryBus builds an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

// Publish fans the message out to every subscriber. A subscriber that is not
// draining its channel misses messages rather than blocking the publisher.
func (b *MemoryBus) Publish(message Message) {
	b.mu.Lock()
	subscribers := append([]chan Message(nil), b.subscribers...)
	b.mu.Unlock()
	for _, subscriber := range subscribers {
		select {
		case subscriber <- message:
		default:
			log.Printf("peersync: dropping %s message for slow subscriber", message.Type)
		}
	}
}

// Subscribe registers a new subscriber channel.
func (b *MemoryBus) Subscribe() <-chan Message {
	ch := make(chan Message, memoryBusBuffer)
	b.mu.Lock()
	b.subscribers = append(b.subscribers, ch)
	b.mu.Unlock()
	return ch
}
