package peersync

import (
	"context"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultHeartbeatInterval     = 3 * time.Second
	defaultHeartbeatTimeout      = 5 * time.Second
	defaultMaxClaimJitter        = 1500 * time.Millisecond
	defaultDriftThreshold        = 2.0
	defaultPositionWriteInterval = 5 * time.Second
)

// PositionStore persists the shared playback position. Only the current
// leader writes, at a bounded rate.
type PositionStore interface {
	SavePosition(ctx context.Context, position float64) error
}

// Config tunes one coordinator. Zero values fall back to defaults; Jitter
// and Clock are injectable for deterministic tests.
type Config struct {
	PeerID                string
	HeartbeatInterval     time.Duration
	HeartbeatTimeout      time.Duration
	MaxClaimJitter        time.Duration
	DriftThreshold        float64
	PositionWriteInterval time.Duration
	Jitter                func() time.Duration
	Clock                 func() time.Time
}

// Coordinator runs the leader election protocol for one peer context.
type Coordinator struct {
	bus      Bus
	store    PositionStore
	position func() float64
	resync   func(position float64)
	config   Config

	mu             sync.Mutex
	leaderID       string
	isLeader       bool
	lastHeartbeat  time.Time
	lastEmit       time.Time
	lastStoreWrite time.Time
	claimAt        time.Time

	closeOnce sync.Once
	done      chan struct{}
}

// NewCoordinator builds a coordinator for one peer context. position supplies
// the local playback position; resync is invoked when a follower drifts past
// the threshold and must jump to the leader's position.
func NewCoordinator(bus Bus, store PositionStore, position func() float64, resync func(float64), config Config) *Coordinator {
	if config.PeerID == "" {
		config.PeerID = uuid.NewString()
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = defaultHeartbeatInterval
	}
	if config.HeartbeatTimeout <= 0 {
		config.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if config.MaxClaimJitter <= 0 {
		config.MaxClaimJitter = defaultMaxClaimJitter
	}
	if config.DriftThreshold <= 0 {
		config.DriftThreshold = defaultDriftThreshold
	}
	if config.PositionWriteInterval <= 0 {
		config.PositionWriteInterval = defaultPositionWriteInterval
	}
	if config.Jitter == nil {
		maxJitter := config.MaxClaimJitter
		config.Jitter = func() time.Duration {
			return time.Duration(rand.Int63n(int64(maxJitter)))
		}
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if position == nil {
		position = func() float64 { return 0 }
	}
	if resync == nil {
		resync = func(float64) {}
	}
	return &Coordinator{
		bus:      bus,
		store:    store,
		position: position,
		resync:   resync,
		config:   config,
		done:     make(chan struct{}),
	}
}

// PeerID returns this context's ephemeral id.
func (c *Coordinator) PeerID() string {
	return c.config.PeerID
}

// IsLeader reports whether this context currently leads.
func (c *Coordinator) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isLeader
}

// LeaderID returns the id of the observed leader, or empty when none is
// known.
func (c *Coordinator) LeaderID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isLeader {
		return c.config.PeerID
	}
	return c.leaderID
}

// Run drives the protocol until ctx is cancelled or Close is called. On exit
// a leading context releases leadership gracefully.
func (c *Coordinator) Run(ctx context.Context) {
	messages := c.bus.Subscribe()

	c.mu.Lock()
	c.claimAt = c.config.Clock().Add(c.config.Jitter())
	c.mu.Unlock()

	tick := c.config.HeartbeatInterval / 4
	if tick <= 0 {
		tick = time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.release()
			return
		case <-c.done:
			c.release()
			return
		case message := <-messages:
			if message.PeerID == c.config.PeerID {
				continue
			}
			c.handleMessage(ctx, message)
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

// Close releases leadership (if held) and stops Run.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Coordinator) handleMessage(ctx context.Context, message Message) {
	now := c.config.Clock()
	switch message.Type {
	case MessageClaim:
		c.mu.Lock()
		if c.isLeader {
			// Brief double-claim: reassert and let the lower id win on
			// the next heartbeat observation.
			c.mu.Unlock()
			c.emitHeartbeat(ctx, now)
			return
		}
		// First claim after jitter wins; cancel any pending claim.
		c.leaderID = message.PeerID
		c.lastHeartbeat = now
		c.claimAt = time.Time{}
		c.mu.Unlock()
	case MessageHeartbeat:
		c.mu.Lock()
		if c.isLeader {
			if message.PeerID < c.config.PeerID {
				log.Printf("peersync: yielding leadership to %s", message.PeerID)
				c.isLeader = false
				c.leaderID = message.PeerID
				c.lastHeartbeat = now
			}
			c.mu.Unlock()
			return
		}
		c.leaderID = message.PeerID
		c.lastHeartbeat = now
		c.claimAt = time.Time{}
		c.mu.Unlock()
		if math.Abs(c.position()-message.Position) > c.config.DriftThreshold {
			c.resync(message.Position)
		}
	case MessageRelease:
		c.mu.Lock()
		if !c.isLeader && c.leaderID == message.PeerID {
			c.leaderID = ""
			c.claimAt = now.Add(c.config.Jitter())
		}
		c.mu.Unlock()
	case MessagePositionUpdate:
		if !c.IsLeader() && math.Abs(c.position()-message.Position) > c.config.DriftThreshold {
			c.resync(message.Position)
		}
	}
}

func (c *Coordinator) tick(ctx context.Context) {
	now := c.config.Clock()

	c.mu.Lock()
	if c.isLeader {
		due := now.Sub(c.lastEmit) >= c.config.HeartbeatInterval
		c.mu.Unlock()
		if due {
			c.emitHeartbeat(ctx, now)
		}
		return
	}

	// Self-healing: a silent leader is presumed dead and any follower may
	// claim without waiting for a release.
	if c.leaderID != "" && now.Sub(c.lastHeartbeat) > c.config.HeartbeatTimeout {
		log.Printf("peersync: leader %s timed out", c.leaderID)
		c.leaderID = ""
		c.claimAt = now.Add(c.config.Jitter())
	}

	if c.leaderID == "" && !c.claimAt.IsZero() && !now.Before(c.claimAt) {
		c.isLeader = true
		c.claimAt = time.Time{}
		c.mu.Unlock()
		c.bus.Publish(Message{Type: MessageClaim, PeerID: c.config.PeerID, SentAt: now})
		c.emitHeartbeat(ctx, now)
		return
	}
	c.mu.Unlock()
}

// emitHeartbeat publishes a heartbeat and, at a bounded rate, persists the
// leader's position.
func (c *Coordinator) emitHeartbeat(ctx context.Context, now time.Time) {
	c.mu.Lock()
	c.lastEmit = now
	c.mu.Unlock()

	position := c.position()
	c.bus.Publish(Message{
		Type:     MessageHeartbeat,
		PeerID:   c.config.PeerID,
		Position: position,
		SentAt:   now,
	})

	if c.store == nil {
		return
	}
	c.mu.Lock()
	due := now.Sub(c.lastStoreWrite) >= c.config.PositionWriteInterval
	if due {
		c.lastStoreWrite = now
	}
	c.mu.Unlock()
	if !due {
		return
	}
	if err := c.store.SavePosition(ctx, position); err != nil {
		log.Printf("peersync: persist position: %v", err)
	}
}

func (c *Coordinator) release() {
	c.mu.Lock()
	wasLeader := c.isLeader
	c.isLeader = false
	c.mu.Unlock()
	if wasLeader {
		c.bus.Publish(Message{
			Type:     MessageRelease,
			PeerID:   c.config.PeerID,
			Position: c.position(),
			SentAt:   c.config.Clock(),
		})
	}
}
