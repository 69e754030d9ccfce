// Package profile caches resolved user profiles with a fixed TTL.
//
// The cache deduplicates concurrent lookups for the same identity so a batch
// (or two overlapping batches) never issues two upstream fetches for one
// user. Read-time TTL checks are authoritative; the periodic sweep only
// bounds memory.
package profile

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pfconnect/liveboard/internal/platform/timeouts"
	"github.com/pfconnect/liveboard/internal/relay/storage"
)

const defaultTTL = 5 * time.Minute

// Profile is a displayable identity resolved through the user store.
type Profile struct {
	ID              string `json:"id"`
	Username        string `json:"username"`
	AvatarURL       string `json:"avatarUrl,omitempty"`
	HasVatsimRating bool   `json:"hasVatsimRating"`
}

type cacheEntry struct {
	profile   Profile
	fetchedAt time.Time
}

// Cache is a TTL cache mapping user ids to displayable profiles.
type Cache struct {
	users storage.UserStore
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry

	group singleflight.Group
}

// NewCache builds a profile cache over the given user store. A non-positive
// ttl selects the default of five minutes.
func NewCache(users storage.UserStore, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Cache{
		users:   users,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

// Get returns the profile for one user, from cache when fresh.
func (c *Cache) Get(ctx context.Context, userID string) (Profile, error) {
	if c == nil || c.users == nil {
		return Profile{}, fmt.Errorf("profile cache is not configured")
	}

	if profile, ok := c.cached(userID); ok {
		return profile, nil
	}

	// Singleflight collapses concurrent misses for the same id into one
	// upstream fetch; every waiter shares the result.
	value, err, _ := c.group.Do(userID, func() (any, error) {
		if profile, ok := c.cached(userID); ok {
			return profile, nil
		}

		fetchCtx, cancel := context.WithTimeout(ctx, timeouts.ExternalFetch)
		defer cancel()
		record, err := c.users.GetUser(fetchCtx, userID)
		if err != nil {
			return Profile{}, err
		}

		profile := profileFromRecord(record)
		c.mu.Lock()
		c.entries[userID] = cacheEntry{profile: profile, fetchedAt: c.now()}
		c.mu.Unlock()
		return profile, nil
	})
	if err != nil {
		return Profile{}, err
	}
	return value.(Profile), nil
}

// GetBatch resolves many identities at once. Cache hits are served
// immediately; misses are fetched concurrently with per-item failure
// isolation. Identities that cannot be resolved are absent from the result.
func (c *Cache) GetBatch(ctx context.Context, userIDs []string) map[string]Profile {
	result := make(map[string]Profile, len(userIDs))
	if c == nil || len(userIDs) == 0 {
		return result
	}

	var misses []string
	seen := make(map[string]struct{}, len(userIDs))
	for _, userID := range userIDs {
		if userID == "" {
			continue
		}
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}

		if profile, ok := c.cached(userID); ok {
			result[userID] = profile
			continue
		}
		misses = append(misses, userID)
	}
	if len(misses) == 0 {
		return result
	}

	var resultMu sync.Mutex
	var wg sync.WaitGroup
	for _, userID := range misses {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			profile, err := c.Get(ctx, userID)
			if err != nil {
				log.Printf("profile: fetch %s: %v", userID, err)
				return
			}
			resultMu.Lock()
			result[userID] = profile
			resultMu.Unlock()
		}(userID)
	}
	wg.Wait()

	return result
}

// Invalidate drops the cached profile for one user.
func (c *Cache) Invalidate(userID string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	delete(c.entries, userID)
	c.mu.Unlock()
}

// Clear drops every cached profile.
func (c *Cache) Clear() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}

// Sweep removes TTL-expired entries. Read paths never return expired
// entries; sweeping only keeps the map from growing unbounded.
func (c *Cache) Sweep() {
	if c == nil {
		return
	}
	now := c.now()
	c.mu.Lock()
	for userID, entry := range c.entries {
		if now.Sub(entry.fetchedAt) >= c.ttl {
			delete(c.entries, userID)
		}
	}
	c.mu.Unlock()
}

// RunSweeper sweeps the cache at the given interval until ctx ends.
func (c *Cache) RunSweeper(ctx context.Context, interval time.Duration) {
	if c == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

func (c *Cache) cached(userID string) (Profile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[userID]
	if !ok {
		return Profile{}, false
	}
	if c.now().Sub(entry.fetchedAt) >= c.ttl {
		return Profile{}, false
	}
	return entry.profile, true
}

func profileFromRecord(record storage.UserRecord) Profile {
	profile := Profile{
		ID:       record.ID,
		Username: record.Username,
		// Rating id 1 is the unrated placeholder on the network.
		HasVatsimRating: record.VatsimRatingID > 1,
	}
	if profile.Username == "" {
		profile.Username = "Unknown"
	}
	if record.Avatar != "" {
		profile.AvatarURL = fmt.Sprintf("https://cdn.discordapp.com/avatars/%s/%s.png", record.ID, record.Avatar)
	}
	return profile
}
