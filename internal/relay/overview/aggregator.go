// Package overview builds and distributes the federation-wide snapshot for
// supervisory dashboard clients.
//
// The aggregator is trigger-driven: committed flight mutations, presence
// changes, and ATIS updates all request a cycle, with a periodic fallback
// tick covering elapsed-time-dependent fields. Overlapping triggers coalesce
// into at most one follow-up run, and broadcasts are suppressed unless the
// snapshot content changed and the minimum interval elapsed.
package overview

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/pfconnect/liveboard/internal/platform/timeouts"
	"github.com/pfconnect/liveboard/internal/relay/presence"
	"github.com/pfconnect/liveboard/internal/relay/profile"
	"github.com/pfconnect/liveboard/internal/relay/storage"
)

const (
	// defaultMinInterval is the minimum gap between non-forced broadcasts.
	defaultMinInterval = 500 * time.Millisecond
	// defaultFallbackTick drives cycles when no trigger fires.
	defaultFallbackTick = 2 * time.Second
	// defaultFlightWindow bounds the recent-flights fetch per session.
	defaultFlightWindow = 2 * time.Hour
)

// Sealer opens sealed ATIS payloads. A failed open degrades that session's
// ATIS to null; it never fails the cycle.
type Sealer interface {
	Open(sealed string) (string, error)
}

// Subscriber receives full snapshot payloads. Snapshots are complete, never
// incremental.
type Subscriber interface {
	DeliverOverview(payload json.RawMessage)
}

// ControllerView is one resolved identity in the snapshot.
type ControllerView struct {
	ID              string `json:"id"`
	Username        string `json:"username"`
	AvatarURL       string `json:"avatarUrl,omitempty"`
	HasVatsimRating bool   `json:"hasVatsimRating"`
	Position        string `json:"position,omitempty"`
}

// SessionView is one federated session in the snapshot.
type SessionView struct {
	SessionID    string                 `json:"sessionId"`
	AirportICAO  string                 `json:"airportIcao"`
	ActiveRunway string                 `json:"activeRunway,omitempty"`
	CustomName   string                 `json:"customName,omitempty"`
	ATIS         *string                `json:"atis"`
	Controllers  []ControllerView       `json:"controllers"`
	Flights      []storage.FlightRecord `json:"flights"`
	FlightCount  int                    `json:"flightCount"`
	CreatedAt    time.Time              `json:"createdAt"`
}

// ArrivalView annotates one flight with where it came from, for the
// arrivals-by-airport index.
type ArrivalView struct {
	storage.FlightRecord
	OriginSessionID  string `json:"originSessionId"`
	DepartureAirport string `json:"departureAirport"`
}

// Snapshot is the derived federation-wide view. It is never persisted.
type Snapshot struct {
	Sessions          []SessionView            `json:"sessions"`
	SectorControllers []ControllerView         `json:"sectorControllers"`
	ArrivalsByAirport map[string][]ArrivalView `json:"arrivalsByAirport"`
	TotalFlights      int                      `json:"totalFlights"`
	GeneratedAt       time.Time                `json:"generatedAt"`
}

// Aggregator assembles snapshots from its injected collaborators and fans
// them out to dashboard subscribers.
type Aggregator struct {
	sessions storage.SessionStore
	flights  storage.FlightStore
	tracker  *presence.Tracker
	sectors  *presence.SectorRegistry
	profiles *profile.Cache
	sealer   Sealer

	minInterval  time.Duration
	fallbackTick time.Duration
	flightWindow time.Duration
	now          func() time.Time

	mu            sync.Mutex
	subscribers   map[Subscriber]struct{}
	running       bool
	pending       bool
	pendingForced bool
	lastBroadcast time.Time
	lastCanonical string
}

// Option tunes aggregator construction.
type Option func(*Aggregator)

// WithMinInterval overrides the minimum gap between non-forced broadcasts.
func WithMinInterval(d time.Duration) Option {
	return func(a *Aggregator) { a.minInterval = d }
}

// WithFallbackTick overrides the periodic fallback period.
func WithFallbackTick(d time.Duration) Option {
	return func(a *Aggregator) { a.fallbackTick = d }
}

// WithFlightWindow overrides the recent-flights window per session.
func WithFlightWindow(d time.Duration) Option {
	return func(a *Aggregator) { a.flightWindow = d }
}

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// NewAggregator builds an overview aggregator over its collaborators.
func NewAggregator(sessions storage.SessionStore, flights storage.FlightStore, tracker *presence.Tracker, sectors *presence.SectorRegistry, profiles *profile.Cache, sealer Sealer, opts ...Option) *Aggregator {
	a := &Aggregator{
		sessions:     sessions,
		flights:      flights,
		tracker:      tracker,
		sectors:      sectors,
		profiles:     profiles,
		sealer:       sealer,
		minInterval:  defaultMinInterval,
		fallbackTick: defaultFallbackTick,
		flightWindow: defaultFlightWindow,
		now:          time.Now,
		subscribers:  make(map[Subscriber]struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Subscribe registers a dashboard subscriber and forces an initial snapshot
// so the new client is not left waiting for the next content change.
func (a *Aggregator) Subscribe(subscriber Subscriber) {
	if subscriber == nil {
		return
	}
	a.mu.Lock()
	a.subscribers[subscriber] = struct{}{}
	a.mu.Unlock()
	a.trigger(true)
}

// Unsubscribe drops a dashboard subscriber. A disconnected client simply
// stops being a broadcast target; in-flight cycles are not cancelled.
func (a *Aggregator) Unsubscribe(subscriber Subscriber) {
	a.mu.Lock()
	delete(a.subscribers, subscriber)
	a.mu.Unlock()
}

// Trigger requests one aggregation cycle. Triggers arriving while a cycle
// runs coalesce into exactly one follow-up cycle.
func (a *Aggregator) Trigger() {
	a.trigger(false)
}

// Run drives the periodic fallback tick until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.fallbackTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.trigger(false)
		}
	}
}

func (a *Aggregator) trigger(forced bool) {
	a.mu.Lock()
	if a.running {
		a.pending = true
		a.pendingForced = a.pendingForced || forced
		a.mu.Unlock()
		return
	}
	a.running = true
	a.mu.Unlock()

	go a.loop(forced)
}

// loop runs one cycle, then drains any coalesced trigger that arrived while
// it was running.
func (a *Aggregator) loop(forced bool) {
	for {
		a.cycle(context.Background(), forced)

		a.mu.Lock()
		if !a.pending {
			a.running = false
			a.mu.Unlock()
			return
		}
		forced = a.pendingForced
		a.pending = false
		a.pendingForced = false
		a.mu.Unlock()
	}
}

// cycle assembles one snapshot and broadcasts it under the rate-limit and
// content-change policy.
func (a *Aggregator) cycle(ctx context.Context, forced bool) {
	// Cheap gate before any I/O.
	a.mu.Lock()
	subscriberCount := len(a.subscribers)
	a.mu.Unlock()
	if subscriberCount == 0 {
		return
	}

	ctx, span := otel.Tracer("liveboard/overview").Start(ctx, "overview.cycle")
	defer span.End()

	snapshot, err := a.assemble(ctx)
	if err != nil {
		log.Printf("overview: cycle aborted: %v", err)
		return
	}
	span.SetAttributes(
		attribute.Int("overview.sessions", len(snapshot.Sessions)),
		attribute.Int("overview.flights", snapshot.TotalFlights),
		attribute.Bool("overview.forced", forced),
	)

	canonical, err := canonicalize(snapshot)
	if err != nil {
		log.Printf("overview: canonicalize snapshot: %v", err)
		return
	}

	now := a.now().UTC()
	a.mu.Lock()
	if !forced {
		if now.Sub(a.lastBroadcast) < a.minInterval || canonical == a.lastCanonical {
			// Suppressed attempts are dropped, not queued; the next
			// trigger or the fallback tick retries.
			a.mu.Unlock()
			return
		}
	}
	a.lastBroadcast = now
	a.lastCanonical = canonical
	targets := make([]Subscriber, 0, len(a.subscribers))
	for subscriber := range a.subscribers {
		targets = append(targets, subscriber)
	}
	a.mu.Unlock()

	payload, err := json.Marshal(snapshot)
	if err != nil {
		log.Printf("overview: marshal snapshot: %v", err)
		return
	}
	for _, subscriber := range targets {
		subscriber.DeliverOverview(payload)
	}
}

// assemble builds the snapshot: enumerate active federated sessions, resolve
// every present identity in one batch, fan out per-session flight fetches and
// ATIS opens with per-item isolation, and index arrivals by airport.
func (a *Aggregator) assemble(ctx context.Context) (Snapshot, error) {
	records, err := a.sessions.ListSessions(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	type included struct {
		record   storage.SessionRecord
		presence []presence.Entry
	}
	var sessions []included
	for _, record := range records {
		if !record.IsPFATC {
			continue
		}
		active := a.tracker.ActiveUsers(record.SessionID)
		if len(active) == 0 {
			// Dormant federated sessions are excluded, not shown empty.
			continue
		}
		sessions = append(sessions, included{record: record, presence: active})
	}
	sectors := a.sectors.Active()

	// One batched profile resolution across every present identity.
	idSet := make(map[string]struct{})
	var ids []string
	collect := func(id string) {
		if id == "" {
			return
		}
		if _, ok := idSet[id]; ok {
			return
		}
		idSet[id] = struct{}{}
		ids = append(ids, id)
	}
	for _, s := range sessions {
		for _, entry := range s.presence {
			collect(entry.UserID)
		}
	}
	for _, controller := range sectors {
		collect(controller.UserID)
	}
	profiles := a.profiles.GetBatch(ctx, ids)

	// Concurrent per-session flight fetch; one session failing degrades
	// that session to an empty list without touching the others.
	flightsBySession := make([][]storage.FlightRecord, len(sessions))
	var wg sync.WaitGroup
	for i, s := range sessions {
		wg.Add(1)
		go func(i int, sessionID string) {
			defer wg.Done()
			fetchCtx, cancel := context.WithTimeout(ctx, timeouts.ExternalFetch)
			defer cancel()
			flights, err := a.flights.ListRecentBySession(fetchCtx, sessionID, a.flightWindow)
			if err != nil {
				log.Printf("overview: flight fetch for session %s failed, degrading: %v", sessionID, err)
				flights = nil
			}
			flightsBySession[i] = flights
		}(i, s.record.SessionID)
	}
	wg.Wait()

	snapshot := Snapshot{
		Sessions:          make([]SessionView, 0, len(sessions)),
		SectorControllers: make([]ControllerView, 0, len(sectors)),
		ArrivalsByAirport: make(map[string][]ArrivalView),
		GeneratedAt:       a.now().UTC(),
	}

	for i, s := range sessions {
		flights := flightsBySession[i]
		if flights == nil {
			flights = []storage.FlightRecord{}
		}
		view := SessionView{
			SessionID:    s.record.SessionID,
			AirportICAO:  s.record.AirportICAO,
			ActiveRunway: s.record.ActiveRunway,
			CustomName:   s.record.CustomName,
			ATIS:         a.openATIS(s.record),
			Controllers:  a.resolveControllers(s.presence, profiles),
			Flights:      flights,
			FlightCount:  len(flights),
			CreatedAt:    s.record.CreatedAt,
		}
		snapshot.Sessions = append(snapshot.Sessions, view)
		snapshot.TotalFlights += len(flights)

		for _, flight := range flights {
			arrival := strings.ToUpper(strings.TrimSpace(flight.Arrival))
			if arrival == "" {
				continue
			}
			// The departure annotation is the originating session's
			// airport, not the flight's filed departure field; strips
			// can be filed with an empty or foreign departure.
			snapshot.ArrivalsByAirport[arrival] = append(snapshot.ArrivalsByAirport[arrival], ArrivalView{
				FlightRecord:     flight,
				OriginSessionID:  s.record.SessionID,
				DepartureAirport: strings.ToUpper(strings.TrimSpace(s.record.AirportICAO)),
			})
		}
	}

	for _, controller := range sectors {
		view := resolveIdentity(controller.Identity, profiles)
		view.Position = controller.Station
		snapshot.SectorControllers = append(snapshot.SectorControllers, view)
	}

	sort.Slice(snapshot.Sessions, func(i, j int) bool {
		return snapshot.Sessions[i].SessionID < snapshot.Sessions[j].SessionID
	})
	return snapshot, nil
}

// openATIS decrypts one session's ATIS. Any failure degrades to null for
// that session only.
func (a *Aggregator) openATIS(record storage.SessionRecord) *string {
	if record.ATISCiphertext == "" || a.sealer == nil {
		return nil
	}
	plain, err := a.sealer.Open(record.ATISCiphertext)
	if err != nil {
		log.Printf("overview: open ATIS for session %s failed, degrading: %v", record.SessionID, err)
		return nil
	}
	return &plain
}

func (a *Aggregator) resolveControllers(entries []presence.Entry, profiles map[string]profile.Profile) []ControllerView {
	controllers := make([]ControllerView, 0, len(entries))
	for _, entry := range entries {
		view := resolveIdentity(entry.Identity, profiles)
		view.Position = entry.Position
		controllers = append(controllers, view)
	}
	return controllers
}

// resolveIdentity prefers the cached profile; a missing profile falls back to
// the identity the connection presented.
func resolveIdentity(identity presence.Identity, profiles map[string]profile.Profile) ControllerView {
	if resolved, ok := profiles[identity.UserID]; ok {
		return ControllerView{
			ID:              resolved.ID,
			Username:        resolved.Username,
			AvatarURL:       resolved.AvatarURL,
			HasVatsimRating: resolved.HasVatsimRating,
		}
	}
	return ControllerView{
		ID:       identity.UserID,
		Username: identity.Username,
	}
}

// canonicalize produces the change-detection identity of a snapshot: its
// JSON serialization with the generation timestamp zeroed, so a content-equal
// snapshot produced later still compares equal.
func canonicalize(snapshot Snapshot) (string, error) {
	snapshot.GeneratedAt = time.Time{}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
