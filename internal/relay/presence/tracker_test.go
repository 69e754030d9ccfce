package presence

import (
	"testing"
	"time"
)

func TestJoinLeaveCounts(t *testing.T) {
	tracker := NewTracker()

	joins := []struct {
		connectionID string
		userID       string
	}{
		{"c1", "u1"},
		{"c2", "u2"},
		{"c3", "u3"},
		{"c4", "u4"},
	}
	for _, join := range joins {
		tracker.Join("sess-1", join.connectionID, Identity{UserID: join.userID, Username: join.userID}, "TWR")
	}
	tracker.Leave("sess-1", "c2")
	tracker.Leave("sess-1", "c4")

	active := tracker.ActiveUsers("sess-1")
	if len(active) != 2 {
		t.Fatalf("expected 4 joins - 2 leaves = 2 entries, got %d", len(active))
	}
	for _, entry := range active {
		if entry.ConnectionID != "c1" && entry.ConnectionID != "c3" {
			t.Fatalf("unexpected surviving connection %q", entry.ConnectionID)
		}
	}
}

func TestActiveUsersReturnsCopy(t *testing.T) {
	tracker := NewTracker()
	tracker.Join("sess-1", "c1", Identity{UserID: "u1", Username: "alpha"}, "GND")

	first := tracker.ActiveUsers("sess-1")
	first[0].Username = "mutated"

	second := tracker.ActiveUsers("sess-1")
	if second[0].Username != "alpha" {
		t.Fatal("expected snapshot mutation to leave tracker state untouched")
	}
}

func TestEmptyRoomIsQueryable(t *testing.T) {
	tracker := NewTracker()
	tracker.Join("sess-1", "c1", Identity{UserID: "u1"}, "TWR")
	tracker.Leave("sess-1", "c1")

	active := tracker.ActiveUsers("sess-1")
	if active == nil {
		t.Fatal("expected an empty list, not nil")
	}
	if len(active) != 0 {
		t.Fatalf("expected no active users, got %d", len(active))
	}
}

func TestRejoinMovesConnectionBetweenRooms(t *testing.T) {
	tracker := NewTracker()
	tracker.Join("sess-1", "c1", Identity{UserID: "u1"}, "TWR")
	tracker.Join("sess-2", "c1", Identity{UserID: "u1"}, "APP")

	if got := len(tracker.ActiveUsers("sess-1")); got != 0 {
		t.Fatalf("expected connection to leave the first room, got %d entries", got)
	}
	if got := len(tracker.ActiveUsers("sess-2")); got != 1 {
		t.Fatalf("expected connection in the second room, got %d entries", got)
	}
}

func TestActiveUsersOrderedByJoin(t *testing.T) {
	tracker := NewTracker()
	base := time.Date(2026, 1, 10, 18, 0, 0, 0, time.UTC)
	current := base
	tracker.now = func() time.Time {
		value := current
		current = current.Add(time.Second)
		return value
	}

	tracker.Join("sess-1", "c2", Identity{UserID: "u2"}, "TWR")
	tracker.Join("sess-1", "c1", Identity{UserID: "u1"}, "GND")

	active := tracker.ActiveUsers("sess-1")
	if active[0].ConnectionID != "c2" || active[1].ConnectionID != "c1" {
		t.Fatalf("expected join order, got %q then %q", active[0].ConnectionID, active[1].ConnectionID)
	}
}

func TestUpdatePosition(t *testing.T) {
	tracker := NewTracker()
	tracker.Join("sess-1", "c1", Identity{UserID: "u1"}, "DEL")
	tracker.UpdatePosition("sess-1", "c1", "TWR")

	active := tracker.ActiveUsers("sess-1")
	if active[0].Position != "TWR" {
		t.Fatalf("expected updated position TWR, got %q", active[0].Position)
	}
}

func TestSectorRegistryReplacesStationHolder(t *testing.T) {
	registry := NewSectorRegistry()
	registry.Register("lon-ctr", "conn-1", Identity{UserID: "u1", Username: "alpha"})
	registry.Register("LON-CTR", "conn-2", Identity{UserID: "u2", Username: "bravo"})
	registry.Register("SCO-CTR", "conn-3", Identity{UserID: "u3", Username: "charlie"})

	active := registry.Active()
	if len(active) != 2 {
		t.Fatalf("expected two stations, got %d", len(active))
	}
	if active[0].Station != "LON-CTR" || active[0].UserID != "u2" {
		t.Fatalf("expected u2 to hold LON-CTR, got %+v", active[0])
	}

	registry.Unregister("lon-ctr", "conn-2")
	if got := len(registry.Active()); got != 1 {
		t.Fatalf("expected one station after unregister, got %d", got)
	}
}

func TestSectorRegistryUnregisterRequiresOwner(t *testing.T) {
	registry := NewSectorRegistry()
	registry.Register("LON-CTR", "conn-1", Identity{UserID: "u1", Username: "alpha"})
	registry.Register("LON-CTR", "conn-2", Identity{UserID: "u2", Username: "bravo"})

	// conn-1's teardown runs after conn-2 took over the station; the
	// stale unregister must not drop the current holder.
	registry.Unregister("LON-CTR", "conn-1")

	active := registry.Active()
	if len(active) != 1 || active[0].UserID != "u2" {
		t.Fatalf("expected u2 to keep LON-CTR, got %+v", active)
	}

	registry.Unregister("LON-CTR", "conn-2")
	if got := len(registry.Active()); got != 0 {
		t.Fatalf("expected empty registry, got %d stations", got)
	}
}
