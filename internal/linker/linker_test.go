package linker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/synaptiq/biopipe/internal/database"
)

type link struct {
	sessionID string
	objectID  string
}

type fakeStore struct {
	objects  []database.RawObjectRow
	sessions map[string][]database.SessionRow
	links    map[link]bool
	listErr  error

	sessionQueries int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		sessions: make(map[string][]database.SessionRow),
		links:    make(map[link]bool),
	}
}

func (f *fakeStore) ListUnlinkedObjects(_ context.Context, limit int) ([]database.RawObjectRow, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	if len(f.objects) > limit {
		return f.objects[:limit], nil
	}
	return f.objects, nil
}

func (f *fakeStore) ListSessionsForUser(_ context.Context, userID string) ([]database.SessionRow, error) {
	f.sessionQueries++
	return f.sessions[userID], nil
}

func (f *fakeStore) InsertLink(_ context.Context, sessionID, objectID string) (bool, error) {
	k := link{sessionID, objectID}
	if f.links[k] {
		return false, nil
	}
	f.links[k] = true
	return true, nil
}

func offsetPtr(v float64) *float64 { return &v }

func closedSession(id, userID string, startMs, endMs int64, offsetMs float64) database.SessionRow {
	end := time.UnixMilli(endMs).UTC()
	return database.SessionRow{
		SessionID: id,
		UserID:    userID,
		StartTime: time.UnixMilli(startMs).UTC(),
		EndTime:   &end,
		ClockOffsetInfo: &database.ClockOffsetInfo{
			OffsetMsAvg: offsetPtr(offsetMs),
		},
	}
}

func TestSweepLinksOverlappingSessions(t *testing.T) {
	store := newFakeStore()
	// Session covers device time [1_000_000us, 2_000_000us] with zero offset.
	store.sessions["u1"] = []database.SessionRow{
		closedSession("s1", "u1", 1000, 2000, 0),
		closedSession("s2", "u1", 5000, 6000, 0),
	}
	store.objects = []database.RawObjectRow{
		{ObjectID: "o1", UserID: "u1", StartTimeDevice: 1_500_000, EndTimeDevice: 1_600_000},
		{ObjectID: "o2", UserID: "u1", StartTimeDevice: 3_000_000, EndTimeDevice: 4_000_000},
	}

	l := New(store, time.Minute, zerolog.Nop())
	if err := l.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() = %v", err)
	}

	if !store.links[link{"s1", "o1"}] {
		t.Error("expected link s1-o1")
	}
	if len(store.links) != 1 {
		t.Errorf("created %d links, want 1: %v", len(store.links), store.links)
	}
}

func TestSweepObjectSpanningTwoSessions(t *testing.T) {
	store := newFakeStore()
	store.sessions["u1"] = []database.SessionRow{
		closedSession("s1", "u1", 1000, 2000, 0),
		closedSession("s2", "u1", 2000, 3000, 0),
	}
	store.objects = []database.RawObjectRow{
		{ObjectID: "o1", UserID: "u1", StartTimeDevice: 1_900_000, EndTimeDevice: 2_100_000},
	}

	l := New(store, time.Minute, zerolog.Nop())
	if err := l.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}

	if !store.links[link{"s1", "o1"}] || !store.links[link{"s2", "o1"}] {
		t.Errorf("object spanning both sessions should link to both, got %v", store.links)
	}
}

func TestSweepWrapCrossingSession(t *testing.T) {
	store := newFakeStore()
	// Offset places the session window across the 32-bit wrap:
	// lo near 2^32, hi small.
	startMs := int64(4294967)  // ~2^32us/1000, device lo just below wrap
	endMs := startMs + 1       // 1ms later, device hi wraps to ~704us
	store.sessions["u1"] = []database.SessionRow{
		closedSession("s1", "u1", startMs, endMs, 0),
	}
	store.objects = []database.RawObjectRow{
		// Object entirely in the low half after the wrap.
		{ObjectID: "o1", UserID: "u1", StartTimeDevice: 100, EndTimeDevice: 200},
		// Object far from the window.
		{ObjectID: "o2", UserID: "u1", StartTimeDevice: 2_000_000_000, EndTimeDevice: 2_000_001_000},
	}

	l := New(store, time.Minute, zerolog.Nop())
	if err := l.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}

	if !store.links[link{"s1", "o1"}] {
		t.Error("wrap-crossing session should link object in the low half")
	}
	if store.links[link{"s1", "o2"}] {
		t.Error("object outside the window must not link")
	}
}

func TestSweepSkipsSessionsWithoutOffset(t *testing.T) {
	store := newFakeStore()
	end := time.UnixMilli(2000).UTC()
	store.sessions["u1"] = []database.SessionRow{
		{SessionID: "s1", UserID: "u1", StartTime: time.UnixMilli(1000).UTC(), EndTime: &end},
	}
	store.objects = []database.RawObjectRow{
		{ObjectID: "o1", UserID: "u1", StartTimeDevice: 1_500_000, EndTimeDevice: 1_600_000},
	}

	l := New(store, time.Minute, zerolog.Nop())
	if err := l.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(store.links) != 0 {
		t.Errorf("session without clock offset must not link, got %v", store.links)
	}
}

func TestSweepCachesSessionsPerUser(t *testing.T) {
	store := newFakeStore()
	store.sessions["u1"] = []database.SessionRow{closedSession("s1", "u1", 1000, 2000, 0)}
	store.objects = []database.RawObjectRow{
		{ObjectID: "o1", UserID: "u1", StartTimeDevice: 1_100_000, EndTimeDevice: 1_200_000},
		{ObjectID: "o2", UserID: "u1", StartTimeDevice: 1_300_000, EndTimeDevice: 1_400_000},
		{ObjectID: "o3", UserID: "u1", StartTimeDevice: 1_500_000, EndTimeDevice: 1_600_000},
	}

	l := New(store, time.Minute, zerolog.Nop())
	if err := l.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}
	if store.sessionQueries != 1 {
		t.Errorf("session queries = %d, want 1 per user per sweep", store.sessionQueries)
	}
	if len(store.links) != 3 {
		t.Errorf("created %d links, want 3", len(store.links))
	}
}

func TestSweepPropagatesListError(t *testing.T) {
	store := newFakeStore()
	store.listErr = errors.New("db down")

	l := New(store, time.Minute, zerolog.Nop())
	if err := l.Sweep(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}
