package corrector

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/synaptiq/biopipe/internal/database"
	"github.com/synaptiq/biopipe/internal/devclock"
	"github.com/synaptiq/biopipe/internal/faults"
	"github.com/synaptiq/biopipe/internal/packet/packettest"
	"github.com/synaptiq/biopipe/internal/storage"
)

type fakeDB struct {
	session *database.SessionRow
	events  []database.EventRow
	objects []database.RawObjectRow

	applied     []database.EventCorrection
	applyCalled bool
	applyErr    error
	status      string
}

func (f *fakeDB) GetSession(context.Context, string) (*database.SessionRow, error) {
	if f.session == nil {
		return nil, errors.New("session not found")
	}
	return f.session, nil
}

func (f *fakeDB) ListEvents(context.Context, string) ([]database.EventRow, error) {
	return f.events, nil
}

func (f *fakeDB) ListLinkedObjects(context.Context, string) ([]database.RawObjectRow, error) {
	return f.objects, nil
}

func (f *fakeDB) ApplyEventCorrections(_ context.Context, _ string, corrections []database.EventCorrection) error {
	if f.applyErr != nil {
		return f.applyErr
	}
	f.applyCalled = true
	f.applied = corrections
	f.status = database.CorrectionCompleted
	return nil
}

func (f *fakeDB) SetCorrectionStatus(_ context.Context, _ string, status string) error {
	f.status = status
	return nil
}

func offsetPtr(v float64) *float64 { return &v }

func closedSession(startMs, endMs int64, offsetMs float64) *database.SessionRow {
	end := time.UnixMilli(endMs).UTC()
	return &database.SessionRow{
		SessionID: "s1",
		UserID:    "u1",
		StartTime: time.UnixMilli(startMs).UTC(),
		EndTime:   &end,
		ClockOffsetInfo: &database.ClockOffsetInfo{
			OffsetMsAvg: offsetPtr(offsetMs),
		},
	}
}

func newTestCorrector(t *testing.T, db Store, store storage.ObjectStore) *Corrector {
	t.Helper()
	c, err := New(db, store, "raw-data", zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)
	return c
}

func putObject(t *testing.T, store *storage.MemStore, key string, payload []byte) {
	t.Helper()
	if err := store.Put(context.Background(), "raw-data", key, payload, "application/octet-stream", nil); err != nil {
		t.Fatal(err)
	}
}

func jobDelivery(body string) amqp.Delivery {
	return amqp.Delivery{Body: []byte(body)}
}

func TestCorrectionMatch(t *testing.T) {
	db := &fakeDB{
		session: closedSession(1000, 2000, 0),
		events: []database.EventRow{
			{EventID: 1, SessionID: "s1", Onset: 100},
			{EventID: 2, SessionID: "s1", Onset: 500},
		},
		objects: []database.RawObjectRow{
			{ObjectID: "o1", StartTimeDevice: 1_000_000, EndTimeDevice: 2_000_000},
		},
	}
	store := storage.NewMemStore()
	putObject(t, store, "o1", packettest.Build("devA", []packettest.Sample{
		{TimestampUs: 1_000_000},
		{Trigger: true, TimestampUs: 1_100_000},
		{TimestampUs: 1_200_000},
		{Trigger: true, TimestampUs: 1_500_000},
		{TimestampUs: 2_000_000},
	}))

	c := newTestCorrector(t, db, store)
	if err := c.Handle(context.Background(), jobDelivery(`{"session_id":"s1"}`)); err != nil {
		t.Fatalf("Handle() = %v", err)
	}

	if !db.applyCalled {
		t.Fatal("corrections were not applied")
	}
	want := []database.EventCorrection{
		{EventID: 1, OnsetCorrectedUs: 1_100_000},
		{EventID: 2, OnsetCorrectedUs: 1_500_000},
	}
	if len(db.applied) != len(want) {
		t.Fatalf("applied %d corrections, want %d", len(db.applied), len(want))
	}
	for i := range want {
		if db.applied[i] != want[i] {
			t.Errorf("correction[%d] = %+v, want %+v", i, db.applied[i], want[i])
		}
	}
	if db.status != database.CorrectionCompleted {
		t.Errorf("status = %q, want completed", db.status)
	}
}

func TestCorrectionMismatchFailsSession(t *testing.T) {
	db := &fakeDB{
		session: closedSession(1000, 2000, 0),
		events: []database.EventRow{
			{EventID: 1, Onset: 100},
			{EventID: 2, Onset: 500},
		},
		objects: []database.RawObjectRow{
			{ObjectID: "o1", StartTimeDevice: 1_000_000, EndTimeDevice: 2_000_000},
		},
	}
	store := storage.NewMemStore()
	// Three in-window triggers for two events.
	putObject(t, store, "o1", packettest.Build("devA", []packettest.Sample{
		{Trigger: true, TimestampUs: 1_100_000},
		{Trigger: true, TimestampUs: 1_300_000},
		{Trigger: true, TimestampUs: 1_500_000},
	}))

	c := newTestCorrector(t, db, store)
	err := c.Handle(context.Background(), jobDelivery(`{"session_id":"s1"}`))
	if err == nil {
		t.Fatal("expected mismatch error")
	}
	if faults.IsTransient(err) {
		t.Error("count mismatch must be permanent")
	}
	if db.applyCalled {
		t.Error("no correction may be applied on mismatch")
	}
	if db.status != database.CorrectionFailed {
		t.Errorf("status = %q, want failed", db.status)
	}
}

func TestCorrectionNoEventsCompletes(t *testing.T) {
	db := &fakeDB{session: closedSession(1000, 2000, 0)}
	c := newTestCorrector(t, db, storage.NewMemStore())

	if err := c.Correct(context.Background(), "s1"); err != nil {
		t.Fatalf("Correct() = %v", err)
	}
	if !db.applyCalled || len(db.applied) != 0 {
		t.Error("empty session should complete with no corrections")
	}
	if db.status != database.CorrectionCompleted {
		t.Errorf("status = %q, want completed", db.status)
	}
}

func TestCorrectionNoObjectsCompletes(t *testing.T) {
	db := &fakeDB{
		session: closedSession(1000, 2000, 0),
		events:  []database.EventRow{{EventID: 1, Onset: 100}},
	}
	c := newTestCorrector(t, db, storage.NewMemStore())

	if err := c.Correct(context.Background(), "s1"); err != nil {
		t.Fatalf("Correct() = %v", err)
	}
	if db.status != database.CorrectionCompleted {
		t.Errorf("status = %q, want completed", db.status)
	}
}

func TestCorrectionMissingOffsetPermanent(t *testing.T) {
	end := time.UnixMilli(2000).UTC()
	db := &fakeDB{
		session: &database.SessionRow{
			SessionID: "s1",
			StartTime: time.UnixMilli(1000).UTC(),
			EndTime:   &end,
		},
		events: []database.EventRow{{EventID: 1, Onset: 100}},
	}
	c := newTestCorrector(t, db, storage.NewMemStore())

	err := c.Handle(context.Background(), jobDelivery(`{"session_id":"s1"}`))
	if err == nil {
		t.Fatal("expected error")
	}
	if faults.IsTransient(err) {
		t.Error("missing clock offset must be permanent")
	}
	if db.status != database.CorrectionFailed {
		t.Errorf("status = %q, want failed", db.status)
	}
}

func TestCorrectionBadJobPermanent(t *testing.T) {
	c := newTestCorrector(t, &fakeDB{}, storage.NewMemStore())

	for _, body := range []string{"not json", `{}`, `{"session_id":""}`} {
		err := c.Handle(context.Background(), jobDelivery(body))
		if err == nil {
			t.Errorf("body %q: expected error", body)
			continue
		}
		if faults.IsTransient(err) {
			t.Errorf("body %q: malformed job must be permanent", body)
		}
	}
}

func TestCorrectionTransientApplyKeepsStatus(t *testing.T) {
	db := &fakeDB{
		session:  closedSession(1000, 2000, 0),
		events:   []database.EventRow{{EventID: 1, Onset: 100}},
		applyErr: faults.MarkTransient(errors.New("connection reset")),
		objects: []database.RawObjectRow{
			{ObjectID: "o1", StartTimeDevice: 1_000_000, EndTimeDevice: 2_000_000},
		},
	}
	store := storage.NewMemStore()
	putObject(t, store, "o1", packettest.Build("devA", []packettest.Sample{
		{Trigger: true, TimestampUs: 1_100_000},
	}))

	c := newTestCorrector(t, db, store)
	err := c.Handle(context.Background(), jobDelivery(`{"session_id":"s1"}`))
	if err == nil {
		t.Fatal("expected error")
	}
	if !faults.IsTransient(err) {
		t.Error("transient apply failure must stay transient for requeue")
	}
	if db.status == database.CorrectionFailed {
		t.Error("transient failure must not mark the session failed")
	}
}

func TestAlignWrapWindow(t *testing.T) {
	events := []database.EventRow{
		{EventID: 1, Onset: 10},
		{EventID: 2, Onset: 20},
	}
	// Window crosses the 32-bit boundary: [0xFFFFFF00, 0x100].
	w := devclock.Window{Lo: 0xFFFFFF00, Hi: 0x100}
	triggers := []uint32{
		0x80000000, // far outside
		0xFFFFFF80, // in the high half
		0x00000080, // in the low half
	}

	got, err := align(events, triggers, w)
	if err != nil {
		t.Fatalf("align() = %v", err)
	}
	if got[0].OnsetCorrectedUs != 0x80 || got[1].OnsetCorrectedUs != int64(0xFFFFFF80) {
		t.Errorf("corrections = %+v", got)
	}
}

func TestAlignSortsConcatenatedTriggers(t *testing.T) {
	events := []database.EventRow{
		{EventID: 1, Onset: 10},
		{EventID: 2, Onset: 20},
		{EventID: 3, Onset: 30},
	}
	w := devclock.Window{Lo: 0, Hi: 10_000_000}
	// Out-of-order concatenation from overlapping objects.
	triggers := []uint32{3000, 1000, 2000}

	got, err := align(events, triggers, w)
	if err != nil {
		t.Fatal(err)
	}
	for i, want := range []int64{1000, 2000, 3000} {
		if got[i].OnsetCorrectedUs != want {
			t.Errorf("correction[%d] = %d, want %d", i, got[i].OnsetCorrectedUs, want)
		}
	}
}
