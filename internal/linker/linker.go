// Package linker relates raw data objects to the sessions they overlap.
// It runs as a periodic sweep over objects that have no link yet; the
// link table's pair uniqueness makes revisiting an object harmless, so
// at-least-once semantics are fine.
package linker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/synaptiq/biopipe/internal/database"
	"github.com/synaptiq/biopipe/internal/devclock"
	"github.com/synaptiq/biopipe/internal/metrics"
)

const sweepBatchSize = 500

// Store is the database surface the linker needs.
type Store interface {
	ListUnlinkedObjects(ctx context.Context, limit int) ([]database.RawObjectRow, error)
	ListSessionsForUser(ctx context.Context, userID string) ([]database.SessionRow, error)
	InsertLink(ctx context.Context, sessionID, objectID string) (bool, error)
}

// Linker sweeps unlinked raw objects on an interval.
type Linker struct {
	db       Store
	interval time.Duration
	log      zerolog.Logger
}

// New creates a linker sweeping at the given interval.
func New(db Store, interval time.Duration, log zerolog.Logger) *Linker {
	return &Linker{
		db:       db,
		interval: interval,
		log:      log.With().Str("component", "linker").Logger(),
	}
}

// Run sweeps until the context is cancelled. The first sweep happens
// immediately so a restart picks up backlog without waiting an interval.
func (l *Linker) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		if err := l.Sweep(ctx); err != nil && ctx.Err() == nil {
			l.log.Error().Err(err).Msg("sweep failed")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep links one batch of unlinked objects. Sessions are fetched once
// per user and reused across the batch.
func (l *Linker) Sweep(ctx context.Context) error {
	objects, err := l.db.ListUnlinkedObjects(ctx, sweepBatchSize)
	if err != nil {
		return err
	}
	if len(objects) == 0 {
		return nil
	}

	sessionsByUser := make(map[string][]database.SessionRow)
	linked := 0

	for _, obj := range objects {
		sessions, ok := sessionsByUser[obj.UserID]
		if !ok {
			sessions, err = l.db.ListSessionsForUser(ctx, obj.UserID)
			if err != nil {
				return err
			}
			sessionsByUser[obj.UserID] = sessions
		}

		for _, s := range sessions {
			if !sessionOverlaps(&s, &obj) {
				continue
			}
			created, err := l.db.InsertLink(ctx, s.SessionID, obj.ObjectID)
			if err != nil {
				return err
			}
			if created {
				linked++
				metrics.LinksCreated.Inc()
				l.log.Debug().
					Str("session_id", s.SessionID).
					Str("object_id", obj.ObjectID).
					Msg("link created")
			}
		}
	}

	if linked > 0 {
		l.log.Info().Int("objects", len(objects)).Int("links", linked).Msg("sweep complete")
	}
	return nil
}

// sessionOverlaps converts the session's wall-clock bounds into the
// device clock and checks overlap with the object's sample span.
// Sessions without an end time or a clock offset cannot be placed on
// the device clock and never match.
func sessionOverlaps(s *database.SessionRow, obj *database.RawObjectRow) bool {
	if s.EndTime == nil || s.ClockOffsetInfo == nil || s.ClockOffsetInfo.OffsetMsAvg == nil {
		return false
	}
	w := devclock.FromWallClock(
		s.StartTime.UnixMilli(),
		s.EndTime.UnixMilli(),
		*s.ClockOffsetInfo.OffsetMsAvg,
	)
	return w.Overlaps(obj.StartTimeDevice, obj.EndTimeDevice)
}
