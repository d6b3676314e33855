// Package corrector aligns session events with hardware trigger pulses
// after a session closes. Event onsets are recorded on the host clock;
// trigger pulses carry the device clock. A successful run rewrites each
// event's onset onto the device clock inside one transaction.
//
// Device time is a 32-bit microsecond counter, so the alignment is only
// meaningful when the session fits within one wrap period (~71 minutes)
// of the data it is compared against.
package corrector

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/synaptiq/biopipe/internal/database"
	"github.com/synaptiq/biopipe/internal/devclock"
	"github.com/synaptiq/biopipe/internal/faults"
	"github.com/synaptiq/biopipe/internal/metrics"
	"github.com/synaptiq/biopipe/internal/packet"
	"github.com/synaptiq/biopipe/internal/storage"
)

// Store is the database surface the corrector needs.
type Store interface {
	GetSession(ctx context.Context, sessionID string) (*database.SessionRow, error)
	ListEvents(ctx context.Context, sessionID string) ([]database.EventRow, error)
	ListLinkedObjects(ctx context.Context, sessionID string) ([]database.RawObjectRow, error)
	ApplyEventCorrections(ctx context.Context, sessionID string, corrections []database.EventCorrection) error
	SetCorrectionStatus(ctx context.Context, sessionID, status string) error
}

// Corrector handles event_correction_queue jobs.
type Corrector struct {
	db     Store
	store  storage.ObjectStore
	bucket string
	dec    *zstd.Decoder
	log    zerolog.Logger
}

// New creates a corrector reading raw payloads from the given bucket.
func New(db Store, store storage.ObjectStore, bucket string, log zerolog.Logger) (*Corrector, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("init zstd decoder: %w", err)
	}
	return &Corrector{
		db:     db,
		store:  store,
		bucket: bucket,
		dec:    dec,
		log:    log.With().Str("component", "corrector").Logger(),
	}, nil
}

// Close releases the decoder.
func (c *Corrector) Close() {
	c.dec.Close()
}

type job struct {
	SessionID string `json:"session_id"`
}

func encodeJob(j job) ([]byte, error) {
	return json.Marshal(j)
}

// Handle processes one correction job. Permanent failures mark the
// session failed before the message is dropped; transient failures
// leave the status untouched so the requeued job can retry.
func (c *Corrector) Handle(ctx context.Context, d amqp.Delivery) error {
	var j job
	if err := json.Unmarshal(d.Body, &j); err != nil {
		return faults.MarkPermanent(fmt.Errorf("decode correction job: %w", err))
	}
	if j.SessionID == "" {
		return faults.MarkPermanent(fmt.Errorf("correction job without session_id"))
	}

	if err := c.Correct(ctx, j.SessionID); err != nil {
		if !faults.IsTransient(err) {
			c.failSession(ctx, j.SessionID)
		}
		return fmt.Errorf("correct session %s: %w", j.SessionID, err)
	}
	return nil
}

// Correct runs one correction for a session. All status and event
// writes on the success path happen inside ApplyEventCorrections's
// transaction; a mismatch rolls everything back.
func (c *Corrector) Correct(ctx context.Context, sessionID string) error {
	session, err := c.db.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.EndTime == nil {
		return faults.MarkPermanent(fmt.Errorf("session is still open"))
	}
	if session.ClockOffsetInfo == nil || session.ClockOffsetInfo.OffsetMsAvg == nil {
		return faults.MarkPermanent(fmt.Errorf("session has no clock offset"))
	}

	events, err := c.db.ListEvents(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		c.log.Info().Str("session_id", sessionID).Msg("no events to correct")
		return c.complete(ctx, sessionID, nil)
	}

	objects, err := c.db.ListLinkedObjects(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(objects) == 0 {
		c.log.Warn().Str("session_id", sessionID).
			Int("events", len(events)).
			Msg("no raw objects linked, events left uncorrected")
		return c.complete(ctx, sessionID, nil)
	}

	triggers, err := c.collectTriggers(ctx, objects)
	if err != nil {
		return err
	}

	window := devclock.FromWallClock(
		session.StartTime.UnixMilli(),
		session.EndTime.UnixMilli(),
		*session.ClockOffsetInfo.OffsetMsAvg,
	)

	corrections, err := align(events, triggers, window)
	if err != nil {
		return faults.MarkPermanent(err)
	}

	c.log.Info().
		Str("session_id", sessionID).
		Int("events", len(events)).
		Int("triggers", len(triggers)).
		Msg("events aligned")
	return c.complete(ctx, sessionID, corrections)
}

// collectTriggers extracts trigger timestamps from every linked object,
// preserving the device-start ordering of the object list. The
// processor stores payloads decompressed, but older objects were
// written compressed; the zstd magic distinguishes the two.
func (c *Corrector) collectTriggers(ctx context.Context, objects []database.RawObjectRow) ([]uint32, error) {
	var all []uint32
	for _, obj := range objects {
		payload, err := c.store.Get(ctx, c.bucket, obj.ObjectID)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", obj.ObjectID, err)
		}
		if isZstd(payload) {
			payload, err = c.dec.DecodeAll(payload, nil)
			if err != nil {
				return nil, faults.MarkPermanent(fmt.Errorf("decompress %s: %w", obj.ObjectID, err))
			}
		}
		pkt, err := packet.Parse(payload)
		if err != nil {
			return nil, faults.MarkPermanent(fmt.Errorf("parse %s: %w", obj.ObjectID, err))
		}
		all = append(all, pkt.Triggers()...)
	}
	return all, nil
}

func isZstd(b []byte) bool {
	return len(b) >= 4 && b[0] == 0x28 && b[1] == 0xb5 && b[2] == 0x2f && b[3] == 0xfd
}

func (c *Corrector) complete(ctx context.Context, sessionID string, corrections []database.EventCorrection) error {
	if err := c.db.ApplyEventCorrections(ctx, sessionID, corrections); err != nil {
		return err
	}
	metrics.CorrectionRuns.WithLabelValues(database.CorrectionCompleted).Inc()
	c.log.Info().Str("session_id", sessionID).
		Int("corrected", len(corrections)).
		Msg("correction completed")
	return nil
}

// failSession records the terminal failed state outside the correction
// transaction, which has already rolled back.
func (c *Corrector) failSession(ctx context.Context, sessionID string) {
	if err := c.db.SetCorrectionStatus(ctx, sessionID, database.CorrectionFailed); err != nil {
		c.log.Error().Err(err).Str("session_id", sessionID).Msg("failed to record failed status")
		return
	}
	metrics.CorrectionRuns.WithLabelValues(database.CorrectionFailed).Inc()
}
