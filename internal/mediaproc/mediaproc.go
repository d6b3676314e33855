// Package mediaproc consumes media uploads from the broker and lands
// them as an object plus a catalog row. Media keys are deterministic,
// so duplicate deliveries overwrite the same object and hit the same
// row.
package mediaproc

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/synaptiq/biopipe/internal/database"
	"github.com/synaptiq/biopipe/internal/faults"
	"github.com/synaptiq/biopipe/internal/media"
	"github.com/synaptiq/biopipe/internal/metrics"
	"github.com/synaptiq/biopipe/internal/storage"
)

// Cataloger records stored media in the catalog tables.
type Cataloger interface {
	InsertImage(ctx context.Context, row *database.ImageRow) error
	InsertAudioClip(ctx context.Context, row *database.AudioClipRow) error
}

// Processor handles media_processing_queue deliveries.
type Processor struct {
	store  storage.ObjectStore
	db     Cataloger
	bucket string
	log    zerolog.Logger
}

// New creates a media processor writing to the given bucket.
func New(store storage.ObjectStore, db Cataloger, bucket string, log zerolog.Logger) *Processor {
	return &Processor{
		store:  store,
		db:     db,
		bucket: bucket,
		log:    log.With().Str("component", "mediaproc").Logger(),
	}
}

// Handle processes one delivery. Metadata defects are permanent; the
// collector validated the upload, so a broken message will never heal
// on requeue.
func (p *Processor) Handle(ctx context.Context, d amqp.Delivery) error {
	meta := media.FromHeaders(d.Headers)
	if err := meta.Validate(); err != nil {
		return faults.MarkPermanent(fmt.Errorf("invalid media metadata: %w", err))
	}

	key, err := meta.ObjectKey()
	if err != nil {
		return faults.MarkPermanent(fmt.Errorf("build media key: %w", err))
	}

	err = p.store.Put(ctx, p.bucket, key, d.Body, meta.Mimetype, map[string]string{
		"user_id":    meta.UserID,
		"session_id": meta.SessionID,
	})
	if err != nil {
		return fmt.Errorf("store media %s: %w", key, err)
	}

	if err := p.catalog(ctx, &meta, key, int64(len(d.Body))); err != nil {
		return fmt.Errorf("catalog media %s: %w", key, err)
	}

	metrics.ObjectsStored.WithLabelValues(p.bucket).Inc()
	p.log.Info().
		Str("object_id", key).
		Str("session_id", meta.SessionID).
		Str("mimetype", meta.Mimetype).
		Msg("media stored")
	return nil
}

func (p *Processor) catalog(ctx context.Context, meta *media.Metadata, key string, size int64) error {
	if meta.IsImage() {
		ts, err := meta.Timestamp()
		if err != nil {
			return faults.MarkPermanent(err)
		}
		return p.db.InsertImage(ctx, &database.ImageRow{
			ObjectID:         key,
			UserID:           meta.UserID,
			SessionID:        meta.SessionID,
			OriginalFilename: meta.OriginalFilename,
			Mimetype:         meta.Mimetype,
			TimestampUTC:     ts,
			SizeBytes:        size,
		})
	}

	start, err := meta.Timestamp()
	if err != nil {
		return faults.MarkPermanent(err)
	}
	end, err := meta.EndTime()
	if err != nil {
		return faults.MarkPermanent(err)
	}
	return p.db.InsertAudioClip(ctx, &database.AudioClipRow{
		ObjectID:         key,
		UserID:           meta.UserID,
		SessionID:        meta.SessionID,
		OriginalFilename: meta.OriginalFilename,
		Mimetype:         meta.Mimetype,
		StartTimeUTC:     start,
		EndTimeUTC:       end,
		SizeBytes:        size,
	})
}
