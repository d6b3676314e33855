// Package processor consumes raw sensor payloads from the broker,
// decompresses and parses them, and lands them as an object plus a
// catalog row. Storage write precedes the row insert; the row insert is
// idempotent on object_id so duplicate deliveries are safe.
package processor

import (
	"context"
	"crypto/sha256"
	"fmt"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/synaptiq/biopipe/internal/database"
	"github.com/synaptiq/biopipe/internal/faults"
	"github.com/synaptiq/biopipe/internal/metrics"
	"github.com/synaptiq/biopipe/internal/packet"
	"github.com/synaptiq/biopipe/internal/storage"
)

// Inserter records a stored raw object in the catalog.
type Inserter interface {
	InsertRawObject(ctx context.Context, row *database.RawObjectRow) error
}

// Processor handles processing_queue deliveries.
type Processor struct {
	store  storage.ObjectStore
	db     Inserter
	bucket string
	dec    *zstd.Decoder
	log    zerolog.Logger
}

// New creates a processor writing to the given bucket.
func New(store storage.ObjectStore, db Inserter, bucket string, log zerolog.Logger) (*Processor, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("init zstd decoder: %w", err)
	}
	return &Processor{
		store:  store,
		db:     db,
		bucket: bucket,
		dec:    dec,
		log:    log.With().Str("component", "processor").Logger(),
	}, nil
}

// Close releases the decoder.
func (p *Processor) Close() {
	p.dec.Close()
}

// Handle processes one delivery. A nil return acks. Messages without a
// user_id header are discarded with an ack; there is no owner to
// attribute the data to and requeueing would loop forever.
func (p *Processor) Handle(ctx context.Context, d amqp.Delivery) error {
	userID, _ := d.Headers["user_id"].(string)
	if userID == "" {
		p.log.Warn().Int("bytes", len(d.Body)).Msg("discarding payload without user_id header")
		return nil
	}

	decompressed, err := p.dec.DecodeAll(d.Body, nil)
	if err != nil {
		return faults.MarkPermanent(fmt.Errorf("zstd decompress: %w", err))
	}

	pkt, err := packet.Parse(decompressed)
	if err != nil {
		return faults.MarkPermanent(fmt.Errorf("parse packet: %w", err))
	}

	deviceID := pkt.DeviceID()
	if deviceID == "" {
		// Channel-map packets carry no device field; the collector passes
		// it through as a header instead.
		deviceID, _ = d.Headers["device_id"].(string)
	}
	if deviceID == "" {
		return faults.MarkPermanent(fmt.Errorf("packet carries no device identifier"))
	}

	objectID := ObjectKey(userID, deviceID, pkt.StartTime(), pkt.EndTime(), decompressed)

	err = p.store.Put(ctx, p.bucket, objectID, decompressed, "application/octet-stream", map[string]string{
		"user_id":   userID,
		"device_id": deviceID,
	})
	if err != nil {
		return fmt.Errorf("store object %s: %w", objectID, err)
	}

	row := &database.RawObjectRow{
		ObjectID:        objectID,
		UserID:          userID,
		DeviceID:        deviceID,
		StartTimeDevice: pkt.StartTime(),
		EndTimeDevice:   pkt.EndTime(),
		SizeBytes:       int64(len(decompressed)),
	}
	if err := p.db.InsertRawObject(ctx, row); err != nil {
		return fmt.Errorf("insert raw object row: %w", err)
	}

	metrics.ObjectsStored.WithLabelValues(p.bucket).Inc()
	p.log.Info().
		Str("object_id", objectID).
		Str("user_id", userID).
		Str("device_id", deviceID).
		Int("samples", pkt.NumSamples()).
		Msg("raw payload stored")
	return nil
}

// ObjectKey builds the hierarchical raw-object key. The UUID suffix is
// derived from the payload identity, so a redelivered message lands on
// the same key and the catalog's ON CONFLICT guard actually fires.
func ObjectKey(userID, deviceID string, start, end uint32, payload []byte) string {
	sum := sha256.Sum256(payload)
	name := fmt.Sprintf("%s/%s/%d/%d/%x", userID, deviceID, start, end, sum[:16])
	return fmt.Sprintf("raw/%s/%s/start_ms=%d/end_ms=%d_%s.bin",
		userID, deviceID, start, end, uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)))
}
