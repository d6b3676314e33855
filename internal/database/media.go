package database

import (
	"context"
	"time"
)

// ImageRow mirrors one images row.
type ImageRow struct {
	ObjectID         string
	UserID           string
	SessionID        string
	OriginalFilename string
	Mimetype         string
	TimestampUTC     time.Time
	SizeBytes        int64
}

// AudioClipRow mirrors one audio_clips row.
type AudioClipRow struct {
	ObjectID         string
	UserID           string
	SessionID        string
	OriginalFilename string
	Mimetype         string
	StartTimeUTC     time.Time
	EndTimeUTC       time.Time
	SizeBytes        int64
}

// InsertImage catalogs a stored image. Idempotent on object_id: media
// keys are deterministic, so redelivery hits the same row.
func (db *DB) InsertImage(ctx context.Context, row *ImageRow) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO images
			(object_id, user_id, session_id, original_filename, mimetype, timestamp_utc, size_bytes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (object_id) DO NOTHING`,
		row.ObjectID, row.UserID, row.SessionID, row.OriginalFilename,
		row.Mimetype, row.TimestampUTC, row.SizeBytes,
	)
	return err
}

// InsertAudioClip catalogs a stored audio clip, idempotent on object_id.
func (db *DB) InsertAudioClip(ctx context.Context, row *AudioClipRow) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO audio_clips
			(object_id, user_id, session_id, original_filename, mimetype,
			 start_time_utc, end_time_utc, size_bytes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (object_id) DO NOTHING`,
		row.ObjectID, row.UserID, row.SessionID, row.OriginalFilename,
		row.Mimetype, row.StartTimeUTC, row.EndTimeUTC, row.SizeBytes,
	)
	return err
}
