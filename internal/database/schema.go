package database

import (
	"context"
	"fmt"
)

// schema is the ordered list of idempotent bootstrap statements. Every
// statement must be safe to re-run (IF NOT EXISTS throughout) so any
// service can bootstrap a fresh database on startup.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS raw_data_objects (
		object_id         text PRIMARY KEY,
		user_id           text NOT NULL,
		device_id         text NOT NULL,
		start_time_device bigint NOT NULL,
		end_time_device   bigint NOT NULL,
		sampling_rate     double precision,
		lsb_to_volts      double precision,
		size_bytes        bigint,
		session_id        uuid,
		created_at        timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_raw_data_objects_user
		ON raw_data_objects (user_id, start_time_device)`,

	`CREATE TABLE IF NOT EXISTS sessions (
		session_id              uuid PRIMARY KEY,
		user_id                 text NOT NULL,
		experiment_id           text NOT NULL,
		start_time              timestamptz NOT NULL,
		end_time                timestamptz,
		clock_offset_info       jsonb,
		event_correction_status text NOT NULL DEFAULT 'pending',
		created_at              timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions (user_id, start_time)`,

	`CREATE TABLE IF NOT EXISTS session_events (
		event_id           bigserial PRIMARY KEY,
		session_id         uuid NOT NULL REFERENCES sessions (session_id),
		event_type         text NOT NULL DEFAULT '',
		onset              double precision NOT NULL,
		onset_corrected_us bigint,
		created_at         timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_session_events_session
		ON session_events (session_id, onset)`,

	`CREATE TABLE IF NOT EXISTS session_object_links (
		session_id uuid NOT NULL REFERENCES sessions (session_id),
		object_id  text NOT NULL REFERENCES raw_data_objects (object_id),
		created_at timestamptz NOT NULL DEFAULT now(),
		PRIMARY KEY (session_id, object_id)
	)`,

	`CREATE TABLE IF NOT EXISTS images (
		object_id         text PRIMARY KEY,
		user_id           text NOT NULL,
		session_id        text NOT NULL,
		original_filename text NOT NULL DEFAULT '',
		mimetype          text NOT NULL,
		timestamp_utc     timestamptz NOT NULL,
		size_bytes        bigint,
		created_at        timestamptz NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS audio_clips (
		object_id         text PRIMARY KEY,
		user_id           text NOT NULL,
		session_id        text NOT NULL,
		original_filename text NOT NULL DEFAULT '',
		mimetype          text NOT NULL,
		start_time_utc    timestamptz NOT NULL,
		end_time_utc      timestamptz NOT NULL,
		size_bytes        bigint,
		created_at        timestamptz NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS stimulus_assets (
		asset_id    bigserial PRIMARY KEY,
		name        text NOT NULL UNIQUE,
		kind        text NOT NULL,
		object_key  text NOT NULL DEFAULT '',
		description text NOT NULL DEFAULT '',
		created_at  timestamptz NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS calibration_items (
		item_id    bigserial PRIMARY KEY,
		device_id  text NOT NULL,
		payload    jsonb NOT NULL,
		created_at timestamptz NOT NULL DEFAULT now()
	)`,
}

// Bootstrap applies the schema. Safe to run concurrently from several
// services; Postgres serializes the DDL.
func (db *DB) Bootstrap(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := db.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap schema: %w", err)
		}
	}
	db.log.Info().Int("statements", len(schema)).Msg("schema bootstrap complete")
	return nil
}
