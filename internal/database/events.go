package database

import (
	"context"
	"fmt"
)

// EventRow mirrors one session_events row. Onset is milliseconds since
// session start (host clock); OnsetCorrectedUs is device microseconds,
// set exactly once by a successful correction run.
type EventRow struct {
	EventID          int64
	SessionID        string
	EventType        string
	Onset            float64
	OnsetCorrectedUs *int64
}

// InsertEvent records an experimental event during a session.
func (db *DB) InsertEvent(ctx context.Context, row *EventRow) error {
	return db.Pool.QueryRow(ctx, `
		INSERT INTO session_events (session_id, event_type, onset)
		VALUES ($1, $2, $3)
		RETURNING event_id`,
		row.SessionID, row.EventType, row.Onset,
	).Scan(&row.EventID)
}

// ListEvents returns a session's events ordered by onset ascending.
// The corrector's zip step depends on this ordering.
func (db *DB) ListEvents(ctx context.Context, sessionID string) ([]EventRow, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT event_id, session_id, event_type, onset, onset_corrected_us
		FROM session_events
		WHERE session_id = $1
		ORDER BY onset ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(&e.EventID, &e.SessionID, &e.EventType,
			&e.Onset, &e.OnsetCorrectedUs); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// EventCorrection pairs an event with its corrected device-time onset.
type EventCorrection struct {
	EventID          int64
	OnsetCorrectedUs int64
}

// ApplyEventCorrections writes corrected onsets and marks the session
// completed inside a single transaction. Any failure rolls the whole
// batch back, leaving every event untouched.
func (db *DB) ApplyEventCorrections(ctx context.Context, sessionID string, corrections []EventCorrection) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE sessions SET event_correction_status = $2 WHERE session_id = $1`,
		sessionID, CorrectionProcessing,
	); err != nil {
		return err
	}

	for _, c := range corrections {
		tag, err := tx.Exec(ctx, `
			UPDATE session_events SET onset_corrected_us = $2
			WHERE event_id = $1 AND session_id = $3`,
			c.EventID, c.OnsetCorrectedUs, sessionID,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("event %d not found in session %s", c.EventID, sessionID)
		}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE sessions SET event_correction_status = $2 WHERE session_id = $1`,
		sessionID, CorrectionCompleted,
	); err != nil {
		return err
	}

	return tx.Commit(ctx)
}
