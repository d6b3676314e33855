package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Correction status lifecycle: pending → processing → completed | failed.
// A failed session stays failed until explicitly retried.
const (
	CorrectionPending    = "pending"
	CorrectionProcessing = "processing"
	CorrectionCompleted  = "completed"
	CorrectionFailed     = "failed"
)

// ClockOffsetInfo is the per-session host↔device clock reconciliation
// written at session close. OffsetMsAvg is the scalar the corrector and
// linker use; nil means the session cannot be corrected.
type ClockOffsetInfo struct {
	OffsetMsAvg *float64 `json:"offset_ms_avg"`
	OffsetMsStd *float64 `json:"offset_ms_std,omitempty"`
	SampleCount *int     `json:"sample_count,omitempty"`
}

// SessionRow mirrors one sessions row.
type SessionRow struct {
	SessionID             string
	UserID                string
	ExperimentID          string
	StartTime             time.Time
	EndTime               *time.Time
	ClockOffsetInfo       *ClockOffsetInfo
	EventCorrectionStatus string
}

// CreateSession inserts a new open session.
func (db *DB) CreateSession(ctx context.Context, row *SessionRow) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO sessions (session_id, user_id, experiment_id, start_time)
		VALUES ($1, $2, $3, $4)`,
		row.SessionID, row.UserID, row.ExperimentID, row.StartTime,
	)
	return err
}

// GetSession loads a session by ID.
func (db *DB) GetSession(ctx context.Context, sessionID string) (*SessionRow, error) {
	var s SessionRow
	var offsetJSON []byte
	err := db.Pool.QueryRow(ctx, `
		SELECT session_id, user_id, experiment_id, start_time, end_time,
		       clock_offset_info, event_correction_status
		FROM sessions WHERE session_id = $1`, sessionID,
	).Scan(&s.SessionID, &s.UserID, &s.ExperimentID, &s.StartTime, &s.EndTime,
		&offsetJSON, &s.EventCorrectionStatus)
	if err != nil {
		return nil, err
	}
	if len(offsetJSON) > 0 {
		var info ClockOffsetInfo
		if err := json.Unmarshal(offsetJSON, &info); err != nil {
			return nil, fmt.Errorf("decode clock_offset_info for %s: %w", sessionID, err)
		}
		s.ClockOffsetInfo = &info
	}
	return &s, nil
}

// CloseSession stamps the end time and clock offset info. Returns the
// closed row so the caller can publish the correction job.
func (db *DB) CloseSession(ctx context.Context, sessionID string, endTime time.Time, offset *ClockOffsetInfo) error {
	offsetJSON, err := json.Marshal(offset)
	if err != nil {
		return fmt.Errorf("encode clock_offset_info: %w", err)
	}
	tag, err := db.Pool.Exec(ctx, `
		UPDATE sessions SET end_time = $2, clock_offset_info = $3
		WHERE session_id = $1`,
		sessionID, endTime, offsetJSON,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session not found: %s", sessionID)
	}
	return nil
}

// SetCorrectionStatus updates event_correction_status outside any
// correction transaction (used for the failed terminal state and retry).
func (db *DB) SetCorrectionStatus(ctx context.Context, sessionID, status string) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE sessions SET event_correction_status = $2 WHERE session_id = $1`,
		sessionID, status,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session not found: %s", sessionID)
	}
	return nil
}

// ListSessionsForUser returns all closed sessions for a user that carry
// a clock offset, for the linker's overlap resolution.
func (db *DB) ListSessionsForUser(ctx context.Context, userID string) ([]SessionRow, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT session_id, user_id, experiment_id, start_time, end_time,
		       clock_offset_info, event_correction_status
		FROM sessions
		WHERE user_id = $1 AND end_time IS NOT NULL
		ORDER BY start_time ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []SessionRow
	for rows.Next() {
		var s SessionRow
		var offsetJSON []byte
		if err := rows.Scan(&s.SessionID, &s.UserID, &s.ExperimentID, &s.StartTime,
			&s.EndTime, &offsetJSON, &s.EventCorrectionStatus); err != nil {
			return nil, err
		}
		if len(offsetJSON) > 0 {
			var info ClockOffsetInfo
			if err := json.Unmarshal(offsetJSON, &info); err != nil {
				return nil, fmt.Errorf("decode clock_offset_info for %s: %w", s.SessionID, err)
			}
			s.ClockOffsetInfo = &info
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

// DashboardStats is a coarse per-table row count summary.
type DashboardStats struct {
	Sessions    int64 `json:"sessions"`
	RawObjects  int64 `json:"raw_objects"`
	Events      int64 `json:"events"`
	Links       int64 `json:"links"`
	Images      int64 `json:"images"`
	AudioClips  int64 `json:"audio_clips"`
	FailedJobs  int64 `json:"failed_correction_jobs"`
	PendingJobs int64 `json:"pending_correction_jobs"`
}

// Stats returns dashboard counts in one round trip.
func (db *DB) Stats(ctx context.Context) (*DashboardStats, error) {
	var s DashboardStats
	err := db.Pool.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM sessions),
			(SELECT count(*) FROM raw_data_objects),
			(SELECT count(*) FROM session_events),
			(SELECT count(*) FROM session_object_links),
			(SELECT count(*) FROM images),
			(SELECT count(*) FROM audio_clips),
			(SELECT count(*) FROM sessions WHERE event_correction_status = 'failed'),
			(SELECT count(*) FROM sessions WHERE event_correction_status = 'pending')`,
	).Scan(&s.Sessions, &s.RawObjects, &s.Events, &s.Links,
		&s.Images, &s.AudioClips, &s.FailedJobs, &s.PendingJobs)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
