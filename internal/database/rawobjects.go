package database

import (
	"context"
	"time"
)

// RawObjectRow mirrors one raw_data_objects row. Device times are the
// sensor's uint32 microsecond counter widened for storage. SessionID is
// set only when the producer already knows the session; the link table
// is how objects and sessions are actually associated.
type RawObjectRow struct {
	ObjectID        string
	UserID          string
	DeviceID        string
	StartTimeDevice uint32
	EndTimeDevice   uint32
	SamplingRate    *float64
	LsbToVolts      *float64
	SizeBytes       int64
	SessionID       *string
	CreatedAt       time.Time
}

// InsertRawObject inserts a catalog row for a stored raw payload.
// Idempotent on object_id so duplicate broker deliveries are safe.
func (db *DB) InsertRawObject(ctx context.Context, row *RawObjectRow) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO raw_data_objects
			(object_id, user_id, device_id, start_time_device, end_time_device,
			 sampling_rate, lsb_to_volts, size_bytes, session_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (object_id) DO NOTHING`,
		row.ObjectID, row.UserID, row.DeviceID,
		int64(row.StartTimeDevice), int64(row.EndTimeDevice),
		row.SamplingRate, row.LsbToVolts, row.SizeBytes, row.SessionID,
	)
	return err
}

// ListUnlinkedObjects returns raw objects that have no session link yet,
// oldest first. The linker sweep processes these.
func (db *DB) ListUnlinkedObjects(ctx context.Context, limit int) ([]RawObjectRow, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT o.object_id, o.user_id, o.device_id, o.start_time_device,
		       o.end_time_device, o.size_bytes, o.session_id, o.created_at
		FROM raw_data_objects o
		WHERE NOT EXISTS (
			SELECT 1 FROM session_object_links l WHERE l.object_id = o.object_id
		)
		ORDER BY o.created_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRawObjects(rows)
}

// ListLinkedObjects returns the raw objects linked to a session, ordered
// by device start time. The corrector depends on this ordering.
func (db *DB) ListLinkedObjects(ctx context.Context, sessionID string) ([]RawObjectRow, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT o.object_id, o.user_id, o.device_id, o.start_time_device,
		       o.end_time_device, o.size_bytes, o.session_id, o.created_at
		FROM session_object_links l
		JOIN raw_data_objects o ON o.object_id = l.object_id
		WHERE l.session_id = $1
		ORDER BY o.start_time_device ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRawObjects(rows)
}

func scanRawObjects(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]RawObjectRow, error) {
	var result []RawObjectRow
	for rows.Next() {
		var r RawObjectRow
		var start, end int64
		if err := rows.Scan(&r.ObjectID, &r.UserID, &r.DeviceID,
			&start, &end, &r.SizeBytes, &r.SessionID, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.StartTimeDevice = uint32(start)
		r.EndTimeDevice = uint32(end)
		result = append(result, r)
	}
	return result, rows.Err()
}
