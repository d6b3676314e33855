package database

import "context"

// InsertLink relates a session to a raw object. Idempotent on the pair,
// so the linker sweep can safely revisit objects.
func (db *DB) InsertLink(ctx context.Context, sessionID, objectID string) (bool, error) {
	tag, err := db.Pool.Exec(ctx, `
		INSERT INTO session_object_links (session_id, object_id)
		VALUES ($1, $2)
		ON CONFLICT (session_id, object_id) DO NOTHING`,
		sessionID, objectID,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// CountLinks returns the number of link rows for a session.
func (db *DB) CountLinks(ctx context.Context, sessionID string) (int64, error) {
	var n int64
	err := db.Pool.QueryRow(ctx, `
		SELECT count(*) FROM session_object_links WHERE session_id = $1`,
		sessionID,
	).Scan(&n)
	return n, err
}
