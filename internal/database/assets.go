package database

import (
	"context"
	"encoding/json"
	"time"
)

// StimulusAssetRow is one catalog entry for a stimulus asset.
type StimulusAssetRow struct {
	AssetID     int64     `json:"asset_id"`
	Name        string    `json:"name"`
	Kind        string    `json:"kind"`
	ObjectKey   string    `json:"object_key,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// InsertStimulusAsset adds a catalog entry.
func (db *DB) InsertStimulusAsset(ctx context.Context, row *StimulusAssetRow) error {
	return db.Pool.QueryRow(ctx, `
		INSERT INTO stimulus_assets (name, kind, object_key, description)
		VALUES ($1, $2, $3, $4)
		RETURNING asset_id, created_at`,
		row.Name, row.Kind, row.ObjectKey, row.Description,
	).Scan(&row.AssetID, &row.CreatedAt)
}

// ListStimulusAssets returns the catalog, newest first.
func (db *DB) ListStimulusAssets(ctx context.Context) ([]StimulusAssetRow, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT asset_id, name, kind, object_key, description, created_at
		FROM stimulus_assets
		ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []StimulusAssetRow
	for rows.Next() {
		var a StimulusAssetRow
		if err := rows.Scan(&a.AssetID, &a.Name, &a.Kind, &a.ObjectKey,
			&a.Description, &a.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// CalibrationItemRow is one device calibration record.
type CalibrationItemRow struct {
	ItemID    int64           `json:"item_id"`
	DeviceID  string          `json:"device_id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// ListCalibrationItems returns calibration records for a device.
func (db *DB) ListCalibrationItems(ctx context.Context, deviceID string) ([]CalibrationItemRow, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT item_id, device_id, payload, created_at
		FROM calibration_items
		WHERE device_id = $1
		ORDER BY created_at DESC`, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []CalibrationItemRow
	for rows.Next() {
		var c CalibrationItemRow
		if err := rows.Scan(&c.ItemID, &c.DeviceID, &c.Payload, &c.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}
