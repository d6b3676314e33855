// Package media defines the metadata contract shared by the collector
// (which publishes media messages) and the media processor (which
// consumes them): field validation, broker header mapping, and the
// deterministic object-key scheme.
package media

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Metadata describes one uploaded media file. Times are RFC 3339
// strings as received from the client; images carry TimestampUTC,
// audio carries StartTimeUTC and EndTimeUTC.
type Metadata struct {
	UserID           string
	SessionID        string
	Mimetype         string
	OriginalFilename string
	TimestampUTC     string
	StartTimeUTC     string
	EndTimeUTC       string
}

// IsImage reports whether the MIME type is an image type.
func (m *Metadata) IsImage() bool {
	return strings.HasPrefix(m.Mimetype, "image/")
}

// Validate checks the field combination: images need timestamp_utc,
// everything else needs start_time_utc and end_time_utc.
func (m *Metadata) Validate() error {
	switch {
	case m.UserID == "":
		return fmt.Errorf("missing user_id")
	case m.SessionID == "":
		return fmt.Errorf("missing session_id")
	case m.Mimetype == "":
		return fmt.Errorf("missing mimetype")
	}

	if m.IsImage() {
		if m.TimestampUTC == "" {
			return fmt.Errorf("image upload requires timestamp_utc")
		}
		if _, err := parseUTC(m.TimestampUTC); err != nil {
			return fmt.Errorf("invalid timestamp_utc: %w", err)
		}
		return nil
	}

	if m.StartTimeUTC == "" || m.EndTimeUTC == "" {
		return fmt.Errorf("%s upload requires start_time_utc and end_time_utc", m.Mimetype)
	}
	if _, err := parseUTC(m.StartTimeUTC); err != nil {
		return fmt.Errorf("invalid start_time_utc: %w", err)
	}
	if _, err := parseUTC(m.EndTimeUTC); err != nil {
		return fmt.Errorf("invalid end_time_utc: %w", err)
	}
	return nil
}

// Timestamp returns the catalog timestamp: capture time for images,
// clip start for audio.
func (m *Metadata) Timestamp() (time.Time, error) {
	if m.IsImage() {
		return parseUTC(m.TimestampUTC)
	}
	return parseUTC(m.StartTimeUTC)
}

// EndTime returns the clip end for non-image media.
func (m *Metadata) EndTime() (time.Time, error) {
	return parseUTC(m.EndTimeUTC)
}

// ObjectKey builds the deterministic media key:
// media/{user_id}/{session_id}/{timestamp_ms}_{photo|audio}{ext}.
// Determinism makes duplicate deliveries land on the same object.
func (m *Metadata) ObjectKey() (string, error) {
	ts, err := m.Timestamp()
	if err != nil {
		return "", err
	}

	kind := "audio"
	if m.IsImage() {
		kind = "photo"
	}
	ext := filepath.Ext(m.OriginalFilename)

	return fmt.Sprintf("media/%s/%s/%d_%s%s",
		m.UserID, m.SessionID, ts.UnixMilli(), kind, ext), nil
}

// Headers maps the metadata onto broker message headers.
func (m *Metadata) Headers() amqp.Table {
	t := amqp.Table{
		"user_id":           m.UserID,
		"session_id":        m.SessionID,
		"mimetype":          m.Mimetype,
		"original_filename": m.OriginalFilename,
	}
	if m.TimestampUTC != "" {
		t["timestamp_utc"] = m.TimestampUTC
	}
	if m.StartTimeUTC != "" {
		t["start_time_utc"] = m.StartTimeUTC
	}
	if m.EndTimeUTC != "" {
		t["end_time_utc"] = m.EndTimeUTC
	}
	return t
}

// FromHeaders reconstructs metadata from broker message headers.
// Missing or non-string values come back as empty fields; Validate
// decides acceptability.
func FromHeaders(t amqp.Table) Metadata {
	return Metadata{
		UserID:           headerString(t, "user_id"),
		SessionID:        headerString(t, "session_id"),
		Mimetype:         headerString(t, "mimetype"),
		OriginalFilename: headerString(t, "original_filename"),
		TimestampUTC:     headerString(t, "timestamp_utc"),
		StartTimeUTC:     headerString(t, "start_time_utc"),
		EndTimeUTC:       headerString(t, "end_time_utc"),
	}
}

func headerString(t amqp.Table, key string) string {
	if v, ok := t[key].(string); ok {
		return v
	}
	return ""
}

func parseUTC(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}
