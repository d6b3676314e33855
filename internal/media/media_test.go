package media

import (
	"strings"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
)

func TestObjectKeyImage(t *testing.T) {
	m := Metadata{
		UserID:           "u1",
		SessionID:        "s1",
		Mimetype:         "image/png",
		OriginalFilename: "capture.png",
		TimestampUTC:     "2025-01-01T00:00:01.000Z",
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}

	key, err := m.ObjectKey()
	if err != nil {
		t.Fatalf("ObjectKey() = %v", err)
	}
	want := "media/u1/s1/1735689601000_photo.png"
	if key != want {
		t.Errorf("ObjectKey() = %q, want %q", key, want)
	}
}

func TestObjectKeyAudio(t *testing.T) {
	m := Metadata{
		UserID:           "u1",
		SessionID:        "s1",
		Mimetype:         "audio/wav",
		OriginalFilename: "clip.wav",
		StartTimeUTC:     "2025-01-01T00:00:01Z",
		EndTimeUTC:       "2025-01-01T00:00:11Z",
	}
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}

	key, err := m.ObjectKey()
	if err != nil {
		t.Fatalf("ObjectKey() = %v", err)
	}
	want := "media/u1/s1/1735689601000_audio.wav"
	if key != want {
		t.Errorf("ObjectKey() = %q, want %q", key, want)
	}
}

func TestValidateFieldCombinations(t *testing.T) {
	tests := []struct {
		name    string
		m       Metadata
		wantErr string
	}{
		{
			name: "image missing timestamp",
			m: Metadata{
				UserID:    "u1",
				SessionID: "s1",
				Mimetype:  "image/jpeg",
			},
			wantErr: "timestamp_utc",
		},
		{
			name: "audio missing end time",
			m: Metadata{
				UserID:       "u1",
				SessionID:    "s1",
				Mimetype:     "audio/wav",
				StartTimeUTC: "2025-01-01T00:00:01Z",
			},
			wantErr: "start_time_utc and end_time_utc",
		},
		{
			name:    "missing user",
			m:       Metadata{SessionID: "s1", Mimetype: "image/png"},
			wantErr: "user_id",
		},
		{
			name: "bad timestamp format",
			m: Metadata{
				UserID:       "u1",
				SessionID:    "s1",
				Mimetype:     "image/png",
				TimestampUTC: "not-a-time",
			},
			wantErr: "invalid timestamp_utc",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.m.Validate()
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	m := Metadata{
		UserID:           "u1",
		SessionID:        "s1",
		Mimetype:         "audio/wav",
		OriginalFilename: "clip.wav",
		StartTimeUTC:     "2025-01-01T00:00:01Z",
		EndTimeUTC:       "2025-01-01T00:00:11Z",
	}
	got := FromHeaders(m.Headers())
	if got != m {
		t.Errorf("FromHeaders(Headers()) = %+v, want %+v", got, m)
	}
}

func TestFromHeadersIgnoresNonStrings(t *testing.T) {
	got := FromHeaders(amqp.Table{
		"user_id":    int32(7),
		"session_id": "s1",
	})
	if got.UserID != "" {
		t.Errorf("UserID = %q, want empty for non-string header", got.UserID)
	}
	if got.SessionID != "s1" {
		t.Errorf("SessionID = %q, want s1", got.SessionID)
	}
}
