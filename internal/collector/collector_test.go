package collector

import (
	"bytes"
	"context"
	"encoding/base64"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/synaptiq/biopipe/internal/amqpclient"
)

type published struct {
	exchange   string
	routingKey string
	msg        amqp.Publishing
}

type mockPublisher struct {
	err       error
	published []published
}

func (m *mockPublisher) Publish(_ context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	if m.err != nil {
		return m.err
	}
	m.published = append(m.published, published{exchange, routingKey, msg})
	return nil
}

func newTestHandler(pub Publisher) http.Handler {
	h := NewHandler(pub, "raw_data_exchange", "media_processing_queue", zerolog.Nop())
	r := chi.NewRouter()
	h.Routes(r)
	return r
}

func TestIngestSensorAccepted(t *testing.T) {
	pub := &mockPublisher{}
	srv := newTestHandler(pub)

	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	body := `{"user_id":"u1","payload_base64":"` + base64.StdEncoding.EncodeToString(payload) + `"}`
	req := httptest.NewRequest("POST", "/data", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202, body %s", rec.Code, rec.Body)
	}
	if len(pub.published) != 1 {
		t.Fatalf("published %d messages, want 1", len(pub.published))
	}

	p := pub.published[0]
	if p.exchange != "raw_data_exchange" {
		t.Errorf("exchange = %q, want raw_data_exchange", p.exchange)
	}
	if !bytes.Equal(p.msg.Body, payload) {
		t.Errorf("body = %x, want %x", p.msg.Body, payload)
	}
	if got := p.msg.Headers["user_id"]; got != "u1" {
		t.Errorf("user_id header = %v, want u1", got)
	}
	if p.msg.ContentEncoding != "zstd" {
		t.Errorf("content encoding = %q, want zstd", p.msg.ContentEncoding)
	}
}

func TestIngestSensorBadRequest(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", "not json at all"},
		{"missing user", `{"payload_base64":"AAAA"}`},
		{"missing payload", `{"user_id":"u1"}`},
		{"bad base64", `{"user_id":"u1","payload_base64":"!!not-base64!!"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &mockPublisher{}
			srv := newTestHandler(pub)

			req := httptest.NewRequest("POST", "/data", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			srv.ServeHTTP(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
			if len(pub.published) != 0 {
				t.Errorf("published %d messages, want 0", len(pub.published))
			}
		})
	}
}

func TestIngestSensorBrokerDown(t *testing.T) {
	pub := &mockPublisher{err: amqpclient.ErrNotReady}
	srv := newTestHandler(pub)

	req := httptest.NewRequest("POST", "/data",
		strings.NewReader(`{"user_id":"u1","payload_base64":"AAAA"}`))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func multipartBody(t *testing.T, fields map[string]string, filename string, file []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	fw, err := w.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	fw.Write(file)
	w.Close()
	return &buf, w.FormDataContentType()
}

func TestIngestMediaAccepted(t *testing.T) {
	pub := &mockPublisher{}
	srv := newTestHandler(pub)

	fileData := []byte("png bytes")
	body, contentType := multipartBody(t, map[string]string{
		"user_id":       "u1",
		"session_id":    "s1",
		"mimetype":      "image/png",
		"timestamp_utc": "2025-01-01T00:00:01Z",
	}, "capture.png", fileData)

	req := httptest.NewRequest("POST", "/media", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202, body %s", rec.Code, rec.Body)
	}
	if len(pub.published) != 1 {
		t.Fatalf("published %d messages, want 1", len(pub.published))
	}

	p := pub.published[0]
	if p.exchange != "" || p.routingKey != "media_processing_queue" {
		t.Errorf("routed to %q/%q, want default exchange and media queue", p.exchange, p.routingKey)
	}
	if !bytes.Equal(p.msg.Body, fileData) {
		t.Error("message body does not match uploaded file")
	}
	if got := p.msg.Headers["original_filename"]; got != "capture.png" {
		t.Errorf("original_filename = %v, want capture.png", got)
	}
	if got := p.msg.Headers["timestamp_utc"]; got != "2025-01-01T00:00:01Z" {
		t.Errorf("timestamp_utc = %v", got)
	}
}

func TestIngestMediaMissingMetadata(t *testing.T) {
	pub := &mockPublisher{}
	srv := newTestHandler(pub)

	// Image without timestamp_utc fails validation.
	body, contentType := multipartBody(t, map[string]string{
		"user_id":    "u1",
		"session_id": "s1",
		"mimetype":   "image/png",
	}, "capture.png", []byte("png bytes"))

	req := httptest.NewRequest("POST", "/media", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if len(pub.published) != 0 {
		t.Errorf("published %d messages, want 0", len(pub.published))
	}
}

func TestIngestMediaMissingFile(t *testing.T) {
	pub := &mockPublisher{}
	srv := newTestHandler(pub)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	w.WriteField("user_id", "u1")
	w.Close()

	req := httptest.NewRequest("POST", "/media", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}
