// Package collector is the ingress edge of the pipeline. It accepts
// sensor payloads and media uploads over HTTP, validates the envelope,
// and hands the raw bytes to the broker without inspecting them. All
// decoding happens downstream in the processors.
package collector

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/synaptiq/biopipe/internal/amqpclient"
	"github.com/synaptiq/biopipe/internal/api"
	"github.com/synaptiq/biopipe/internal/media"
)

const maxMediaUpload = 64 << 20

// Publisher sends one message to the broker.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
}

// Handler serves the collector's ingest endpoints.
type Handler struct {
	pub         Publisher
	rawExchange string
	mediaQueue  string
	log         zerolog.Logger
}

// NewHandler creates the ingest handler. Sensor payloads fan out through
// rawExchange; media goes straight to mediaQueue via the default
// exchange.
func NewHandler(pub Publisher, rawExchange, mediaQueue string, log zerolog.Logger) *Handler {
	return &Handler{
		pub:         pub,
		rawExchange: rawExchange,
		mediaQueue:  mediaQueue,
		log:         log.With().Str("component", "collector").Logger(),
	}
}

// Routes registers the ingest endpoints under the API prefix.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/data", h.IngestSensor)
	r.Post("/media", h.IngestMedia)
}

type sensorRequest struct {
	UserID        string `json:"user_id"`
	PayloadBase64 string `json:"payload_base64"`
}

// IngestSensor handles POST /api/v1/data. The payload is a base64
// zstd-compressed device packet; it is decoded and published as-is.
func (h *Handler) IngestSensor(w http.ResponseWriter, r *http.Request) {
	var req sensorRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" {
		api.WriteError(w, http.StatusBadRequest, "missing user_id")
		return
	}
	if req.PayloadBase64 == "" {
		api.WriteError(w, http.StatusBadRequest, "missing payload_base64")
		return
	}

	payload, err := base64.StdEncoding.DecodeString(req.PayloadBase64)
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, "payload_base64 is not valid base64")
		return
	}

	err = h.pub.Publish(r.Context(), h.rawExchange, "", amqp.Publishing{
		ContentType:     "application/octet-stream",
		ContentEncoding: "zstd",
		Headers:         amqp.Table{"user_id": req.UserID},
		Body:            payload,
	})
	if err != nil {
		h.writePublishError(w, err)
		return
	}

	h.log.Debug().Str("user_id", req.UserID).Int("bytes", len(payload)).Msg("sensor payload queued")
	api.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// IngestMedia handles POST /api/v1/media. Multipart form with a "file"
// part and metadata fields; the file bytes travel as the message body
// and the metadata as headers.
func (h *Handler) IngestMedia(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxMediaUpload); err != nil {
		api.WriteError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, "missing file part")
		return
	}
	defer file.Close()

	meta := media.Metadata{
		UserID:           r.FormValue("user_id"),
		SessionID:        r.FormValue("session_id"),
		Mimetype:         r.FormValue("mimetype"),
		OriginalFilename: header.Filename,
		TimestampUTC:     r.FormValue("timestamp_utc"),
		StartTimeUTC:     r.FormValue("start_time_utc"),
		EndTimeUTC:       r.FormValue("end_time_utc"),
	}
	if meta.Mimetype == "" {
		meta.Mimetype = header.Header.Get("Content-Type")
	}
	if err := meta.Validate(); err != nil {
		api.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		api.WriteError(w, http.StatusBadRequest, "failed to read file part")
		return
	}

	err = h.pub.Publish(r.Context(), "", h.mediaQueue, amqp.Publishing{
		ContentType: meta.Mimetype,
		Headers:     meta.Headers(),
		Body:        data,
	})
	if err != nil {
		h.writePublishError(w, err)
		return
	}

	h.log.Debug().
		Str("user_id", meta.UserID).
		Str("session_id", meta.SessionID).
		Str("mimetype", meta.Mimetype).
		Int("bytes", len(data)).
		Msg("media upload queued")
	api.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// writePublishError maps broker unavailability to 503 so clients retry
// with backoff instead of dropping data.
func (h *Handler) writePublishError(w http.ResponseWriter, err error) {
	if errors.Is(err, amqpclient.ErrNotReady) {
		api.WriteError(w, http.StatusServiceUnavailable, "message broker unavailable")
		return
	}
	h.log.Error().Err(err).Msg("publish failed")
	api.WriteError(w, http.StatusInternalServerError, "failed to queue payload")
}
