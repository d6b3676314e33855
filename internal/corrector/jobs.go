package corrector

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/synaptiq/biopipe/internal/amqpclient"
	"github.com/synaptiq/biopipe/internal/api"
)

// Publisher sends one message to the broker.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
}

// JobsHandler accepts correction jobs over HTTP and enqueues them. Jobs
// go through the queue rather than running inline so manual submissions
// get the same at-least-once retry semantics as session-close jobs.
type JobsHandler struct {
	pub   Publisher
	queue string
	log   zerolog.Logger
}

// NewJobsHandler creates the job submission handler.
func NewJobsHandler(pub Publisher, queue string, log zerolog.Logger) *JobsHandler {
	return &JobsHandler{
		pub:   pub,
		queue: queue,
		log:   log.With().Str("handler", "jobs").Logger(),
	}
}

// Routes registers the job submission endpoint.
func (h *JobsHandler) Routes(r chi.Router) {
	r.Post("/jobs", h.Submit)
}

// Submit handles POST /api/v1/jobs.
func (h *JobsHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var j job
	if err := api.DecodeJSON(r, &j); err != nil {
		api.WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if j.SessionID == "" {
		api.WriteError(w, http.StatusBadRequest, "missing session_id")
		return
	}

	body, _ := encodeJob(j)
	err := h.pub.Publish(r.Context(), "", h.queue, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
	if err != nil {
		if errors.Is(err, amqpclient.ErrNotReady) {
			api.WriteError(w, http.StatusServiceUnavailable, "message broker unavailable")
			return
		}
		h.log.Error().Err(err).Msg("job publish failed")
		api.WriteError(w, http.StatusInternalServerError, "failed to queue job")
		return
	}

	h.log.Info().Str("session_id", j.SessionID).Msg("correction job queued")
	api.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}
