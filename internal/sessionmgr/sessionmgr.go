// Package sessionmgr is the control plane for recording sessions: it
// creates and closes sessions, records events during a session, serves
// the stimulus and calibration catalogs, and kicks off event correction
// when a session closes.
package sessionmgr

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/synaptiq/biopipe/internal/amqpclient"
	"github.com/synaptiq/biopipe/internal/api"
	"github.com/synaptiq/biopipe/internal/database"
)

// Store is the database surface the session manager needs.
type Store interface {
	CreateSession(ctx context.Context, row *database.SessionRow) error
	GetSession(ctx context.Context, sessionID string) (*database.SessionRow, error)
	CloseSession(ctx context.Context, sessionID string, endTime time.Time, offset *database.ClockOffsetInfo) error
	SetCorrectionStatus(ctx context.Context, sessionID, status string) error
	InsertEvent(ctx context.Context, row *database.EventRow) error
	ListEvents(ctx context.Context, sessionID string) ([]database.EventRow, error)
	InsertStimulusAsset(ctx context.Context, row *database.StimulusAssetRow) error
	ListStimulusAssets(ctx context.Context) ([]database.StimulusAssetRow, error)
	ListCalibrationItems(ctx context.Context, deviceID string) ([]database.CalibrationItemRow, error)
	Stats(ctx context.Context) (*database.DashboardStats, error)
}

// Publisher sends one message to the broker.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
}

// Handler serves the session management API.
type Handler struct {
	db              Store
	pub             Publisher
	correctionQueue string
	log             zerolog.Logger
}

// NewHandler creates the session management handler.
func NewHandler(db Store, pub Publisher, correctionQueue string, log zerolog.Logger) *Handler {
	return &Handler{
		db:              db,
		pub:             pub,
		correctionQueue: correctionQueue,
		log:             log.With().Str("component", "sessionmgr").Logger(),
	}
}

// Routes registers the session management endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/sessions", h.CreateSession)
	r.Get("/sessions/{sessionID}", h.GetSession)
	r.Post("/sessions/{sessionID}/close", h.CloseSession)
	r.Post("/sessions/{sessionID}/events", h.AddEvent)
	r.Get("/sessions/{sessionID}/events", h.ListEvents)
	r.Post("/sessions/{sessionID}/correction/retry", h.RetryCorrection)
	r.Post("/stimulus-assets", h.AddStimulusAsset)
	r.Get("/stimulus-assets", h.ListStimulusAssets)
	r.Get("/devices/{deviceID}/calibration", h.ListCalibration)
	r.Get("/stats", h.Stats)
}

type createSessionRequest struct {
	UserID       string     `json:"user_id"`
	ExperimentID string     `json:"experiment_id"`
	StartTime    *time.Time `json:"start_time"`
}

type sessionResponse struct {
	SessionID             string                    `json:"session_id"`
	UserID                string                    `json:"user_id"`
	ExperimentID          string                    `json:"experiment_id,omitempty"`
	StartTime             time.Time                 `json:"start_time"`
	EndTime               *time.Time                `json:"end_time,omitempty"`
	ClockOffsetInfo       *database.ClockOffsetInfo `json:"clock_offset_info,omitempty"`
	EventCorrectionStatus string                    `json:"event_correction_status"`
}

func toSessionResponse(s *database.SessionRow) sessionResponse {
	return sessionResponse{
		SessionID:             s.SessionID,
		UserID:                s.UserID,
		ExperimentID:          s.ExperimentID,
		StartTime:             s.StartTime,
		EndTime:               s.EndTime,
		ClockOffsetInfo:       s.ClockOffsetInfo,
		EventCorrectionStatus: s.EventCorrectionStatus,
	}
}

// CreateSession handles POST /api/v1/sessions.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.UserID == "" {
		api.WriteError(w, http.StatusBadRequest, "missing user_id")
		return
	}

	start := time.Now().UTC()
	if req.StartTime != nil {
		start = req.StartTime.UTC()
	}
	row := &database.SessionRow{
		SessionID:             uuid.NewString(),
		UserID:                req.UserID,
		ExperimentID:          req.ExperimentID,
		StartTime:             start,
		EventCorrectionStatus: database.CorrectionPending,
	}
	if err := h.db.CreateSession(r.Context(), row); err != nil {
		h.log.Error().Err(err).Msg("create session failed")
		api.WriteError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	h.log.Info().Str("session_id", row.SessionID).Str("user_id", row.UserID).Msg("session created")
	api.WriteJSON(w, http.StatusCreated, toSessionResponse(row))
}

// GetSession handles GET /api/v1/sessions/{sessionID}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	session, ok := h.loadSession(w, r)
	if !ok {
		return
	}
	api.WriteJSON(w, http.StatusOK, toSessionResponse(session))
}

type closeSessionRequest struct {
	EndTime         *time.Time                `json:"end_time"`
	ClockOffsetInfo *database.ClockOffsetInfo `json:"clock_offset_info"`
}

// CloseSession handles POST /api/v1/sessions/{sessionID}/close. Closing
// stamps the end time and clock offset, then enqueues the correction
// job. A broker outage leaves the session closed; the retry endpoint
// re-enqueues later.
func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req closeSessionRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ClockOffsetInfo == nil || req.ClockOffsetInfo.OffsetMsAvg == nil {
		api.WriteError(w, http.StatusBadRequest, "missing clock_offset_info.offset_ms_avg")
		return
	}

	end := time.Now().UTC()
	if req.EndTime != nil {
		end = req.EndTime.UTC()
	}
	if err := h.db.CloseSession(r.Context(), sessionID, end, req.ClockOffsetInfo); err != nil {
		if isNotFound(err) {
			api.WriteError(w, http.StatusNotFound, "session not found")
			return
		}
		h.log.Error().Err(err).Str("session_id", sessionID).Msg("close session failed")
		api.WriteError(w, http.StatusInternalServerError, "failed to close session")
		return
	}

	queued := true
	if err := h.enqueueCorrection(r.Context(), sessionID); err != nil {
		queued = false
		h.log.Warn().Err(err).Str("session_id", sessionID).
			Msg("correction job not queued, use correction/retry")
	}

	h.log.Info().Str("session_id", sessionID).Bool("correction_queued", queued).Msg("session closed")
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"session_id":        sessionID,
		"correction_queued": queued,
	})
}

type addEventRequest struct {
	EventType string   `json:"event_type"`
	Onset     *float64 `json:"onset"`
}

// AddEvent handles POST /api/v1/sessions/{sessionID}/events.
func (h *Handler) AddEvent(w http.ResponseWriter, r *http.Request) {
	session, ok := h.loadSession(w, r)
	if !ok {
		return
	}

	var req addEventRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Onset == nil || *req.Onset < 0 {
		api.WriteError(w, http.StatusBadRequest, "onset must be a non-negative millisecond offset")
		return
	}

	row := &database.EventRow{
		SessionID: session.SessionID,
		EventType: req.EventType,
		Onset:     *req.Onset,
	}
	if err := h.db.InsertEvent(r.Context(), row); err != nil {
		h.log.Error().Err(err).Str("session_id", session.SessionID).Msg("insert event failed")
		api.WriteError(w, http.StatusInternalServerError, "failed to record event")
		return
	}
	api.WriteJSON(w, http.StatusCreated, map[string]any{"event_id": row.EventID})
}

// ListEvents handles GET /api/v1/sessions/{sessionID}/events.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	session, ok := h.loadSession(w, r)
	if !ok {
		return
	}
	events, err := h.db.ListEvents(r.Context(), session.SessionID)
	if err != nil {
		h.log.Error().Err(err).Str("session_id", session.SessionID).Msg("list events failed")
		api.WriteError(w, http.StatusInternalServerError, "failed to list events")
		return
	}

	type eventResponse struct {
		EventID          int64   `json:"event_id"`
		EventType        string  `json:"event_type"`
		Onset            float64 `json:"onset"`
		OnsetCorrectedUs *int64  `json:"onset_corrected_us,omitempty"`
	}
	resp := make([]eventResponse, 0, len(events))
	for _, e := range events {
		resp = append(resp, eventResponse{
			EventID:          e.EventID,
			EventType:        e.EventType,
			Onset:            e.Onset,
			OnsetCorrectedUs: e.OnsetCorrectedUs,
		})
	}
	api.WriteJSON(w, http.StatusOK, resp)
}

// RetryCorrection handles POST /api/v1/sessions/{sessionID}/correction/retry.
// Only failed sessions can be retried; the failed state is terminal
// otherwise.
func (h *Handler) RetryCorrection(w http.ResponseWriter, r *http.Request) {
	session, ok := h.loadSession(w, r)
	if !ok {
		return
	}
	if session.EventCorrectionStatus != database.CorrectionFailed {
		api.WriteErrorDetail(w, http.StatusConflict, "session is not in failed state",
			"current status: "+session.EventCorrectionStatus)
		return
	}

	if err := h.db.SetCorrectionStatus(r.Context(), session.SessionID, database.CorrectionPending); err != nil {
		h.log.Error().Err(err).Str("session_id", session.SessionID).Msg("reset status failed")
		api.WriteError(w, http.StatusInternalServerError, "failed to reset correction status")
		return
	}
	if err := h.enqueueCorrection(r.Context(), session.SessionID); err != nil {
		if errors.Is(err, amqpclient.ErrNotReady) {
			api.WriteError(w, http.StatusServiceUnavailable, "message broker unavailable")
			return
		}
		h.log.Error().Err(err).Str("session_id", session.SessionID).Msg("retry publish failed")
		api.WriteError(w, http.StatusInternalServerError, "failed to queue correction job")
		return
	}

	h.log.Info().Str("session_id", session.SessionID).Msg("correction retry queued")
	api.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

// AddStimulusAsset handles POST /api/v1/stimulus-assets.
func (h *Handler) AddStimulusAsset(w http.ResponseWriter, r *http.Request) {
	var row database.StimulusAssetRow
	if err := api.DecodeJSON(r, &row); err != nil {
		api.WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if row.Name == "" || row.Kind == "" {
		api.WriteError(w, http.StatusBadRequest, "missing name or kind")
		return
	}
	if err := h.db.InsertStimulusAsset(r.Context(), &row); err != nil {
		h.log.Error().Err(err).Msg("insert stimulus asset failed")
		api.WriteError(w, http.StatusInternalServerError, "failed to add stimulus asset")
		return
	}
	api.WriteJSON(w, http.StatusCreated, row)
}

// ListStimulusAssets handles GET /api/v1/stimulus-assets.
func (h *Handler) ListStimulusAssets(w http.ResponseWriter, r *http.Request) {
	assets, err := h.db.ListStimulusAssets(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("list stimulus assets failed")
		api.WriteError(w, http.StatusInternalServerError, "failed to list stimulus assets")
		return
	}
	if assets == nil {
		assets = []database.StimulusAssetRow{}
	}
	api.WriteJSON(w, http.StatusOK, assets)
}

// ListCalibration handles GET /api/v1/devices/{deviceID}/calibration.
func (h *Handler) ListCalibration(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	items, err := h.db.ListCalibrationItems(r.Context(), deviceID)
	if err != nil {
		h.log.Error().Err(err).Str("device_id", deviceID).Msg("list calibration failed")
		api.WriteError(w, http.StatusInternalServerError, "failed to list calibration items")
		return
	}
	if items == nil {
		items = []database.CalibrationItemRow{}
	}
	api.WriteJSON(w, http.StatusOK, items)
}

// Stats handles GET /api/v1/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.db.Stats(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("stats query failed")
		api.WriteError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}
	api.WriteJSON(w, http.StatusOK, stats)
}

func (h *Handler) enqueueCorrection(ctx context.Context, sessionID string) error {
	body, _ := json.Marshal(map[string]string{"session_id": sessionID})
	return h.pub.Publish(ctx, "", h.correctionQueue, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
}

func (h *Handler) loadSession(w http.ResponseWriter, r *http.Request) (*database.SessionRow, bool) {
	sessionID := chi.URLParam(r, "sessionID")
	session, err := h.db.GetSession(r.Context(), sessionID)
	if err != nil {
		if isNotFound(err) {
			api.WriteError(w, http.StatusNotFound, "session not found")
			return nil, false
		}
		h.log.Error().Err(err).Str("session_id", sessionID).Msg("load session failed")
		api.WriteError(w, http.StatusInternalServerError, "failed to load session")
		return nil, false
	}
	return session, true
}

func isNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || strings.Contains(err.Error(), "not found")
}
