package api

import (
	"context"
	"net/http"
	"time"
)

// HealthResponse is the shared health payload. MinioConnected is
// omitted on services without an object-store client.
type HealthResponse struct {
	Status            string    `json:"status"`
	RabbitMQConnected bool      `json:"rabbitmq_connected"`
	DBConnected       bool      `json:"db_connected"`
	MinioConnected    *bool     `json:"minio_connected,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// BrokerChecker reports broker channel readiness.
type BrokerChecker interface {
	Ready() bool
}

// DBChecker pings the database.
type DBChecker interface {
	HealthCheck(ctx context.Context) error
}

// StoreChecker pings the object store.
type StoreChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthHandler aggregates subsystem checks. Status is "ok" only when
// every configured subsystem is healthy; otherwise "degraded" with 503.
// A degraded service keeps running.
type HealthHandler struct {
	broker BrokerChecker
	db     DBChecker
	store  StoreChecker // nil when the service has no object-store client
}

// NewHealthHandler wires the subsystems a service actually has; pass nil
// for absent ones.
func NewHealthHandler(broker BrokerChecker, db DBChecker, store StoreChecker) *HealthHandler {
	return &HealthHandler{broker: broker, db: db, store: store}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
	}
	healthy := true

	if h.broker != nil {
		resp.RabbitMQConnected = h.broker.Ready()
		healthy = healthy && resp.RabbitMQConnected
	}

	if h.db != nil {
		resp.DBConnected = h.db.HealthCheck(r.Context()) == nil
		healthy = healthy && resp.DBConnected
	}

	if h.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		ok := h.store.HealthCheck(ctx) == nil
		cancel()
		resp.MinioConnected = &ok
		healthy = healthy && ok
	}

	status := http.StatusOK
	if !healthy {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	WriteJSON(w, status, resp)
}
