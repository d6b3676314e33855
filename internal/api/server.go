package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/synaptiq/biopipe/internal/metrics"
)

// Server wraps the per-service HTTP listener.
type Server struct {
	http *http.Server
	log  zerolog.Logger
}

// Timeouts bundles the HTTP server timeouts.
type Timeouts struct {
	Read  time.Duration
	Write time.Duration
	Idle  time.Duration
}

// NewServer builds a chi router with the shared middleware stack, the
// health endpoint, and /metrics, then lets the service mount its own
// routes under /api/v1.
func NewServer(addr string, timeouts Timeouts, health *HealthHandler, mount func(chi.Router), log zerolog.Logger) *Server {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(log))
	r.Use(metrics.Middleware)

	r.Get("/api/v1/health", health.ServeHTTP)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	if mount != nil {
		r.Route("/api/v1", mount)
	}

	return &Server{
		http: &http.Server{
			Addr:         addr,
			Handler:      r,
			ReadTimeout:  timeouts.Read,
			WriteTimeout: timeouts.Write,
			IdleTimeout:  timeouts.Idle,
		},
		log: log,
	}
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
