// Package web serves a read-only JSON API over stored runs, the run event
// log, and the engine's Prometheus metrics.
package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lucasnoah/testforge/internal/db"
	"github.com/lucasnoah/testforge/internal/logging"
	"github.com/lucasnoah/testforge/internal/pipeline"
)

// EventLog is the part of the database the API reads. *db.DB satisfies it.
type EventLog interface {
	RunEvents(ctx context.Context, runID string) ([]pipeline.Event, error)
	StageStats(ctx context.Context, since time.Time) ([]db.StageStats, error)
}

// Server is the read-only API server.
type Server struct {
	store   *pipeline.Store
	events  EventLog // nil when no database is configured
	metrics prometheus.Gatherer
	port    int
	log     *logging.Logger

	// pollInterval paces the run stream.
	pollInterval time.Duration
}

// NewServer creates a Server. events and metrics may be nil; the endpoints
// that need them then answer 503.
func NewServer(store *pipeline.Store, events EventLog, metrics prometheus.Gatherer, port int, log *logging.Logger) *Server {
	if log == nil {
		log = logging.Nop()
	}
	return &Server{
		store:        store,
		events:       events,
		metrics:      metrics,
		port:         port,
		log:          log,
		pollInterval: 2 * time.Second,
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/runs", s.handleRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.withRun(s.handleRun))
	mux.HandleFunc("GET /api/runs/{id}/report", s.withRun(s.handleReport))
	mux.HandleFunc("GET /api/runs/{id}/events", s.withRun(s.handleEvents))
	mux.HandleFunc("GET /api/runs/{id}/stream", s.withRun(s.handleStream))
	mux.HandleFunc("GET /api/stats", s.handleStats)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{}))
	}
	return mux
}

// Start listens on the configured port until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("api listening", "addr", "http://localhost"+srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// validRunID rejects ids that could escape the store directory.
func validRunID(id string) bool {
	return id != "" && !strings.ContainsAny(id, "/\\") && !strings.HasPrefix(id, ".")
}

type runHandler func(w http.ResponseWriter, r *http.Request, cp *pipeline.Checkpoint)

// withRun loads the checkpoint named by the {id} path segment.
func (s *Server) withRun(next runHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if !validRunID(id) {
			writeError(w, http.StatusBadRequest, "invalid run id")
			return
		}
		cp, err := s.store.Load(id)
		if errors.Is(err, pipeline.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		if err != nil {
			s.log.Error("load checkpoint", "run_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, "load run")
			return
		}
		next(w, r, cp)
	}
}
