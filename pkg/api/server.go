// Package api exposes the worker's REST surface: job enqueue and
// status, eval inspection and activation, trace feedback, and the dead
// letter queue.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iofold/iofold/pkg/bus"
	"github.com/iofold/iofold/pkg/job"
	"github.com/iofold/iofold/pkg/logging"
	"github.com/iofold/iofold/pkg/storage"
)

// Server serves the REST API.
type Server struct {
	store      *storage.Store
	manager    *job.Manager
	queue      bus.TaskQueue
	logger     *logging.Logger
	httpServer *http.Server
}

// Config configures the API server.
type Config struct {
	// Bind is the listen address, e.g. "127.0.0.1:8383".
	Bind string
}

// NewServer creates an API server.
func NewServer(store *storage.Store, manager *job.Manager, queue bus.TaskQueue, logger *logging.Logger, cfg Config) *Server {
	if cfg.Bind == "" {
		cfg.Bind = "127.0.0.1:8383"
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	s := &Server{
		store:   store,
		manager: manager,
		queue:   queue,
		logger:  logger,
	}
	s.httpServer = &http.Server{
		Addr:         cfg.Bind,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	router := chi.NewRouter()
	router.Use(s.loggingMiddleware)

	router.Get("/healthz", s.handleHealthz)
	router.Method(http.MethodGet, "/metrics", promhttp.Handler())

	router.Route("/api", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.handleEnqueueJob)
			r.Get("/", s.handleListJobs)
			r.Get("/{jobID}", s.handleGetJob)
		})
		r.Get("/deadletters", s.handleListDeadLetters)
		r.Route("/agents/{agentID}", func(r chi.Router) {
			r.Get("/evals", s.handleListEvals)
			r.Get("/traces", s.handleListTraces)
		})
		r.Get("/evals/{evalID}", s.handleGetEval)
		r.Post("/evals/{evalID}/activate", s.handleActivateEval)
		r.Post("/traces/{traceID}/feedback", s.handleCreateFeedback)
	})
	return router
}

// Start begins serving. It blocks until the listener fails or Shutdown
// is called.
func (s *Server) Start() error {
	s.logger.Info(logging.CategoryAPI, "server_start", "", map[string]any{"bind": s.httpServer.Addr})
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug(logging.CategoryAPI, "request", "", map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"duration_ms": time.Since(start).Milliseconds(),
		})
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	schema, err := s.store.GetSchemaVersion()
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"schema_version": schema,
		"time":           time.Now().UTC().Format(time.RFC3339),
	})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]any{
		"error":  message,
		"status": status,
	})
}
