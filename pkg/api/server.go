// Package api serves the cohort HTTP surface: single interviews, raw chat
// pass-through, provider status, batch run control and run history.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/odvcencio/cohort/pkg/batch"
	cerrors "github.com/odvcencio/cohort/pkg/errors"
	"github.com/odvcencio/cohort/pkg/logging"
	"github.com/odvcencio/cohort/pkg/model"
	"github.com/odvcencio/cohort/pkg/storage"
)

// Gateway is the part of model.Gateway the handlers use.
type Gateway interface {
	Chat(ctx context.Context, req model.Request) (*model.Result, error)
	Probe(ctx context.Context, provider string) (*model.Result, error)
	Describe() model.Description
}

// History reads persisted runs. *storage.Store satisfies it.
type History interface {
	ListRuns(ctx context.Context, limit int) ([]storage.RunSummary, error)
	GetRun(ctx context.Context, id string) (*batch.RunResult, error)
	DeleteRun(ctx context.Context, id string) error
}

// Server is the cohort API server.
type Server struct {
	gateway      Gateway
	interviewer  batch.Interviewer
	orchestrator *batch.Orchestrator
	history      History
	defaults     batch.Options
	logger       *logging.Logger
	router       chi.Router
	httpServer   *http.Server
}

// ServerConfig configures the API server.
type ServerConfig struct {
	// Address to listen on (default: :8080)
	Address string

	Gateway     Gateway
	Interviewer batch.Interviewer

	// Orchestrator backs the /runs/current endpoints (optional)
	Orchestrator *batch.Orchestrator

	// History backs GET /runs and GET /runs/{id} (optional)
	History History

	// Defaults seed run options before a request's overrides apply.
	Defaults batch.Options

	Logger *logging.Logger
}

// NewServer creates a new API server.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.Defaults == (batch.Options{}) {
		cfg.Defaults = batch.DefaultOptions()
	}

	s := &Server{
		gateway:      cfg.Gateway,
		interviewer:  cfg.Interviewer,
		orchestrator: cfg.Orchestrator,
		history:      cfg.History,
		defaults:     cfg.Defaults,
		logger:       cfg.Logger,
	}

	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(s.withLogging)
	r.Use(middleware.Recoverer)
	r.Use(withCORS)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/survey/execute", s.handleSurveyExecute)

	r.Route("/llm", func(r chi.Router) {
		r.Post("/chat", s.handleChat)
		r.Get("/config", s.handleLLMConfig)
		r.Post("/test", s.handleLLMTest)
	})

	r.Route("/runs", func(r chi.Router) {
		r.Get("/", s.handleListRuns)
		r.Post("/", s.handleStartRun)
		r.Route("/current", func(r chi.Router) {
			r.Get("/", s.handleCurrentRun)
			r.Get("/progress", s.handleCurrentProgress)
			r.Get("/events", s.handleRunEvents)
			r.Post("/{action}", s.handleRunControl)
		})
		r.Get("/{id}", s.handleGetRun)
		r.Delete("/{id}", s.handleDeleteRun)
	})

	s.router = r
	s.httpServer = &http.Server{
		Addr:              cfg.Address,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No WriteTimeout: interviews and the event stream can run long.
	}

	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr reports the configured listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Start serves until Shutdown. http.ErrServerClosed is not an error.
func (s *Server) Start() error {
	_ = s.logger.Info(logging.CategoryHTTP, "server_listening", "api listening", map[string]any{"address": s.httpServer.Addr})
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.gateway == nil || !s.gateway.Describe().Configured {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "reason": "no language model provider configured"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": false, "error": message})
}

// writeFailure maps err onto a status: unconfigured backends are 503,
// misuse of run control is 400/409, everything else 500 with details.
func writeFailure(w http.ResponseWriter, err error) {
	switch {
	case model.IsConfigError(err):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case cerrors.IsCode(err, cerrors.ErrCodeRunActive):
		writeError(w, http.StatusConflict, err.Error())
	case cerrors.IsCode(err, cerrors.ErrCodeRunInvalid), cerrors.IsCode(err, cerrors.ErrCodeInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"success": false,
			"error":   "internal error",
			"details": err.Error(),
		})
	}
}

// decodeBody reads a JSON body into v. An empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

const maxBodyBytes = 8 << 20
