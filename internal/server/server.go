// Package server exposes the engine over HTTP with a server-sent event
// progress stream.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/joss/scribe/internal/auth"
	"github.com/joss/scribe/internal/logging"
	"github.com/joss/scribe/internal/metrics"
	"github.com/joss/scribe/internal/orchestrator"
)

// DefaultKeepAlive is the idle interval between SSE keep-alive comments.
const DefaultKeepAlive = 15 * time.Second

// Config holds listener settings.
type Config struct {
	Addr      string
	KeepAlive time.Duration
}

// Server provides the HTTP API.
type Server struct {
	ctl      *orchestrator.Controller
	verifier auth.Verifier
	validate *validator.Validate
	metrics  *metrics.Metrics
	log      *logging.Logger
	cfg      Config
	mux      *http.ServeMux
}

// Option customises a Server.
type Option func(*Server)

// WithMetrics serves and records counters from m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

func New(ctl *orchestrator.Controller, verifier auth.Verifier, cfg Config, opts ...Option) *Server {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	s := &Server{
		ctl:      ctl,
		verifier: verifier,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		metrics:  metrics.Global(),
		log:      logging.New("server"),
		cfg:      cfg,
		mux:      http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", s.metrics.Handler())

	s.mux.HandleFunc("GET /plans", s.authed(s.handleListPlans))
	s.mux.HandleFunc("POST /plans", s.authed(s.handleCreatePlan))
	s.mux.HandleFunc("POST /plans/propose", s.authed(s.handleProposePlan))
	s.mux.HandleFunc("GET /plans/{id}", s.authed(s.handleGetPlan))
	s.mux.HandleFunc("POST /plans/{id}/status", s.authed(s.handlePlanStatus))
	s.mux.HandleFunc("POST /plans/{id}/refine", s.authed(s.handleRefinePlan))
	s.mux.HandleFunc("POST /plans/{id}/accept", s.authed(s.handleAcceptPlan))

	s.mux.HandleFunc("GET /documents", s.authed(s.handleListDocuments))
	s.mux.HandleFunc("GET /documents/{id}", s.authed(s.handleGetDocument))
	s.mux.HandleFunc("POST /documents/{id}/split", s.authed(s.handleSplit))
	s.mux.HandleFunc("POST /documents/{id}/advance", s.authed(s.handleAdvance))
	s.mux.HandleFunc("POST /documents/{id}/cancel", s.authed(s.handleCancel))
	s.mux.HandleFunc("GET /documents/{id}/final", s.authed(s.handleFinal))
	s.mux.HandleFunc("GET /documents/{id}/runs/{runId}", s.authed(s.handleGetRun))
	s.mux.HandleFunc("GET /documents/{id}/runs/{runId}/events", s.authed(s.handleEvents))
}

// Handler returns the mux wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	return Recover(RequestID(CORS(s.mux)))
}

// Serve starts the server and shuts it down when ctx ends.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// No write timeout: progress streams stay open for the whole run.
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("server_listening", map[string]any{"addr": s.cfg.Addr})
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
