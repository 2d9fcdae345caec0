// Package api serves the boss's read-only view of runs and dispatch events.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/farmhand/internal/audit"
	"github.com/mattjoyce/farmhand/internal/auth"
	"github.com/mattjoyce/farmhand/internal/events"
)

// RunStore is the slice of the audit ledger the API reads.
type RunStore interface {
	GetRun(ctx context.Context, runID string) (*audit.Run, error)
	LatestRun(ctx context.Context) (*audit.Run, error)
	Assignments(ctx context.Context, runID string) ([]audit.Assignment, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// Tokens is an optional list of scoped bearer tokens. With none
	// configured the API is open.
	Tokens    []auth.TokenConfig
	Rank      int
	GroupSize int
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	runs      RunStore
	events    *events.Hub
	logger    *slog.Logger
	startedAt time.Time
}

// New creates a new API server instance. runs may be nil when auditing is
// disabled; run endpoints then answer 404.
func New(config Config, runs RunStore, hub *events.Hub, logger *slog.Logger) *Server {
	if hub == nil {
		hub = events.NewHub(0)
	}
	return &Server{
		config:    config,
		runs:      runs,
		events:    hub,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start listens on config.Listen and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("api listen on %s: %w", s.config.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware("", s.config.Tokens, writeError))
		r.With(auth.RequireScopes(writeError, auth.ScopeEventsRO)).Get("/v1/events", s.handleEventsPoll)
		r.With(auth.RequireScopes(writeError, auth.ScopeEventsRO)).Get("/v1/events/stream", s.handleEvents)
		r.With(auth.RequireScopes(writeError, auth.ScopeRunsRO)).Get("/v1/runs/latest", s.handleLatestRun)
		r.With(auth.RequireScopes(writeError, auth.ScopeRunsRO)).Get("/v1/runs/{runID}", s.handleGetRun)
		r.With(auth.RequireScopes(writeError, auth.ScopeRunsRO)).Get("/v1/runs/{runID}/assignments", s.handleAssignments)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
