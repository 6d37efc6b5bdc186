// Package server exposes health, metrics and job trigger endpoints.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"forumwatch/notify"
	"forumwatch/scan"
	"forumwatch/sweep"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Scanner runs one address scan cycle.
type Scanner interface {
	RunOnce(ctx context.Context) (scan.Result, error)
}

// Sweeper runs one notification sweep.
type Sweeper interface {
	RunOnce(ctx context.Context) (sweep.Result, error)
}

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds server configuration.
type Config struct {
	Scanner Scanner
	Sweeper Sweeper
	// Ready is checked by /readyz. Nil means always ready.
	Ready  Pinger
	Logger *slog.Logger
	Port   string
}

// Server handles HTTP requests.
type Server struct {
	scanner Scanner
	sweeper Sweeper
	ready   Pinger
	logger  *slog.Logger
	http    *http.Server
}

// New creates a new HTTP server.
func New(cfg *Config) *Server {
	s := &Server{
		scanner: cfg.Scanner,
		sweeper: cfg.Sweeper,
		ready:   cfg.Ready,
		logger:  cfg.Logger,
	}

	// Configure server with timeouts to prevent resource exhaustion
	s.http = &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           s.Routes(),
		ReadTimeout:       10 * time.Second,  // Time to read request headers and body
		WriteTimeout:      30 * time.Second,  // Time to write response
		IdleTimeout:       120 * time.Second, // Time to keep connection alive between requests
		ReadHeaderTimeout: 5 * time.Second,   // Time to read request headers only
	}
	return s
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/health", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Post("/scanz", s.handleScan)
	r.Post("/sweepz", s.handleSweep)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("HTTP server shutting down")
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready.Ping(ctx); err != nil {
			s.logger.Warn("Readiness check failed", "error", err)
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable"})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("Scan endpoint triggered")

	res, err := s.scanner.RunOnce(r.Context())
	if errors.Is(err, scan.ErrAlreadyRunning) {
		s.writeJSON(w, http.StatusConflict, map[string]any{"status": "already_running"})
		return
	}
	if err != nil {
		s.logger.Error("Scan failed", "error", err)
		http.Error(w, "Scan failed", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "completed",
		"from":      res.From,
		"to":        res.To,
		"posts":     res.Posts,
		"addresses": res.Addresses,
	})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("Sweep endpoint triggered")

	res, err := s.sweeper.RunOnce(r.Context())
	if errors.Is(err, sweep.ErrAlreadyRunning) {
		s.writeJSON(w, http.StatusConflict, map[string]any{"status": "already_running"})
		return
	}
	if err != nil {
		s.logger.Error("Sweep failed", "error", err)
		http.Error(w, "Sweep failed", http.StatusInternalServerError)
		return
	}

	outcomes := make(map[string]int, len(res.Outcomes))
	for o, n := range res.Outcomes {
		outcomes[o.String()] = n
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "completed",
		"posts":     res.Posts,
		"pairs":     res.Pairs,
		"marked":    res.Marked,
		"delivered": res.Outcomes[notify.OutcomeDelivered],
		"outcomes":  outcomes,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

// accessLog writes one line per request.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
