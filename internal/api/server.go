// Package api is the aiw-syncd HTTP server: the reconciliation endpoint
// for workspace push/pull plus health and metrics surfaces.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/mhartmann/aiw/internal/serverdb"
)

// Server is the HTTP API server for aiw-syncd.
type Server struct {
	config  Config
	http    *http.Server
	store   *serverdb.ServerDB
	metrics *Metrics
}

// NewServer builds the sync server over an opened serverdb.
func NewServer(cfg Config, store *serverdb.ServerDB) (*Server, error) {
	s := &Server{
		config:  cfg,
		store:   store,
		metrics: NewMetrics(),
	}

	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("http server", "err", err)
		}
	}()

	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the assembled route handler for in-process harnesses.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// routes assembles the mux and the shared middleware stack.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	// Health & metrics
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /metricz", s.handleMetrics)

	// Sync
	mux.HandleFunc("POST /v1/workspaces/{id}/sync/push", s.requireWorkspaceAuth(s.handleSyncPush))
	mux.HandleFunc("GET /v1/workspaces/{id}/sync/pull", s.requireWorkspaceAuth(s.handleSyncPull))
	mux.HandleFunc("GET /v1/workspaces/{id}/sync/status", s.requireWorkspaceAuth(s.handleSyncStatus))
	mux.HandleFunc("GET /v1/workspaces/{id}/sync/audit", s.requireWorkspaceAuth(s.handleSyncAudit))

	return chain(mux, recoveryMiddleware, requestIDMiddleware, loggerMiddleware, metricsMiddleware(s.metrics), loggingMiddleware, maxBytesMiddleware(10<<20))
}

// handleHealth reports liveness, including a ping of the server DB.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "detail": "db unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleMetrics dumps the atomic counters as JSON.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}
