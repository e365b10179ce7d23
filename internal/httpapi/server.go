// Package httpapi exposes the pipeline over HTTP for chat bots and other
// front ends. Every route under /api/v1 requires the shared X-API-Key
// header.
package httpapi

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"github.com/opsgate/opsgate/internal/audit"
	"github.com/opsgate/opsgate/internal/pipeline"
)

// Server is the JSON control-plane server.
type Server struct {
	mux      *http.ServeMux
	logger   *slog.Logger
	pipeline *pipeline.Pipeline
	audit    *audit.Logger
	apiKey   string
	addr     string
	started  time.Time
}

// NewServer creates a server. An empty apiKey disables the server; callers
// must refuse to start it rather than run unauthenticated.
func NewServer(addr, apiKey string, p *pipeline.Pipeline, auditLog *audit.Logger, logger *slog.Logger) *Server {
	s := &Server{
		mux:      http.NewServeMux(),
		logger:   logger,
		pipeline: p,
		audit:    auditLog,
		apiKey:   apiKey,
		addr:     addr,
		started:  time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/v1/status", s.auth(s.handleStatus))
	s.mux.HandleFunc("POST /api/v1/submit", s.auth(s.handleSubmit))
	s.mux.HandleFunc("GET /api/v1/approvals", s.auth(s.handleApprovals))
	s.mux.HandleFunc("POST /api/v1/approvals/{id}/approve", s.auth(s.handleApprove))
	s.mux.HandleFunc("POST /api/v1/approvals/{id}/cancel", s.auth(s.handleCancel))
	s.mux.HandleFunc("GET /api/v1/audit", s.auth(s.handleAudit))
	s.mux.HandleFunc("GET /api/v1/stats", s.auth(s.handleStats))
}

// auth enforces the shared-key header on a handler.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			s.logger.Warn("rejected request with bad api key",
				"path", r.URL.Path, "remote", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next(w, r)
	}
}

// ListenAndServe runs the server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("starting http api", "addr", s.addr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Handler returns the HTTP handler for embedding in tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}
