package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/opsgate/opsgate/api"
	"github.com/opsgate/opsgate/internal/approval"
	"github.com/opsgate/opsgate/internal/executor"
	"github.com/opsgate/opsgate/internal/pipeline"
	"github.com/opsgate/opsgate/internal/platform"
)

// submitRequest is the POST /api/v1/submit body. Either query or intent
// must be set.
type submitRequest struct {
	Query    string      `json:"query,omitempty"`
	Intent   *api.Intent `json:"intent,omitempty"`
	CallerID string      `json:"caller_id"`
	Username string      `json:"username,omitempty"`
	ServerID string      `json:"server_id,omitempty"`
	Kind     string      `json:"kind,omitempty"`
}

type resolveRequest struct {
	ActorID string `json:"actor_id"`
}

type statusResponse struct {
	Status           string       `json:"status"`
	Hostname         string       `json:"hostname"`
	Platform         api.Platform `json:"platform"`
	UptimeSeconds    int64        `json:"uptime_seconds"`
	PendingApprovals int          `json:"pending_approvals"`
	AuditEntries     int          `json:"audit_entries"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.audit.Stats()
	if err != nil {
		s.logger.Error("status stats failed", "error", err)
		writeError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	hostname, _ := os.Hostname()
	writeJSON(w, http.StatusOK, statusResponse{
		Status:           "online",
		Hostname:         hostname,
		Platform:         platform.Detect().Platform,
		UptimeSeconds:    int64(time.Since(s.started).Seconds()),
		PendingApprovals: len(s.pipeline.PendingApprovals()),
		AuditEntries:     stats.Total,
	})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.CallerID == "" {
		writeError(w, http.StatusBadRequest, "caller_id is required")
		return
	}
	if req.Query == "" && req.Intent == nil {
		writeError(w, http.StatusBadRequest, "query or intent is required")
		return
	}

	target := executor.Target{ServerID: req.ServerID, Kind: api.CredentialKind(req.Kind)}
	if req.ServerID != "" && req.Kind == "" {
		target.Kind = api.CredentialSSH
	}

	result, err := s.pipeline.Submit(r.Context(), pipeline.Request{
		Query:    req.Query,
		Intent:   req.Intent,
		CallerID: req.CallerID,
		Username: req.Username,
		Target:   target,
	})
	if err != nil {
		s.logger.Error("submit failed", "caller_id", req.CallerID, "error", err)
		writeError(w, http.StatusInternalServerError, "submission failed")
		return
	}
	writeJSON(w, statusCode(result.Status), result)
}

func (s *Server) handleApprovals(w http.ResponseWriter, r *http.Request) {
	pending := s.pipeline.PendingApprovals()
	writeJSON(w, http.StatusOK, map[string]any{"pending": pending})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.resolve(w, r, s.pipeline.Approve)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.resolve(w, r, s.pipeline.Cancel)
}

// resolve handles both approve and cancel, which differ only in the
// pipeline method they call.
func (s *Server) resolve(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, id, actorID string) (api.PipelineResult, error)) {
	id := r.PathValue("id")

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ActorID == "" {
		writeError(w, http.StatusBadRequest, "actor_id is required")
		return
	}

	result, err := fn(r.Context(), id, req.ActorID)
	if err != nil {
		if errors.Is(err, approval.ErrNotFound) || errors.Is(err, approval.ErrNotPending) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.logger.Error("approval resolution failed", "approval_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "resolution failed")
		return
	}
	writeJSON(w, statusCode(result.Status), result)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := api.AuditFilter{
		UserID: q.Get("user"),
		Type:   api.EntryType(q.Get("type")),
		Text:   q.Get("q"),
		Limit:  100,
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}

	entries, err := s.audit.Query(filter)
	if err != nil {
		s.logger.Error("audit query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "audit query failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.audit.Stats()
	if err != nil {
		s.logger.Error("stats failed", "error", err)
		writeError(w, http.StatusInternalServerError, "stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// statusCode maps a pipeline disposition to an HTTP status.
func statusCode(s api.Status) int {
	switch s {
	case api.StatusExecuted, api.StatusPendingApproval:
		return http.StatusOK
	case api.StatusDenied:
		return http.StatusForbidden
	case api.StatusRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusUnprocessableEntity
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
