package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/opsgate/opsgate/api"
	"github.com/opsgate/opsgate/internal/approval"
	"github.com/opsgate/opsgate/internal/audit"
	"github.com/opsgate/opsgate/internal/executor"
	"github.com/opsgate/opsgate/internal/pipeline"
	"github.com/opsgate/opsgate/internal/ratelimit"
	"github.com/opsgate/opsgate/internal/store"
	"github.com/opsgate/opsgate/internal/validate"
)

const testKey = "test-api-key"

type stubRunner struct{}

func (stubRunner) Execute(context.Context, api.Command, executor.Target) (api.ExecResult, error) {
	return api.ExecResult{Stdout: "ok\n"}, nil
}

func (stubRunner) DetectPlatform(context.Context, executor.Target) (api.Platform, error) {
	return api.PlatformLinux, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	v, err := validate.New(validate.DefaultRules(), logger)
	if err != nil {
		t.Fatalf("validate.New: %v", err)
	}
	auditLog := audit.New(store.NewMemory(), logger)
	p := pipeline.New(v,
		ratelimit.NewMemoryStore(ratelimit.Policy{MaxCommands: 100, Window: time.Minute}),
		approval.NewMemoryStore(approval.DefaultTTL),
		stubRunner{}, auditLog, logger)

	return NewServer("127.0.0.1:0", testKey, p, auditLog, logger)
}

func doJSON(t *testing.T, s *Server, method, path, key, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding response %q: %v", w.Body.String(), err)
	}
	return v
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		key  string
	}{
		{"missing key", ""},
		{"wrong key", "nope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, s, http.MethodGet, "/api/v1/status", tt.key, "")
			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", w.Code)
			}
		})
	}
}

func TestStatusEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodGet, "/api/v1/status", testKey, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	resp := decode[statusResponse](t, w)
	if resp.Status != "online" {
		t.Errorf("status field = %q, want online", resp.Status)
	}
}

func TestSubmitReadOnly(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/api/v1/submit", testKey,
		`{"query": "check the disk space", "caller_id": "u1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	result := decode[api.PipelineResult](t, w)
	if result.Status != api.StatusExecuted {
		t.Errorf("pipeline status = %s, want executed (reason: %s)", result.Status, result.Reason)
	}
	if result.Output == nil || result.Output.Stdout != "ok\n" {
		t.Errorf("output = %+v", result.Output)
	}
}

func TestSubmitValidation(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"empty body", `{}`},
		{"missing caller", `{"query": "check disk"}`},
		{"missing query and intent", `{"caller_id": "u1"}`},
		{"malformed json", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, s, http.MethodPost, "/api/v1/submit", testKey, tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
		})
	}
}

func TestApprovalRoundTrip(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/api/v1/submit", testKey,
		`{"query": "restart the bot service", "caller_id": "u1"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("submit status = %d, body %s", w.Code, w.Body.String())
	}
	submitted := decode[api.PipelineResult](t, w)
	if submitted.Status != api.StatusPendingApproval || submitted.ApprovalID == "" {
		t.Fatalf("submit result = %+v, want pending with id", submitted)
	}

	w = doJSON(t, s, http.MethodGet, "/api/v1/approvals", testKey, "")
	listed := decode[map[string][]approval.Pending](t, w)
	if len(listed["pending"]) != 1 {
		t.Fatalf("pending list = %+v, want one entry", listed)
	}

	w = doJSON(t, s, http.MethodPost, "/api/v1/approvals/"+submitted.ApprovalID+"/approve",
		testKey, `{"actor_id": "admin"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("approve status = %d, body %s", w.Code, w.Body.String())
	}
	approved := decode[api.PipelineResult](t, w)
	if approved.Status != api.StatusExecuted {
		t.Errorf("approved status = %s, want executed", approved.Status)
	}

	// One-shot: resolving again conflicts.
	w = doJSON(t, s, http.MethodPost, "/api/v1/approvals/"+submitted.ApprovalID+"/cancel",
		testKey, `{"actor_id": "admin"}`)
	if w.Code != http.StatusConflict {
		t.Errorf("second resolution status = %d, want 409", w.Code)
	}
}

func TestApproveUnknownID(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/api/v1/approvals/nope/approve", testKey,
		`{"actor_id": "admin"}`)
	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
}

func TestDeniedSubmissionMapsToForbidden(t *testing.T) {
	s := newTestServer(t)

	// An empty allow list rejects every generated command, which is the
	// simplest way to reach the denied path through the full stack.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	v, err := validate.New(&validate.RuleSet{Version: 1, Deny: validate.DefaultRules().Deny}, logger)
	if err != nil {
		t.Fatalf("validate.New: %v", err)
	}
	auditLog := audit.New(store.NewMemory(), logger)
	p := pipeline.New(v,
		ratelimit.NewMemoryStore(ratelimit.Policy{MaxCommands: 100, Window: time.Minute}),
		approval.NewMemoryStore(approval.DefaultTTL),
		stubRunner{}, auditLog, logger)
	s = NewServer("127.0.0.1:0", testKey, p, auditLog, logger)

	w := doJSON(t, s, http.MethodPost, "/api/v1/submit", testKey,
		`{"query": "check the disk space", "caller_id": "u1"}`)
	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403 (body %s)", w.Code, w.Body.String())
	}
}

func TestAuditEndpoint(t *testing.T) {
	s := newTestServer(t)

	doJSON(t, s, http.MethodPost, "/api/v1/submit", testKey,
		`{"query": "show me the uptime", "caller_id": "u1"}`)

	w := doJSON(t, s, http.MethodGet, "/api/v1/audit?user=u1", testKey, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	resp := decode[map[string][]api.AuditEntry](t, w)
	if len(resp["entries"]) != 1 {
		t.Errorf("entries = %+v, want one", resp["entries"])
	}

	w = doJSON(t, s, http.MethodGet, "/api/v1/audit?limit=bogus", testKey, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", w.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	s := newTestServer(t)

	doJSON(t, s, http.MethodPost, "/api/v1/submit", testKey,
		`{"query": "show me the uptime", "caller_id": "u1"}`)

	w := doJSON(t, s, http.MethodGet, "/api/v1/stats", testKey, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	stats := decode[api.AuditStats](t, w)
	if stats.Total != 1 {
		t.Errorf("total = %d, want 1", stats.Total)
	}
}
