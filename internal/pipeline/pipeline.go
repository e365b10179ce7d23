// Package pipeline wires the stages between a free-text request and a shell
// command landing on a host: parse, generate, validate, rate limit, approval
// and execution. Every terminal outcome is audited; no stage can be skipped
// from outside.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/opsgate/opsgate/api"
	"github.com/opsgate/opsgate/internal/approval"
	"github.com/opsgate/opsgate/internal/audit"
	"github.com/opsgate/opsgate/internal/command"
	"github.com/opsgate/opsgate/internal/executor"
	"github.com/opsgate/opsgate/internal/intent"
	"github.com/opsgate/opsgate/internal/ratelimit"
	"github.com/opsgate/opsgate/internal/validate"
)

// Request is one submission to the pipeline. Query is parsed unless Intent
// is set; callers that already classified the request pass Intent directly.
type Request struct {
	Query    string
	Intent   *api.Intent
	CallerID string
	Username string
	Target   executor.Target
}

// meta carries the request context an approval prompt needs at execution
// time but the approval store does not model.
type meta struct {
	target   executor.Target
	username string
	rawQuery string
}

// Runner is the execution backend. *executor.Executor satisfies it; tests
// substitute a fake.
type Runner interface {
	Execute(ctx context.Context, cmd api.Command, target executor.Target) (api.ExecResult, error)
	DetectPlatform(ctx context.Context, target executor.Target) (api.Platform, error)
}

// Pipeline runs submissions through every stage in order.
type Pipeline struct {
	validator *validate.Validator
	limiter   ratelimit.Store
	approvals approval.Store
	executor  Runner
	audit     *audit.Logger
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[string]meta
}

// New assembles a pipeline. All collaborators are required.
func New(v *validate.Validator, limiter ratelimit.Store, approvals approval.Store,
	exec Runner, auditLog *audit.Logger, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		validator: v,
		limiter:   limiter,
		approvals: approvals,
		executor:  exec,
		audit:     auditLog,
		logger:    logger,
		pending:   make(map[string]meta),
	}
}

// Submit takes a request through parse, generate, validate and rate limit.
// Commands that need no approval execute immediately; the rest come back as
// pending with an approval id.
func (p *Pipeline) Submit(ctx context.Context, req Request) (api.PipelineResult, error) {
	in, ok := p.resolveIntent(req)
	if !ok {
		p.record(api.AuditEntry{
			UserID: req.CallerID, Username: req.Username,
			Type:   api.EntryFailed,
			Intent: req.Query,
			Reason: "request not understood",
		})
		return api.PipelineResult{
			Status: api.StatusFailed,
			Reason: "request not understood; try phrasing like \"restart the bot service\"",
		}, nil
	}

	platform, err := p.executor.DetectPlatform(ctx, req.Target)
	if err != nil {
		p.record(api.AuditEntry{
			UserID: req.CallerID, Username: req.Username,
			Type:   api.EntryFailed,
			Intent: in.RawQuery,
			Target: req.Target.String(),
			Error:  err.Error(),
		})
		return api.PipelineResult{
			Status: api.StatusFailed,
			Reason: "platform detection failed",
			Error:  err.Error(),
		}, nil
	}

	cmd, err := command.Generate(in, platform)
	if err != nil {
		p.record(api.AuditEntry{
			UserID: req.CallerID, Username: req.Username,
			Type:   api.EntryFailed,
			Intent: in.RawQuery,
			Target: req.Target.String(),
			Error:  err.Error(),
		})
		return api.PipelineResult{
			Status: api.StatusFailed,
			Reason: "could not build a command for this request",
			Error:  err.Error(),
		}, nil
	}

	verdict := p.validator.Validate(ctx, cmd.Text, req.CallerID)
	if !verdict.Allowed {
		p.record(api.AuditEntry{
			UserID: req.CallerID, Username: req.Username,
			Type:    api.EntryDenied,
			Intent:  in.RawQuery,
			Command: cmd.Text,
			Target:  req.Target.String(),
			Reason:  verdict.Reason,
			Scope:   verdict.Rule,
		})
		return api.PipelineResult{Status: api.StatusDenied, Reason: verdict.Reason}, nil
	}

	// The verdict's tier is authoritative. Policy may escalate a command
	// past the generator's static flags; escalation must reach the
	// approval gate, never just the audit trail.
	switch verdict.Tier {
	case api.TierDouble:
		cmd.RequiresApproval = true
		cmd.RequiresDoubleConfirm = true
	case api.TierSingle:
		cmd.RequiresApproval = true
	}

	if rl := p.limiter.CheckAndRecord(req.CallerID); !rl.Allowed {
		p.record(api.AuditEntry{
			UserID: req.CallerID, Username: req.Username,
			Type:    api.EntryRateLimited,
			Intent:  in.RawQuery,
			Command: cmd.Text,
			Target:  req.Target.String(),
			Reason:  fmt.Sprintf("rate limited, retry after %s", rl.RetryAfter.Round(time.Second)),
		})
		return api.PipelineResult{
			Status:     api.StatusRateLimited,
			Reason:     "too many commands, slow down",
			RetryAfter: rl.RetryAfter,
		}, nil
	}

	if cmd.RequiresApproval {
		pend, err := p.approvals.Create("", cmd, req.CallerID)
		if err != nil {
			return api.PipelineResult{}, fmt.Errorf("creating approval: %w", err)
		}
		p.mu.Lock()
		p.pending[pend.ID] = meta{target: req.Target, username: req.Username, rawQuery: in.RawQuery}
		p.mu.Unlock()

		p.record(api.AuditEntry{
			UserID: req.CallerID, Username: req.Username,
			Type:    api.EntryRequested,
			Intent:  in.RawQuery,
			Command: cmd.Text,
			Target:  req.Target.String(),
			Scope:   string(tierScope(cmd)),
		})
		return api.PipelineResult{
			Status:     api.StatusPendingApproval,
			ApprovalID: pend.ID,
			Reason:     approvalPrompt(cmd),
		}, nil
	}

	return p.execute(ctx, cmd, req.CallerID, req.Username, in.RawQuery, req.Target), nil
}

// Approve records a confirmation on a pending approval. For
// double-confirmation commands the first call re-arms the window and the
// command only runs after the second. Execution happens inline on the
// confirming call.
func (p *Pipeline) Approve(ctx context.Context, id, actorID string) (api.PipelineResult, error) {
	pend, err := p.approvals.Approve(id, actorID)
	if err != nil {
		return p.resolutionError(id, actorID, err, "approve")
	}

	m := p.meta(pend.ID)

	if pend.State != approval.StateApproved {
		p.record(api.AuditEntry{
			UserID: pend.RequesterID, Username: m.username,
			Type:    api.EntryApproved,
			Intent:  m.rawQuery,
			Command: pend.Command.Text,
			Target:  m.target.String(),
			Reason:  "first confirmation by " + actorID + ", second still required",
		})
		return api.PipelineResult{
			Status:     api.StatusPendingApproval,
			ApprovalID: pend.ID,
			Reason:     "confirmed once, confirm again to execute",
		}, nil
	}

	p.forget(pend.ID)
	p.record(api.AuditEntry{
		UserID: pend.RequesterID, Username: m.username,
		Type:    api.EntryApproved,
		Intent:  m.rawQuery,
		Command: pend.Command.Text,
		Target:  m.target.String(),
		Reason:  "approved by " + actorID,
		Success: true,
	})
	return p.execute(ctx, pend.Command, pend.RequesterID, m.username, m.rawQuery, m.target), nil
}

// Cancel rejects a pending approval.
func (p *Pipeline) Cancel(_ context.Context, id, actorID string) (api.PipelineResult, error) {
	pend, err := p.approvals.Reject(id, actorID)
	if err != nil {
		return p.resolutionError(id, actorID, err, "cancel")
	}

	m := p.meta(pend.ID)
	p.forget(pend.ID)
	p.record(api.AuditEntry{
		UserID: pend.RequesterID, Username: m.username,
		Type:    api.EntryCancelled,
		Intent:  m.rawQuery,
		Command: pend.Command.Text,
		Target:  m.target.String(),
		Reason:  "cancelled by " + actorID,
	})
	return api.PipelineResult{Status: api.StatusDenied, Reason: "cancelled"}, nil
}

// PendingApprovals lists outstanding approval prompts.
func (p *Pipeline) PendingApprovals() []approval.Pending {
	return p.approvals.Pending()
}

// Sweep expires overdue approvals and audits each expiry as a terminal
// outcome.
func (p *Pipeline) Sweep() int {
	expired := p.approvals.SweepExpired()
	for _, pend := range expired {
		m := p.meta(pend.ID)
		p.forget(pend.ID)
		p.record(api.AuditEntry{
			UserID: pend.RequesterID, Username: m.username,
			Type:    api.EntryExpired,
			Intent:  m.rawQuery,
			Command: pend.Command.Text,
			Target:  m.target.String(),
			Reason:  "approval expired unresolved",
		})
	}
	if len(expired) > 0 {
		p.logger.Info("expired stale approvals", "count", len(expired))
	}
	p.pruneMeta()
	return len(expired)
}

func (p *Pipeline) execute(ctx context.Context, cmd api.Command, callerID, username, rawQuery string, target executor.Target) api.PipelineResult {
	result, err := p.executor.Execute(ctx, cmd, target)

	entry := api.AuditEntry{
		UserID: callerID, Username: username,
		Intent:  rawQuery,
		Command: cmd.Text,
		Target:  target.String(),
	}
	if err != nil {
		entry.Type = api.EntryFailed
		entry.Error = err.Error()
		entry.Reason = outputSnippet(result)
		p.record(entry)
		return api.PipelineResult{
			Status: api.StatusFailed,
			Output: &result,
			Reason: "execution failed",
			Error:  err.Error(),
		}
	}

	entry.Type = api.EntryExecuted
	entry.Success = true
	entry.Reason = outputSnippet(result)
	p.record(entry)
	return api.PipelineResult{Status: api.StatusExecuted, Output: &result}
}

func (p *Pipeline) resolveIntent(req Request) (api.Intent, bool) {
	in := intent.Parse(req.Query)
	if req.Intent != nil {
		in = *req.Intent
		if in.RawQuery == "" {
			in.RawQuery = req.Query
		}
	}
	if in.Action == "" || in.Confidence < intent.MinConfidence {
		return in, false
	}
	return in, true
}

// resolutionError maps approval store failures on approve/cancel. An
// expired entry is a terminal outcome worth auditing; the rest are caller
// errors.
func (p *Pipeline) resolutionError(id, actorID string, err error, verb string) (api.PipelineResult, error) {
	if errors.Is(err, approval.ErrExpired) {
		m := p.meta(id)
		p.forget(id)
		p.record(api.AuditEntry{
			UserID: actorID,
			Type:   api.EntryExpired,
			Intent: m.rawQuery,
			Target: m.target.String(),
			Reason: "approval expired before " + verb,
		})
		return api.PipelineResult{
			Status: api.StatusFailed,
			Reason: "approval expired, submit the request again",
		}, nil
	}
	return api.PipelineResult{}, fmt.Errorf("%s approval %s: %w", verb, id, err)
}

func (p *Pipeline) record(entry api.AuditEntry) {
	// Audit failure must never change a pipeline outcome.
	if err := p.audit.Log(entry); err != nil {
		p.logger.Error("audit write failed", "type", entry.Type, "error", err)
	}
}

func (p *Pipeline) meta(id string) meta {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending[id]
}

func (p *Pipeline) forget(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.pending, id)
}

// pruneMeta drops request context for approvals the store no longer tracks
// as live.
func (p *Pipeline) pruneMeta() {
	live := make(map[string]bool)
	for _, pend := range p.approvals.Pending() {
		live[pend.ID] = true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for id := range p.pending {
		if !live[id] {
			delete(p.pending, id)
		}
	}
}

func tierScope(cmd api.Command) api.Tier {
	if cmd.RequiresDoubleConfirm {
		return api.TierDouble
	}
	if cmd.RequiresApproval {
		return api.TierSingle
	}
	return api.TierNone
}

func approvalPrompt(cmd api.Command) string {
	var b strings.Builder
	b.WriteString("approval required for: ")
	b.WriteString(cmd.Text)
	if cmd.RequiresDoubleConfirm {
		b.WriteString(" (two confirmations required)")
	}
	if cmd.CausesDowntime {
		b.WriteString(" [causes downtime]")
	}
	return b.String()
}

func outputSnippet(r api.ExecResult) string {
	out := strings.TrimSpace(r.Stdout)
	if out == "" {
		out = strings.TrimSpace(r.Stderr)
	}
	if len(out) > 400 {
		out = out[:400] + "..."
	}
	return out
}
