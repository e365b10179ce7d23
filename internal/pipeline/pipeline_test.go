package pipeline

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opsgate/opsgate/api"
	"github.com/opsgate/opsgate/internal/approval"
	"github.com/opsgate/opsgate/internal/audit"
	"github.com/opsgate/opsgate/internal/executor"
	"github.com/opsgate/opsgate/internal/ratelimit"
	"github.com/opsgate/opsgate/internal/store"
	"github.com/opsgate/opsgate/internal/validate"
)

type fakeRunner struct {
	mu       sync.Mutex
	platform api.Platform
	result   api.ExecResult
	err      error
	executed []api.Command
}

func (f *fakeRunner) Execute(_ context.Context, cmd api.Command, _ executor.Target) (api.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.executed = append(f.executed, cmd)
	return f.result, f.err
}

func (f *fakeRunner) DetectPlatform(context.Context, executor.Target) (api.Platform, error) {
	return f.platform, nil
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.executed)
}

func (f *fakeRunner) last(t *testing.T) api.Command {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.executed) == 0 {
		t.Fatal("nothing executed")
	}
	return f.executed[len(f.executed)-1]
}

func newTestPipeline(t *testing.T, rs *validate.RuleSet, policy ratelimit.Policy) (*Pipeline, *fakeRunner, *audit.Logger) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	if rs == nil {
		rs = validate.DefaultRules()
	}
	v, err := validate.New(rs, logger)
	if err != nil {
		t.Fatalf("validate.New: %v", err)
	}

	runner := &fakeRunner{
		platform: api.PlatformLinux,
		result:   api.ExecResult{Stdout: "ok\n"},
	}
	auditLog := audit.New(store.NewMemory(), logger)
	p := New(v,
		ratelimit.NewMemoryStore(policy),
		approval.NewMemoryStore(approval.DefaultTTL),
		runner, auditLog, logger)
	return p, runner, auditLog
}

func generousPolicy() ratelimit.Policy {
	return ratelimit.Policy{MaxCommands: 100, Window: time.Minute}
}

func TestReadOnlyQueryExecutesImmediately(t *testing.T) {
	p, runner, auditLog := newTestPipeline(t, nil, generousPolicy())

	result, err := p.Submit(context.Background(), Request{Query: "check the disk space", CallerID: "u1"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.Status != api.StatusExecuted {
		t.Fatalf("status = %s, want executed (reason: %s)", result.Status, result.Reason)
	}
	if result.Output == nil || result.Output.Stdout != "ok\n" {
		t.Errorf("output = %+v, want the runner's result", result.Output)
	}
	if got := runner.last(t).Text; got != "df -h" {
		t.Errorf("executed %q, want df -h", got)
	}

	entries, err := auditLog.GetByType(api.EntryExecuted, 10)
	if err != nil {
		t.Fatalf("GetByType: %v", err)
	}
	if len(entries) != 1 || !entries[0].Success {
		t.Errorf("audit executed entries = %+v", entries)
	}
}

func TestServiceRestartNeedsApproval(t *testing.T) {
	p, runner, auditLog := newTestPipeline(t, nil, generousPolicy())
	ctx := context.Background()

	result, err := p.Submit(ctx, Request{Query: "restart the bot service", CallerID: "u1"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.Status != api.StatusPendingApproval {
		t.Fatalf("status = %s, want pending_approval (reason: %s)", result.Status, result.Reason)
	}
	if result.ApprovalID == "" {
		t.Fatal("no approval id returned")
	}
	if !strings.Contains(result.Reason, "sudo systemctl restart bot") {
		t.Errorf("prompt = %q, want it to name the command", result.Reason)
	}
	if runner.count() != 0 {
		t.Fatal("command executed before approval")
	}

	result, err = p.Approve(ctx, result.ApprovalID, "admin")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if result.Status != api.StatusExecuted {
		t.Fatalf("status after approve = %s, want executed", result.Status)
	}
	if got := runner.last(t).Text; got != "sudo systemctl restart bot" {
		t.Errorf("executed %q", got)
	}

	for _, want := range []api.EntryType{api.EntryRequested, api.EntryApproved, api.EntryExecuted} {
		entries, err := auditLog.GetByType(want, 10)
		if err != nil {
			t.Fatalf("GetByType(%s): %v", want, err)
		}
		if len(entries) != 1 {
			t.Errorf("audit %s entries = %d, want 1", want, len(entries))
		}
	}
}

func TestShutdownNeedsTwoConfirmations(t *testing.T) {
	p, runner, _ := newTestPipeline(t, nil, generousPolicy())
	ctx := context.Background()

	result, err := p.Submit(ctx, Request{Query: "shut down the machine", CallerID: "u1"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.Status != api.StatusPendingApproval {
		t.Fatalf("status = %s, want pending_approval (reason: %s)", result.Status, result.Reason)
	}
	id := result.ApprovalID

	result, err = p.Approve(ctx, id, "admin")
	if err != nil {
		t.Fatalf("first Approve: %v", err)
	}
	if result.Status != api.StatusPendingApproval {
		t.Fatalf("status after first confirm = %s, want pending_approval", result.Status)
	}
	if runner.count() != 0 {
		t.Fatal("command executed after a single confirmation")
	}

	result, err = p.Approve(ctx, id, "admin")
	if err != nil {
		t.Fatalf("second Approve: %v", err)
	}
	if result.Status != api.StatusExecuted {
		t.Fatalf("status after second confirm = %s, want executed", result.Status)
	}
	if got := runner.last(t).Text; got != "sudo shutdown -h now" {
		t.Errorf("executed %q", got)
	}
}

func TestPolicyEscalationGatesExecution(t *testing.T) {
	p, runner, _ := newTestPipeline(t, nil, generousPolicy())

	engine, err := validate.NewRegoEngineFromSource(`package opsgate

default deny := false

tier := "double" if input.action == "disk_space"
`)
	if err != nil {
		t.Fatalf("NewRegoEngineFromSource: %v", err)
	}
	p.validator.SetRegoEngine(engine)
	ctx := context.Background()

	// disk_space is tier none by default; the policy escalates it to
	// double, which must gate execution behind two confirmations.
	result, err := p.Submit(ctx, Request{Query: "check the disk space", CallerID: "u1"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.Status != api.StatusPendingApproval {
		t.Fatalf("status = %s, want pending_approval (reason: %s)", result.Status, result.Reason)
	}
	if runner.count() != 0 {
		t.Fatal("escalated command executed without approval")
	}
	id := result.ApprovalID

	result, err = p.Approve(ctx, id, "admin")
	if err != nil {
		t.Fatalf("first Approve: %v", err)
	}
	if result.Status != api.StatusPendingApproval {
		t.Fatalf("status after first confirm = %s, want pending_approval", result.Status)
	}

	result, err = p.Approve(ctx, id, "admin")
	if err != nil {
		t.Fatalf("second Approve: %v", err)
	}
	if result.Status != api.StatusExecuted {
		t.Fatalf("status after second confirm = %s, want executed", result.Status)
	}
	if got := runner.last(t).Text; got != "df -h" {
		t.Errorf("executed %q, want df -h", got)
	}
}

func TestSweepAuditsExpiredApprovals(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	v, err := validate.New(validate.DefaultRules(), logger)
	if err != nil {
		t.Fatalf("validate.New: %v", err)
	}
	runner := &fakeRunner{platform: api.PlatformLinux, result: api.ExecResult{Stdout: "ok\n"}}
	auditLog := audit.New(store.NewMemory(), logger)
	p := New(v, ratelimit.NewMemoryStore(generousPolicy()),
		approval.NewMemoryStore(time.Nanosecond), runner, auditLog, logger)

	result, err := p.Submit(context.Background(), Request{Query: "restart the bot service", CallerID: "u1", Username: "alice"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.Status != api.StatusPendingApproval {
		t.Fatalf("status = %s, want pending_approval", result.Status)
	}

	time.Sleep(time.Millisecond)
	if n := p.Sweep(); n != 1 {
		t.Fatalf("Sweep = %d, want 1", n)
	}
	if runner.count() != 0 {
		t.Fatal("expired command executed")
	}

	entries, err := auditLog.GetByType(api.EntryExpired, 10)
	if err != nil {
		t.Fatalf("GetByType: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("audit expired entries = %d, want 1", len(entries))
	}
	if entries[0].Command != "sudo systemctl restart bot" || entries[0].Username != "alice" {
		t.Errorf("expired entry = %+v, want the original command and requester", entries[0])
	}
}

func TestCancelStopsExecution(t *testing.T) {
	p, runner, auditLog := newTestPipeline(t, nil, generousPolicy())
	ctx := context.Background()

	result, err := p.Submit(ctx, Request{Query: "restart the bot service", CallerID: "u1"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	id := result.ApprovalID

	result, err = p.Cancel(ctx, id, "admin")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if result.Status != api.StatusDenied {
		t.Errorf("status = %s, want denied", result.Status)
	}
	if runner.count() != 0 {
		t.Error("cancelled command still executed")
	}

	// Resolution is one-shot; approving afterwards is a caller error.
	if _, err := p.Approve(ctx, id, "admin"); err == nil {
		t.Error("Approve after Cancel succeeded, want error")
	}

	entries, err := auditLog.GetByType(api.EntryCancelled, 10)
	if err != nil {
		t.Fatalf("GetByType: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("audit cancelled entries = %d, want 1", len(entries))
	}
}

func TestDisallowedCommandIsDeniedWithoutExecution(t *testing.T) {
	// An empty allow list rejects everything the generator produces while
	// the deny list stays intact.
	rs := &validate.RuleSet{Version: 1, Deny: validate.DefaultRules().Deny}
	p, runner, auditLog := newTestPipeline(t, rs, generousPolicy())

	result, err := p.Submit(context.Background(), Request{Query: "check the disk space", CallerID: "u1"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.Status != api.StatusDenied {
		t.Fatalf("status = %s, want denied", result.Status)
	}
	if runner.count() != 0 {
		t.Fatal("denied command executed")
	}

	entries, err := auditLog.GetByType(api.EntryDenied, 10)
	if err != nil {
		t.Fatalf("GetByType: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("audit denied entries = %d, want 1", len(entries))
	}
}

func TestRateLimitBlocksBurst(t *testing.T) {
	p, runner, auditLog := newTestPipeline(t, nil, ratelimit.Policy{MaxCommands: 1, Window: time.Minute})
	ctx := context.Background()

	result, err := p.Submit(ctx, Request{Query: "show me the uptime", CallerID: "u1"})
	if err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	if result.Status != api.StatusExecuted {
		t.Fatalf("first status = %s, want executed", result.Status)
	}

	result, err = p.Submit(ctx, Request{Query: "show me the uptime", CallerID: "u1"})
	if err != nil {
		t.Fatalf("second Submit: %v", err)
	}
	if result.Status != api.StatusRateLimited {
		t.Fatalf("second status = %s, want rate_limited", result.Status)
	}
	if result.RetryAfter <= 0 {
		t.Errorf("retry_after = %v, want > 0", result.RetryAfter)
	}
	if runner.count() != 1 {
		t.Errorf("executed %d commands, want 1", runner.count())
	}

	entries, err := auditLog.GetByType(api.EntryRateLimited, 10)
	if err != nil {
		t.Fatalf("GetByType: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("audit rate_limited entries = %d, want 1", len(entries))
	}
}

func TestUnparseableQueryFails(t *testing.T) {
	p, runner, _ := newTestPipeline(t, nil, generousPolicy())

	result, err := p.Submit(context.Background(), Request{Query: "make me a sandwich", CallerID: "u1"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.Status != api.StatusFailed {
		t.Fatalf("status = %s, want failed", result.Status)
	}
	if !strings.Contains(result.Reason, "not understood") {
		t.Errorf("reason = %q", result.Reason)
	}
	if runner.count() != 0 {
		t.Error("unparseable query executed something")
	}
}

func TestPreParsedIntentBypassesParser(t *testing.T) {
	p, runner, _ := newTestPipeline(t, nil, generousPolicy())

	in := &api.Intent{
		Action:     api.ActionServiceStatus,
		Parameters: map[string]string{"service": "nginx"},
		Confidence: 1.0,
	}
	result, err := p.Submit(context.Background(), Request{Intent: in, CallerID: "u1"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.Status != api.StatusExecuted {
		t.Fatalf("status = %s, want executed (reason: %s)", result.Status, result.Reason)
	}
	if got := runner.last(t).Text; got != "systemctl status nginx --no-pager" {
		t.Errorf("executed %q", got)
	}
}
