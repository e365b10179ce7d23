package validate

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"

	"github.com/opsgate/opsgate/api"
)

// RegoInput is what a custom policy sees for one command.
type RegoInput struct {
	Command  string     `json:"command"`
	Action   api.Action `json:"action"`
	CallerID string     `json:"caller_id"`
	Tier     api.Tier   `json:"tier"`
}

// RegoResult is a custom policy's decision. Deny and tier escalation are
// honored; anything loosening the built-in verdict is ignored.
type RegoResult struct {
	Deny   bool
	Tier   api.Tier
	Rule   string
	Reason string
}

// RegoEngine evaluates an embedded Rego policy against validated commands.
//
// The policy must live in package opsgate and may define:
//
//	deny: boolean
//	tier: "none" | "single" | "double"
//	rule_name: string (optional)
//	reason: string (optional)
//
// Input available to the policy: input.command, input.action,
// input.caller_id, input.tier.
type RegoEngine struct {
	mu    sync.RWMutex
	path  string
	query rego.PreparedEvalQuery
}

// NewRegoEngine compiles a .rego policy file.
func NewRegoEngine(path string) (*RegoEngine, error) {
	e := &RegoEngine{path: path}
	if err := e.Reload(context.Background()); err != nil {
		return nil, err
	}
	return e, nil
}

// NewRegoEngineFromSource compiles raw Rego source.
func NewRegoEngineFromSource(source string) (*RegoEngine, error) {
	e := &RegoEngine{}
	if err := e.loadSource(source); err != nil {
		return nil, err
	}
	return e, nil
}

// Evaluate runs the policy against one command.
func (e *RegoEngine) Evaluate(ctx context.Context, input *RegoInput) (*RegoResult, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	inputMap := map[string]any{
		"command":   input.Command,
		"action":    string(input.Action),
		"caller_id": input.CallerID,
		"tier":      string(input.Tier),
	}

	rs, err := e.query.Eval(ctx, rego.EvalInput(inputMap))
	if err != nil {
		return nil, fmt.Errorf("rego evaluation failed: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		// Policy defined nothing for this input, so no opinion.
		return &RegoResult{}, nil
	}

	resultMap, ok := rs[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected rego result type %T", rs[0].Expressions[0].Value)
	}
	return parseRegoResult(resultMap), nil
}

// Reload re-reads the policy file from disk and recompiles.
func (e *RegoEngine) Reload(_ context.Context) error {
	if e.path == "" {
		return nil
	}
	data, err := os.ReadFile(e.path)
	if err != nil {
		return fmt.Errorf("reading rego policy file: %w", err)
	}
	return e.loadSource(string(data))
}

func (e *RegoEngine) loadSource(source string) error {
	if _, err := ast.ParseModuleWithOpts("policy.rego", source, ast.ParserOptions{RegoVersion: ast.RegoV1}); err != nil {
		return fmt.Errorf("parsing rego policy: %w", err)
	}

	r := rego.New(
		rego.Query("data.opsgate"),
		rego.Module("policy.rego", source),
		rego.Store(inmem.New()),
		rego.SetRegoVersion(ast.RegoV1),
	)
	query, err := r.PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("preparing rego query: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.query = query
	return nil
}

func parseRegoResult(m map[string]any) *RegoResult {
	result := &RegoResult{}

	if d, ok := m["deny"].(bool); ok {
		result.Deny = d
	}
	if t, ok := m["tier"].(string); ok {
		switch api.Tier(t) {
		case api.TierNone, api.TierSingle, api.TierDouble:
			result.Tier = api.Tier(t)
		}
	}
	if r, ok := m["rule_name"].(string); ok {
		result.Rule = r
	}
	if msg, ok := m["reason"].(string); ok {
		result.Reason = msg
	}
	return result
}
