// Package validate is the security gate of the pipeline: it classifies a
// command string as allowed, denied, or approval-required. Deny rules take
// precedence over allow rules unconditionally.
package validate

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/opsgate/opsgate/api"
)

// Validator evaluates command strings against the deny list, the allow list
// and the action→tier table. It never returns an error; every input yields a
// verdict with a human-readable reason.
type Validator struct {
	mu     sync.RWMutex
	deny   []compiledDeny
	allow  []compiledAllow
	rego   *RegoEngine // optional, may be nil
	logger *slog.Logger
}

type compiledDeny struct {
	re   *regexp.Regexp
	rule DenyRule
}

type compiledAllow struct {
	re   *regexp.Regexp
	rule AllowRule
}

// New builds a validator from a rule set. Patterns were validated at load
// time, so compilation failures here indicate a bug in DefaultRules.
func New(rs *RuleSet, logger *slog.Logger) (*Validator, error) {
	v := &Validator{logger: logger}
	for _, r := range rs.Deny {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, err
		}
		v.deny = append(v.deny, compiledDeny{re: re, rule: r})
	}
	for _, r := range rs.Allow {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, err
		}
		v.allow = append(v.allow, compiledAllow{re: re, rule: r})
	}
	return v, nil
}

// SetRegoEngine attaches an optional Rego policy consulted for commands the
// built-in lists would allow. Rego can deny or escalate the tier; it can
// never overturn a deny.
func (v *Validator) SetRegoEngine(e *RegoEngine) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rego = e
}

// Validate classifies a command string for the given caller.
func (v *Validator) Validate(ctx context.Context, cmdText, callerID string) api.Verdict {
	v.mu.RLock()
	defer v.mu.RUnlock()

	text := normalize(cmdText)
	if text == "" {
		return api.Verdict{Allowed: false, Reason: "empty command"}
	}

	// Deny list short-circuits everything else.
	for _, d := range v.deny {
		if d.re.MatchString(text) {
			return api.Verdict{
				Allowed: false,
				Reason:  "dangerous pattern: " + d.rule.Message,
				Rule:    d.rule.Name,
			}
		}
	}

	matched := -1
	for i, a := range v.allow {
		if a.re.MatchString(text) {
			matched = i
			break
		}
	}
	if matched == -1 {
		return api.Verdict{Allowed: false, Reason: "not in allow-list"}
	}

	rule := v.allow[matched].rule
	tier, err := TierFor(rule.Action)
	if err != nil {
		// Unreachable for rule sets built through LoadRules.
		return api.Verdict{Allowed: false, Reason: err.Error(), Rule: rule.Name}
	}

	verdict := api.Verdict{
		Allowed: true,
		Reason:  "matched allow rule " + rule.Name,
		Tier:    tier,
		Rule:    rule.Name,
	}

	if v.rego != nil {
		verdict = v.applyRego(ctx, text, callerID, rule, verdict)
	}
	return verdict
}

// applyRego lets a custom Rego policy tighten the built-in verdict.
func (v *Validator) applyRego(ctx context.Context, text, callerID string, rule AllowRule, verdict api.Verdict) api.Verdict {
	res, err := v.rego.Evaluate(ctx, &RegoInput{
		Command:  text,
		Action:   rule.Action,
		CallerID: callerID,
		Tier:     verdict.Tier,
	})
	if err != nil {
		// A broken custom policy must fail closed, not open.
		v.logger.Error("rego evaluation failed", "error", err)
		return api.Verdict{Allowed: false, Reason: "policy evaluation error", Rule: rule.Name}
	}
	if res.Deny {
		return api.Verdict{Allowed: false, Reason: res.Reason, Rule: res.Rule}
	}
	if escalates(res.Tier, verdict.Tier) {
		verdict.Tier = res.Tier
		verdict.Reason = res.Reason
	}
	return verdict
}

func escalates(next, current api.Tier) bool {
	order := map[api.Tier]int{api.TierNone: 0, api.TierSingle: 1, api.TierDouble: 2}
	return order[next] > order[current]
}

var spaceRe = regexp.MustCompile(`\s+`)

func normalize(s string) string {
	return spaceRe.ReplaceAllString(strings.TrimSpace(s), " ")
}
