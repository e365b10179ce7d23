// Package config loads the opsgate YAML configuration file and applies
// defaults. Secrets never live in the file; the vault key and API key come
// from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opsgate/opsgate/internal/ratelimit"
)

// file is the YAML schema.
type file struct {
	Version  int `yaml:"version"`
	Settings struct {
		ListenAddr     string `yaml:"listen_addr"`
		StorePath      string `yaml:"store_path"`
		RulesPath      string `yaml:"rules_path"`
		RegoPolicyPath string `yaml:"rego_policy_path"`
		ApprovalTTL    string `yaml:"approval_ttl"`
		SweepInterval  string `yaml:"sweep_interval"`
		AuditKeep      int    `yaml:"audit_keep"`
	} `yaml:"settings"`
	RateLimit struct {
		MaxCommands int    `yaml:"max_commands"`
		Window      string `yaml:"window"`
	} `yaml:"rate_limit"`
	Timeouts struct {
		Default     string `yaml:"default"`
		LongRunning string `yaml:"long_running"`
	} `yaml:"timeouts"`
}

// Config is the resolved runtime configuration.
type Config struct {
	ListenAddr     string
	StorePath      string
	RulesPath      string
	RegoPolicyPath string
	APIKey         string
	VaultKey       string
	ApprovalTTL    time.Duration
	SweepInterval  time.Duration
	AuditKeep      int
	RateLimit      ratelimit.Policy
	DefaultTimeout time.Duration
	LongTimeout    time.Duration
}

// Load reads a YAML config file and produces a runtime Config. A missing
// settings block falls back to defaults field by field.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return LoadBytes(data)
}

// LoadBytes parses YAML config data.
func LoadBytes(data []byte) (*Config, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if f.Version != 1 {
		return nil, fmt.Errorf("unsupported config version: %d (expected 1)", f.Version)
	}

	cfg := DefaultConfig()

	if f.Settings.ListenAddr != "" {
		cfg.ListenAddr = f.Settings.ListenAddr
	}
	if f.Settings.StorePath != "" {
		cfg.StorePath = expandHome(f.Settings.StorePath)
	}
	if f.Settings.RulesPath != "" {
		cfg.RulesPath = expandHome(f.Settings.RulesPath)
	}
	if f.Settings.RegoPolicyPath != "" {
		cfg.RegoPolicyPath = expandHome(f.Settings.RegoPolicyPath)
	}
	if f.Settings.AuditKeep > 0 {
		cfg.AuditKeep = f.Settings.AuditKeep
	}
	if f.RateLimit.MaxCommands > 0 {
		cfg.RateLimit.MaxCommands = f.RateLimit.MaxCommands
	}

	var err error
	if cfg.ApprovalTTL, err = duration(f.Settings.ApprovalTTL, cfg.ApprovalTTL); err != nil {
		return nil, fmt.Errorf("invalid approval_ttl: %w", err)
	}
	if cfg.SweepInterval, err = duration(f.Settings.SweepInterval, cfg.SweepInterval); err != nil {
		return nil, fmt.Errorf("invalid sweep_interval: %w", err)
	}
	if cfg.RateLimit.Window, err = duration(f.RateLimit.Window, cfg.RateLimit.Window); err != nil {
		return nil, fmt.Errorf("invalid rate_limit.window: %w", err)
	}
	if cfg.DefaultTimeout, err = duration(f.Timeouts.Default, cfg.DefaultTimeout); err != nil {
		return nil, fmt.Errorf("invalid timeouts.default: %w", err)
	}
	if cfg.LongTimeout, err = duration(f.Timeouts.LongRunning, cfg.LongTimeout); err != nil {
		return nil, fmt.Errorf("invalid timeouts.long_running: %w", err)
	}

	return cfg, nil
}

func duration(raw string, fallback time.Duration) (time.Duration, error) {
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration %q must be positive", raw)
	}
	return d, nil
}

func expandHome(path string) string {
	if len(path) > 1 && path[0] == '~' && path[1] == '/' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
