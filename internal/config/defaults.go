package config

import (
	"os"
	"time"

	"github.com/opsgate/opsgate/internal/approval"
	"github.com/opsgate/opsgate/internal/executor"
	"github.com/opsgate/opsgate/internal/ratelimit"
	"github.com/opsgate/opsgate/internal/vault"
)

const (
	DefaultListenAddr = "127.0.0.1:8422"

	// APIKeyEnvVar holds the shared key HTTP clients must present.
	APIKeyEnvVar = "OPSGATE_API_KEY"
)

// DefaultStorePath returns the default SQLite database path.
func DefaultStorePath() string {
	return "~/.opsgate/opsgate.db"
}

// DefaultConfig returns the configuration used when no file is given.
// Environment-sourced secrets are read here so Load picks them up too.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:     DefaultListenAddr,
		StorePath:      expandHome(DefaultStorePath()),
		APIKey:         os.Getenv(APIKeyEnvVar),
		VaultKey:       os.Getenv(vault.KeyEnvVar),
		ApprovalTTL:    approval.DefaultTTL,
		SweepInterval:  15 * time.Second,
		AuditKeep:      10000,
		RateLimit:      ratelimit.Policy{MaxCommands: 10, Window: time.Minute},
		DefaultTimeout: executor.DefaultTimeout,
		LongTimeout:    executor.LongTimeout,
	}
}
