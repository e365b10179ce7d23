package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/opsgate/opsgate/internal/approval"
	"github.com/opsgate/opsgate/internal/audit"
	"github.com/opsgate/opsgate/internal/config"
	"github.com/opsgate/opsgate/internal/executor"
	"github.com/opsgate/opsgate/internal/pipeline"
	"github.com/opsgate/opsgate/internal/ratelimit"
	"github.com/opsgate/opsgate/internal/store"
	"github.com/opsgate/opsgate/internal/validate"
	"github.com/opsgate/opsgate/internal/vault"
)

// stack is the assembled runtime: every pipeline stage plus the stores they
// share. serve and the one-shot commands both build one.
type stack struct {
	cfg       *config.Config
	kv        store.KV
	vault     *vault.Vault
	approvals *approval.MemoryStore
	audit     *audit.Logger
	exec      *executor.Executor
	pipeline  *pipeline.Pipeline
}

func buildStack(cfg *config.Config) (*stack, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.StorePath), 0o750); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	kv, err := store.OpenSQLite(cfg.StorePath)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	s := &stack{cfg: cfg, kv: kv}

	// No vault key means local-only operation; remote targets will fail
	// with a clear error instead of silently storing plaintext secrets.
	if cfg.VaultKey != "" {
		s.vault, err = vault.New(kv, cfg.VaultKey)
		if err != nil {
			kv.Close()
			return nil, fmt.Errorf("opening vault: %w", err)
		}
	}

	rules := validate.DefaultRules()
	if cfg.RulesPath != "" {
		rules, err = validate.LoadRules(cfg.RulesPath)
		if err != nil {
			kv.Close()
			return nil, err
		}
	}
	v, err := validate.New(rules, logger)
	if err != nil {
		kv.Close()
		return nil, err
	}
	if cfg.RegoPolicyPath != "" {
		engine, err := validate.NewRegoEngine(cfg.RegoPolicyPath)
		if err != nil {
			kv.Close()
			return nil, fmt.Errorf("loading rego policy: %w", err)
		}
		v.SetRegoEngine(engine)
	}

	s.approvals = approval.NewMemoryStore(cfg.ApprovalTTL)
	s.audit = audit.New(kv, logger)
	s.exec = executor.New(s.vault, logger,
		executor.WithTimeouts(cfg.DefaultTimeout, cfg.LongTimeout))
	s.pipeline = pipeline.New(v,
		ratelimit.NewMemoryStore(cfg.RateLimit),
		s.approvals, s.exec, s.audit, logger)
	return s, nil
}

func (s *stack) Close() {
	if err := s.kv.Close(); err != nil {
		logger.Error("closing store", "error", err)
	}
}
