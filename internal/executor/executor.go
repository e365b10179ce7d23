// Package executor runs approved commands, either as a local subprocess or
// over an SSH/WinRM transport to a remote host, with a hard wall-clock
// timeout and size-capped output capture.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opsgate/opsgate/api"
	"github.com/opsgate/opsgate/internal/platform"
	"github.com/opsgate/opsgate/internal/vault"
)

const (
	// DefaultTimeout bounds ordinary commands.
	DefaultTimeout = 30 * time.Second

	// LongTimeout bounds explicitly long-running actions such as deploys.
	LongTimeout = 5 * time.Minute

	// MaxOutputBytes caps captured stdout/stderr before they reach
	// callers and the audit log.
	MaxOutputBytes = 64 * 1024

	truncationMarker = "\n... [output truncated]"
)

// Target names where a command runs. A zero ServerID means the local host.
type Target struct {
	ServerID string
	Kind     api.CredentialKind
}

// Local reports whether the target is the local host.
func (t Target) Local() bool { return t.ServerID == "" }

func (t Target) String() string {
	if t.Local() {
		return "local"
	}
	return t.ServerID + "/" + string(t.Kind)
}

// Executor runs commands against local and remote targets. The vault may be
// nil, in which case only local targets work.
type Executor struct {
	vault          *vault.Vault
	logger         *slog.Logger
	defaultTimeout time.Duration
	longTimeout    time.Duration
	maxOutput      int
}

// Option configures an Executor.
type Option func(*Executor)

// WithTimeouts overrides the default and long-running timeouts.
func WithTimeouts(def, long time.Duration) Option {
	return func(e *Executor) {
		e.defaultTimeout = def
		e.longTimeout = long
	}
}

// WithMaxOutput overrides the output cap.
func WithMaxOutput(n int) Option {
	return func(e *Executor) { e.maxOutput = n }
}

// New creates an executor.
func New(v *vault.Vault, logger *slog.Logger, opts ...Option) *Executor {
	e := &Executor{
		vault:          v,
		logger:         logger,
		defaultTimeout: DefaultTimeout,
		longTimeout:    LongTimeout,
		maxOutput:      MaxOutputBytes,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs a command on the target, enforcing the timeout for its
// action class. The returned result is populated even on failure so
// callers and the audit log see partial output.
func (e *Executor) Execute(ctx context.Context, cmd api.Command, target Target) (api.ExecResult, error) {
	timeout := e.defaultTimeout
	if cmd.LongRunning {
		timeout = e.longTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	var result api.ExecResult
	var err error

	if target.Local() {
		result, err = e.runLocal(ctx, cmd)
	} else {
		result, err = e.runRemote(ctx, cmd, target)
	}

	result.DurationMS = time.Since(start).Milliseconds()
	result.Stdout, result.Truncated = e.cap(result.Stdout)
	var stderrTruncated bool
	result.Stderr, stderrTruncated = e.cap(result.Stderr)
	result.Truncated = result.Truncated || stderrTruncated

	switch ctx.Err() {
	case context.DeadlineExceeded:
		result.TimedOut = true
		e.logger.Warn("command timed out",
			"target", target.String(), "timeout", timeout)
		return result, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	case context.Canceled:
		// Caller went away mid-run; the command was killed and must not
		// be recorded as a success.
		e.logger.Warn("command canceled", "target", target.String())
		return result, ErrCanceled
	}
	return result, err
}

// TestConnection verifies a remote target is reachable and authenticates,
// without running an operator command.
func (e *Executor) TestConnection(ctx context.Context, target Target) error {
	if target.Local() {
		return nil
	}
	cred, err := e.credential(target)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, e.defaultTimeout)
	defer cancel()

	switch target.Kind {
	case api.CredentialSSH:
		return e.testSSH(ctx, cred)
	case api.CredentialWinRM:
		return e.testWinRM(ctx, cred)
	default:
		return fmt.Errorf("%w: unknown credential kind %q", ErrPlatformUnsupported, target.Kind)
	}
}

// DetectPlatform identifies the OS family of a target. Local targets use
// runtime detection; WinRM targets are Windows by construction; SSH targets
// are probed.
func (e *Executor) DetectPlatform(ctx context.Context, target Target) (api.Platform, error) {
	if target.Local() {
		return platform.Detect().Platform, nil
	}
	if target.Kind == api.CredentialWinRM {
		return api.PlatformWindows, nil
	}

	cred, err := e.credential(target)
	if err != nil {
		return api.PlatformUnknown, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.defaultTimeout)
	defer cancel()

	out, err := e.probeSSH(ctx, cred, platform.ProbeCommand)
	if err != nil {
		return api.PlatformUnknown, err
	}
	p := platform.FromProbe(out)
	if p == api.PlatformUnknown {
		return p, fmt.Errorf("%w: unrecognized probe output %q", ErrPlatformUnsupported, firstLine(out))
	}
	return p, nil
}

func (e *Executor) runRemote(ctx context.Context, cmd api.Command, target Target) (api.ExecResult, error) {
	cred, err := e.credential(target)
	if err != nil {
		return api.ExecResult{}, err
	}

	switch target.Kind {
	case api.CredentialSSH:
		return e.runSSH(ctx, cred, cmd.Text)
	case api.CredentialWinRM:
		return e.runWinRM(ctx, cred, cmd.Text)
	default:
		return api.ExecResult{}, fmt.Errorf("%w: unknown credential kind %q", ErrPlatformUnsupported, target.Kind)
	}
}

func (e *Executor) credential(target Target) (vault.Credential, error) {
	if e.vault == nil {
		return vault.Credential{}, vault.ErrKeyMissing
	}
	return e.vault.Retrieve(target.ServerID, target.Kind)
}

// cap truncates output to the configured limit with a visible marker.
func (e *Executor) cap(s string) (string, bool) {
	if len(s) <= e.maxOutput {
		return s, false
	}
	return s[:e.maxOutput] + truncationMarker, true
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
