package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/masterzen/winrm"

	"github.com/opsgate/opsgate/api"
	"github.com/opsgate/opsgate/internal/vault"
)

func (e *Executor) runWinRM(ctx context.Context, cred vault.Credential, cmdText string) (api.ExecResult, error) {
	client, err := winrmClient(ctx, cred)
	if err != nil {
		return api.ExecResult{}, err
	}

	stdout, stderr, exitCode, err := client.RunWithContextWithString(ctx, cmdText, "")

	result := api.ExecResult{
		Stdout:   stdout,
		Stderr:   stderr,
		ExitCode: exitCode,
	}

	if ctx.Err() != nil {
		return result, nil // Execute maps the deadline to ErrTimeout
	}
	if err != nil {
		if isWinRMAuthError(err) {
			return result, fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
		return result, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	if exitCode != 0 {
		return result, fmt.Errorf("%w: exit code %d", ErrNonZeroExit, exitCode)
	}
	return result, nil
}

func (e *Executor) testWinRM(ctx context.Context, cred vault.Credential) error {
	client, err := winrmClient(ctx, cred)
	if err != nil {
		return err
	}
	// cmd.exe exits immediately with /c exit; a successful round trip
	// proves transport and credentials in one shot.
	_, _, _, err = client.RunWithContextWithString(ctx, "exit 0", "")
	if err != nil {
		if isWinRMAuthError(err) {
			return fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	return nil
}

func winrmClient(ctx context.Context, cred vault.Credential) (*winrm.Client, error) {
	timeout := 30 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	endpoint := winrm.NewEndpoint(cred.Host, portOr(cred.Port, 5985), false, false, nil, nil, nil, timeout)
	client, err := winrm.NewClient(endpoint, cred.Username, cred.Secret)
	if err != nil {
		return nil, fmt.Errorf("%w: creating client: %v", ErrConnectionFailed, err)
	}
	return client, nil
}

func isWinRMAuthError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "401") || strings.Contains(msg, "unauthorized") || strings.Contains(msg, "authentication")
}
