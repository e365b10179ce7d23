package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/opsgate/opsgate/api"
	"github.com/opsgate/opsgate/internal/platform"
)

// runLocal spawns the platform shell and waits for it under the caller's
// deadline. CommandContext kills the child when the deadline fires;
// WaitDelay guarantees Wait itself cannot block forever on a child that
// holds its pipes open after the kill.
func (e *Executor) runLocal(ctx context.Context, cmd api.Command) (api.ExecResult, error) {
	info := platform.Detect()
	if cmd.Platform != info.Platform {
		return api.ExecResult{}, fmt.Errorf("%w: command rendered for %s but local host is %s",
			ErrPlatformUnsupported, cmd.Platform, info.Platform)
	}

	args := append(append([]string{}, info.ShellArgs...), cmd.Text)
	c := exec.CommandContext(ctx, info.Shell, args...)
	c.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	err := c.Run()

	result := api.ExecResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err == nil {
		return result, nil
	}
	if ctx.Err() != nil {
		// Execute maps the deadline to ErrTimeout and cancellation to
		// ErrCanceled, keeping the partial output.
		return result, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, fmt.Errorf("%w: exit code %d", ErrNonZeroExit, result.ExitCode)
	}
	return result, fmt.Errorf("starting local shell: %w", err)
}
