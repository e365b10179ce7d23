package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/opsgate/opsgate/api"
	"github.com/opsgate/opsgate/internal/vault"
)

// runSSH connects, runs one command in one session and tears the
// connection down. Admin commands are rare enough that connection reuse is
// not worth keeping live sockets to every managed host.
func (e *Executor) runSSH(ctx context.Context, cred vault.Credential, cmdText string) (api.ExecResult, error) {
	client, err := e.dialSSH(ctx, cred)
	if err != nil {
		return api.ExecResult{}, err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return api.ExecResult{}, fmt.Errorf("%w: opening session: %v", ErrConnectionFailed, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	// Hard cancellation: when the deadline fires the session and client
	// are closed, which unblocks Run.
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			session.Signal(ssh.SIGTERM)
			client.Close()
		case <-done:
		}
	}()

	err = session.Run(cmdText)
	close(done)

	result := api.ExecResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if ctx.Err() != nil {
		return result, nil // Execute maps this to ErrTimeout or ErrCanceled
	}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, fmt.Errorf("%w: exit code %d", ErrNonZeroExit, result.ExitCode)
		}
		return result, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	return result, nil
}

// probeSSH runs a short identification command and returns combined output.
func (e *Executor) probeSSH(ctx context.Context, cred vault.Credential, cmdText string) (string, error) {
	client, err := e.dialSSH(ctx, cred)
	if err != nil {
		return "", err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("%w: opening session: %v", ErrConnectionFailed, err)
	}
	defer session.Close()

	// The probe deliberately ignores the exit status: `uname || ver`
	// exits non-zero on Windows even when ver printed what we need.
	out, _ := session.CombinedOutput(cmdText)
	return string(out), nil
}

func (e *Executor) testSSH(ctx context.Context, cred vault.Credential) error {
	client, err := e.dialSSH(ctx, cred)
	if err != nil {
		return err
	}
	return client.Close()
}

func (e *Executor) dialSSH(ctx context.Context, cred vault.Credential) (*ssh.Client, error) {
	config, err := sshConfig(cred)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		config.Timeout = time.Until(deadline)
	}

	addr := net.JoinHostPort(cred.Host, strconv.Itoa(portOr(cred.Port, 22)))
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		if strings.Contains(err.Error(), "unable to authenticate") ||
			strings.Contains(err.Error(), "permission denied") {
			return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
		}
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnectionFailed, addr, err)
	}
	return client, nil
}

// sshConfig builds client auth from the vault secret: a PEM private key if
// the secret looks like one, password auth otherwise.
func sshConfig(cred vault.Credential) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if strings.Contains(cred.Secret, "PRIVATE KEY-----") {
		signer, err := ssh.ParsePrivateKey([]byte(cred.Secret))
		if err != nil {
			return nil, fmt.Errorf("%w: parsing private key: %v", ErrAuthFailed, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	} else {
		auth = append(auth, ssh.Password(cred.Secret))
	}

	return &ssh.ClientConfig{
		User: cred.Username,
		Auth: auth,
		// Managed hosts are registered by an operator through the vault;
		// host key pinning is tracked separately.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}, nil
}

func portOr(port, fallback int) int {
	if port > 0 {
		return port
	}
	return fallback
}
