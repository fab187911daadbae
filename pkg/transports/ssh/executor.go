package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// ExecResult is the outcome of a command that ran to completion.
type ExecResult struct {
	Stdout     string
	Stderr     string
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
}

// ExecuteCommand runs a command on the remote host.
func (c *SSHClient) ExecuteCommand(ctx context.Context, cmd string) (stdout string, stderr string, err error) {
	res, err := c.Run(ctx, cmd)
	return res.Stdout, res.Stderr, err
}

// ExecuteCommandWithSudo runs a command through non-interactive sudo.
func (c *SSHClient) ExecuteCommandWithSudo(ctx context.Context, cmd string) (stdout string, stderr string, err error) {
	res, err := c.Run(ctx, "sudo -n "+cmd)
	return res.Stdout, res.Stderr, err
}

// Run executes cmd in a new session. The result is filled in whenever the
// command ran, including when it exited with a non-zero status, in which
// case err is an *ExitError. Without a context deadline the command is
// bounded by the configured command timeout.
func (c *SSHClient) Run(ctx context.Context, cmd string) (ExecResult, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.CommandTimeout)
		defer cancel()
	}

	res := ExecResult{StartedAt: time.Now()}
	c.logger.Debug().Str("command", cmd).Msg("Executing command")

	client, err := c.getClient("execute")
	if err != nil {
		return res, err
	}
	session, err := client.NewSession()
	if err != nil {
		return res, &TransportError{
			Op:          "execute",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		_ = session.Close()
		execErr = ctx.Err()
		<-done
	case execErr = <-done:
	}

	res.FinishedAt = time.Now()
	res.Duration = res.FinishedAt.Sub(res.StartedAt)
	res.Stdout = strings.TrimSpace(stdoutBuf.String())
	res.Stderr = strings.TrimSpace(stderrBuf.String())

	c.logger.Debug().
		Str("command", cmd).
		Int("stdout_len", len(res.Stdout)).
		Int("stderr_len", len(res.Stderr)).
		Dur("duration", res.Duration).
		Err(execErr).
		Msg("Command completed")

	if execErr == nil {
		return res, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(execErr, &exitErr) {
		res.ExitCode = exitErr.ExitStatus()
		return res, &ExitError{Command: cmd, Status: res.ExitCode, Stderr: res.Stderr}
	}
	res.ExitCode = -1
	return res, &TransportError{
		Op:          "execute",
		Err:         execErr,
		IsTemporary: !errors.Is(execErr, context.Canceled),
	}
}
