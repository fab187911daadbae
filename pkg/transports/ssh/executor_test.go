package ssh

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nepi-go/nepi/internal/sshtest"
)

func TestExecuteCommand(t *testing.T) {
	srv := sshtest.NewServer(t)
	client := connectedClient(t, passwordConfig(srv))

	tests := []struct {
		name           string
		command        string
		expectStatus   int
		expectedStdout string
		expectedStderr string
	}{
		{
			name:           "simple echo",
			command:        "echo test",
			expectStatus:   -1,
			expectedStdout: "test",
		},
		{
			name:           "stderr output",
			command:        "echo error >&2",
			expectStatus:   -1,
			expectedStderr: "error",
		},
		{
			name:           "exit with error",
			command:        "echo partial; echo boom >&2; exit 3",
			expectStatus:   3,
			expectedStdout: "partial",
			expectedStderr: "boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stdout, stderr, err := client.ExecuteCommand(context.Background(), tt.command)

			if status := ExitStatus(err); status != tt.expectStatus {
				t.Errorf("expected exit status %d, got %d (err: %v)", tt.expectStatus, status, err)
			}
			if tt.expectStatus < 0 && err != nil {
				t.Fatalf("command failed: %v", err)
			}
			if stdout != tt.expectedStdout {
				t.Errorf("expected stdout '%s', got '%s'", tt.expectedStdout, stdout)
			}
			if stderr != tt.expectedStderr {
				t.Errorf("expected stderr '%s', got '%s'", tt.expectedStderr, stderr)
			}
		})
	}
}

func TestRunResult(t *testing.T) {
	srv := sshtest.NewServer(t)
	client := connectedClient(t, passwordConfig(srv))

	res, err := client.Run(context.Background(), "exit 7")
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got %T: %v", err, err)
	}
	if exitErr.Command != "exit 7" || res.ExitCode != 7 {
		t.Errorf("unexpected result %+v / %+v", res, exitErr)
	}
	if res.Duration <= 0 || res.FinishedAt.Before(res.StartedAt) {
		t.Errorf("expected timing information, got %+v", res)
	}
}

func TestExecuteCommandTimeout(t *testing.T) {
	srv := sshtest.NewServer(t)
	client := connectedClient(t, passwordConfig(srv))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, _, err := client.ExecuteCommand(ctx, "sleep 2")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if ExitStatus(err) != -1 {
		t.Errorf("a timed out command has no exit status, got %d", ExitStatus(err))
	}
}

func TestExecuteCommandDefaultTimeout(t *testing.T) {
	srv := sshtest.NewServer(t)

	config := passwordConfig(srv)
	config.CommandTimeout = 200 * time.Millisecond
	client := connectedClient(t, config)

	if _, _, err := client.ExecuteCommand(context.Background(), "sleep 2"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected command timeout, got %v", err)
	}
}

func TestExecuteCommandWithSudo(t *testing.T) {
	srv := sshtest.NewServer(t)
	client := connectedClient(t, passwordConfig(srv))

	// Whether sudo exists on the test machine does not matter; the command
	// must reach the host prefixed for non-interactive sudo.
	_, _, _ = client.ExecuteCommandWithSudo(context.Background(), "true")

	commands := srv.Commands()
	if len(commands) == 0 || commands[len(commands)-1] != "sudo -n true" {
		t.Errorf("expected 'sudo -n true' to be executed, got %v", commands)
	}
}
