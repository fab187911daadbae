// Package ssh provides the SSH transport testbed resources use to reach
// their hosts: command execution over sessions and file access over SFTP.
package ssh

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Transport defines the remote operations a testbed host supports.
type Transport interface {
	// Connect establishes the connection. Connecting an already connected
	// transport is a no-op while the connection is healthy.
	Connect(ctx context.Context) error

	// Disconnect closes the connection.
	Disconnect() error

	IsConnected() bool

	// HealthCheck runs a trivial command on the remote host.
	HealthCheck(ctx context.Context) error

	// ExecuteCommand runs cmd and returns its trimmed stdout and stderr.
	// A non-zero exit status is reported as an *ExitError.
	ExecuteCommand(ctx context.Context, cmd string) (stdout string, stderr string, err error)

	// ExecuteCommandWithSudo runs cmd through non-interactive sudo.
	ExecuteCommandWithSudo(ctx context.Context, cmd string) (stdout string, stderr string, err error)

	// UploadFile copies a local file to remotePath, creating parent
	// directories as needed.
	UploadFile(ctx context.Context, localPath string, remotePath string, mode uint32) error

	// WriteFile writes data to remotePath, creating parent directories as
	// needed.
	WriteFile(ctx context.Context, remotePath string, data []byte, mode uint32) error

	// ReadFile returns the contents of remotePath.
	ReadFile(ctx context.Context, remotePath string) ([]byte, error)

	// DownloadFile copies remotePath to a local file.
	DownloadFile(ctx context.Context, remotePath string, localPath string) error

	// Stat returns the size of remotePath.
	Stat(ctx context.Context, remotePath string) (int64, error)

	// RemoveAll deletes remotePath and everything below it.
	RemoveAll(ctx context.Context, remotePath string) error

	// ComputeChecksum returns the hex SHA256 of remotePath.
	ComputeChecksum(ctx context.Context, remotePath string) (string, error)

	GetConnectionInfo() ConnectionInfo
}

// ConnectionInfo contains details about an active SSH connection.
type ConnectionInfo struct {
	Host         string
	Port         int
	User         string
	Gateway      string
	ConnectedAt  time.Time
	LastActivity time.Time
}

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "upload")
	Op string

	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// ExitError reports a command that ran and exited with a non-zero status.
type ExitError struct {
	Command string
	Status  int
	Stderr  string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("command exited with code %d", e.Status)
	}
	return fmt.Sprintf("command exited with code %d: %s", e.Status, e.Stderr)
}

// ExitStatus returns the exit status of a failed command, or -1 when err
// does not carry one.
func ExitStatus(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Status
	}
	return -1
}

// ErrNotConnected is returned by operations on a disconnected transport.
var ErrNotConnected = errors.New("not connected")
