package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// SSHClient implements Transport over a single SSH connection. Sessions and
// the SFTP client are multiplexed over that connection, so one SSHClient is
// shared by every resource on the same host.
type SSHClient struct {
	config *Config
	logger zerolog.Logger

	connMu      sync.RWMutex
	client      *ssh.Client
	gateway     *ssh.Client
	isConnected bool
	connectedAt time.Time
	stop        chan struct{}

	lastUsedAt atomic.Int64

	sftpMu sync.Mutex
	sftp   *sftp.Client
}

var _ Transport = (*SSHClient)(nil)

// NewSSHClient creates a new SSH transport client.
func NewSSHClient(config *Config, logger zerolog.Logger) (*SSHClient, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &SSHClient{
		config: config,
		logger: logger.With().Str("component", "ssh").Str("host", config.Host).Logger(),
	}, nil
}

// Connect establishes an SSH connection to the remote host.
func (c *SSHClient) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.isConnected && c.client != nil {
		if err := c.healthCheckInternal(); err == nil {
			return nil
		}
		c.logger.Warn().Msg("Existing connection is dead, reconnecting")
		_ = c.closeLocked()
	}

	var err error
	if c.config.Gateway != "" {
		err = c.connectViaGateway(ctx)
	} else {
		c.client, err = c.dial(ctx, nil, c.config.Address(), c.config.User)
	}
	if err != nil {
		return err
	}

	c.isConnected = true
	c.connectedAt = time.Now()
	c.touch()
	c.stop = make(chan struct{})
	if c.config.KeepAliveInterval > 0 {
		go c.keepAlive(c.client, c.stop)
	}

	c.logger.Info().Str("address", c.config.Address()).Msg("SSH connection established")
	return nil
}

// dial opens an SSH connection to address, directly or through via.
func (c *SSHClient) dial(ctx context.Context, via *ssh.Client, address, user string) (*ssh.Client, error) {
	clientConfig, closeAuth, err := c.config.BuildSSHClientConfig(user)
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}
	defer closeAuth()

	var conn net.Conn
	if via != nil {
		conn, err = via.DialContext(ctx, "tcp", address)
	} else {
		d := net.Dialer{Timeout: c.config.ConnectionTimeout}
		conn, err = d.DialContext(ctx, "tcp", address)
	}
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err, IsTemporary: true}
	}

	// The handshake is not context aware; bound it by the context deadline.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	ncc, chans, reqs, err := ssh.NewClientConn(conn, address, clientConfig)
	if err != nil {
		_ = conn.Close()
		return nil, &TransportError{
			Op:          "connect",
			Err:         err,
			IsTemporary: ctx.Err() == nil && !isAuthFailure(err),
			IsAuthError: isAuthFailure(err),
		}
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(ncc, chans, reqs), nil
}

// connectViaGateway connects to the gateway and tunnels to the target.
func (c *SSHClient) connectViaGateway(ctx context.Context) error {
	c.logger.Debug().Str("gateway", c.config.GatewayAddress()).Msg("Connecting to gateway")

	gateway, err := c.dial(ctx, nil, c.config.GatewayAddress(), c.config.gatewayUser())
	if err != nil {
		var te *TransportError
		if errors.As(err, &te) {
			te.Op = "connect-gateway"
		}
		return err
	}
	target, err := c.dial(ctx, gateway, c.config.Address(), c.config.User)
	if err != nil {
		_ = gateway.Close()
		return err
	}
	c.gateway = gateway
	c.client = target
	return nil
}

func isAuthFailure(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}

// Disconnect closes the SSH connection and releases all resources.
func (c *SSHClient) Disconnect() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if !c.isConnected || c.client == nil {
		return nil
	}
	c.logger.Debug().Msg("Closing SSH connection")
	if err := c.closeLocked(); err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

func (c *SSHClient) closeLocked() error {
	c.sftpMu.Lock()
	if c.sftp != nil {
		_ = c.sftp.Close()
		c.sftp = nil
	}
	c.sftpMu.Unlock()

	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	err := c.client.Close()
	if c.gateway != nil {
		_ = c.gateway.Close()
		c.gateway = nil
	}
	c.client = nil
	c.isConnected = false
	return err
}

// IsConnected returns true if the transport has an active connection.
func (c *SSHClient) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.isConnected
}

// HealthCheck verifies the connection is still alive and responsive.
func (c *SSHClient) HealthCheck(ctx context.Context) error {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	if !c.isConnected || c.client == nil {
		return &TransportError{Op: "healthcheck", Err: ErrNotConnected}
	}
	return c.healthCheckInternal()
}

// healthCheckInternal must be called with connMu held.
func (c *SSHClient) healthCheckInternal() error {
	session, err := c.client.NewSession()
	if err != nil {
		return &TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
	}
	defer session.Close()

	if err := session.Run("true"); err != nil {
		return &TransportError{Op: "healthcheck", Err: err, IsTemporary: true}
	}
	return nil
}

// keepAlive sends keep-alive requests until stop is closed or too many
// requests in a row fail.
func (c *SSHClient) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	retries := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			retries++
			c.logger.Warn().Err(err).Int("retries", retries).Msg("Keep-alive failed")
			if retries >= c.config.MaxKeepAliveRetries {
				c.logger.Error().Msg("Keep-alive failed too many times, connection may be dead")
				return
			}
			continue
		}
		retries = 0
		c.touch()
	}
}

// GetConnectionInfo returns information about the current connection.
func (c *SSHClient) GetConnectionInfo() ConnectionInfo {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	return ConnectionInfo{
		Host:         c.config.Host,
		Port:         c.config.Port,
		User:         c.config.User,
		Gateway:      c.config.Gateway,
		ConnectedAt:  c.connectedAt,
		LastActivity: time.Unix(0, c.lastUsedAt.Load()),
	}
}

func (c *SSHClient) touch() {
	c.lastUsedAt.Store(time.Now().UnixNano())
}

// getClient returns the underlying SSH client for sessions and SFTP.
func (c *SSHClient) getClient(op string) (*ssh.Client, error) {
	c.connMu.RLock()
	defer c.connMu.RUnlock()

	if !c.isConnected || c.client == nil {
		return nil, &TransportError{Op: op, Err: ErrNotConnected}
	}
	c.touch()
	return c.client, nil
}
