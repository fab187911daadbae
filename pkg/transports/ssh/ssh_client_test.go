package ssh

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nepi-go/nepi/internal/sshtest"
)

func passwordConfig(srv *sshtest.Server) *Config {
	config := DefaultConfig(srv.Host, sshtest.User)
	config.Port = srv.Port
	config.AuthMethod = AuthMethodPassword
	config.Password = sshtest.Password
	config.ConnectionTimeout = 5 * time.Second
	return config
}

// connectedClient returns a client connected to srv, disconnected when the
// test ends.
func connectedClient(t *testing.T, config *Config) *SSHClient {
	t.Helper()

	client, err := NewSSHClient(config, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect() })
	return client
}

func TestSSHClientConnect(t *testing.T) {
	srv := sshtest.NewServer(t)
	client := connectedClient(t, passwordConfig(srv))

	if !client.IsConnected() {
		t.Error("expected client to be connected")
	}

	info := client.GetConnectionInfo()
	if info.Host != srv.Host || info.Port != srv.Port {
		t.Errorf("unexpected connection info: %+v", info)
	}
	if info.User != sshtest.User {
		t.Errorf("expected user '%s', got '%s'", sshtest.User, info.User)
	}
	if info.ConnectedAt.IsZero() || info.LastActivity.IsZero() {
		t.Errorf("expected connection timestamps, got %+v", info)
	}

	// Connecting a healthy client again is a no-op.
	if err := client.Connect(context.Background()); err != nil {
		t.Errorf("reconnect failed: %v", err)
	}
}

func TestSSHClientKeyBasedAuth(t *testing.T) {
	srv := sshtest.NewServer(t)

	config := DefaultConfig(srv.Host, sshtest.User)
	config.Port = srv.Port
	config.PrivateKeyPath = srv.KeyPath
	client := connectedClient(t, config)

	stdout, _, err := client.ExecuteCommand(context.Background(), "echo key")
	if err != nil {
		t.Fatalf("command failed: %v", err)
	}
	if stdout != "key" {
		t.Errorf("expected stdout 'key', got '%s'", stdout)
	}
}

func TestSSHClientAuthFailure(t *testing.T) {
	srv := sshtest.NewServer(t)

	config := passwordConfig(srv)
	config.Password = "wrong"
	client, err := NewSSHClient(config, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	err = client.Connect(context.Background())
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %T: %v", err, err)
	}
	if !te.IsAuthError || te.Temporary() {
		t.Errorf("expected permanent auth error, got %+v", te)
	}
	if client.IsConnected() {
		t.Error("expected client to stay disconnected")
	}
}

func TestSSHClientConnectRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	config := DefaultConfig("127.0.0.1", sshtest.User)
	config.Port = port
	config.AuthMethod = AuthMethodPassword
	config.Password = sshtest.Password
	client, err := NewSSHClient(config, zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}

	err = client.Connect(context.Background())
	var te *TransportError
	if !errors.As(err, &te) || !te.Temporary() || te.Op != "connect" {
		t.Errorf("expected temporary connect error, got %v", err)
	}
}

func TestSSHClientHealthCheck(t *testing.T) {
	srv := sshtest.NewServer(t)
	client := connectedClient(t, passwordConfig(srv))

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("health check failed: %v", err)
	}
}

func TestSSHClientDisconnect(t *testing.T) {
	srv := sshtest.NewServer(t)
	client := connectedClient(t, passwordConfig(srv))

	if err := client.Disconnect(); err != nil {
		t.Errorf("disconnect failed: %v", err)
	}
	if client.IsConnected() {
		t.Error("expected client to be disconnected")
	}
	if err := client.Disconnect(); err != nil {
		t.Errorf("second disconnect failed: %v", err)
	}

	err := client.HealthCheck(context.Background())
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if _, _, err := client.ExecuteCommand(context.Background(), "true"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected from execute, got %v", err)
	}
}

func TestSSHClientGateway(t *testing.T) {
	srv := sshtest.NewServer(t)

	// The test server forwards tunnels, so it can be its own gateway.
	config := passwordConfig(srv)
	config.Gateway = srv.Host
	config.GatewayPort = srv.Port
	client := connectedClient(t, config)

	if info := client.GetConnectionInfo(); info.Gateway != srv.Host {
		t.Errorf("expected gateway '%s', got '%s'", srv.Host, info.Gateway)
	}
	stdout, _, err := client.ExecuteCommand(context.Background(), "echo tunnel")
	if err != nil {
		t.Fatalf("command through gateway failed: %v", err)
	}
	if stdout != "tunnel" {
		t.Errorf("expected stdout 'tunnel', got '%s'", stdout)
	}
}

func TestSSHClientKeepAlive(t *testing.T) {
	srv := sshtest.NewServer(t)

	config := passwordConfig(srv)
	config.KeepAliveInterval = 20 * time.Millisecond
	client := connectedClient(t, config)

	first := client.GetConnectionInfo().LastActivity
	time.Sleep(100 * time.Millisecond)
	if !client.GetConnectionInfo().LastActivity.After(first) {
		t.Error("expected keep-alive to record activity")
	}
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("health check failed: %v", err)
	}
}
