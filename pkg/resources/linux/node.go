package linux

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/nepi-go/nepi/pkg/execution"
	"github.com/nepi-go/nepi/pkg/transports/ssh"
)

// Node connects to its host during discovery and creates the experiment
// directory during provisioning. Applications on the node share its
// connection.
type Node struct {
	execution.BaseResource

	mu      sync.RWMutex
	client  ssh.Transport
	expHome string
}

// Transport returns the connection opened during discovery, or nil.
func (n *Node) Transport() ssh.Transport {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.client
}

// ExpHome returns the experiment directory on the host.
func (n *Node) ExpHome() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.expHome
}

// sshConfig builds the transport configuration from the node attributes.
func sshConfig(rm *execution.ResourceManager) *ssh.Config {
	user := rm.GetString(AttrUsername)
	if user == "" {
		user = os.Getenv("USER")
	}
	config := ssh.DefaultConfig(rm.GetString(AttrHostname), user)
	config.Port = int(rm.GetInt(AttrPort))
	config.KnownHostsPath = rm.GetString(AttrKnownHosts)
	config.StrictHostKeyChecking = config.KnownHostsPath != ""
	config.Gateway = rm.GetString(AttrGateway)
	config.GatewayUser = rm.GetString(AttrGatewayUser)

	switch identity := rm.GetString(AttrIdentity); {
	case identity != "":
		config.PrivateKeyPath = identity
	case os.Getenv("SSH_AUTH_SOCK") != "":
		config.AuthMethod = ssh.AuthMethodAgent
	}
	return config
}

// Discover connects to the host and records its kernel.
func (n *Node) Discover(ctx context.Context, rm *execution.ResourceManager) error {
	client, err := ssh.NewSSHClient(sshConfig(rm), *rm.Logger())
	if err != nil {
		return execution.NewPermanentError(fmt.Sprintf("%s: invalid ssh configuration", rm), err)
	}
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("%s: %w", rm, err)
	}

	home := rm.GetString(AttrHome)
	if home == "" {
		home, _, err = client.ExecuteCommand(ctx, "echo $HOME")
		if err != nil || home == "" {
			_ = client.Disconnect()
			return fmt.Errorf("%s: resolving home directory: %w", rm, err)
		}
	}
	kernel, _, err := client.ExecuteCommand(ctx, "uname -sr")
	if err != nil {
		_ = client.Disconnect()
		return fmt.Errorf("%s: %w", rm, err)
	}
	if err := rm.Update(AttrOS, kernel); err != nil {
		_ = client.Disconnect()
		return err
	}

	n.mu.Lock()
	n.client = client
	n.expHome = expHome(home, rm.Controller().ID())
	n.mu.Unlock()

	rm.Logger().Debug().Str("os", kernel).Str("exp_home", n.ExpHome()).Msg("Node discovered")
	return nil
}

// Provision creates the experiment directory.
func (n *Node) Provision(ctx context.Context, rm *execution.ResourceManager) error {
	if _, _, err := n.Transport().ExecuteCommand(ctx, "mkdir -p "+shellQuote(n.ExpHome())); err != nil {
		return fmt.Errorf("%s: creating experiment directory: %w", rm, err)
	}
	return nil
}

// Release runs the tear down command, removes the experiment directory when
// clean_home is set and closes the connection.
func (n *Node) Release(ctx context.Context, rm *execution.ResourceManager) error {
	client := n.Transport()
	if client == nil {
		return nil
	}
	var errs []error
	if cmd := rm.GetString(AttrTearDown); cmd != "" {
		if _, _, err := client.ExecuteCommand(ctx, cmd); err != nil {
			errs = append(errs, fmt.Errorf("tear down: %w", err))
		}
	}
	if rm.GetBool(AttrCleanHome) {
		if err := client.RemoveAll(ctx, n.ExpHome()); err != nil {
			errs = append(errs, fmt.Errorf("clean home: %w", err))
		}
	}
	if err := client.Disconnect(); err != nil {
		errs = append(errs, err)
	}

	n.mu.Lock()
	n.client = nil
	n.mu.Unlock()

	if len(errs) > 0 {
		return fmt.Errorf("%s: release: %w", rm, errors.Join(errs...))
	}
	return nil
}

// ValidConnection accepts applications only.
func (n *Node) ValidConnection(_, peer *execution.ResourceManager) bool {
	return peer.Type() == ApplicationType
}
