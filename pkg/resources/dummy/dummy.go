// Package dummy provides simulated resource types. They do no testbed work
// but follow the same dependency rules as real nodes, interfaces, channels
// and applications, which makes them useful for demos and scheduler tests.
package dummy

import (
	"context"
	"fmt"
	"time"

	"github.com/nepi-go/nepi/pkg/execution"
)

// Resource type names.
const (
	NodeType        = "dummy::Node"
	InterfaceType   = "dummy::Interface"
	ChannelType     = "dummy::Channel"
	ApplicationType = "dummy::Application"
)

// Attribute names shared by the dummy types.
const (
	AttrFailOn   = "fail_on"
	AttrDelay    = "delay"
	AttrDuration = "duration"
	AttrHostname = "hostname"
	AttrCommand  = "command"
	AttrOutput   = "output"
)

var failOnValues = []string{"none", "discover", "provision", "deploy", "start", "stop", "release"}

func commonSpecs() []execution.AttributeSpec {
	return []execution.AttributeSpec{
		{
			Name:        AttrFailOn,
			Description: "Lifecycle step that returns an error",
			Type:        execution.TypeEnum,
			Default:     "none",
			Allowed:     failOnValues,
			Flags:       execution.FlagDesign,
		},
		{
			Name:        AttrDelay,
			Description: "Seconds each lifecycle step takes",
			Type:        execution.TypeDouble,
			Default:     0.0,
		},
	}
}

// Register adds the dummy types to reg.
func Register(reg *execution.TypeRegistry) error {
	types := []execution.TypeInfo{
		{
			Name:        NodeType,
			Description: "Simulated host; READY once its interfaces are READY",
			Attributes: append(commonSpecs(), execution.AttributeSpec{
				Name:        AttrHostname,
				Description: "Host name",
				Type:        execution.TypeString,
			}),
			New: func() execution.Resource { return &Node{} },
		},
		{
			Name:        InterfaceType,
			Description: "Simulated network interface between a node and a channel",
			Attributes:  commonSpecs(),
			New:         func() execution.Resource { return &Interface{} },
		},
		{
			Name:        ChannelType,
			Description: "Simulated link",
			Attributes:  commonSpecs(),
			New:         func() execution.Resource { return &Channel{} },
		},
		{
			Name:        ApplicationType,
			Description: "Simulated process that runs for a fixed duration",
			Attributes: append(commonSpecs(),
				execution.AttributeSpec{
					Name:        AttrDuration,
					Description: "Seconds the application runs before it finishes",
					Type:        execution.TypeDouble,
					Default:     0.0,
				},
				execution.AttributeSpec{
					Name:        AttrCommand,
					Description: "Command line reported in the stdout trace",
					Type:        execution.TypeString,
				},
				execution.AttributeSpec{
					Name:        AttrOutput,
					Description: "Output produced by the last run",
					Type:        execution.TypeString,
					Flags:       execution.FlagReadOnly,
				},
			),
			New: func() execution.Resource { return &Application{} },
		},
	}
	for _, info := range types {
		if err := reg.Register(info); err != nil {
			return err
		}
	}
	return nil
}

// step simulates the work of a lifecycle step, failing when configured to.
func step(ctx context.Context, rm *execution.ResourceManager, name string) error {
	if rm.GetString(AttrFailOn) == name {
		return fmt.Errorf("%s: simulated %s failure", rm, name)
	}
	delay := time.Duration(rm.GetFloat(AttrDelay) * float64(time.Second))
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// hooks implements the lifecycle steps every dummy type shares.
type hooks struct{}

func (hooks) Discover(ctx context.Context, rm *execution.ResourceManager) error {
	return step(ctx, rm, "discover")
}

func (hooks) Provision(ctx context.Context, rm *execution.ResourceManager) error {
	return step(ctx, rm, "provision")
}

func (hooks) Start(ctx context.Context, rm *execution.ResourceManager) error {
	return step(ctx, rm, "start")
}

func (hooks) Stop(ctx context.Context, rm *execution.ResourceManager) error {
	return step(ctx, rm, "stop")
}

func (hooks) Release(ctx context.Context, rm *execution.ResourceManager) error {
	return step(ctx, rm, "release")
}

func deployStep(ctx context.Context, rm *execution.ResourceManager) error {
	return step(ctx, rm, "deploy")
}

// await returns nil once every peer reached state, ErrReschedule while
// some have not, and a permanent error when a peer failed or was released
// before getting there.
func await(rm *execution.ResourceManager, peers []*execution.ResourceManager, state execution.ResourceState) error {
	pending := false
	for _, peer := range peers {
		s := peer.State()
		switch {
		case s == execution.StateFailed, s == execution.StateReleased:
			return execution.NewPermanentError(fmt.Sprintf("%s: %s is %s", rm, peer, s), nil)
		case s < state:
			pending = true
		}
	}
	if pending {
		return execution.ErrReschedule
	}
	return nil
}

func guids(rms []*execution.ResourceManager) []execution.Guid {
	out := make([]execution.Guid, len(rms))
	for i, rm := range rms {
		out[i] = rm.Guid()
	}
	return out
}

// Node is a simulated host. It discovers and provisions right away but
// becomes READY only once all its interfaces are READY.
type Node struct {
	hooks
}

func (n *Node) Deploy(ctx context.Context, rm *execution.ResourceManager) error {
	if rm.State() < execution.StateProvisioned {
		if err := rm.Discover(ctx); err != nil {
			return err
		}
		if err := rm.Provision(ctx); err != nil {
			return err
		}
	}
	if err := await(rm, rm.GetConnected(InterfaceType), execution.StateReady); err != nil {
		return err
	}
	if err := deployStep(ctx, rm); err != nil {
		return err
	}
	return rm.SetReady()
}

func (n *Node) ValidConnection(_, peer *execution.ResourceManager) bool {
	switch peer.Type() {
	case InterfaceType, ApplicationType:
		return true
	}
	return false
}

// Interface becomes READY once its node is PROVISIONED and its channel READY.
type Interface struct {
	hooks
}

func (i *Interface) Deploy(ctx context.Context, rm *execution.ResourceManager) error {
	nodes := rm.GetConnected(NodeType)
	channels := rm.GetConnected(ChannelType)
	if err := await(rm, nodes, execution.StateProvisioned); err != nil {
		return err
	}
	if err := await(rm, channels, execution.StateReady); err != nil {
		return err
	}
	if err := deployStep(ctx, rm); err != nil {
		return err
	}
	return execution.DefaultDeploy(ctx, rm)
}

func (i *Interface) ValidConnection(_, peer *execution.ResourceManager) bool {
	switch peer.Type() {
	case NodeType, ChannelType:
		return true
	}
	return false
}

func (i *Interface) DependsOn(rm *execution.ResourceManager) []execution.Guid {
	return guids(rm.GetConnected(ChannelType))
}

// Channel is a simulated link with no preconditions.
type Channel struct {
	hooks
}

func (c *Channel) Deploy(ctx context.Context, rm *execution.ResourceManager) error {
	if err := deployStep(ctx, rm); err != nil {
		return err
	}
	return execution.DefaultDeploy(ctx, rm)
}

func (c *Channel) ValidConnection(_, peer *execution.ResourceManager) bool {
	return peer.Type() == InterfaceType
}

// Application runs on a node for the configured duration.
type Application struct {
	hooks
}

func (a *Application) Deploy(ctx context.Context, rm *execution.ResourceManager) error {
	nodes := rm.GetConnected(NodeType)
	if len(nodes) == 0 {
		return fmt.Errorf("%s is not connected to a node", rm)
	}
	if err := await(rm, nodes, execution.StateReady); err != nil {
		return err
	}
	if err := deployStep(ctx, rm); err != nil {
		return err
	}
	return execution.DefaultDeploy(ctx, rm)
}

func (a *Application) Start(ctx context.Context, rm *execution.ResourceManager) error {
	if err := step(ctx, rm, "start"); err != nil {
		return err
	}
	return rm.Update(AttrOutput, fmt.Sprintf("%s: %s", rm.GetConnected(NodeType)[0], rm.GetString(AttrCommand)))
}

// Finished reports whether the configured duration elapsed since start.
func (a *Application) Finished(_ context.Context, rm *execution.ResourceManager) (bool, error) {
	started := rm.StateTime(execution.StateStarted)
	if started.IsZero() {
		return false, nil
	}
	duration := time.Duration(rm.GetFloat(AttrDuration) * float64(time.Second))
	return time.Since(started) >= duration, nil
}

func (a *Application) ValidConnection(_, peer *execution.ResourceManager) bool {
	return peer.Type() == NodeType
}

func (a *Application) DependsOn(rm *execution.ResourceManager) []execution.Guid {
	return guids(rm.GetConnected(NodeType))
}

// Trace returns the application output as the stdout trace.
func (a *Application) Trace(_ context.Context, rm *execution.ResourceManager, name string, attr execution.TraceAttr) (string, error) {
	if name != "stdout" {
		return "", fmt.Errorf("unknown trace %q", name)
	}
	out := rm.GetString(AttrOutput)
	switch attr {
	case execution.TraceSize:
		return fmt.Sprint(len(out)), nil
	case execution.TracePath:
		return fmt.Sprintf("%s/%d/stdout", rm.Controller().RunDir(), rm.Guid()), nil
	default:
		return out, nil
	}
}
