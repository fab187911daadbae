package execution

import (
	"context"
	"errors"
	"time"
)

// Deployable brings a resource from NEW to READY. Implementations either
// call DefaultDeploy (or the individual rm.Discover, rm.Provision and
// rm.SetReady steps) or return ErrReschedule until their preconditions hold.
type Deployable interface {
	Deploy(ctx context.Context, rm *ResourceManager) error
}

// Startable starts a READY resource.
type Startable interface {
	Start(ctx context.Context, rm *ResourceManager) error
}

// Stoppable stops a STARTED resource.
type Stoppable interface {
	Stop(ctx context.Context, rm *ResourceManager) error
}

// Releasable frees whatever the resource holds on the testbed.
type Releasable interface {
	Release(ctx context.Context, rm *ResourceManager) error
}

// Resource is the capability set every resource type implements.
type Resource interface {
	Deployable
	Startable
	Stoppable
	Releasable
}

// Discoverable resources locate their testbed counterpart during deploy.
type Discoverable interface {
	Discover(ctx context.Context, rm *ResourceManager) error
}

// Provisionable resources provision their testbed counterpart during deploy.
type Provisionable interface {
	Provision(ctx context.Context, rm *ResourceManager) error
}

// ConnectionValidator decides whether a resource accepts a connection to peer.
type ConnectionValidator interface {
	ValidConnection(rm, peer *ResourceManager) bool
}

// Monitor reports whether a STARTED resource has finished on its own.
type Monitor interface {
	Finished(ctx context.Context, rm *ResourceManager) (bool, error)
}

// TraceAttr selects what Trace returns.
type TraceAttr string

const (
	TraceAll    TraceAttr = "all"
	TraceStream TraceAttr = "stream"
	TracePath   TraceAttr = "path"
	TraceSize   TraceAttr = "size"
)

// Tracer gives access to the traces a resource collects.
type Tracer interface {
	Trace(ctx context.Context, rm *ResourceManager, name string, attr TraceAttr) (string, error)
}

// Dependent declares resources that must not be released before this one.
type Dependent interface {
	DependsOn(rm *ResourceManager) []Guid
}

// BaseResource provides no-op lifecycle hooks. Embed it and override what
// the resource type needs.
type BaseResource struct{}

// Deploy runs the default progression.
func (BaseResource) Deploy(ctx context.Context, rm *ResourceManager) error {
	return DefaultDeploy(ctx, rm)
}

// Start does nothing.
func (BaseResource) Start(context.Context, *ResourceManager) error { return nil }

// Stop does nothing.
func (BaseResource) Stop(context.Context, *ResourceManager) error { return nil }

// Release does nothing.
func (BaseResource) Release(context.Context, *ResourceManager) error { return nil }

// DefaultDeploy walks the resource through DISCOVERED, PROVISIONED and
// READY, skipping steps already reached.
func DefaultDeploy(ctx context.Context, rm *ResourceManager) error {
	if rm.State() < StateDiscovered {
		if err := rm.Discover(ctx); err != nil {
			return err
		}
	}
	if rm.State() < StateProvisioned {
		if err := rm.Provision(ctx); err != nil {
			return err
		}
	}
	if rm.State() < StateReady {
		return rm.SetReady()
	}
	return nil
}

// EventType identifies what an Event reports.
type EventType string

const (
	EventTransition        EventType = "resource.transition"
	EventResourceFailed    EventType = "resource.failed"
	EventHookCompleted     EventType = "resource.hook"
	EventControllerFailed  EventType = "controller.failed"
	EventDeployStarted     EventType = "controller.deploy"
	EventControllerRelease EventType = "controller.released"
	EventRunCompleted      EventType = "runner.run"
)

// Event is published by the controller for every observable change.
type Event struct {
	ID           string        `json:"id"`
	Type         EventType     `json:"type"`
	Timestamp    time.Time     `json:"timestamp"`
	ExperimentID string        `json:"experiment_id"`
	RunID        string        `json:"run_id,omitempty"`
	Guid         Guid          `json:"guid,omitempty"`
	RType        string        `json:"rtype,omitempty"`
	Action       string        `json:"action,omitempty"`
	From         ResourceState `json:"from"`
	To           ResourceState `json:"to"`
	Critical     bool          `json:"critical,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
	Run          int           `json:"run,omitempty"`
	Metric       *float64      `json:"metric,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// EventPublisher receives controller events. Publish is called from
// scheduler workers and must not block for long.
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
}

// MultiPublisher fans events out to several publishers.
type MultiPublisher []EventPublisher

// Publish forwards the event to every publisher and joins their errors.
func (m MultiPublisher) Publish(ctx context.Context, event *Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, *Event) error { return nil }
