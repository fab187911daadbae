package execution

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// Default controller settings.
const (
	DefaultWorkers         = 20
	DefaultRescheduleDelay = 500 * time.Millisecond
	DefaultShutdownTimeout = 30 * time.Second
)

// Config configures an experiment controller. It is copied at construction
// and cannot change for the lifetime of the controller.
type Config struct {
	// Workers is the size of the worker pool.
	Workers int

	// RescheduleDelay is how long an action whose preconditions do not hold
	// waits before it is retried.
	RescheduleDelay time.Duration

	// ShutdownTimeout bounds how long Shutdown waits for releases before
	// forcing the remaining resources to RELEASED.
	ShutdownTimeout time.Duration

	// ExperimentID names the experiment. A uuid is generated when empty.
	ExperimentID string

	// RunDir is where resources keep per-run files.
	RunDir string

	// Logger receives controller and resource logs.
	Logger zerolog.Logger

	// Tracer wraps every lifecycle hook in a span. Defaults to the global
	// OpenTelemetry provider.
	Tracer trace.Tracer

	// Publisher receives lifecycle events.
	Publisher EventPublisher
}

// DefaultConfig returns the default controller configuration.
func DefaultConfig() Config {
	return Config{
		Workers:         DefaultWorkers,
		RescheduleDelay: DefaultRescheduleDelay,
		ShutdownTimeout: DefaultShutdownTimeout,
		Logger:          zerolog.Nop(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.RescheduleDelay <= 0 {
		return fmt.Errorf("reschedule delay must be positive, got %s", c.RescheduleDelay)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive, got %s", c.ShutdownTimeout)
	}
	return nil
}

// DeployOptions tunes a Deploy call.
type DeployOptions struct {
	// WaitAllReady holds every start until all resources of the deploy
	// call are READY (or failed). When false each resource starts as soon
	// as its own START conditions hold.
	WaitAllReady bool
}

// DefaultDeployOptions returns the options Deploy is normally called with.
func DefaultDeployOptions() DeployOptions {
	return DeployOptions{WaitAllReady: true}
}
