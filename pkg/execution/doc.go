// Package execution drives network experiments: it owns the resource
// managers of an experiment and moves each of them through its lifecycle
// on a bounded worker pool.
//
// # Lifecycle
//
// Every resource manager follows the same state machine:
//
//	NEW -> DISCOVERED -> PROVISIONED -> READY -> STARTED -> STOPPED -> RELEASED
//	any state except RELEASED -> FAILED -> RELEASED
//
// Concrete resource types implement the Resource capability set (Deploy,
// Start, Stop, Release) and may add Discoverable, Provisionable,
// ConnectionValidator, Monitor, Tracer or Dependent. BaseResource supplies
// no-op hooks and DefaultDeploy the standard discover/provision/ready
// progression.
//
// # Conditions
//
// A condition gates an action of a resource until a group of resources
// has reached a state, optionally plus a minimum delay:
//
//	// start the client one second after the server started
//	ec.RegisterCondition([]execution.Guid{client}, execution.ActionStart,
//	    []execution.Guid{server}, execution.StateStarted, time.Second)
//
// # Scheduling
//
// Deploy schedules one task per resource and returns. A task whose
// preconditions do not hold is put back in the delay queue for the
// reschedule delay instead of blocking its worker, so a small pool can
// drive thousands of resources. Callers block on WaitDeployed,
// WaitStarted, WaitFinished or WaitReleased and end the cycle with
// Shutdown.
//
// # Failures
//
// Hook errors and panics are contained at the task boundary and move the
// resource to FAILED. The FailureManager decides whether the experiment
// aborts: failures of resources with critical=false are tolerated, any
// other failure stops further deploys and starts while stops and releases
// keep running.
//
// # Runner
//
// Runner repeats an experiment until a run count or a convergence
// function over per-run metrics says enough samples were collected.
package execution
