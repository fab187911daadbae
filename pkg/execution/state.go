package execution

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ResourceState is the lifecycle state of a resource manager.
// The numeric order is the progression order; FAILED sits outside the
// progression and is handled explicitly wherever states are compared.
type ResourceState int

const (
	// StateNew is the state of a freshly registered resource.
	StateNew ResourceState = iota

	// StateDiscovered indicates the testbed resource has been located.
	StateDiscovered

	// StateProvisioned indicates the testbed resource has been provisioned.
	StateProvisioned

	// StateReady indicates deployment finished and the resource can start.
	StateReady

	// StateStarted indicates the resource is running.
	StateStarted

	// StateStopped indicates the resource stopped after running.
	StateStopped

	// StateFailed is the absorbing error sink.
	StateFailed

	// StateReleased is the terminal state.
	StateReleased
)

var stateNames = [...]string{
	StateNew:         "new",
	StateDiscovered:  "discovered",
	StateProvisioned: "provisioned",
	StateReady:       "ready",
	StateStarted:     "started",
	StateStopped:     "stopped",
	StateFailed:      "failed",
	StateReleased:    "released",
}

// String returns the lower-case state name.
func (s ResourceState) String() string {
	if s < StateNew || s > StateReleased {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// IsTerminal returns true for states no scheduling task can move forward.
func (s ResourceState) IsTerminal() bool {
	return s == StateFailed || s == StateReleased
}

// IsProgressive returns true for the states on the normal deploy/run path.
func (s ResourceState) IsProgressive() bool {
	return s >= StateNew && s <= StateStopped
}

// Validate checks if the resource state is valid.
func (s ResourceState) Validate() error {
	if s < StateNew || s > StateReleased {
		return fmt.Errorf("invalid resource state: %d", int(s))
	}
	return nil
}

// ParseResourceState parses a state name, case-insensitively.
func ParseResourceState(name string) (ResourceState, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for i, candidate := range stateNames {
		if candidate == n {
			return ResourceState(i), nil
		}
	}
	return StateNew, fmt.Errorf("invalid resource state: %q", name)
}

// MarshalJSON encodes the state by name.
func (s ResourceState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a state name.
func (s *ResourceState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, err := ParseResourceState(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// MarshalText lets states be used as YAML scalars and map keys.
func (s ResourceState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText is the inverse of MarshalText.
func (s *ResourceState) UnmarshalText(text []byte) error {
	parsed, err := ParseResourceState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// CanTransition reports whether the state machine allows moving from s to next.
//
//	NEW -> DISCOVERED -> PROVISIONED -> READY -> STARTED -> STOPPED -> RELEASED
//	any non-RELEASED state -> FAILED -> RELEASED
func (s ResourceState) CanTransition(next ResourceState) bool {
	switch {
	case s == StateReleased:
		return false
	case next == StateReleased, next == StateFailed:
		return true
	case s == StateFailed:
		return false
	case s == StateStopped:
		// one run per deploy cycle
		return false
	default:
		return next > s && next <= StateStopped
	}
}

// ResourceAction is a lifecycle action that conditions can gate.
type ResourceAction int

const (
	// ActionDeploy drives NEW through READY.
	ActionDeploy ResourceAction = iota

	// ActionStart drives READY to STARTED.
	ActionStart

	// ActionStop drives STARTED to STOPPED.
	ActionStop

	// ActionRelease drives any state to RELEASED.
	ActionRelease
)

var actionNames = [...]string{
	ActionDeploy:  "deploy",
	ActionStart:   "start",
	ActionStop:    "stop",
	ActionRelease: "release",
}

// String returns the lower-case action name.
func (a ResourceAction) String() string {
	if a < ActionDeploy || a > ActionRelease {
		return fmt.Sprintf("action(%d)", int(a))
	}
	return actionNames[a]
}

// ParseResourceAction parses an action name, case-insensitively.
func ParseResourceAction(name string) (ResourceAction, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for i, candidate := range actionNames {
		if candidate == n {
			return ResourceAction(i), nil
		}
	}
	return ActionDeploy, fmt.Errorf("invalid resource action: %q", name)
}

// MarshalText encodes the action by name.
func (a ResourceAction) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText decodes an action name.
func (a *ResourceAction) UnmarshalText(text []byte) error {
	parsed, err := ParseResourceAction(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ControllerState is the overall state of an experiment controller.
type ControllerState string

const (
	// ControllerNew indicates nothing has been deployed yet.
	ControllerNew ControllerState = "new"

	// ControllerRunning indicates a deploy cycle is in progress.
	ControllerRunning ControllerState = "running"

	// ControllerFailed indicates the failure manager requested an abort.
	ControllerFailed ControllerState = "failed"

	// ControllerReleased indicates the controller has been shut down.
	ControllerReleased ControllerState = "released"
)

// IsTerminal returns true if the controller is not driving resources anymore.
func (s ControllerState) IsTerminal() bool {
	return s == ControllerReleased
}
