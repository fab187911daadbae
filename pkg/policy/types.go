package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/nepi-go/nepi/pkg/execution"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that do not block a deploy.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the deploy.
	SeverityError Severity = "error"

	// SeverityCritical blocks the deploy.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether violations of this severity reject a design.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Validate checks the severity is known.
func (s Severity) Validate() error {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid severity %q", s)
	}
}

// Policy is a Rego module whose deny set rejects experiment designs.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the policy source. It must define a deny set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is evaluated.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with the engine.
	Builtin bool `json:"builtin,omitempty"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`
}

// Violation is one element of a policy's deny set.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Guid is the offending resource, zero for experiment-wide findings.
	Guid execution.Guid `json:"guid,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

func (v Violation) String() string {
	if v.Guid > 0 {
		return fmt.Sprintf("[%s] %s: resource %d: %s", v.Severity, v.Policy, v.Guid, v.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", v.Severity, v.Policy, v.Message)
}

// Result is the outcome of evaluating every enabled policy.
type Result struct {
	// Allowed is false when any blocking violation was found.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists non-blocking violations.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// EvaluatedAt is when the policies were evaluated.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Input is the document policies see as input.
type Input struct {
	ExperimentID string                     `json:"experiment_id"`
	Resources    []execution.ResourceDesign `json:"resources"`
	Types        []string                   `json:"types,omitempty"`
	Context      Context                    `json:"context"`
}

// Context describes why the design is being evaluated.
type Context struct {
	// Operation is "deploy" when called as a controller validator and
	// "validate" from the CLI.
	Operation string `json:"operation"`

	// RunID is the controller run being deployed, if any.
	RunID string `json:"run_id,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// ViolationError rejects a design.
type ViolationError struct {
	Violations []Violation
}

func (e *ViolationError) Error() string {
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = v.String()
	}
	return fmt.Sprintf("policy check failed with %d violation(s): %s", len(e.Violations), strings.Join(msgs, "; "))
}
