package policy

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nepi-go/nepi/pkg/execution"
	"github.com/nepi-go/nepi/pkg/resources/dummy"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

func resource(guid execution.Guid, rtype string, connections ...execution.Guid) execution.ResourceDesign {
	return execution.ResourceDesign{Guid: guid, Type: rtype, Connections: connections}
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	policies := eng.ListPolicies()
	expected := []string{
		"dangling-references",
		"isolated-application",
		"non-empty-experiment",
		"self-blocking-condition",
	}
	if len(policies) != len(expected) {
		t.Fatalf("Expected %d built-in policies, got %d", len(expected), len(policies))
	}
	for i, name := range expected {
		if policies[i].Name != name {
			t.Errorf("Policy %d: expected %s, got %s", i, name, policies[i].Name)
		}
		if !policies[i].Builtin || !policies[i].Enabled {
			t.Errorf("Policy %s should be an enabled built-in", name)
		}
	}
}

func TestBuiltinPolicies(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name          string
		resources     []execution.ResourceDesign
		expectAllowed bool
		expectPolicy  string
		expectGuid    execution.Guid
		expectWarning string
	}{
		{
			name: "valid experiment",
			resources: []execution.ResourceDesign{
				resource(1, dummy.NodeType, 2),
				resource(2, dummy.ApplicationType, 1),
			},
			expectAllowed: true,
		},
		{
			name:          "empty experiment",
			expectAllowed: false,
			expectPolicy:  "non-empty-experiment",
		},
		{
			name: "dangling connection",
			resources: []execution.ResourceDesign{
				resource(1, dummy.NodeType, 9),
			},
			expectAllowed: false,
			expectPolicy:  "dangling-references",
			expectGuid:    1,
		},
		{
			name: "dangling condition",
			resources: []execution.ResourceDesign{
				resource(1, dummy.NodeType, 2),
				{
					Guid: 2, Type: dummy.ApplicationType, Connections: []execution.Guid{1},
					Conditions: []execution.ConditionDesign{
						{Action: execution.ActionStart, Group: []execution.Guid{7}, State: execution.StateStarted},
					},
				},
			},
			expectAllowed: false,
			expectPolicy:  "dangling-references",
			expectGuid:    2,
		},
		{
			name: "start waits for itself",
			resources: []execution.ResourceDesign{
				resource(1, dummy.NodeType, 2),
				{
					Guid: 2, Type: dummy.ApplicationType, Connections: []execution.Guid{1},
					Conditions: []execution.ConditionDesign{
						{Action: execution.ActionStart, Group: []execution.Guid{2}, State: execution.StateStarted},
					},
				},
			},
			expectAllowed: false,
			expectPolicy:  "self-blocking-condition",
			expectGuid:    2,
		},
		{
			name: "stop after own start is fine",
			resources: []execution.ResourceDesign{
				resource(1, dummy.NodeType, 2),
				{
					Guid: 2, Type: dummy.ApplicationType, Connections: []execution.Guid{1},
					Conditions: []execution.ConditionDesign{
						{Action: execution.ActionStop, Group: []execution.Guid{2}, State: execution.StateStarted, After: time.Second},
					},
				},
			},
			expectAllowed: true,
		},
		{
			name: "isolated application only warns",
			resources: []execution.ResourceDesign{
				resource(1, dummy.ApplicationType),
			},
			expectAllowed: true,
			expectWarning: "isolated-application",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := eng.Evaluate(context.Background(), &Input{ExperimentID: "exp", Resources: tt.resources})
			if err != nil {
				t.Fatalf("Evaluation failed: %v", err)
			}
			if result.Allowed != tt.expectAllowed {
				t.Errorf("Expected allowed=%v, got %v (violations: %v)", tt.expectAllowed, result.Allowed, result.Violations)
			}
			if len(result.EvaluatedPolicies) != 4 {
				t.Errorf("Expected 4 evaluated policies, got %v", result.EvaluatedPolicies)
			}

			if tt.expectPolicy != "" {
				found := false
				for _, v := range result.Violations {
					if v.Policy == tt.expectPolicy && v.Guid == tt.expectGuid {
						found = true
					}
				}
				if !found {
					t.Errorf("Expected violation of %s on guid %d, got %v", tt.expectPolicy, tt.expectGuid, result.Violations)
				}
			}
			if tt.expectWarning != "" {
				if len(result.Warnings) != 1 || result.Warnings[0].Policy != tt.expectWarning {
					t.Errorf("Expected warning from %s, got %v", tt.expectWarning, result.Warnings)
				}
			}
		})
	}
}

func TestCustomPolicy(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	err := eng.AddPolicy(ctx, Policy{
		Name:     "max-nodes",
		Severity: SeverityWarning,
		Enabled:  true,
		Rego: `package lab.limits

import rego.v1

nodes := [r | some r in input.resources; r.type == "dummy::Node"]

deny contains "too many nodes" if count(nodes) > 1

deny contains violation if {
	some r in input.resources
	r.attributes.hostname == "forbidden"
	violation := {"message": "forbidden host", "severity": "critical", "guid": r.guid}
}`,
	})
	if err != nil {
		t.Fatalf("Failed to add policy: %v", err)
	}

	input := &Input{Resources: []execution.ResourceDesign{
		{Guid: 1, Type: dummy.NodeType, Attributes: map[string]string{"hostname": "forbidden"}},
		{Guid: 2, Type: dummy.NodeType},
	}}
	result, err := eng.Evaluate(ctx, input)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if result.Allowed {
		t.Fatal("Expected critical violation to block")
	}
	if len(result.Violations) != 1 || result.Violations[0].Guid != 1 || result.Violations[0].Severity != SeverityCritical {
		t.Errorf("Unexpected violations: %v", result.Violations)
	}
	if len(result.Warnings) != 1 || result.Warnings[0].Message != "too many nodes" {
		t.Errorf("Unexpected warnings: %v", result.Warnings)
	}
	if input.Context.Operation != "validate" {
		t.Errorf("Expected default operation validate, got %s", input.Context.Operation)
	}

	if err := eng.DisablePolicy("max-nodes"); err != nil {
		t.Fatalf("Failed to disable policy: %v", err)
	}
	result, err = eng.Evaluate(ctx, input)
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if !result.Allowed {
		t.Errorf("Expected disabled policy to be skipped: %v", result.Violations)
	}
	if err := eng.EnablePolicy("max-nodes"); err != nil {
		t.Fatalf("Failed to enable policy: %v", err)
	}
	if err := eng.EnablePolicy("missing"); err == nil {
		t.Error("Expected error for unknown policy")
	}

	if _, err := eng.GetPolicy("max-nodes"); err != nil {
		t.Errorf("Failed to get policy: %v", err)
	}
}

func TestAddPolicyRejectsInvalidRego(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	tests := []Policy{
		{Name: "syntax", Rego: "package broken\ndeny contains"},
		{Name: "", Rego: "package p\n"},
		{Name: "severity", Severity: "fatal", Rego: "package p\n"},
	}
	for _, p := range tests {
		if err := eng.AddPolicy(ctx, p); err == nil {
			t.Errorf("Expected error for policy %q", p.Name)
		}
	}
}

func TestValidatorFailsDeploy(t *testing.T) {
	eng := newTestEngine(t)

	reg := execution.NewTypeRegistry()
	if err := dummy.Register(reg); err != nil {
		t.Fatal(err)
	}
	cfg := execution.DefaultConfig()
	cfg.Workers = 2
	ec, err := execution.NewController(reg, cfg)
	if err != nil {
		t.Fatalf("Failed to create controller: %v", err)
	}
	defer ec.Shutdown(context.Background())

	node, _ := ec.RegisterResource(dummy.NodeType)
	app, _ := ec.RegisterResource(dummy.ApplicationType)
	if err := ec.RegisterConnection(node, app); err != nil {
		t.Fatal(err)
	}
	if err := ec.RegisterCondition([]execution.Guid{app}, execution.ActionStart,
		[]execution.Guid{app}, execution.StateStopped, 0); err != nil {
		t.Fatal(err)
	}
	ec.AddValidator(eng.Validator(5 * time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = ec.Deploy(ctx, execution.DefaultDeployOptions())
	if err == nil {
		t.Fatal("Expected deploy to be rejected")
	}

	var verr *ViolationError
	if !errors.As(err, &verr) {
		t.Fatalf("Expected ViolationError, got %T: %v", err, err)
	}
	if len(verr.Violations) != 1 || verr.Violations[0].Policy != "self-blocking-condition" {
		t.Errorf("Unexpected violations: %v", verr.Violations)
	}
	if !strings.Contains(err.Error(), "start waits for its own resource to be stopped") {
		t.Errorf("Unexpected error message: %v", err)
	}
	if ec.FailureLevel() != execution.FailureEC {
		t.Errorf("Expected controller failure, got %s", ec.FailureLevel())
	}
}
