package policy

// BuiltinPolicies returns the policies every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		nonEmptyExperimentPolicy(),
		danglingReferencesPolicy(),
		selfBlockingConditionPolicy(),
		isolatedApplicationPolicy(),
	}
}

// nonEmptyExperimentPolicy rejects designs without resources.
func nonEmptyExperimentPolicy() Policy {
	return Policy{
		Name:        "non-empty-experiment",
		Description: "Experiments must register at least one resource",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"structure"},
		Rego: `package nepi.policies.empty

import rego.v1

deny contains violation if {
	count(object.get(input, "resources", [])) == 0
	violation := {"message": "experiment has no resources"}
}`,
	}
}

// danglingReferencesPolicy rejects connections and conditions that point
// at unregistered resources.
func danglingReferencesPolicy() Policy {
	return Policy{
		Name:        "dangling-references",
		Description: "Connections and conditions must reference registered resources",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"structure", "conditions"},
		Rego: `package nepi.policies.references

import rego.v1

guids contains r.guid if some r in input.resources

deny contains violation if {
	some r in input.resources
	some peer in object.get(r, "connections", [])
	not peer in guids
	violation := {
		"message": sprintf("connected to unknown resource %v", [peer]),
		"guid": r.guid,
	}
}

deny contains violation if {
	some r in input.resources
	some c in object.get(r, "conditions", [])
	some g in c.group
	not g in guids
	violation := {
		"message": sprintf("%s condition waits on unknown resource %v", [c.action, g]),
		"guid": r.guid,
	}
}`,
	}
}

// selfBlockingConditionPolicy rejects conditions that make an action wait
// for a state the resource can only reach through that same action.
func selfBlockingConditionPolicy() Policy {
	return Policy{
		Name:        "self-blocking-condition",
		Description: "An action must not wait for a state of its own resource that the action itself produces",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"conditions"},
		Rego: `package nepi.policies.selfblock

import rego.v1

unreachable := {
	"deploy": {"discovered", "provisioned", "ready", "started", "stopped", "released"},
	"start": {"started", "stopped", "released"},
	"stop": {"stopped", "released"},
	"release": {"released"},
}

deny contains violation if {
	some r in input.resources
	some c in object.get(r, "conditions", [])
	r.guid in c.group
	c.state in unreachable[c.action]
	violation := {
		"message": sprintf("%s waits for its own resource to be %s", [c.action, c.state]),
		"guid": r.guid,
	}
}`,
	}
}

// isolatedApplicationPolicy warns about applications without a node.
func isolatedApplicationPolicy() Policy {
	return Policy{
		Name:        "isolated-application",
		Description: "Applications should be connected to the node they run on",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"structure"},
		Rego: `package nepi.policies.isolated

import rego.v1

deny contains violation if {
	some r in input.resources
	endswith(r.type, "::Application")
	count(object.get(r, "connections", [])) == 0
	violation := {
		"message": sprintf("%s is not connected to any resource", [r.type]),
		"guid": r.guid,
	}
}`,
	}
}
