// Package policy checks experiment designs against Open Policy Agent (Rego)
// policies before they are deployed.
//
// Every policy is a Rego module with a deny set. Each element is either a
// message or an object:
//
//	package lab.limits
//
//	import rego.v1
//
//	deny contains violation if {
//		count(input.resources) > 500
//		violation := {"message": "experiment too large", "severity": "error"}
//	}
//
// The input document holds the experiment id, the resources of the design
// (guid, type, attributes, connections, conditions and traces), the
// registered type names and an evaluation context.
//
// Violations with error or critical severity reject the design. Plugged into
// a controller through Engine.Validator, a rejection fails the deploy with a
// controller-level failure:
//
//	eng, _ := policy.NewEngine(logger)
//	_ = eng.LoadPolicies(ctx, []string{"policies/"})
//	ec.AddValidator(eng.Validator(5 * time.Second))
//
// Engine.Watch reloads policy directories when files change.
package policy
