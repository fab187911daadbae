// Package script runs Starlark experiment scripts against an
// ExperimentController.
//
// A script sees the controller as the global "ec" and its arguments as the
// dict "args":
//
//	node = ec.register_resource("linux::Node", hostname = args["host"])
//	app = ec.register_resource("linux::Application", command = "ping -c 3 10.0.0.2")
//	ec.register_connection(node, app)
//	ec.enable_trace(app, "stdout")
//
//	max_runs = 10
//
//	def compute_metric(ec, run):
//	    return float(ec.trace(app, "stdout", "size"))
//
// The optional compute_metric and converged functions become the Runner's
// metric and convergence callbacks; min_runs, max_runs and wait override the
// matching RunnerOptions fields. The json, math and time modules are
// predeclared.
package script
