// Package telemetry provides the observability stack of an experiment process.
//
// It combines structured logging (zerolog), tracing (OpenTelemetry), metrics
// (Prometheus) and an event publisher that fans controller events out to
// subscribers.
//
// # Usage
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	cfg := tel.Instrument(execution.DefaultConfig())
//	ec, err := execution.NewController(registry, cfg)
//
// Instrument routes controller events through an Observer, which records
// transition counts, hook latencies, failures and runner samples before
// handing the event to the EventPublisher.
//
// # Metrics
//
// Exposed under the configured namespace (nepi by default):
//
//	resource_transitions_total{rtype,state}
//	resource_hook_duration_seconds{rtype,hook,status}
//	resource_failures_total{rtype,action,critical}
//	controller_failures_total
//	active_experiments
//	runner_runs_total{status}
//	runner_run_duration_seconds
//	runner_last_metric{experiment_id}
//	events_dropped_total
//
// Serve them with Metrics.StartMetricsServer.
//
// # Events
//
// Subscribers receive events in publish order from a single goroutine:
//
//	tel.Events.Subscribe(func(ev execution.Event) {
//	    fmt.Println(ev.Type, ev.Guid, ev.To)
//	}, telemetry.FilterByType(execution.EventResourceFailed))
package telemetry
