package telemetry

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for experiment execution. A Metrics
// built from a disabled config accepts every call and records nothing.
type Metrics struct {
	config MetricsConfig

	// Resource lifecycle
	transitions      *prometheus.CounterVec
	hookDuration     *prometheus.HistogramVec
	resourceFailures *prometheus.CounterVec

	// Controller
	controllerFailures prometheus.Counter
	activeExperiments  prometheus.Gauge

	// Runner
	runsCompleted *prometheus.CounterVec
	runDuration   prometheus.Histogram
	runMetric     *prometheus.GaugeVec

	eventsDropped prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resource_transitions_total",
				Help:      "Total number of resource state transitions",
			},
			[]string{"rtype", "state"},
		),
		hookDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "resource_hook_duration_seconds",
				Help:      "Duration of resource lifecycle hooks in seconds",
				Buckets:   buckets,
			},
			[]string{"rtype", "hook", "status"},
		),
		resourceFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resource_failures_total",
				Help:      "Total number of failed resources",
			},
			[]string{"rtype", "action", "critical"},
		),

		controllerFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "controller_failures_total",
				Help:      "Total number of controller level failures",
			},
		),
		activeExperiments: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_experiments",
				Help:      "Number of experiments deployed and not yet released",
			},
		),

		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runner_runs_total",
				Help:      "Total number of completed runner iterations",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "runner_run_duration_seconds",
				Help:      "Duration of runner iterations in seconds",
				Buckets:   buckets,
			},
		),
		runMetric: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "runner_last_metric",
				Help:      "Metric sample of the most recent run",
			},
			[]string{"experiment_id"},
		),

		eventsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_dropped_total",
				Help:      "Events dropped because the buffer was full",
			},
		),
	}

	registry.MustRegister(
		m.transitions,
		m.hookDuration,
		m.resourceFailures,
		m.controllerFailures,
		m.activeExperiments,
		m.runsCompleted,
		m.runDuration,
		m.runMetric,
		m.eventsDropped,
	)

	return m, nil
}

// RecordTransition counts a resource entering state.
func (m *Metrics) RecordTransition(rtype, state string) {
	if m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(rtype, state).Inc()
}

// RecordHook observes the duration of a lifecycle hook.
func (m *Metrics) RecordHook(rtype, hook string, failed bool, duration time.Duration) {
	if m.hookDuration == nil {
		return
	}
	status := "ok"
	if failed {
		status = "error"
	}
	m.hookDuration.WithLabelValues(rtype, hook, status).Observe(duration.Seconds())
}

// RecordResourceFailure counts a failed resource.
func (m *Metrics) RecordResourceFailure(rtype, action string, critical bool) {
	if m.resourceFailures == nil {
		return
	}
	m.resourceFailures.WithLabelValues(rtype, action, strconv.FormatBool(critical)).Inc()
}

// RecordControllerFailure counts a controller level failure.
func (m *Metrics) RecordControllerFailure() {
	if m.controllerFailures == nil {
		return
	}
	m.controllerFailures.Inc()
}

// SetActiveExperiments sets the number of live experiments.
func (m *Metrics) SetActiveExperiments(count int) {
	if m.activeExperiments == nil {
		return
	}
	m.activeExperiments.Set(float64(count))
}

// RecordRun records a completed runner iteration and its metric sample.
func (m *Metrics) RecordRun(experimentID string, failed bool, duration time.Duration, sample *float64) {
	if m.runsCompleted == nil {
		return
	}
	status := "ok"
	if failed {
		status = "error"
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.Observe(duration.Seconds())
	if sample != nil {
		m.runMetric.WithLabelValues(experimentID).Set(*sample)
	}
}

// RecordDroppedEvent counts an event lost to a full buffer.
func (m *Metrics) RecordDroppedEvent() {
	if m.eventsDropped == nil {
		return
	}
	m.eventsDropped.Inc()
}

// Registry exposes the underlying registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves the metrics endpoint until ctx is cancelled.
// Listen errors other than a clean shutdown are sent on the returned channel.
func (m *Metrics) StartMetricsServer(ctx context.Context, addr string) <-chan error {
	errc := make(chan error, 1)
	if m.registry == nil {
		close(errc)
		return errc
	}
	if addr == "" {
		addr = m.config.ListenAddress
	}
	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	go func() {
		defer close(errc)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	return errc
}
