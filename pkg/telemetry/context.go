package telemetry

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/nepi-go/nepi/pkg/execution"
)

// Telemetry bundles logging, tracing, metrics and events for a process.
type Telemetry struct {
	Logger   *Logger
	Tracer   *Tracer
	Metrics  *Metrics
	Events   *EventPublisher
	Observer *Observer
	Config   *Config
}

// NewTelemetry creates a telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		_ = logger.Close()
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		_ = logger.Close()
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		_ = logger.Close()
		return nil, err
	}

	return &Telemetry{
		Logger:   logger,
		Tracer:   tracer,
		Metrics:  metrics,
		Events:   events,
		Observer: NewObserver(metrics, events),
		Config:   cfg,
	}, nil
}

// Instrument fills the logging, tracing and event hooks of an experiment
// configuration. Publishers already set on cfg keep receiving events.
func (t *Telemetry) Instrument(cfg execution.Config) execution.Config {
	cfg.Logger = t.Logger.NewComponentLogger("execution").Zerolog()
	cfg.Tracer = t.Tracer.Tracer()
	if cfg.Publisher != nil {
		cfg.Publisher = execution.MultiPublisher{t.Observer, cfg.Publisher}
	} else {
		cfg.Publisher = t.Observer
	}
	return cfg
}

// Shutdown drains events and flushes spans concurrently, then closes the log.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.Events.Shutdown(gctx) })
	g.Go(func() error { return t.Tracer.Shutdown(gctx) })
	err := g.Wait()

	if cerr := t.Logger.Close(); err == nil {
		err = cerr
	}
	return err
}
