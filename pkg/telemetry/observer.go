package telemetry

import (
	"context"
	"errors"
	"sync"

	"github.com/nepi-go/nepi/pkg/execution"
)

// Observer turns controller events into metrics and forwards them to the
// event publisher. It implements execution.EventPublisher.
type Observer struct {
	metrics *Metrics
	events  *EventPublisher

	mu     sync.Mutex
	active map[string]struct{}
}

// NewObserver creates an observer. Either argument may be nil.
func NewObserver(metrics *Metrics, events *EventPublisher) *Observer {
	if metrics == nil {
		metrics = &Metrics{}
	}
	return &Observer{
		metrics: metrics,
		events:  events,
		active:  make(map[string]struct{}),
	}
}

// Publish implements execution.EventPublisher.
func (o *Observer) Publish(ctx context.Context, event *execution.Event) error {
	if event == nil {
		return nil
	}

	switch event.Type {
	case execution.EventTransition:
		o.metrics.RecordTransition(event.RType, event.To.String())
	case execution.EventHookCompleted:
		o.metrics.RecordHook(event.RType, event.Action, event.Error != "", event.Duration)
	case execution.EventResourceFailed:
		o.metrics.RecordResourceFailure(event.RType, event.Action, event.Critical)
	case execution.EventControllerFailed:
		o.metrics.RecordControllerFailure()
	case execution.EventDeployStarted:
		o.track(event.ExperimentID, true)
	case execution.EventControllerRelease:
		o.track(event.ExperimentID, false)
	case execution.EventRunCompleted:
		o.metrics.RecordRun(event.ExperimentID, event.Error != "", event.Duration, event.Metric)
	}

	if o.events == nil {
		return nil
	}
	err := o.events.Publish(ctx, event)
	if errors.Is(err, ErrBufferFull) {
		o.metrics.RecordDroppedEvent()
	}
	return err
}

func (o *Observer) track(experimentID string, live bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if live {
		o.active[experimentID] = struct{}{}
	} else {
		delete(o.active, experimentID)
	}
	o.metrics.SetActiveExperiments(len(o.active))
}
