package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nepi-go/nepi/pkg/execution"
)

// Recorder persists controller events. It implements
// execution.EventPublisher: deploy cycles become runs, transitions are
// stored row by row and every other event lands in the event log.
type Recorder struct {
	store Store

	mu          sync.Mutex
	experiments map[string]bool
	runs        map[string]bool
}

// NewRecorder creates a recorder writing to store.
func NewRecorder(store Store) *Recorder {
	return &Recorder{
		store:       store,
		experiments: make(map[string]bool),
		runs:        make(map[string]bool),
	}
}

// Publish implements execution.EventPublisher.
func (r *Recorder) Publish(ctx context.Context, ev *execution.Event) error {
	if ev == nil || ev.ExperimentID == "" {
		return nil
	}
	// Events are persisted even when the controller context is cancelled
	// during shutdown.
	ctx = context.WithoutCancel(ctx)

	if err := r.ensureExperiment(ctx, ev.ExperimentID); err != nil {
		return err
	}
	if ev.RunID != "" {
		if err := r.ensureRun(ctx, ev); err != nil {
			return err
		}
	}

	switch ev.Type {
	case execution.EventTransition:
		if ev.RunID == "" {
			return nil
		}
		tr := &Transition{
			ExperimentID: ev.ExperimentID,
			RunID:        ev.RunID,
			Guid:         ev.Guid,
			RType:        ev.RType,
			From:         ev.From,
			To:           ev.To,
			Error:        optional(ev.Error),
			Timestamp:    stamp(ev.Timestamp),
		}
		return r.store.AppendTransition(ctx, tr)

	case execution.EventControllerFailed:
		if ev.RunID != "" {
			if err := r.store.CompleteRun(ctx, ev.RunID, RunStatusFailed, optional(ev.Error)); err != nil {
				return err
			}
		}

	case execution.EventControllerRelease:
		if ev.RunID != "" {
			if err := r.store.CompleteRun(ctx, ev.RunID, RunStatusCompleted, nil); err != nil {
				return err
			}
		}

	case execution.EventRunCompleted:
		if ev.RunID != "" {
			if err := r.store.RecordRunMetric(ctx, ev.RunID, ev.Run, ev.Metric); err != nil {
				return err
			}
		}
	}

	return r.appendEvent(ctx, ev)
}

func (r *Recorder) appendEvent(ctx context.Context, ev *execution.Event) error {
	details, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	id := ev.ID
	if id == "" {
		id = uuid.NewString()
	}
	entry := &Event{
		ID:           id,
		ExperimentID: ev.ExperimentID,
		RunID:        optional(ev.RunID),
		Type:         ev.Type,
		Action:       optional(ev.Action),
		Details:      string(details),
		Timestamp:    stamp(ev.Timestamp),
	}
	if ev.Guid != 0 {
		guid := ev.Guid
		entry.Guid = &guid
	}
	return r.store.AppendEvent(ctx, entry)
}

func (r *Recorder) ensureExperiment(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.experiments[id] {
		return nil
	}

	if _, err := r.store.GetExperiment(ctx, id); err != nil {
		if err := r.store.SaveExperiment(ctx, &Experiment{ID: id}); err != nil {
			return err
		}
	}
	r.experiments[id] = true
	return nil
}

func (r *Recorder) ensureRun(ctx context.Context, ev *execution.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runs[ev.RunID] {
		return nil
	}

	if _, err := r.store.GetRun(ctx, ev.RunID); err != nil {
		run := &Run{
			ID:           ev.RunID,
			ExperimentID: ev.ExperimentID,
			Status:       RunStatusRunning,
			StartedAt:    stamp(ev.Timestamp),
		}
		if err := r.store.CreateRun(ctx, run); err != nil {
			return err
		}
	}
	r.runs[ev.RunID] = true
	return nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
