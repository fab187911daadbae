package stores

import (
	"context"
	"testing"
	"time"

	"github.com/nepi-go/nepi/pkg/execution"
	"github.com/nepi-go/nepi/pkg/resources/dummy"
)

func TestRecorderPersistsDeployCycle(t *testing.T) {
	store := setupTestStore(t)
	recorder := NewRecorder(store)

	reg := execution.NewTypeRegistry()
	if err := dummy.Register(reg); err != nil {
		t.Fatal(err)
	}

	cfg := execution.DefaultConfig()
	cfg.Workers = 4
	cfg.RescheduleDelay = 10 * time.Millisecond
	cfg.Publisher = recorder
	ec, err := execution.NewController(reg, cfg)
	if err != nil {
		t.Fatalf("failed to create controller: %v", err)
	}

	node, _ := ec.RegisterResource(dummy.NodeType)
	app, _ := ec.RegisterResource(dummy.ApplicationType)
	if err := ec.Set(app, dummy.AttrDuration, 0.01); err != nil {
		t.Fatal(err)
	}
	if err := ec.RegisterConnection(node, app); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ec.Deploy(ctx, execution.DefaultDeployOptions()); err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	if err := ec.WaitFinished(ctx, app); err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	runID := ec.RunID()
	if err := ec.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	if _, err := store.GetExperiment(ctx, ec.ID()); err != nil {
		t.Fatalf("experiment not recorded: %v", err)
	}

	run, err := store.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("run not recorded: %v", err)
	}
	if run.Status != RunStatusCompleted {
		t.Errorf("run status = %s, want completed", run.Status)
	}

	transitions, err := store.ListTransitions(ctx, runID)
	if err != nil {
		t.Fatalf("failed to list transitions: %v", err)
	}
	var appStates []execution.ResourceState
	for _, tr := range transitions {
		if tr.Guid == app {
			appStates = append(appStates, tr.To)
		}
	}
	want := []execution.ResourceState{
		execution.StateDiscovered, execution.StateProvisioned, execution.StateReady,
		execution.StateStarted, execution.StateStopped, execution.StateReleased,
	}
	if len(appStates) != len(want) {
		t.Fatalf("application states = %v, want %v", appStates, want)
	}
	for i := range want {
		if appStates[i] != want[i] {
			t.Errorf("state %d = %s, want %s", i, appStates[i], want[i])
		}
	}

	deploys, err := store.ListEvents(ctx, EventFilter{RunID: runID, Types: []execution.EventType{execution.EventDeployStarted}})
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(deploys) != 1 {
		t.Errorf("got %d deploy events, want 1", len(deploys))
	}
}

func TestRecorderMarksFailedRuns(t *testing.T) {
	store := setupTestStore(t)
	recorder := NewRecorder(store)
	ctx := context.Background()

	events := []*execution.Event{
		{Type: execution.EventDeployStarted, ExperimentID: "exp", RunID: "r1"},
		{Type: execution.EventControllerFailed, ExperimentID: "exp", RunID: "r1", Error: "validator rejected design"},
		{Type: execution.EventControllerRelease, ExperimentID: "exp", RunID: "r1"},
	}
	for _, ev := range events {
		if err := recorder.Publish(ctx, ev); err != nil {
			t.Fatalf("publish %s: %v", ev.Type, err)
		}
	}

	run, err := store.GetRun(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != RunStatusFailed || run.Error == nil || *run.Error != "validator rejected design" {
		t.Errorf("unexpected run: %+v", run)
	}

	// Events without an experiment are ignored.
	if err := recorder.Publish(ctx, &execution.Event{Type: execution.EventTransition}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
