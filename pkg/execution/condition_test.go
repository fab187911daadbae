package execution

import (
	"reflect"
	"testing"
	"time"
)

func TestUnregisterCondition(t *testing.T) {
	ec := setupTestController(t)
	for i := 0; i < 10; i++ {
		registerTest(t, ec)
	}
	rm, err := ec.Resource(1)
	if err != nil {
		t.Fatalf("Resource() error = %v", err)
	}

	rm.RegisterCondition(ActionStart, []Guid{1, 3, 5, 7}, StateStarted, 0)
	rm.RegisterCondition(ActionStart, []Guid{10, 8}, StateStarted, 0)
	rm.UnregisterCondition([]Guid{1, 2, 3, 4, 6})

	got := rm.WaitSet(ActionStart)
	want := []Guid{5, 7, 10, 8}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("WaitSet() = %v, want %v", got, want)
	}
	if n := len(rm.Conditions(ActionStart)); n != 2 {
		t.Errorf("len(Conditions) = %d, want 2", n)
	}
}

func TestUnregisterConditionDropsEmptyGroups(t *testing.T) {
	table := make(conditionTable)
	table.add(ActionDeploy, []Guid{2}, StateReady, 0)
	table.add(ActionStop, []Guid{2, 3}, StateStarted, time.Second)

	table.remove([]Guid{2}, ActionDeploy)
	if len(table.list(ActionDeploy)) != 0 {
		t.Errorf("deploy conditions = %v, want none", table.list(ActionDeploy))
	}
	if got := table.waitSet(ActionStop); !reflect.DeepEqual(got, []Guid{2, 3}) {
		t.Errorf("stop wait set = %v, want untouched", got)
	}
}

func TestReached(t *testing.T) {
	now := time.Now()
	var started [StateReleased + 1]time.Time
	started[StateDiscovered] = now
	started[StateProvisioned] = now
	started[StateReady] = now
	started[StateStarted] = now

	stoppedThenReleased := started
	stoppedThenReleased[StateStopped] = now
	stoppedThenReleased[StateReleased] = now

	failed := started
	failed[StateFailed] = now

	tests := []struct {
		name    string
		current ResourceState
		times   [StateReleased + 1]time.Time
		target  ResourceState
		want    bool
	}{
		{"started reaches ready", StateStarted, started, StateReady, true},
		{"started reaches started", StateStarted, started, StateStarted, true},
		{"started has not stopped", StateStarted, started, StateStopped, false},
		{"released after stop counts as stopped", StateReleased, stoppedThenReleased, StateStopped, true},
		{"failed never reaches progressive states", StateFailed, failed, StateReady, false},
		{"failed matches failed", StateFailed, failed, StateFailed, true},
		{"started is not failed", StateStarted, started, StateFailed, false},
		{"released matches released", StateReleased, stoppedThenReleased, StateReleased, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := reached(tt.current, &tt.times, tt.target)
			if got != tt.want {
				t.Errorf("reached() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConditionsMetUnknownGuid(t *testing.T) {
	ec := setupTestController(t)
	guid := registerTest(t, ec)
	if err := ec.RegisterCondition([]Guid{guid}, ActionStart, []Guid{99}, StateNew, 0); err != nil {
		t.Fatalf("RegisterCondition() error = %v", err)
	}
	rm, _ := ec.Resource(guid)
	if ec.conditionsMet(rm, ActionStart) {
		t.Error("condition on an unknown guid must never hold")
	}
}
