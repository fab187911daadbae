package execution

import (
	"encoding/json"
	"testing"
)

func TestResourceStateCanTransition(t *testing.T) {
	tests := []struct {
		from, to ResourceState
		want     bool
	}{
		{StateNew, StateDiscovered, true},
		{StateDiscovered, StateProvisioned, true},
		{StateProvisioned, StateReady, true},
		{StateReady, StateStarted, true},
		{StateStarted, StateStopped, true},
		{StateStopped, StateReleased, true},
		{StateNew, StateReady, true},
		{StateReady, StateProvisioned, false},
		{StateStopped, StateStarted, false},
		{StateNew, StateFailed, true},
		{StateStarted, StateFailed, true},
		{StateFailed, StateReleased, true},
		{StateFailed, StateReady, false},
		{StateReleased, StateFailed, false},
		{StateReleased, StateNew, false},
	}

	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.want {
				t.Errorf("CanTransition() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseResourceState(t *testing.T) {
	for _, s := range []ResourceState{StateNew, StateReady, StateFailed, StateReleased} {
		parsed, err := ParseResourceState(s.String())
		if err != nil {
			t.Fatalf("ParseResourceState(%q) error = %v", s, err)
		}
		if parsed != s {
			t.Errorf("ParseResourceState(%q) = %v", s, parsed)
		}
	}

	if got, err := ParseResourceState(" STARTED "); err != nil || got != StateStarted {
		t.Errorf("ParseResourceState(STARTED) = %v, %v", got, err)
	}
	if _, err := ParseResourceState("running"); err == nil {
		t.Error("expected error for unknown state")
	}
}

func TestResourceStateJSON(t *testing.T) {
	data, err := json.Marshal(map[string]ResourceState{"state": StateProvisioned})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(data) != `{"state":"provisioned"}` {
		t.Errorf("Marshal() = %s", data)
	}

	var decoded map[string]ResourceState
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if decoded["state"] != StateProvisioned {
		t.Errorf("Unmarshal() = %v", decoded["state"])
	}
}

func TestResourceStateIsTerminal(t *testing.T) {
	if !StateFailed.IsTerminal() || !StateReleased.IsTerminal() {
		t.Error("FAILED and RELEASED must be terminal")
	}
	if StateStopped.IsTerminal() {
		t.Error("STOPPED must not be terminal")
	}
}

func TestParseResourceAction(t *testing.T) {
	a, err := ParseResourceAction("Stop")
	if err != nil || a != ActionStop {
		t.Errorf("ParseResourceAction(Stop) = %v, %v", a, err)
	}
	if _, err := ParseResourceAction("pause"); err == nil {
		t.Error("expected error for unknown action")
	}
}
