package execution

import (
	"fmt"
	"sort"
	"time"
)

// Design is a re-enumeration of an experiment: enough to rebuild an
// equivalent controller through the registration primitives.
type Design struct {
	ExperimentID string           `json:"experiment_id,omitempty"`
	Resources    []ResourceDesign `json:"resources"`
}

// ResourceDesign describes one registered resource.
type ResourceDesign struct {
	Guid        Guid              `json:"guid"`
	Type        string            `json:"type"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Connections []Guid            `json:"connections,omitempty"`
	Conditions  []ConditionDesign `json:"conditions,omitempty"`
	Traces      []string          `json:"traces,omitempty"`
}

// ConditionDesign describes one condition of a resource.
type ConditionDesign struct {
	Action ResourceAction `json:"action"`
	Group  []Guid         `json:"group"`
	State  ResourceState  `json:"state"`
	After  time.Duration  `json:"after,omitempty"`
}

// Design enumerates resources, user-set attributes, connections,
// conditions and enabled traces in registration order.
func (ec *ExperimentController) Design() *Design {
	d := &Design{ExperimentID: ec.cfg.ExperimentID}
	for _, rm := range ec.Resources() {
		rd := ResourceDesign{
			Guid:        rm.guid,
			Type:        rm.rtype,
			Attributes:  make(map[string]string),
			Connections: rm.Connections(),
		}

		rm.mu.RLock()
		for _, name := range rm.attrs.Names() {
			a := rm.attrs.attrs[name]
			if a.modified && !a.spec.Flags.Has(FlagReadOnly) {
				rd.Attributes[name] = FormatValue(a.value)
			}
		}
		rm.mu.RUnlock()

		for _, action := range []ResourceAction{ActionDeploy, ActionStart, ActionStop, ActionRelease} {
			for _, c := range rm.Conditions(action) {
				rd.Conditions = append(rd.Conditions, ConditionDesign{
					Action: action,
					Group:  c.Group,
					State:  c.State,
					After:  c.After,
				})
			}
		}

		rd.Traces = rm.EnabledTraces()
		sort.Strings(rd.Traces)
		d.Resources = append(d.Resources, rd)
	}
	return d
}

// NewControllerFromDesign builds a controller equivalent to the one d was
// taken from, keeping guids. An empty cfg.ExperimentID is taken from d.
func NewControllerFromDesign(reg *TypeRegistry, cfg Config, d *Design) (*ExperimentController, error) {
	if d == nil {
		return nil, fmt.Errorf("design is nil")
	}
	if cfg.ExperimentID == "" {
		cfg.ExperimentID = d.ExperimentID
	}
	ec, err := NewController(reg, cfg)
	if err != nil {
		return nil, err
	}
	if err := ec.Apply(d); err != nil {
		return nil, err
	}
	return ec, nil
}

// Apply registers everything in d on the controller.
func (ec *ExperimentController) Apply(d *Design) error {
	for _, rd := range d.Resources {
		if rd.Guid <= 0 {
			return fmt.Errorf("resource %s: guid must be positive", rd.Type)
		}
		if _, err := ec.registerResource(rd.Type, rd.Guid); err != nil {
			return fmt.Errorf("resource %d: %w", rd.Guid, err)
		}
		names := make([]string, 0, len(rd.Attributes))
		for name := range rd.Attributes {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if err := ec.Set(rd.Guid, name, rd.Attributes[name]); err != nil {
				return fmt.Errorf("resource %d: %w", rd.Guid, err)
			}
		}
		for _, trace := range rd.Traces {
			if err := ec.EnableTrace(rd.Guid, trace); err != nil {
				return err
			}
		}
	}

	for _, rd := range d.Resources {
		for _, peer := range rd.Connections {
			if err := ec.RegisterConnection(rd.Guid, peer); err != nil {
				return fmt.Errorf("connection %d <-> %d: %w", rd.Guid, peer, err)
			}
		}
		for _, c := range rd.Conditions {
			if err := ec.RegisterCondition([]Guid{rd.Guid}, c.Action, c.Group, c.State, c.After); err != nil {
				return fmt.Errorf("resource %d condition: %w", rd.Guid, err)
			}
		}
	}
	return nil
}
