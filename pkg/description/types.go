package description

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/nepi-go/nepi/pkg/execution"
)

// Description is the file representation of an experiment. Resources refer
// to each other by name; guids are optional and allocated in file order
// when omitted.
type Description struct {
	// Name is a human-readable experiment name.
	Name string `json:"name" yaml:"name" validate:"required"`

	// ExperimentID pins the experiment identifier. A new one is generated when empty.
	ExperimentID string `json:"experiment_id,omitempty" yaml:"experiment_id,omitempty"`

	// Resources lists the resources in registration order.
	Resources []Resource `json:"resources" yaml:"resources" validate:"required,min=1,dive"`
}

// Resource describes one resource manager.
type Resource struct {
	// Name identifies the resource within the file.
	Name string `json:"name" yaml:"name" validate:"required,resource_name"`

	// Guid pins the resource guid. Zero means allocate.
	Guid int `json:"guid,omitempty" yaml:"guid,omitempty" validate:"gte=0"`

	// Type is the registered resource type (e.g. "linux::Node").
	Type string `json:"type" yaml:"type" validate:"required"`

	// Attributes are design-time attribute values. Scalars only.
	Attributes map[string]any `json:"attributes,omitempty" yaml:"attributes,omitempty"`

	// Connections names the resources this one is connected to.
	Connections []string `json:"connections,omitempty" yaml:"connections,omitempty" validate:"dive,required"`

	// Conditions gate the lifecycle actions of this resource.
	Conditions []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty" validate:"dive"`

	// Traces lists the traces to enable.
	Traces []string `json:"traces,omitempty" yaml:"traces,omitempty" validate:"dive,required"`
}

// Condition makes an action wait until a group of resources reached a state.
type Condition struct {
	Action    string   `json:"action" yaml:"action" validate:"required,oneof=deploy start stop release"`
	State     string   `json:"state" yaml:"state" validate:"required,oneof=new discovered provisioned ready started stopped failed released"`
	Resources []string `json:"resources" yaml:"resources" validate:"required,min=1,dive,required"`
	After     string   `json:"after,omitempty" yaml:"after,omitempty" validate:"omitempty,duration"`
}

var resourceNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("resource_name", func(fl validator.FieldLevel) bool {
		return resourceNamePattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		d, err := time.ParseDuration(fl.Field().String())
		return err == nil && d >= 0
	})
	return v
}

var structValidator = newValidator()

// Validate checks field constraints and cross references.
func (d *Description) Validate() error {
	if err := structValidator.Struct(d); err != nil {
		return fmt.Errorf("invalid description: %w", err)
	}

	names := make(map[string]bool, len(d.Resources))
	guids := make(map[int]string)
	for _, r := range d.Resources {
		if names[r.Name] {
			return fmt.Errorf("invalid description: duplicate resource name %q", r.Name)
		}
		names[r.Name] = true
		if r.Guid > 0 {
			if other, ok := guids[r.Guid]; ok {
				return fmt.Errorf("invalid description: guid %d used by %q and %q", r.Guid, other, r.Name)
			}
			guids[r.Guid] = r.Name
		}
		for name, value := range r.Attributes {
			if _, err := attributeString(value); err != nil {
				return fmt.Errorf("invalid description: resource %q attribute %s: %w", r.Name, name, err)
			}
		}
	}

	for _, r := range d.Resources {
		for _, peer := range r.Connections {
			if !names[peer] {
				return fmt.Errorf("invalid description: resource %q connects to unknown resource %q", r.Name, peer)
			}
			if peer == r.Name {
				return fmt.Errorf("invalid description: resource %q connects to itself", r.Name)
			}
		}
		for i, c := range r.Conditions {
			for _, target := range c.Resources {
				if !names[target] {
					return fmt.Errorf("invalid description: resource %q condition %d references unknown resource %q", r.Name, i, target)
				}
			}
		}
	}
	return nil
}

// Design converts the description into a controller design, allocating
// guids for resources that do not pin one.
func (d *Description) Design() (*execution.Design, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	used := make(map[int]bool)
	for _, r := range d.Resources {
		if r.Guid > 0 {
			used[r.Guid] = true
		}
	}
	byName := make(map[string]execution.Guid, len(d.Resources))
	next := 1
	for _, r := range d.Resources {
		guid := r.Guid
		if guid == 0 {
			for used[next] {
				next++
			}
			guid = next
			used[guid] = true
		}
		byName[r.Name] = execution.Guid(guid)
	}

	lookup := func(names []string) []execution.Guid {
		if len(names) == 0 {
			return nil
		}
		out := make([]execution.Guid, len(names))
		for i, n := range names {
			out[i] = byName[n]
		}
		return out
	}

	design := &execution.Design{ExperimentID: d.ExperimentID}
	for _, r := range d.Resources {
		rd := execution.ResourceDesign{
			Guid:        byName[r.Name],
			Type:        r.Type,
			Connections: lookup(r.Connections),
			Traces:      append([]string(nil), r.Traces...),
		}
		if len(r.Attributes) > 0 {
			rd.Attributes = make(map[string]string, len(r.Attributes))
			for name, value := range r.Attributes {
				rd.Attributes[name], _ = attributeString(value)
			}
		}
		for _, c := range r.Conditions {
			cd, err := c.design(lookup(c.Resources))
			if err != nil {
				return nil, fmt.Errorf("resource %q: %w", r.Name, err)
			}
			rd.Conditions = append(rd.Conditions, cd)
		}
		design.Resources = append(design.Resources, rd)
	}
	return design, nil
}

func (c Condition) design(group []execution.Guid) (execution.ConditionDesign, error) {
	action, err := execution.ParseResourceAction(c.Action)
	if err != nil {
		return execution.ConditionDesign{}, err
	}
	state, err := execution.ParseResourceState(c.State)
	if err != nil {
		return execution.ConditionDesign{}, err
	}
	var after time.Duration
	if c.After != "" {
		if after, err = time.ParseDuration(c.After); err != nil {
			return execution.ConditionDesign{}, fmt.Errorf("condition delay: %w", err)
		}
	}
	return execution.ConditionDesign{Action: action, Group: group, State: state, After: after}, nil
}

// FromDesign builds a description from a controller design. Resources are
// named after their guid.
func FromDesign(name string, design *execution.Design) *Description {
	d := &Description{Name: name, ExperimentID: design.ExperimentID}
	label := func(g execution.Guid) string { return "r" + strconv.Itoa(int(g)) }
	labels := func(gs []execution.Guid) []string {
		if len(gs) == 0 {
			return nil
		}
		out := make([]string, len(gs))
		for i, g := range gs {
			out[i] = label(g)
		}
		return out
	}

	for _, rd := range design.Resources {
		r := Resource{
			Name:        label(rd.Guid),
			Guid:        int(rd.Guid),
			Type:        rd.Type,
			Connections: labels(rd.Connections),
			Traces:      rd.Traces,
		}
		if len(rd.Attributes) > 0 {
			r.Attributes = make(map[string]any, len(rd.Attributes))
			for k, v := range rd.Attributes {
				r.Attributes[k] = v
			}
		}
		for _, cd := range rd.Conditions {
			c := Condition{
				Action:    cd.Action.String(),
				State:     cd.State.String(),
				Resources: labels(cd.Group),
			}
			if cd.After > 0 {
				c.After = cd.After.String()
			}
			r.Conditions = append(r.Conditions, c)
		}
		d.Resources = append(d.Resources, r)
	}
	return d
}

// Build validates the description and creates a controller from it.
func (d *Description) Build(reg *execution.TypeRegistry, cfg execution.Config) (*execution.ExperimentController, error) {
	design, err := d.Design()
	if err != nil {
		return nil, err
	}
	return execution.NewControllerFromDesign(reg, cfg, design)
}

// attributeString renders a scalar attribute value in the form accepted by
// ResourceManager.Set.
func attributeString(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case bool:
		return strconv.FormatBool(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case uint64:
		return strconv.FormatUint(x, 10), nil
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), nil
	case nil:
		return "", fmt.Errorf("null value")
	case fmt.Stringer:
		return x.String(), nil
	default:
		return "", fmt.Errorf("unsupported value %v of type %T", v, v)
	}
}
