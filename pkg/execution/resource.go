package execution

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Guid identifies a resource manager within one experiment controller.
type Guid int

// ResourceManager drives one experiment resource through its lifecycle.
// It holds the resource's attributes, connections and conditions and
// wraps the type-specific hooks.
type ResourceManager struct {
	guid  Guid
	rtype string
	impl  Resource
	ec    *ExperimentController

	// busy serializes lifecycle operations on this resource
	busy sync.Mutex

	mu          sync.RWMutex
	state       ResourceState
	times       [StateReleased + 1]time.Time
	attrs       *AttributeSet
	connections []Guid
	conditions  conditionTable
	traces      map[string]struct{}
	lastErr     error

	logger zerolog.Logger
}

func newResourceManager(ec *ExperimentController, guid Guid, info TypeInfo) (*ResourceManager, error) {
	specs := append(commonAttributes(), info.Attributes...)
	attrs, err := NewAttributeSet(specs...)
	if err != nil {
		return nil, fmt.Errorf("type %s: %w", info.Name, err)
	}
	impl := info.New()
	if impl == nil {
		return nil, fmt.Errorf("type %s: factory returned nil", info.Name)
	}
	return &ResourceManager{
		guid:       guid,
		rtype:      info.Name,
		impl:       impl,
		ec:         ec,
		attrs:      attrs,
		conditions: make(conditionTable),
		traces:     make(map[string]struct{}),
		logger: ec.logger.With().
			Int("guid", int(guid)).
			Str("rtype", info.Name).
			Logger(),
	}, nil
}

// Guid returns the resource identifier.
func (rm *ResourceManager) Guid() Guid { return rm.guid }

// Type returns the resource type name.
func (rm *ResourceManager) Type() string { return rm.rtype }

// Impl returns the type-specific implementation.
func (rm *ResourceManager) Impl() Resource { return rm.impl }

// Controller returns the owning experiment controller.
func (rm *ResourceManager) Controller() *ExperimentController { return rm.ec }

// Logger returns a logger carrying the resource's guid and type.
func (rm *ResourceManager) Logger() *zerolog.Logger { return &rm.logger }

// State returns the current lifecycle state.
func (rm *ResourceManager) State() ResourceState {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.state
}

// StateTime returns when the resource entered state, zero if it never did.
func (rm *ResourceManager) StateTime(state ResourceState) time.Time {
	if state.Validate() != nil {
		return time.Time{}
	}
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.times[state]
}

// Err returns the error that failed the resource, if any.
func (rm *ResourceManager) Err() error {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.lastErr
}

// Critical reports whether a failure of this resource aborts the experiment.
func (rm *ResourceManager) Critical() bool {
	v, err := rm.Get(AttrCritical)
	if err != nil {
		return true
	}
	b, ok := v.(bool)
	return !ok || b
}

// Get returns an attribute value.
func (rm *ResourceManager) Get(name string) (any, error) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.attrs.Get(name)
}

// GetString returns an attribute rendered as a string.
func (rm *ResourceManager) GetString(name string) string {
	v, err := rm.Get(name)
	if err != nil {
		return ""
	}
	return FormatValue(v)
}

// GetInt returns an integer attribute, zero when unset.
func (rm *ResourceManager) GetInt(name string) int64 {
	v, _ := rm.Get(name)
	n, _ := v.(int64)
	return n
}

// GetFloat returns a double attribute, zero when unset.
func (rm *ResourceManager) GetFloat(name string) float64 {
	v, _ := rm.Get(name)
	f, _ := v.(float64)
	return f
}

// GetBool returns a bool attribute, false when unset.
func (rm *ResourceManager) GetBool(name string) bool {
	v, _ := rm.Get(name)
	b, _ := v.(bool)
	return b
}

// Set writes an attribute on behalf of the user, enforcing its flags.
func (rm *ResourceManager) Set(name string, value any) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	a, err := rm.attrs.Lookup(name)
	if err != nil {
		return err
	}
	flags := a.spec.Flags
	if flags.Has(FlagReadOnly) {
		return fmt.Errorf("%w: %s is read-only", ErrAttributeFlag, name)
	}
	if flags.Has(FlagDesign) && rm.state != StateNew {
		return fmt.Errorf("%w: %s can only be set before deploy (state %s)", ErrAttributeFlag, name, rm.state)
	}
	return rm.attrs.set(name, value)
}

// Update writes an attribute from inside the resource implementation,
// bypassing user-facing flags.
func (rm *ResourceManager) Update(name string, value any) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.attrs.set(name, value)
}

// Attributes returns the attribute names in declaration order.
func (rm *ResourceManager) Attributes() []string {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.attrs.Names()
}

// Attribute returns a copy of the named attribute.
func (rm *ResourceManager) Attribute(name string) (Attribute, error) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	a, err := rm.attrs.Lookup(name)
	if err != nil {
		return Attribute{}, err
	}
	return *a, nil
}

// Connections returns connected guids in connection order.
func (rm *ResourceManager) Connections() []Guid {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	out := make([]Guid, len(rm.connections))
	copy(out, rm.connections)
	return out
}

// GetConnected returns the connected resources of rtype in connection order.
// An empty rtype returns every connected resource.
func (rm *ResourceManager) GetConnected(rtype string) []*ResourceManager {
	var out []*ResourceManager
	for _, guid := range rm.Connections() {
		peer, err := rm.ec.Resource(guid)
		if err != nil {
			continue
		}
		if rtype == "" || peer.rtype == rtype {
			out = append(out, peer)
		}
	}
	return out
}

func (rm *ResourceManager) connect(guid Guid) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	for _, g := range rm.connections {
		if g == guid {
			return
		}
	}
	rm.connections = append(rm.connections, guid)
}

func (rm *ResourceManager) disconnect(guid Guid) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	for i, g := range rm.connections {
		if g == guid {
			rm.connections = append(rm.connections[:i], rm.connections[i+1:]...)
			return
		}
	}
}

// RegisterCondition gates action until group reaches state, plus after.
func (rm *ResourceManager) RegisterCondition(action ResourceAction, group []Guid, state ResourceState, after time.Duration) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.conditions.add(action, group, state, after)
}

// UnregisterCondition removes group members from the conditions of the
// given actions, or of every action when none are given.
func (rm *ResourceManager) UnregisterCondition(group []Guid, actions ...ResourceAction) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.conditions.remove(group, actions...)
}

// Conditions returns a copy of the conditions registered for action.
func (rm *ResourceManager) Conditions(action ResourceAction) []Condition {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.conditions.list(action)
}

// WaitSet returns every guid the action waits on, in registration order.
func (rm *ResourceManager) WaitSet(action ResourceAction) []Guid {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.conditions.waitSet(action)
}

// EnableTrace marks a trace for collection.
func (rm *ResourceManager) EnableTrace(name string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.traces[name] = struct{}{}
}

// TraceEnabled reports whether a trace was enabled.
func (rm *ResourceManager) TraceEnabled(name string) bool {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	_, ok := rm.traces[name]
	return ok
}

// EnabledTraces returns the enabled trace names.
func (rm *ResourceManager) EnabledTraces() []string {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	out := make([]string, 0, len(rm.traces))
	for name := range rm.traces {
		out = append(out, name)
	}
	return out
}

// Discover runs the Discoverable hook, if any, and moves to DISCOVERED.
func (rm *ResourceManager) Discover(ctx context.Context) error {
	if d, ok := rm.impl.(Discoverable); ok {
		if err := rm.ec.invoke(ctx, rm, "discover", func(ctx context.Context) error {
			return d.Discover(ctx, rm)
		}); err != nil {
			return err
		}
	}
	return rm.setState(StateDiscovered, nil)
}

// Provision runs the Provisionable hook, if any, and moves to PROVISIONED.
func (rm *ResourceManager) Provision(ctx context.Context) error {
	if p, ok := rm.impl.(Provisionable); ok {
		if err := rm.ec.invoke(ctx, rm, "provision", func(ctx context.Context) error {
			return p.Provision(ctx, rm)
		}); err != nil {
			return err
		}
	}
	return rm.setState(StateProvisioned, nil)
}

// SetReady moves the resource to READY.
func (rm *ResourceManager) SetReady() error {
	return rm.setState(StateReady, nil)
}

// setState performs a checked transition and notifies the controller.
func (rm *ResourceManager) setState(next ResourceState, cause error) error {
	rm.mu.Lock()
	prev := rm.state
	if prev == next {
		rm.mu.Unlock()
		return nil
	}
	if !prev.CanTransition(next) {
		rm.mu.Unlock()
		rm.logger.Warn().
			Str("from", prev.String()).
			Str("to", next.String()).
			Msg("Refusing state transition")
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev, next)
	}
	rm.state = next
	rm.times[next] = time.Now()
	if cause != nil {
		rm.lastErr = cause
	}
	rm.mu.Unlock()

	rm.logger.Debug().
		Str("from", prev.String()).
		Str("to", next.String()).
		Msg("State changed")
	rm.ec.transitioned(rm, prev, next, cause)
	return nil
}

// reset returns the resource to NEW for a new deploy cycle.
func (rm *ResourceManager) reset() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.state = StateNew
	rm.times = [StateReleased + 1]time.Time{}
	rm.lastErr = nil
}

// snapshot returns state and entry times under one lock.
func (rm *ResourceManager) snapshot() (ResourceState, [StateReleased + 1]time.Time) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.state, rm.times
}

// String returns a short description used in logs and DOT output.
func (rm *ResourceManager) String() string {
	return fmt.Sprintf("%s(%d)", strings.TrimSpace(rm.rtype), rm.guid)
}
