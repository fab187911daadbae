package script

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.starlark.net/starlark"

	"github.com/nepi-go/nepi/pkg/execution"
)

const contextKey = "context"

// controller exposes an ExperimentController to scripts as the "ec" value.
type controller struct {
	ec      *execution.ExperimentController
	methods map[string]*starlark.Builtin
}

var _ starlark.HasAttrs = (*controller)(nil)

func newController(ec *execution.ExperimentController) *controller {
	c := &controller{ec: ec}
	c.methods = map[string]*starlark.Builtin{
		"register_resource":     starlark.NewBuiltin("register_resource", c.registerResource),
		"set":                   starlark.NewBuiltin("set", c.set),
		"get":                   starlark.NewBuiltin("get", c.get),
		"register_connection":   starlark.NewBuiltin("register_connection", c.registerConnection),
		"unregister_connection": starlark.NewBuiltin("unregister_connection", c.unregisterConnection),
		"register_condition":    starlark.NewBuiltin("register_condition", c.registerCondition),
		"unregister_condition":  starlark.NewBuiltin("unregister_condition", c.unregisterCondition),
		"enable_trace":          starlark.NewBuiltin("enable_trace", c.enableTrace),
		"trace":                 starlark.NewBuiltin("trace", c.trace),
		"state":                 starlark.NewBuiltin("state", c.state),
		"resources":             starlark.NewBuiltin("resources", c.resources),
	}
	return c
}

func (c *controller) String() string        { return fmt.Sprintf("<ec %s>", c.ec.ID()) }
func (c *controller) Type() string          { return "ec" }
func (c *controller) Freeze()               {}
func (c *controller) Truth() starlark.Bool  { return starlark.True }
func (c *controller) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: ec") }

func (c *controller) Attr(name string) (starlark.Value, error) {
	switch name {
	case "id":
		return starlark.String(c.ec.ID()), nil
	case "run_id":
		return starlark.String(c.ec.RunID()), nil
	case "run_dir":
		return starlark.String(c.ec.RunDir()), nil
	case "failure_level":
		return starlark.String(c.ec.FailureLevel().String()), nil
	}
	if m, ok := c.methods[name]; ok {
		return m, nil
	}
	return nil, nil
}

func (c *controller) AttrNames() []string {
	names := []string{"id", "run_id", "run_dir", "failure_level"}
	for name := range c.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// register_resource(rtype, **attrs) -> guid
func (c *controller) registerResource(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var rtype string
	if err := starlark.UnpackPositionalArgs(b.Name(), args, nil, 1, &rtype); err != nil {
		return nil, err
	}
	guid, err := c.ec.RegisterResource(rtype)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	for _, kv := range kwargs {
		name := string(kv[0].(starlark.String))
		value, err := fromStarlarkValue(kv[1])
		if err != nil {
			return nil, fmt.Errorf("%s: attribute %s: %w", b.Name(), name, err)
		}
		if err := c.ec.Set(guid, name, value); err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
	}
	return starlark.MakeInt(int(guid)), nil
}

// set(guid, name, value)
func (c *controller) set(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		guid  int
		name  string
		value starlark.Value
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "guid", &guid, "name", &name, "value", &value); err != nil {
		return nil, err
	}
	goVal, err := fromStarlarkValue(value)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	if err := c.ec.Set(execution.Guid(guid), name, goVal); err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.None, nil
}

// get(guid, name) -> value
func (c *controller) get(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		guid int
		name string
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "guid", &guid, "name", &name); err != nil {
		return nil, err
	}
	v, err := c.ec.Get(execution.Guid(guid), name)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return toStarlarkValue(v)
}

// register_connection(a, b)
func (c *controller) registerConnection(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x, y int
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "a", &x, "b", &y); err != nil {
		return nil, err
	}
	if err := c.ec.RegisterConnection(execution.Guid(x), execution.Guid(y)); err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.None, nil
}

// unregister_connection(a, b)
func (c *controller) unregisterConnection(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x, y int
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "a", &x, "b", &y); err != nil {
		return nil, err
	}
	if err := c.ec.UnregisterConnection(execution.Guid(x), execution.Guid(y)); err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.None, nil
}

// register_condition(guids, action, group, state, after=0)
//
// guids and group accept a single guid or a list. after is a duration string
// ("2s") or a number of seconds.
func (c *controller) registerCondition(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		guidsArg, groupArg starlark.Value
		actionName         string
		stateName          string
		afterArg           starlark.Value = starlark.None
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs,
		"guids", &guidsArg, "action", &actionName, "group", &groupArg, "state", &stateName, "after?", &afterArg); err != nil {
		return nil, err
	}
	guids, err := toGuids(guidsArg)
	if err != nil {
		return nil, fmt.Errorf("%s: guids: %w", b.Name(), err)
	}
	group, err := toGuids(groupArg)
	if err != nil {
		return nil, fmt.Errorf("%s: group: %w", b.Name(), err)
	}
	action, err := execution.ParseResourceAction(actionName)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	state, err := execution.ParseResourceState(stateName)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	after, err := toDuration(afterArg)
	if err != nil {
		return nil, fmt.Errorf("%s: after: %w", b.Name(), err)
	}
	if err := c.ec.RegisterCondition(guids, action, group, state, after); err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.None, nil
}

// unregister_condition(guids, group, *actions)
func (c *controller) unregisterCondition(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("%s: want guids and group, got %d arguments", b.Name(), len(args))
	}
	if len(kwargs) > 0 {
		return nil, fmt.Errorf("%s: unexpected keyword arguments", b.Name())
	}
	guids, err := toGuids(args[0])
	if err != nil {
		return nil, fmt.Errorf("%s: guids: %w", b.Name(), err)
	}
	group, err := toGuids(args[1])
	if err != nil {
		return nil, fmt.Errorf("%s: group: %w", b.Name(), err)
	}
	var actions []execution.ResourceAction
	for _, v := range args[2:] {
		name, ok := starlark.AsString(v)
		if !ok {
			return nil, fmt.Errorf("%s: action must be a string, got %s", b.Name(), v.Type())
		}
		action, err := execution.ParseResourceAction(name)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name(), err)
		}
		actions = append(actions, action)
	}
	if err := c.ec.UnregisterCondition(guids, group, actions...); err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.None, nil
}

// enable_trace(guid, name)
func (c *controller) enableTrace(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		guid int
		name string
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "guid", &guid, "name", &name); err != nil {
		return nil, err
	}
	if err := c.ec.EnableTrace(execution.Guid(guid), name); err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.None, nil
}

// trace(guid, name, attr="stream") -> string
func (c *controller) trace(thread *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		guid int
		name string
		attr = string(execution.TraceStream)
	)
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "guid", &guid, "name", &name, "attr?", &attr); err != nil {
		return nil, err
	}
	out, err := c.ec.Trace(threadContext(thread), execution.Guid(guid), name, execution.TraceAttr(attr))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.String(out), nil
}

// state(guid) -> string
func (c *controller) state(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var guid int
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "guid", &guid); err != nil {
		return nil, err
	}
	s, err := c.ec.StateOf(execution.Guid(guid))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.Name(), err)
	}
	return starlark.String(s.String()), nil
}

// resources(rtype=None) -> [guid]
func (c *controller) resources(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var rtype string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "rtype?", &rtype); err != nil {
		return nil, err
	}
	var guids []execution.Guid
	if rtype == "" {
		guids = c.ec.Guids()
	} else {
		for _, rm := range c.ec.ResourcesByType(rtype) {
			guids = append(guids, rm.Guid())
		}
	}
	list := make([]starlark.Value, len(guids))
	for i, g := range guids {
		list[i] = starlark.MakeInt(int(g))
	}
	return starlark.NewList(list), nil
}

func threadContext(thread *starlark.Thread) context.Context {
	if ctx, ok := thread.Local(contextKey).(context.Context); ok {
		return ctx
	}
	return context.Background()
}

func toGuids(v starlark.Value) ([]execution.Guid, error) {
	if i, ok := v.(starlark.Int); ok {
		n, ok := i.Int64()
		if !ok {
			return nil, fmt.Errorf("guid out of range")
		}
		return []execution.Guid{execution.Guid(n)}, nil
	}
	iterable, ok := v.(starlark.Iterable)
	if !ok {
		return nil, fmt.Errorf("want a guid or a list of guids, got %s", v.Type())
	}
	iter := iterable.Iterate()
	defer iter.Done()

	var guids []execution.Guid
	var x starlark.Value
	for iter.Next(&x) {
		var n int
		if err := starlark.AsInt(x, &n); err != nil {
			return nil, err
		}
		guids = append(guids, execution.Guid(n))
	}
	return guids, nil
}

func toDuration(v starlark.Value) (time.Duration, error) {
	switch x := v.(type) {
	case starlark.NoneType:
		return 0, nil
	case starlark.String:
		if x == "" {
			return 0, nil
		}
		return time.ParseDuration(string(x))
	case starlark.Int, starlark.Float:
		secs, _ := starlark.AsFloat(x)
		if secs < 0 {
			return 0, fmt.Errorf("negative delay")
		}
		return time.Duration(secs * float64(time.Second)), nil
	default:
		return 0, fmt.Errorf("want a duration string or seconds, got %s", v.Type())
	}
}
