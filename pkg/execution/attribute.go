package execution

import (
	"fmt"
	"strconv"
	"strings"
)

// AttributeType is the declared value type of an attribute.
type AttributeType int

const (
	TypeString AttributeType = iota
	TypeInteger
	TypeDouble
	TypeBool
	TypeEnum
)

// String returns the attribute type name.
func (t AttributeType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeInteger:
		return "integer"
	case TypeDouble:
		return "double"
	case TypeBool:
		return "bool"
	case TypeEnum:
		return "enum"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// AttributeFlag restricts how an attribute may be written.
type AttributeFlag uint

// FlagNone places no restriction on the attribute.
const FlagNone AttributeFlag = 0

const (
	// FlagDesign allows writes only while the resource is NEW.
	FlagDesign AttributeFlag = 1 << iota

	// FlagReadOnly rejects user writes; the resource sets the value itself.
	FlagReadOnly

	// FlagRequired demands a non-empty value before deploy.
	FlagRequired
)

// Has reports whether all bits of other are set in f.
func (f AttributeFlag) Has(other AttributeFlag) bool {
	return f&other == other
}

// String lists the set flags separated by '|'.
func (f AttributeFlag) String() string {
	if f == FlagNone {
		return "none"
	}
	var parts []string
	if f.Has(FlagDesign) {
		parts = append(parts, "design")
	}
	if f.Has(FlagReadOnly) {
		parts = append(parts, "readonly")
	}
	if f.Has(FlagRequired) {
		parts = append(parts, "required")
	}
	return strings.Join(parts, "|")
}

// AttributeSpec declares an attribute of a resource type.
type AttributeSpec struct {
	Name        string
	Description string
	Type        AttributeType
	Default     any
	Allowed     []string
	Flags       AttributeFlag
}

// Common attributes carried by every resource manager.
const (
	AttrCritical    = "critical"
	AttrHardRelease = "hard_release"
)

func commonAttributes() []AttributeSpec {
	return []AttributeSpec{
		{
			Name:        AttrCritical,
			Description: "Failure of this resource aborts the experiment",
			Type:        TypeBool,
			Default:     true,
			Flags:       FlagDesign,
		},
		{
			Name:        AttrHardRelease,
			Description: "Remove all results associated with the resource on release",
			Type:        TypeBool,
			Default:     false,
		},
	}
}

// Attribute is one typed attribute value of a resource manager.
type Attribute struct {
	spec     AttributeSpec
	value    any
	modified bool
}

// Spec returns the attribute declaration.
func (a *Attribute) Spec() AttributeSpec { return a.spec }

// Value returns the current value, the default when never set.
func (a *Attribute) Value() any { return a.value }

// Modified reports whether the value was explicitly set.
func (a *Attribute) Modified() bool { return a.modified }

// HasValue reports whether the attribute holds a non-empty value.
func (a *Attribute) HasValue() bool {
	if a.value == nil {
		return false
	}
	if s, ok := a.value.(string); ok {
		return s != ""
	}
	return true
}

// AttributeSet is an ordered attribute collection. It is not safe for
// concurrent use; the owning resource manager guards it.
type AttributeSet struct {
	order []string
	attrs map[string]*Attribute
}

// NewAttributeSet builds a set from declarations. Later declarations with
// the same name replace earlier ones but keep the original position.
func NewAttributeSet(specs ...AttributeSpec) (*AttributeSet, error) {
	s := &AttributeSet{attrs: make(map[string]*Attribute, len(specs))}
	for _, spec := range specs {
		if spec.Name == "" {
			return nil, fmt.Errorf("attribute name is required")
		}
		var value any
		if spec.Default != nil {
			v, err := coerceValue(spec, spec.Default)
			if err != nil {
				return nil, fmt.Errorf("attribute %s default: %w", spec.Name, err)
			}
			value = v
		}
		if _, exists := s.attrs[spec.Name]; !exists {
			s.order = append(s.order, spec.Name)
		}
		s.attrs[spec.Name] = &Attribute{spec: spec, value: value}
	}
	return s, nil
}

// Names returns attribute names in declaration order.
func (s *AttributeSet) Names() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Lookup returns the named attribute.
func (s *AttributeSet) Lookup(name string) (*Attribute, error) {
	a, ok := s.attrs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAttribute, name)
	}
	return a, nil
}

// Get returns the value of the named attribute.
func (s *AttributeSet) Get(name string) (any, error) {
	a, err := s.Lookup(name)
	if err != nil {
		return nil, err
	}
	return a.value, nil
}

// set stores a coerced value without checking flags.
func (s *AttributeSet) set(name string, value any) error {
	a, err := s.Lookup(name)
	if err != nil {
		return err
	}
	v, err := coerceValue(a.spec, value)
	if err != nil {
		return fmt.Errorf("attribute %s: %w", name, err)
	}
	a.value = v
	a.modified = true
	return nil
}

// missingRequired returns the required attributes without a value.
func (s *AttributeSet) missingRequired() []string {
	var missing []string
	for _, name := range s.order {
		a := s.attrs[name]
		if a.spec.Flags.Has(FlagRequired) && !a.HasValue() {
			missing = append(missing, name)
		}
	}
	return missing
}

// coerceValue converts v to the Go representation of the declared type:
// string, int64, float64 or bool. Enum values are strings from Allowed.
func coerceValue(spec AttributeSpec, v any) (any, error) {
	switch spec.Type {
	case TypeString:
		switch x := v.(type) {
		case string:
			return x, nil
		case fmt.Stringer:
			return x.String(), nil
		default:
			return fmt.Sprint(x), nil
		}
	case TypeInteger:
		switch x := v.(type) {
		case int:
			return int64(x), nil
		case int32:
			return int64(x), nil
		case int64:
			return x, nil
		case uint:
			return int64(x), nil
		case float64:
			if x != float64(int64(x)) {
				return nil, fmt.Errorf("%w: %v is not an integer", ErrAttributeType, x)
			}
			return int64(x), nil
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %q is not an integer", ErrAttributeType, x)
			}
			return n, nil
		}
	case TypeDouble:
		switch x := v.(type) {
		case float64:
			return x, nil
		case float32:
			return float64(x), nil
		case int:
			return float64(x), nil
		case int64:
			return float64(x), nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %q is not a number", ErrAttributeType, x)
			}
			return f, nil
		}
	case TypeBool:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(x))
			if err != nil {
				return nil, fmt.Errorf("%w: %q is not a bool", ErrAttributeType, x)
			}
			return b, nil
		}
	case TypeEnum:
		str, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: enum value must be a string, got %T", ErrAttributeType, v)
		}
		for _, allowed := range spec.Allowed {
			if allowed == str {
				return str, nil
			}
		}
		return nil, fmt.Errorf("%w: %q not in %v", ErrAttributeType, str, spec.Allowed)
	}
	return nil, fmt.Errorf("%w: cannot use %T as %s", ErrAttributeType, v, spec.Type)
}

// FormatValue renders an attribute value the way description files store it.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}
