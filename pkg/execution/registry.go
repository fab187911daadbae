package execution

import (
	"fmt"
	"sort"
	"sync"
)

// Factory creates a fresh implementation for one resource manager.
type Factory func() Resource

// TypeInfo describes a resource type available to experiments.
type TypeInfo struct {
	Name        string
	Description string
	Attributes  []AttributeSpec
	New         Factory
}

// TypeRegistry maps type names to their factories. It is populated once at
// process start and handed to every experiment controller.
type TypeRegistry struct {
	mu    sync.RWMutex
	types map[string]TypeInfo
}

// NewTypeRegistry creates an empty registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{types: make(map[string]TypeInfo)}
}

// Register adds a resource type. Registering a name twice is an error.
func (r *TypeRegistry) Register(info TypeInfo) error {
	if info.Name == "" {
		return fmt.Errorf("resource type name is required")
	}
	if info.New == nil {
		return fmt.Errorf("resource type %s has no factory", info.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[info.Name]; exists {
		return fmt.Errorf("resource type %s already registered", info.Name)
	}
	r.types[info.Name] = info
	return nil
}

// MustRegister is Register for package initialization code paths that
// cannot recover from a duplicate.
func (r *TypeRegistry) MustRegister(info TypeInfo) {
	if err := r.Register(info); err != nil {
		panic(err)
	}
}

// Lookup returns the named type.
func (r *TypeRegistry) Lookup(name string) (TypeInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.types[name]
	if !ok {
		return TypeInfo{}, fmt.Errorf("%w: %s", ErrUnknownType, name)
	}
	return info, nil
}

// Types returns all registered types sorted by name.
func (r *TypeRegistry) Types() []TypeInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]TypeInfo, 0, len(r.types))
	for _, info := range r.types {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
