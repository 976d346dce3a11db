package snapshot

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Function is a helper callable from snapshot expressions.
type Function func(args ...any) (any, error)

// FunctionRegistry holds expression helpers. Names keep the case they were
// registered with and are matched case-insensitively, so "hasChild" cannot
// be registered twice as "haschild".
type FunctionRegistry struct {
	mu        sync.RWMutex
	functions map[string]Function
	names     map[string]string
}

// NewFunctionRegistry constructs an empty registry.
func NewFunctionRegistry() *FunctionRegistry {
	return &FunctionRegistry{
		functions: make(map[string]Function),
		names:     make(map[string]string),
	}
}

// Register stores fn under name. Duplicate names are rejected.
func (r *FunctionRegistry) Register(name string, fn Function) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("snapshot: function name must not be empty")
	}
	if fn == nil {
		return fmt.Errorf("snapshot: function %q is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.functions == nil {
		r.functions = make(map[string]Function)
		r.names = make(map[string]string)
	}
	key := strings.ToLower(name)
	if existing, ok := r.names[key]; ok {
		return fmt.Errorf("snapshot: function %q already registered as %q", name, existing)
	}
	r.functions[key] = fn
	r.names[key] = name
	return nil
}

// Has reports whether name is registered.
func (r *FunctionRegistry) Has(name string) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.functions[strings.ToLower(name)]
	return ok
}

// Clone returns a copy that can be extended without touching r. A nil
// registry clones to an empty one.
func (r *FunctionRegistry) Clone() *FunctionRegistry {
	clone := NewFunctionRegistry()
	if r == nil {
		return clone
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for key, fn := range r.functions {
		clone.functions[key] = fn
		clone.names[key] = r.names[key]
	}
	return clone
}

// Call runs the function registered for name.
func (r *FunctionRegistry) Call(name string, args ...any) (any, error) {
	if r == nil {
		return nil, fmt.Errorf("snapshot: function registry is nil")
	}
	r.mu.RLock()
	fn := r.functions[strings.ToLower(name)]
	r.mu.RUnlock()
	if fn == nil {
		return nil, fmt.Errorf("snapshot: function %q not registered", name)
	}
	return fn(args...)
}

// Names returns the registered names, as registered, sorted.
func (r *FunctionRegistry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.names))
	for _, name := range r.names {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WithFunctionRegistry exposes registry functions to expression criteria.
func WithFunctionRegistry(registry *FunctionRegistry) Option {
	return func(cfg *config) {
		if registry == nil {
			return
		}
		cfg.functions = registry.Clone()
	}
}

// WithCustomFunction registers fn under name for expression criteria.
func WithCustomFunction(name string, fn Function) Option {
	return func(cfg *config) {
		if cfg.functions == nil {
			cfg.functions = NewFunctionRegistry()
		}
		_ = cfg.functions.Register(name, fn)
	}
}

// hierarchyFunctions binds the parent/child graph of s for expressions:
//
//	hasChild(parentId, childId)     child is linked directly under parent
//	isDescendant(childId, parentId) parent appears in the ancestor chain
//	childCount(id)                  number of linked children
//	exists(id)                      id is stored locally
//
// Predicates that travel to delegates still consult s.
func (s *Store[T, M]) hierarchyFunctions() map[string]Function {
	return map[string]Function{
		"hasChild": func(args ...any) (any, error) {
			ids, err := idArgs("hasChild", args, 2)
			if err != nil {
				return nil, err
			}
			s.mu.RLock()
			defer s.mu.RUnlock()
			parent, ok := s.snapshots[ids[0]]
			if !ok {
				return false, nil
			}
			for _, child := range parent.ChildIDs {
				if child == ids[1] {
					return true, nil
				}
			}
			return false, nil
		},
		"isDescendant": func(args ...any) (any, error) {
			ids, err := idArgs("isDescendant", args, 2)
			if err != nil {
				return nil, err
			}
			return s.IsDescendantOf(ids[0], ids[1]), nil
		},
		"childCount": func(args ...any) (any, error) {
			ids, err := idArgs("childCount", args, 1)
			if err != nil {
				return nil, err
			}
			s.mu.RLock()
			defer s.mu.RUnlock()
			if snap, ok := s.snapshots[ids[0]]; ok {
				return len(snap.ChildIDs), nil
			}
			return 0, nil
		},
		"exists": func(args ...any) (any, error) {
			ids, err := idArgs("exists", args, 1)
			if err != nil {
				return nil, err
			}
			return s.has(ids[0]), nil
		},
	}
}

func idArgs(name string, args []any, want int) ([]string, error) {
	if len(args) != want {
		return nil, fmt.Errorf("snapshot: %s expects %d ids, got %d arguments", name, want, len(args))
	}
	ids := make([]string, want)
	for i, arg := range args {
		id, ok := arg.(string)
		if !ok {
			return nil, fmt.Errorf("snapshot: %s argument %d must be a string id, got %T", name, i+1, arg)
		}
		ids[i] = id
	}
	return ids, nil
}
