package snapshot

import (
	"fmt"
	"slices"
	"strings"
)

// NestedStore returns the nested store called name, creating it on first
// use. Nested stores share the parent configuration but own their
// collection, subscribers and history. They have no delegates.
func (s *Store[T, M]) NestedStore(name string) (*Store[T, M], error) {
	if err := validateNestedName(name); err != nil {
		return nil, err
	}
	s.nestedMu.Lock()
	defer s.nestedMu.Unlock()
	if nested, ok := s.nested[name]; ok {
		return nested, nil
	}
	cfg := s.cfg
	cfg.name = s.name + "/" + name
	cfg.delegates = nil
	cfg.dispatcher = nil
	nested := newStore[T, M](cfg)
	s.nested[name] = nested
	s.nestedOrder = append(s.nestedOrder, name)
	return nested, nil
}

// AttachNestedStore registers an existing store under name. The store must
// not already be attached under another name anywhere below s and must not
// contain s.
func (s *Store[T, M]) AttachNestedStore(name string, nested *Store[T, M]) error {
	if err := validateNestedName(name); err != nil {
		return err
	}
	if nested == nil {
		return &ValidationError{ID: name, Field: "store", Reason: "must not be nil"}
	}
	if nested == s || nested.containsStore(s) {
		return &ValidationError{ID: name, Field: "store", Reason: "attaching would nest the store inside itself", Err: ErrHierarchyCycle}
	}
	if s.containsStore(nested) {
		return &ValidationError{ID: name, Field: "store", Reason: "store is already nested", Err: ErrDuplicateSnapshot}
	}

	s.nestedMu.Lock()
	defer s.nestedMu.Unlock()
	if _, ok := s.nested[name]; ok {
		return &ValidationError{ID: name, Field: "store", Reason: "name already in use", Err: ErrDuplicateSnapshot}
	}
	s.nested[name] = nested
	s.nestedOrder = append(s.nestedOrder, name)
	return nil
}

// DetachNestedStore removes and returns the nested store called name.
func (s *Store[T, M]) DetachNestedStore(name string) (*Store[T, M], error) {
	s.nestedMu.Lock()
	defer s.nestedMu.Unlock()
	nested, ok := s.nested[name]
	if !ok {
		return nil, &NotFoundError{Kind: "store", ID: name}
	}
	delete(s.nested, name)
	if i := slices.Index(s.nestedOrder, name); i >= 0 {
		s.nestedOrder = slices.Delete(s.nestedOrder, i, i+1)
	}
	return nested, nil
}

// LookupNestedStore returns the nested store called name without creating
// it.
func (s *Store[T, M]) LookupNestedStore(name string) (*Store[T, M], bool) {
	s.nestedMu.Lock()
	defer s.nestedMu.Unlock()
	nested, ok := s.nested[name]
	return nested, ok
}

// NestedStoreNames lists nested store names in creation order.
func (s *Store[T, M]) NestedStoreNames() []string {
	s.nestedMu.Lock()
	defer s.nestedMu.Unlock()
	return slices.Clone(s.nestedOrder)
}

func (s *Store[T, M]) nestedStores() []*Store[T, M] {
	s.nestedMu.Lock()
	defer s.nestedMu.Unlock()
	out := make([]*Store[T, M], 0, len(s.nestedOrder))
	for _, name := range s.nestedOrder {
		out = append(out, s.nested[name])
	}
	return out
}

// containsStore reports whether target is reachable through nested stores.
func (s *Store[T, M]) containsStore(target *Store[T, M]) bool {
	visited := map[*Store[T, M]]struct{}{}
	queue := s.nestedStores()
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if next == target {
			return true
		}
		if _, seen := visited[next]; seen {
			continue
		}
		visited[next] = struct{}{}
		queue = append(queue, next.nestedStores()...)
	}
	return false
}

func validateNestedName(name string) error {
	if strings.TrimSpace(name) == "" {
		return &ValidationError{Field: "store", Reason: "name must not be empty"}
	}
	if strings.Contains(name, "/") {
		return &ValidationError{ID: name, Field: "store", Reason: fmt.Sprintf("name %q must not contain '/'", name)}
	}
	return nil
}
