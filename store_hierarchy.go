package snapshot

import (
	"context"
	"slices"
	"time"
)

// AddChild links childID under parentID. When childID is not stored yet it
// is created from child. Links that would make a snapshot its own ancestor
// fail with a ValidationError wrapping ErrHierarchyCycle. Linking does not
// bump versions.
func (s *Store[T, M]) AddChild(ctx context.Context, parentID, childID string, child CreateInput[T, M]) (snap Snapshot[T, M], err error) {
	start := time.Now()
	defer func() { s.observe("add_child", start, err) }()

	if childID == "" {
		childID = child.ID
	}
	if childID != "" && childID == parentID {
		return Snapshot[T, M]{}, &ValidationError{ID: childID, Field: "parentId", Reason: "snapshot cannot be its own parent", Err: ErrHierarchyCycle}
	}
	if err := s.lock(ctx); err != nil {
		return Snapshot[T, M]{}, err
	}
	defer s.unlock()

	if s.isEncrypted() {
		return Snapshot[T, M]{}, s.sealedError("add child")
	}
	if !s.has(parentID) {
		return Snapshot[T, M]{}, &NotFoundError{Kind: "parent", ID: parentID}
	}

	if childID == "" || !s.has(childID) {
		child.ID = childID
		child.ParentID = parentID
		created, err := s.createLocked(ctx, child)
		if err != nil {
			return Snapshot[T, M]{}, err
		}
		s.emit(ctx, EventSnapshotAdded, created)
		s.emit(ctx, EventChildAdded, created)
		s.reportCount()
		return s.clone(created), nil
	}

	s.mu.Lock()
	if s.isAncestorLocked(childID, parentID) {
		s.mu.Unlock()
		return Snapshot[T, M]{}, &ValidationError{ID: childID, Field: "parentId", Err: ErrHierarchyCycle}
	}
	existing := s.snapshots[childID]
	if existing.ParentID == parentID && slices.Contains(s.snapshots[parentID].ChildIDs, childID) {
		out := s.clone(*existing)
		s.mu.Unlock()
		return out, nil
	}
	if existing.ParentID != "" {
		s.unlinkChildLocked(existing.ParentID, childID)
	}
	existing.ParentID = parentID
	s.linkChildLocked(parentID, childID)
	linked := s.clone(*existing)
	s.mu.Unlock()

	s.emit(ctx, EventChildAdded, linked)
	return linked, nil
}

// RemoveChild unlinks childID from parentID. The child snapshot is kept.
// Removing a link that does not exist is a no-op.
func (s *Store[T, M]) RemoveChild(ctx context.Context, parentID, childID string) (err error) {
	start := time.Now()
	defer func() { s.observe("remove_child", start, err) }()

	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.unlock()

	if s.isEncrypted() {
		return s.sealedError("remove child")
	}

	s.mu.Lock()
	parent, ok := s.snapshots[parentID]
	if !ok || !slices.Contains(parent.ChildIDs, childID) {
		s.mu.Unlock()
		return nil
	}
	s.unlinkChildLocked(parentID, childID)
	var unlinked Snapshot[T, M]
	if child, ok := s.snapshots[childID]; ok {
		if child.ParentID == parentID {
			child.ParentID = ""
		}
		unlinked = s.clone(*child)
	} else {
		unlinked = Snapshot[T, M]{ID: childID}
	}
	s.mu.Unlock()

	s.emit(ctx, EventChildRemoved, unlinked)
	return nil
}

// GetChildren returns the stored children of id in link order.
func (s *Store[T, M]) GetChildren(ctx context.Context, id string) ([]Snapshot[T, M], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	parent, ok := s.snapshots[id]
	if !ok {
		return nil, notFound(id)
	}
	out := make([]Snapshot[T, M], 0, len(parent.ChildIDs))
	for _, childID := range parent.ChildIDs {
		if child, ok := s.snapshots[childID]; ok {
			out = append(out, s.clone(*child))
		}
	}
	return out, nil
}

// HasChildren reports whether id has at least one linked child.
func (s *Store[T, M]) HasChildren(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[id]
	return ok && len(snap.ChildIDs) > 0
}

// IsDescendantOf walks the ancestors of childID looking for parentID. A
// cycle met during the walk ends it with false.
func (s *Store[T, M]) IsDescendantOf(childID, parentID string) bool {
	if childID == parentID {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ancestor := range s.ancestorsLocked(childID) {
		if ancestor == parentID {
			return true
		}
	}
	return false
}

// Ancestors returns the parent chain of id, nearest first. The walk stops
// at the first repeated id.
func (s *Store[T, M]) Ancestors(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ancestorsLocked(id)
}

// Descendants returns every id reachable through child links of id in
// breadth-first order. Each id is reported once.
func (s *Store[T, M]) Descendants(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	root, ok := s.snapshots[id]
	if !ok {
		return nil
	}
	visited := map[string]struct{}{id: {}}
	queue := slices.Clone(root.ChildIDs)
	var out []string
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if _, seen := visited[next]; seen {
			continue
		}
		visited[next] = struct{}{}
		out = append(out, next)
		if snap, ok := s.snapshots[next]; ok {
			queue = append(queue, snap.ChildIDs...)
		}
	}
	return out
}

func (s *Store[T, M]) ancestorsLocked(id string) []string {
	visited := map[string]struct{}{id: {}}
	var out []string
	current, ok := s.snapshots[id]
	for ok && current.ParentID != "" {
		parentID := current.ParentID
		if _, seen := visited[parentID]; seen {
			break
		}
		visited[parentID] = struct{}{}
		out = append(out, parentID)
		current, ok = s.snapshots[parentID]
	}
	return out
}

// isAncestorLocked reports whether candidate is id itself or one of its
// ancestors.
func (s *Store[T, M]) isAncestorLocked(candidate, id string) bool {
	if candidate == id {
		return true
	}
	return slices.Contains(s.ancestorsLocked(id), candidate)
}

func (s *Store[T, M]) linkChildLocked(parentID, childID string) {
	parent, ok := s.snapshots[parentID]
	if !ok || slices.Contains(parent.ChildIDs, childID) {
		return
	}
	parent.ChildIDs = append(slices.Clone(parent.ChildIDs), childID)
}

func (s *Store[T, M]) unlinkChildLocked(parentID, childID string) {
	parent, ok := s.snapshots[parentID]
	if !ok {
		return
	}
	if i := slices.Index(parent.ChildIDs, childID); i >= 0 {
		parent.ChildIDs = slices.Delete(slices.Clone(parent.ChildIDs), i, i+1)
	}
}

func (s *Store[T, M]) has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.snapshots[id]
	return ok
}
