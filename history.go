package snapshot

import (
	"context"
	"time"
)

// historyEntry restores ID to before. A nil before means the id did not
// exist.
type historyEntry[T any, M any] struct {
	ID     string
	before *Snapshot[T, M]
}

// pushHistoryLocked requires s.mu held for writing. Every new mutation drops
// the redo stack.
func (s *Store[T, M]) pushHistoryLocked(id string, before *Snapshot[T, M]) {
	s.redo = nil
	if s.cfg.historyLimit == 0 {
		return
	}
	s.undo = pushBounded(s.undo, historyEntry[T, M]{ID: id, before: before}, s.cfg.historyLimit)
}

func pushBounded[E any](stack []E, entry E, limit int) []E {
	stack = append(stack, entry)
	if over := len(stack) - limit; over > 0 {
		stack = append(stack[:0:0], stack[over:]...)
	}
	return stack
}

// CanUndo reports whether Undo has anything to restore.
func (s *Store[T, M]) CanUndo() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.undo) > 0
}

// CanRedo reports whether Redo has anything to restore.
func (s *Store[T, M]) CanRedo() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.redo) > 0
}

// Undo reverts the most recent mutation. The restored state is committed as
// a new version so versions never move backwards. Undoing a creation removes
// the snapshot.
func (s *Store[T, M]) Undo(ctx context.Context) (Snapshot[T, M], error) {
	return s.restore(ctx, "undo", false)
}

// Redo reapplies the most recently undone mutation.
func (s *Store[T, M]) Redo(ctx context.Context) (Snapshot[T, M], error) {
	return s.restore(ctx, "redo", true)
}

func (s *Store[T, M]) restore(ctx context.Context, op string, forward bool) (snap Snapshot[T, M], err error) {
	start := time.Now()
	defer func() { s.observe(op, start, err) }()

	if err := s.lock(ctx); err != nil {
		return Snapshot[T, M]{}, err
	}
	defer s.unlock()

	if s.isEncrypted() {
		return Snapshot[T, M]{}, s.sealedError(op)
	}

	s.mu.Lock()
	from, to := &s.undo, &s.redo
	if forward {
		from, to = &s.redo, &s.undo
	}
	if len(*from) == 0 {
		s.mu.Unlock()
		return Snapshot[T, M]{}, ErrNothingToUndo
	}
	entry := (*from)[len(*from)-1]
	*from = (*from)[:len(*from)-1]

	var inverse *Snapshot[T, M]
	if current, ok := s.snapshots[entry.ID]; ok {
		copied := s.clone(*current)
		inverse = &copied
	}
	if s.cfg.historyLimit > 0 {
		*to = pushBounded(*to, historyEntry[T, M]{ID: entry.ID, before: inverse}, s.cfg.historyLimit)
	}

	if entry.before == nil {
		removed, _ := s.removeLocked(entry.ID)
		s.mu.Unlock()
		s.emit(ctx, EventSnapshotRemoved, removed)
		s.reportCount()
		return s.clone(removed), nil
	}

	restored := s.clone(*entry.before)
	restored.Version = s.versions[entry.ID] + 1
	restored.Timestamp = s.now()
	s.putLocked(&restored)
	s.mu.Unlock()

	s.emit(ctx, EventRestored, restored)
	s.reportCount()
	return s.clone(restored), nil
}

// putLocked stores snap and repairs hierarchy links against the current
// collection. It requires s.mu held for writing.
func (s *Store[T, M]) putLocked(snap *Snapshot[T, M]) {
	previous, exists := s.snapshots[snap.ID]
	if !exists {
		s.order = append(s.order, snap.ID)
	} else if previous.ParentID != "" && previous.ParentID != snap.ParentID {
		s.unlinkChildLocked(previous.ParentID, snap.ID)
	}

	if snap.ParentID != "" {
		if _, ok := s.snapshots[snap.ParentID]; !ok || s.isAncestorLocked(snap.ID, snap.ParentID) {
			snap.ParentID = ""
		}
	}
	children := snap.ChildIDs[:0:0]
	for _, childID := range snap.ChildIDs {
		if child, ok := s.snapshots[childID]; ok && child.ParentID == snap.ID {
			children = append(children, childID)
		}
	}
	snap.ChildIDs = children

	s.snapshots[snap.ID] = snap
	s.trackVersionLocked(snap.ID, snap.Version)
	if snap.ParentID != "" {
		s.linkChildLocked(snap.ParentID, snap.ID)
	}
}
