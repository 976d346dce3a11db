package snapshot

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/goliatone/go-snapshot/layering"
	"github.com/goliatone/go-snapshot/pkg/activity"
	"github.com/goliatone/go-snapshot/pkg/idgen"
	"github.com/goliatone/go-snapshot/pkg/subscriber"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Store owns an ordered collection of snapshots, their hierarchy, nested
// stores and subscribers. Mutations are serialized per store; reads run
// concurrently.
type Store[T any, M any] struct {
	name       string
	cfg        config
	logger     *zap.SugaredLogger
	ids        IDGenerator
	evaluator  Evaluator
	dispatcher *Dispatcher[T, M]
	delegates  []Delegate[T, M]

	writeMu *semaphore.Weighted
	outbox  outbox

	mu        sync.RWMutex
	order     []string
	snapshots map[string]*Snapshot[T, M]
	versions  map[string]int64
	events    []EventRecord
	sealed    map[string][]byte
	encrypted bool
	undo      []historyEntry[T, M]
	redo      []historyEntry[T, M]

	nestedMu    sync.Mutex
	nested      map[string]*Store[T, M]
	nestedOrder []string
}

// New returns an empty store configured by opts.
func New[T any, M any](opts ...Option) *Store[T, M] {
	return newStore[T, M](applyOptions(opts))
}

func newStore[T any, M any](cfg config) *Store[T, M] {
	s := &Store[T, M]{
		name:      cfg.name,
		cfg:       cfg,
		logger:    cfg.logger,
		ids:       cfg.ids,
		writeMu:   semaphore.NewWeighted(1),
		snapshots: make(map[string]*Snapshot[T, M]),
		versions:  make(map[string]int64),
		sealed:    make(map[string][]byte),
		nested:    make(map[string]*Store[T, M]),
	}
	if s.ids == nil {
		s.ids = idgen.New()
	}

	s.evaluator = newEvaluator(s, cfg)

	switch chain := cfg.delegates.(type) {
	case nil:
	case []Delegate[T, M]:
		for _, delegate := range chain {
			if delegate.Provider == nil {
				s.logger.Warnw("dropping delegate without provider", "store", s.name, "delegate", delegate.label())
				continue
			}
			s.delegates = append(s.delegates, delegate)
		}
	default:
		s.logger.Warnw("ignoring delegates of a different snapshot type", "store", s.name, "type", fmt.Sprintf("%T", chain))
	}

	switch dispatcher := cfg.dispatcher.(type) {
	case *Dispatcher[T, M]:
		s.dispatcher = dispatcher
	case nil:
	default:
		s.logger.Warnw("ignoring dispatcher of a different snapshot type", "store", s.name, "type", fmt.Sprintf("%T", dispatcher))
	}
	if s.dispatcher == nil {
		s.dispatcher = defaultDispatcher[T, M](cfg)
	}
	return s
}

func defaultDispatcher[T any, M any](cfg config) *Dispatcher[T, M] {
	registry := subscriber.NewRegistry[Snapshot[T, M]](subscriber.WithLogger(cfg.logger))
	emitter := activity.NewEmitter(cfg.activityHooks, activity.Config{
		Enabled: len(cfg.activityHooks) > 0,
		Logger:  cfg.logger,
	})
	return NewDispatcher(registry, emitter, cfg.logger)
}

// Name returns the store label.
func (s *Store[T, M]) Name() string {
	return s.name
}

// Dispatcher returns the dispatcher used for lifecycle events.
func (s *Store[T, M]) Dispatcher() *Dispatcher[T, M] {
	return s.dispatcher
}

func (s *Store[T, M]) lock(ctx context.Context) error {
	return s.writeMu.Acquire(ctx, 1)
}

// unlock releases the write lock and then delivers the events committed
// under it.
func (s *Store[T, M]) unlock() {
	s.writeMu.Release(1)
	s.flush()
}

func (s *Store[T, M]) now() time.Time {
	return s.cfg.clock()
}

func (s *Store[T, M]) observe(op string, start time.Time, err error) {
	s.cfg.metrics.ObserveOperation(s.name, op, time.Since(start), err)
}

func (s *Store[T, M]) reportCount() {
	s.cfg.metrics.SetSnapshotCount(s.name, s.Len())
}

// appendEventLocked requires s.mu held for writing.
func (s *Store[T, M]) appendEventLocked(event EventType, id, detail string) {
	s.events = append(s.events, EventRecord{
		Type:       event,
		SnapshotID: id,
		Timestamp:  s.now(),
		Detail:     detail,
	})
}

func (s *Store[T, M]) recordEvent(event EventType, id, detail string) {
	s.mu.Lock()
	s.appendEventLocked(event, id, detail)
	s.mu.Unlock()
}

// emit records event and queues its delivery. Callers hold the write lock,
// so the queue follows commit order; delivery starts once it is released.
func (s *Store[T, M]) emit(ctx context.Context, event EventType, snap Snapshot[T, M]) {
	s.recordEvent(event, snap.ID, "")
	payload := s.clone(snap)
	s.deliver(ctx, func(ctx context.Context) {
		s.dispatcher.Emit(ctx, s.name, event, payload)
	})
}

// clone detaches snap from the store's internal state. Payloads go through
// deepcopy; nested State is cloned element by element.
func (s *Store[T, M]) clone(snap Snapshot[T, M]) Snapshot[T, M] {
	return cloneSnapshot(snap, func(id string, err error) {
		s.logger.Debugw("deep copy failed, using reflection clone", "store", s.name, "id", id, "error", err)
	})
}

func (s *Store[T, M]) validate(ctx context.Context, id string, data T) error {
	if err := validateValue(data); err != nil {
		return &ValidationError{ID: id, Field: "data", Err: err}
	}
	if s.cfg.validator != nil {
		if err := s.cfg.validator.Validate(ctx, data); err != nil {
			return &ValidationError{ID: id, Field: "data", Err: err}
		}
	}
	return nil
}

func (s *Store[T, M]) sealedError(op string) error {
	return fmt.Errorf("snapshot: %s on %q: %w", op, s.name, ErrStoreEncrypted)
}

// CreateSnapshot adds a snapshot at version 1. An empty ID is generated from
// the category and payload. Existing ids follow the store DuplicatePolicy.
func (s *Store[T, M]) CreateSnapshot(ctx context.Context, input CreateInput[T, M]) (snap Snapshot[T, M], err error) {
	start := time.Now()
	defer func() { s.observe("create", start, err) }()

	ctx, first := enterStore(ctx, s)
	if !first {
		return Snapshot[T, M]{}, errRevisited(s.name)
	}
	if err := s.lock(ctx); err != nil {
		return Snapshot[T, M]{}, err
	}
	defer s.unlock()

	created, err := s.createLocked(ctx, input)
	if err != nil {
		return Snapshot[T, M]{}, err
	}
	s.emit(ctx, EventSnapshotAdded, created)
	s.writeThrough(ctx, "create", created.ID, func(ctx context.Context, p Provider[T, M]) error {
		_, err := p.CreateSnapshot(ctx, CreateInput[T, M]{
			ID:       created.ID,
			Category: created.Category,
			ParentID: created.ParentID,
			Data:     created.Data,
			Metadata: created.Metadata,
			State:    created.State,
		})
		return err
	})
	s.reportCount()
	return s.clone(created), nil
}

// CreateInitSnapshot creates a snapshot with a generated id.
func (s *Store[T, M]) CreateInitSnapshot(ctx context.Context, category string, data T, metadata M) (Snapshot[T, M], error) {
	return s.CreateSnapshot(ctx, CreateInput[T, M]{Category: category, Data: data, Metadata: metadata})
}

// createLocked requires the write lock.
func (s *Store[T, M]) createLocked(ctx context.Context, input CreateInput[T, M]) (Snapshot[T, M], error) {
	if s.isEncrypted() {
		return Snapshot[T, M]{}, s.sealedError("create")
	}
	id := input.ID
	if id == "" {
		id = s.ids.Generate(input.Category, input.Data)
	}
	if err := s.validate(ctx, id, input.Data); err != nil {
		return Snapshot[T, M]{}, err
	}
	if input.ParentID == id {
		return Snapshot[T, M]{}, &ValidationError{ID: id, Field: "parentId", Reason: "snapshot cannot be its own parent", Err: ErrHierarchyCycle}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev, exists := s.snapshots[id]
	if exists && s.cfg.duplicatePolicy == DuplicateReject {
		return Snapshot[T, M]{}, &ValidationError{ID: id, Field: "id", Err: ErrDuplicateSnapshot}
	}
	if input.ParentID != "" {
		if _, ok := s.snapshots[input.ParentID]; !ok {
			return Snapshot[T, M]{}, &NotFoundError{Kind: "parent", ID: input.ParentID}
		}
		if exists && s.isAncestorLocked(id, input.ParentID) {
			return Snapshot[T, M]{}, &ValidationError{ID: id, Field: "parentId", Err: ErrHierarchyCycle}
		}
	}

	snap := Snapshot[T, M]{
		ID:        id,
		Data:      layering.Clone(input.Data),
		Metadata:  layering.Clone(input.Metadata),
		Category:  input.Category,
		Timestamp: s.now(),
		Version:   1,
		ParentID:  input.ParentID,
		State:     layering.Clone(input.State),
	}

	var before *Snapshot[T, M]
	if exists {
		copied := s.clone(*prev)
		before = &copied
		snap.Version = prev.Version + 1
		snap.ChildIDs = slices.Clone(prev.ChildIDs)
		if prev.ParentID != "" && prev.ParentID != snap.ParentID {
			s.unlinkChildLocked(prev.ParentID, id)
		}
		s.appendEventLocked(EventSnapshotOverwritten, id, fmt.Sprintf("version %d replaced", prev.Version))
		s.logger.Warnw("snapshot overwritten", "store", s.name, "id", id, "previousVersion", prev.Version)
	} else {
		s.order = append(s.order, id)
	}
	// A removed id keeps its version counter, so re-creating it continues
	// from the last version it had.
	if snap.Version <= s.versions[id] {
		snap.Version = s.versions[id] + 1
	}

	s.snapshots[id] = &snap
	s.trackVersionLocked(id, snap.Version)
	if snap.ParentID != "" {
		s.linkChildLocked(snap.ParentID, id)
	}
	s.pushHistoryLocked(id, before)
	return snap, nil
}

// GetSnapshot returns the snapshot for id. A miss locally walks the delegate
// chain; a miss everywhere is reported as (zero, false, nil).
func (s *Store[T, M]) GetSnapshot(ctx context.Context, id string) (snap Snapshot[T, M], found bool, err error) {
	start := time.Now()
	defer func() { s.observe("get", start, err) }()

	ctx, first := enterStore(ctx, s)
	if !first {
		return Snapshot[T, M]{}, false, nil
	}
	if local, ok := s.local(id); ok {
		return local, true, nil
	}
	value, walk, err := walkDelegates(ctx, s, "get", func(ctx context.Context, p Provider[T, M]) (Snapshot[T, M], bool, error) {
		return p.GetSnapshot(ctx, id)
	})
	if err != nil {
		return Snapshot[T, M]{}, false, err
	}
	if !walk.found {
		return Snapshot[T, M]{}, false, nil
	}
	return value, true, nil
}

func (s *Store[T, M]) local(id string) (Snapshot[T, M], bool) {
	s.mu.RLock()
	snap, ok := s.snapshots[id]
	var out Snapshot[T, M]
	if ok {
		out = s.clone(*snap)
	}
	s.mu.RUnlock()
	return out, ok
}

// UpdateSnapshot merges patch over the stored data and bumps the version.
// Zero fields in patch keep the stored values. Ids missing locally are
// offered to delegates before failing with NotFoundError.
func (s *Store[T, M]) UpdateSnapshot(ctx context.Context, id string, patch T) (Snapshot[T, M], error) {
	return s.update(ctx, "update", id, patch, 0, false)
}

// UpdateSnapshotIfVersion is UpdateSnapshot guarded by an expected version.
func (s *Store[T, M]) UpdateSnapshotIfVersion(ctx context.Context, id string, expected int64, patch T) (Snapshot[T, M], error) {
	return s.update(ctx, "update", id, patch, expected, true)
}

func (s *Store[T, M]) update(ctx context.Context, op, id string, patch T, expected int64, checkVersion bool) (snap Snapshot[T, M], err error) {
	start := time.Now()
	defer func() { s.observe(op, start, err) }()

	ctx, first := enterStore(ctx, s)
	if !first {
		return Snapshot[T, M]{}, errRevisited(s.name)
	}
	if err := s.lock(ctx); err != nil {
		return Snapshot[T, M]{}, err
	}
	defer s.unlock()

	if s.isEncrypted() {
		return Snapshot[T, M]{}, s.sealedError(op)
	}

	current, ok := s.local(id)
	if !ok {
		value, walk, err := walkDelegates(ctx, s, op, func(ctx context.Context, p Provider[T, M]) (Snapshot[T, M], bool, error) {
			out, err := p.UpdateSnapshot(ctx, id, patch)
			return out, err == nil, err
		})
		if err != nil {
			return Snapshot[T, M]{}, err
		}
		if !walk.found {
			return Snapshot[T, M]{}, notFound(id)
		}
		return value, nil
	}
	if checkVersion && current.Version != expected {
		return Snapshot[T, M]{}, &ConcurrencyConflictError{ID: id, Expected: expected, Actual: current.Version}
	}

	next := current
	next.Data = layering.Merge(current.Data, patch)
	if err := s.validate(ctx, id, next.Data); err != nil {
		return Snapshot[T, M]{}, err
	}
	next = s.commitLocked(current, next)
	s.emit(ctx, EventSnapshotUpdated, next)
	s.writeThrough(ctx, op, id, func(ctx context.Context, p Provider[T, M]) error {
		_, err := p.UpdateSnapshot(ctx, id, patch)
		return err
	})
	return s.clone(next), nil
}

// UpdateMetadata applies fn to a copy of the stored metadata and commits it as
// a new version. An error from fn aborts the update.
func (s *Store[T, M]) UpdateMetadata(ctx context.Context, id string, fn func(*M) error) (snap Snapshot[T, M], err error) {
	start := time.Now()
	defer func() { s.observe("update_metadata", start, err) }()

	if fn == nil {
		return Snapshot[T, M]{}, &ValidationError{ID: id, Field: "metadata", Reason: "mutator must not be nil"}
	}
	if err := s.lock(ctx); err != nil {
		return Snapshot[T, M]{}, err
	}
	defer s.unlock()

	if s.isEncrypted() {
		return Snapshot[T, M]{}, s.sealedError("update metadata")
	}
	current, ok := s.local(id)
	if !ok {
		return Snapshot[T, M]{}, notFound(id)
	}
	next := current
	if err := fn(&next.Metadata); err != nil {
		return Snapshot[T, M]{}, &ValidationError{ID: id, Field: "metadata", Err: err}
	}
	next = s.commitLocked(current, next)
	s.emit(ctx, EventSnapshotUpdated, next)
	return s.clone(next), nil
}

// commitLocked stores next as the successor of current. It requires the
// write lock.
func (s *Store[T, M]) commitLocked(current, next Snapshot[T, M]) Snapshot[T, M] {
	s.mu.Lock()
	defer s.mu.Unlock()
	next.Version = max(current.Version, s.versions[current.ID]) + 1
	next.Timestamp = s.now()
	stored := next
	s.snapshots[next.ID] = &stored
	s.trackVersionLocked(next.ID, next.Version)
	s.pushHistoryLocked(next.ID, &current)
	return next
}

// RemoveSnapshot deletes id. Removing an absent id is a no-op.
func (s *Store[T, M]) RemoveSnapshot(ctx context.Context, id string) (err error) {
	start := time.Now()
	defer func() { s.observe("remove", start, err) }()

	ctx, first := enterStore(ctx, s)
	if !first {
		return errRevisited(s.name)
	}
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.unlock()

	if s.isEncrypted() {
		return s.sealedError("remove")
	}

	s.mu.Lock()
	removed, ok := s.removeLocked(id)
	if ok {
		s.pushHistoryLocked(id, &removed)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	s.emit(ctx, EventSnapshotRemoved, removed)
	s.writeThrough(ctx, "remove", id, func(ctx context.Context, p Provider[T, M]) error {
		return p.RemoveSnapshot(ctx, id)
	})
	s.reportCount()
	return nil
}

// removeLocked requires s.mu held for writing. Children are detached, not
// removed.
func (s *Store[T, M]) removeLocked(id string) (Snapshot[T, M], bool) {
	snap, ok := s.snapshots[id]
	if !ok {
		return Snapshot[T, M]{}, false
	}
	removed := *snap
	delete(s.snapshots, id)
	delete(s.sealed, id)
	if i := slices.Index(s.order, id); i >= 0 {
		s.order = slices.Delete(s.order, i, i+1)
	}
	if removed.ParentID != "" {
		s.unlinkChildLocked(removed.ParentID, id)
	}
	for _, childID := range removed.ChildIDs {
		if child, ok := s.snapshots[childID]; ok && child.ParentID == id {
			child.ParentID = ""
		}
	}
	return removed, true
}

// ClearSnapshots removes every snapshot. One removal is recorded per id and a
// single snapshot.cleared event carries the removed snapshots in State.
func (s *Store[T, M]) ClearSnapshots(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { s.observe("clear", start, err) }()

	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.unlock()

	if s.isEncrypted() {
		return s.sealedError("clear")
	}

	s.mu.Lock()
	removed := make([]Snapshot[T, M], 0, len(s.order))
	for _, id := range s.order {
		removed = append(removed, *s.snapshots[id])
		s.appendEventLocked(EventSnapshotRemoved, id, "cleared")
	}
	s.order = nil
	s.snapshots = make(map[string]*Snapshot[T, M])
	s.sealed = make(map[string][]byte)
	s.undo = nil
	s.redo = nil
	s.mu.Unlock()

	s.emit(ctx, EventSnapshotCleared, Snapshot[T, M]{
		Timestamp: s.now(),
		State:     removed,
	})
	s.reportCount()
	return nil
}

// FindSnapshot returns the first snapshot matching predicate, scanning the
// local collection in insertion order and then each delegate in chain order.
func (s *Store[T, M]) FindSnapshot(ctx context.Context, predicate Predicate[T, M]) (snap Snapshot[T, M], found bool, err error) {
	start := time.Now()
	defer func() { s.observe("find", start, err) }()

	if predicate == nil {
		return Snapshot[T, M]{}, false, &ValidationError{Field: "predicate", Reason: "must not be nil"}
	}
	ctx, first := enterStore(ctx, s)
	if !first {
		return Snapshot[T, M]{}, false, nil
	}
	for _, candidate := range s.ListSnapshots() {
		if predicate(candidate) {
			return candidate, true, nil
		}
	}
	value, walk, err := walkDelegates(ctx, s, "find", func(ctx context.Context, p Provider[T, M]) (Snapshot[T, M], bool, error) {
		return p.FindSnapshot(ctx, predicate)
	})
	if err != nil {
		return Snapshot[T, M]{}, false, err
	}
	return value, walk.found, nil
}

// FindSnapshotByExpression compiles expr with the store evaluator and runs
// FindSnapshot with it.
func (s *Store[T, M]) FindSnapshotByExpression(ctx context.Context, expr string) (Snapshot[T, M], bool, error) {
	predicate, err := s.predicateFor(expr)
	if err != nil {
		return Snapshot[T, M]{}, false, err
	}
	return s.FindSnapshot(ctx, predicate)
}

func (s *Store[T, M]) predicateFor(expr string) (Predicate[T, M], error) {
	if s.evaluator == nil {
		return nil, ErrNoEvaluator
	}
	if expr == "" {
		return nil, &ValidationError{Field: "expression", Reason: "must not be empty"}
	}
	return s.compilePredicate(expr)
}

// ListSnapshots returns copies of the local snapshots in insertion order.
func (s *Store[T, M]) ListSnapshots() []Snapshot[T, M] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Snapshot[T, M], 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.clone(*s.snapshots[id]))
	}
	return out
}

// Len returns the number of local snapshots.
func (s *Store[T, M]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snapshots)
}

// EventRecords returns a copy of the audit log.
func (s *Store[T, M]) EventRecords() []EventRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.events)
}

// Subscribe registers sub for event on the store dispatcher. Callbacks run
// after the mutation that produced the event has released the store write
// lock, one at a time and in commit order. When mutations race, the goroutine
// already delivering events may deliver another caller's event after that
// caller has returned. A callback may mutate the store; the resulting events
// are delivered after the callback returns.
func (s *Store[T, M]) Subscribe(event EventType, sub Subscriber[T, M]) (Subscription, error) {
	return s.dispatcher.Subscribe(event, sub)
}

// Unsubscribe removes a registration. Unknown subscriptions are ignored.
func (s *Store[T, M]) Unsubscribe(subscription Subscription) bool {
	return s.dispatcher.Unsubscribe(subscription)
}

// Notify publishes a user-facing notification through the dispatcher.
func (s *Store[T, M]) Notify(ctx context.Context, notification activity.Notification) {
	if notification.Timestamp.IsZero() {
		notification.Timestamp = s.now()
	}
	s.dispatcher.Notify(ctx, notification)
}

func (s *Store[T, M]) trackVersionLocked(id string, version int64) {
	if version > s.versions[id] {
		s.versions[id] = version
	}
}

func (s *Store[T, M]) isEncrypted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.encrypted
}
