// Package persistent exposes a state.Store namespace as a snapshot delegate.
package persistent

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	snapshot "github.com/goliatone/go-snapshot"
	"github.com/goliatone/go-snapshot/layering"
	"github.com/goliatone/go-snapshot/pkg/state"
)

// Provider reads and writes snapshots of one namespace. Batch fetch and
// subscriptions are not supported.
type Provider[T any, M any] struct {
	snapshot.UnimplementedProvider[T, M]

	store     state.Store
	namespace string
	logger    *zap.SugaredLogger
	now       func() time.Time
}

// Option configures a Provider.
type Option func(*options)

type options struct {
	logger *zap.SugaredLogger
	now    func() time.Time
}

// WithLogger sets the logger used for import failures.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock sets the clock stamped on created and updated records.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// New builds a Provider over namespace.
func New[T any, M any](store state.Store, namespace string, opts ...Option) *Provider[T, M] {
	cfg := options{logger: zap.NewNop().Sugar(), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return &Provider[T, M]{
		store:     store,
		namespace: namespace,
		logger:    cfg.logger,
		now:       cfg.now,
	}
}

// Delegate wraps p as a KindPersistent delegate.
func (p *Provider[T, M]) Delegate(name string) snapshot.Delegate[T, M] {
	return snapshot.Delegate[T, M]{Kind: snapshot.KindPersistent, Name: name, Provider: p}
}

func (p *Provider[T, M]) ref(id string) state.Ref {
	return state.Ref{Namespace: p.namespace, ID: id}
}

func (p *Provider[T, M]) GetSnapshot(ctx context.Context, id string) (snapshot.Snapshot[T, M], bool, error) {
	record, _, ok, err := p.store.Load(ctx, p.ref(id))
	if err != nil || !ok {
		return snapshot.Snapshot[T, M]{}, false, err
	}
	snap, err := FromRecord[T, M](record)
	if err != nil {
		return snapshot.Snapshot[T, M]{}, false, err
	}
	return snap, true, nil
}

// CreateSnapshot writes input, replacing any record with the same id. The
// version continues from the replaced record.
func (p *Provider[T, M]) CreateSnapshot(ctx context.Context, input snapshot.CreateInput[T, M]) (snapshot.Snapshot[T, M], error) {
	if input.ID == "" {
		return snapshot.Snapshot[T, M]{}, &snapshot.ValidationError{Field: "id", Err: errors.New("persistent provider requires an id")}
	}
	var created snapshot.Snapshot[T, M]
	_, _, err := state.Mutate(ctx, p.store, p.ref(input.ID), func(record *state.Record) error {
		snap := snapshot.Snapshot[T, M]{
			ID:        input.ID,
			Category:  input.Category,
			ParentID:  input.ParentID,
			Data:      input.Data,
			Metadata:  input.Metadata,
			Timestamp: p.now(),
			Version:   record.Version + 1,
			ChildIDs:  record.ChildIDs,
		}
		next, err := ToRecord(snap)
		if err != nil {
			return err
		}
		*record = next
		created = snap
		return nil
	})
	if err != nil {
		return snapshot.Snapshot[T, M]{}, err
	}
	return created, nil
}

// UpdateSnapshot merges patch over the stored payload under the record's
// ETag.
func (p *Provider[T, M]) UpdateSnapshot(ctx context.Context, id string, patch T) (snapshot.Snapshot[T, M], error) {
	ref := p.ref(id)
	record, meta, ok, err := p.store.Load(ctx, ref)
	if err != nil {
		return snapshot.Snapshot[T, M]{}, err
	}
	if !ok {
		return snapshot.Snapshot[T, M]{}, &snapshot.NotFoundError{Kind: "snapshot", ID: id}
	}
	current, err := FromRecord[T, M](record)
	if err != nil {
		return snapshot.Snapshot[T, M]{}, err
	}
	current.Data = layering.Merge(current.Data, patch)
	current.Version++
	current.Timestamp = p.now()

	next, err := ToRecord(current)
	if err != nil {
		return snapshot.Snapshot[T, M]{}, err
	}
	if _, err := p.store.Save(ctx, ref, next, meta); err != nil {
		if errors.Is(err, state.ErrETagMismatch) {
			conflict := &snapshot.ConcurrencyConflictError{ID: id, Expected: current.Version - 1}
			if latest, _, found, loadErr := p.store.Load(ctx, ref); loadErr == nil && found {
				conflict.Actual = latest.Version
			}
			return snapshot.Snapshot[T, M]{}, conflict
		}
		return snapshot.Snapshot[T, M]{}, err
	}
	return current, nil
}

func (p *Provider[T, M]) RemoveSnapshot(ctx context.Context, id string) error {
	return p.store.Delete(ctx, p.ref(id))
}

// FindSnapshot scans the namespace in id order.
func (p *Provider[T, M]) FindSnapshot(ctx context.Context, predicate snapshot.Predicate[T, M]) (snapshot.Snapshot[T, M], bool, error) {
	if predicate == nil {
		return snapshot.Snapshot[T, M]{}, false, &snapshot.ValidationError{Field: "predicate", Err: errors.New("predicate is required")}
	}
	snaps, err := p.List(ctx)
	if err != nil {
		return snapshot.Snapshot[T, M]{}, false, err
	}
	for _, snap := range snaps {
		if predicate(snap) {
			return snap, true, nil
		}
	}
	return snapshot.Snapshot[T, M]{}, false, nil
}

// ImportSnapshots saves every snapshot as given, keeping ids and versions.
func (p *Provider[T, M]) ImportSnapshots(ctx context.Context, snaps []snapshot.Snapshot[T, M]) (snapshot.BatchResult[T, M], error) {
	var result snapshot.BatchResult[T, M]
	for _, snap := range snaps {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := p.save(ctx, snap); err != nil {
			p.logger.Warnw("import failed", "namespace", p.namespace, "id", snap.ID, "error", err)
			result.Failed = append(result.Failed, snapshot.BatchFailure{ID: snap.ID, Err: err})
			continue
		}
		result.Succeeded = append(result.Succeeded, snap)
	}
	return result, nil
}

func (p *Provider[T, M]) save(ctx context.Context, snap snapshot.Snapshot[T, M]) error {
	if snap.ID == "" {
		return &snapshot.ValidationError{Field: "id", Err: errors.New("snapshot id is required")}
	}
	record, err := ToRecord(snap)
	if err != nil {
		return err
	}
	_, err = p.store.Save(ctx, p.ref(snap.ID), record, state.Meta{})
	return err
}

// List returns every snapshot of the namespace in id order.
func (p *Provider[T, M]) List(ctx context.Context) ([]snapshot.Snapshot[T, M], error) {
	records, err := p.store.List(ctx, p.namespace)
	if err != nil {
		return nil, err
	}
	out := make([]snapshot.Snapshot[T, M], 0, len(records))
	for _, record := range records {
		snap, err := FromRecord[T, M](record)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

// ToRecord encodes snap for storage. Nested State is not persisted.
func ToRecord[T any, M any](snap snapshot.Snapshot[T, M]) (state.Record, error) {
	data, err := json.Marshal(snap.Data)
	if err != nil {
		return state.Record{}, &snapshot.SerializationError{Op: "encode data", ID: snap.ID, Err: err}
	}
	metadata, err := json.Marshal(snap.Metadata)
	if err != nil {
		return state.Record{}, &snapshot.SerializationError{Op: "encode metadata", ID: snap.ID, Err: err}
	}
	return state.Record{
		ID:        snap.ID,
		Category:  snap.Category,
		Data:      data,
		Metadata:  metadata,
		Version:   snap.Version,
		Timestamp: snap.Timestamp,
		ParentID:  snap.ParentID,
		ChildIDs:  append([]string(nil), snap.ChildIDs...),
		Encrypted: snap.Encrypted,
	}, nil
}

// FromRecord decodes a stored record.
func FromRecord[T any, M any](record state.Record) (snapshot.Snapshot[T, M], error) {
	snap := snapshot.Snapshot[T, M]{
		ID:        record.ID,
		Category:  record.Category,
		Version:   record.Version,
		Timestamp: record.Timestamp,
		ParentID:  record.ParentID,
		ChildIDs:  append([]string(nil), record.ChildIDs...),
		Encrypted: record.Encrypted,
	}
	if len(record.Data) > 0 {
		if err := json.Unmarshal(record.Data, &snap.Data); err != nil {
			return snapshot.Snapshot[T, M]{}, &snapshot.SerializationError{Op: "decode data", ID: record.ID, Err: err}
		}
	}
	if len(record.Metadata) > 0 {
		if err := json.Unmarshal(record.Metadata, &snap.Metadata); err != nil {
			return snapshot.Snapshot[T, M]{}, &snapshot.SerializationError{Op: "decode metadata", ID: record.ID, Err: err}
		}
	}
	return snap, nil
}

var _ snapshot.Provider[map[string]any, snapshot.Metadata] = (*Provider[map[string]any, snapshot.Metadata])(nil)
