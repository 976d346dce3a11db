package snapshot

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Criteria selects the snapshots of a batch. IDs is used as given and in
// order. Otherwise the local collection is filtered by Pattern (a glob over
// ids), Category and Expression, all of which must match.
type Criteria struct {
	IDs        []string
	Pattern    string
	Category   string
	Expression string
}

func (c Criteria) hasFilter() bool {
	return c.Pattern != "" || c.Category != "" || c.Expression != ""
}

// Resolver loads one snapshot of a batch fetch.
type Resolver[T any, M any] func(ctx context.Context, id string) (Snapshot[T, M], error)

// UpdateRequest is one item of a batch update. ExpectedVersion zero skips the
// version check.
type UpdateRequest[T any] struct {
	ID              string
	Patch           T
	ExpectedVersion int64
}

// RequestResolver produces the requests of BatchUpdateSnapshotsRequest.
type RequestResolver[T any] func(ctx context.Context) ([]UpdateRequest[T], error)

// BatchFailure pairs a failed item with its error.
type BatchFailure struct {
	ID  string
	Err error
}

func (f BatchFailure) Error() string {
	return fmt.Sprintf("%s: %v", f.ID, f.Err)
}

func (f BatchFailure) Unwrap() error {
	return f.Err
}

// BatchResult aggregates per-item outcomes in input order.
type BatchResult[T any, M any] struct {
	Succeeded []Snapshot[T, M]
	Failed    []BatchFailure
}

// FailedIDs lists the ids of failed items.
func (r BatchResult[T, M]) FailedIDs() []string {
	ids := make([]string, 0, len(r.Failed))
	for _, failure := range r.Failed {
		ids = append(ids, failure.ID)
	}
	return ids
}

type batchOutcome[T any, M any] struct {
	id   string
	snap Snapshot[T, M]
	err  error
}

// BatchFetchSnapshots resolves every snapshot selected by criteria. Item
// failures are reported in the result; only malformed criteria fail the
// call. A nil resolver uses GetSnapshot.
func (s *Store[T, M]) BatchFetchSnapshots(ctx context.Context, criteria Criteria, resolver Resolver[T, M]) (BatchResult[T, M], error) {
	ids, err := s.selectIDs(criteria)
	if err != nil {
		return BatchResult[T, M]{}, err
	}
	if resolver == nil {
		resolver = s.resolve
	}
	return runBatch(ctx, s, "fetch", ids, func(id string) string { return id }, func(ctx context.Context, id string) (Snapshot[T, M], error) {
		return resolver(ctx, id)
	})
}

// BatchUpdateSnapshots applies each request independently.
func (s *Store[T, M]) BatchUpdateSnapshots(ctx context.Context, requests []UpdateRequest[T]) (BatchResult[T, M], error) {
	return runBatch(ctx, s, "update", requests, func(req UpdateRequest[T]) string { return req.ID }, func(ctx context.Context, req UpdateRequest[T]) (Snapshot[T, M], error) {
		if req.ID == "" {
			return Snapshot[T, M]{}, &ValidationError{Field: "id", Reason: "must not be empty"}
		}
		if req.ExpectedVersion > 0 {
			return s.UpdateSnapshotIfVersion(ctx, req.ID, req.ExpectedVersion, req.Patch)
		}
		return s.UpdateSnapshot(ctx, req.ID, req.Patch)
	})
}

// BatchUpdateSnapshotsRequest obtains the requests from resolver and runs
// them as BatchUpdateSnapshots. A resolver error fails the call.
func (s *Store[T, M]) BatchUpdateSnapshotsRequest(ctx context.Context, resolver RequestResolver[T]) (BatchResult[T, M], error) {
	if resolver == nil {
		return BatchResult[T, M]{}, &ValidationError{Field: "resolver", Reason: "must not be nil"}
	}
	requests, err := resolver(ctx)
	if err != nil {
		return BatchResult[T, M]{}, fmt.Errorf("snapshot: resolve batch update: %w", err)
	}
	return s.BatchUpdateSnapshots(ctx, requests)
}

// BatchTakeSnapshots fetches and then removes every selected snapshot.
func (s *Store[T, M]) BatchTakeSnapshots(ctx context.Context, criteria Criteria) (BatchResult[T, M], error) {
	ids, err := s.selectIDs(criteria)
	if err != nil {
		return BatchResult[T, M]{}, err
	}
	return runBatch(ctx, s, "take", ids, func(id string) string { return id }, func(ctx context.Context, id string) (Snapshot[T, M], error) {
		snap, err := s.resolve(ctx, id)
		if err != nil {
			return Snapshot[T, M]{}, err
		}
		if err := s.RemoveSnapshot(ctx, id); err != nil {
			return Snapshot[T, M]{}, err
		}
		return snap, nil
	})
}

// BatchRemoveSnapshots removes each id. Absent ids count as removed.
func (s *Store[T, M]) BatchRemoveSnapshots(ctx context.Context, ids []string) (BatchResult[T, M], error) {
	return runBatch(ctx, s, "remove", ids, func(id string) string { return id }, func(ctx context.Context, id string) (Snapshot[T, M], error) {
		snap, ok := s.local(id)
		if !ok {
			snap = Snapshot[T, M]{ID: id}
		}
		if err := s.RemoveSnapshot(ctx, id); err != nil {
			return Snapshot[T, M]{}, err
		}
		return snap, nil
	})
}

func (s *Store[T, M]) resolve(ctx context.Context, id string) (Snapshot[T, M], error) {
	snap, ok, err := s.GetSnapshot(ctx, id)
	if err != nil {
		return Snapshot[T, M]{}, err
	}
	if !ok {
		return Snapshot[T, M]{}, notFound(id)
	}
	return snap, nil
}

// selectIDs validates criteria and expands filters against the local
// collection.
func (s *Store[T, M]) selectIDs(criteria Criteria) ([]string, error) {
	if len(criteria.IDs) > 0 {
		if criteria.hasFilter() {
			return nil, &ValidationError{Field: "criteria", Reason: "ids cannot be combined with filters"}
		}
		for _, id := range criteria.IDs {
			if strings.TrimSpace(id) == "" {
				return nil, &ValidationError{Field: "criteria.ids", Reason: "ids must not be empty"}
			}
		}
		return slices.Clone(criteria.IDs), nil
	}
	if !criteria.hasFilter() {
		return nil, &ValidationError{Field: "criteria", Reason: "no ids or filters given"}
	}
	if criteria.Pattern != "" && !doublestar.ValidatePattern(criteria.Pattern) {
		return nil, &ValidationError{Field: "criteria.pattern", Reason: fmt.Sprintf("invalid glob %q", criteria.Pattern)}
	}
	var predicate Predicate[T, M]
	if criteria.Expression != "" {
		compiled, err := s.predicateFor(criteria.Expression)
		if err != nil {
			return nil, err
		}
		predicate = compiled
	}

	var ids []string
	for _, snap := range s.ListSnapshots() {
		if criteria.Category != "" && snap.Category != criteria.Category {
			continue
		}
		if criteria.Pattern != "" {
			if ok, _ := doublestar.Match(criteria.Pattern, snap.ID); !ok {
				continue
			}
		}
		if predicate != nil && !predicate(snap) {
			continue
		}
		ids = append(ids, snap.ID)
	}
	return ids, nil
}

// runBatch runs fn for every item with bounded parallelism. Cancellation is
// checked before each item; items that never started fail with the context
// error. Results keep input order.
func runBatch[T, M, I any](
	ctx context.Context,
	s *Store[T, M],
	op string,
	items []I,
	idOf func(I) string,
	fn func(context.Context, I) (Snapshot[T, M], error),
) (BatchResult[T, M], error) {
	ctx, span := s.cfg.tracer.Start(ctx, "snapshot.batch."+op, trace.WithAttributes(
		attribute.String("snapshot.store", s.name),
		attribute.Int("snapshot.batch.size", len(items)),
	))
	defer span.End()

	outcomes := make([]batchOutcome[T, M], len(items))
	var group errgroup.Group
	group.SetLimit(s.cfg.batchConcurrency)
	for i, item := range items {
		id := idOf(item)
		if err := ctx.Err(); err != nil {
			outcomes[i] = batchOutcome[T, M]{id: id, err: err}
			continue
		}
		group.Go(func() error {
			if err := ctx.Err(); err != nil {
				outcomes[i] = batchOutcome[T, M]{id: id, err: err}
				return nil
			}
			snap, err := fn(ctx, item)
			outcomes[i] = batchOutcome[T, M]{id: id, snap: snap, err: err}
			return nil
		})
	}
	_ = group.Wait()

	result := BatchResult[T, M]{}
	for _, outcome := range outcomes {
		if outcome.err != nil {
			result.Failed = append(result.Failed, BatchFailure{ID: outcome.id, Err: outcome.err})
			continue
		}
		result.Succeeded = append(result.Succeeded, outcome.snap)
	}
	span.SetAttributes(
		attribute.Int("snapshot.batch.succeeded", len(result.Succeeded)),
		attribute.Int("snapshot.batch.failed", len(result.Failed)),
	)
	s.cfg.metrics.ObserveBatch(s.name, op, len(result.Succeeded), len(result.Failed))
	if len(result.Failed) > 0 {
		s.logger.Debugw("batch completed with failures", "store", s.name, "op", op, "failed", result.FailedIDs())
	}
	return result, ctx.Err()
}
