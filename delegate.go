package snapshot

import (
	"context"
	"errors"
	"fmt"

	"github.com/goliatone/go-snapshot/pkg/activity"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DelegateKind tags the provider behind a Delegate.
type DelegateKind string

const (
	KindStore      DelegateKind = "store"
	KindCache      DelegateKind = "cache"
	KindFixture    DelegateKind = "fixture"
	KindRemote     DelegateKind = "remote"
	KindPersistent DelegateKind = "persistent"
)

// Delegate is one entry of a store's fallback chain. Delegates are referenced,
// not owned, and may be shared between stores.
type Delegate[T any, M any] struct {
	Kind     DelegateKind
	Name     string
	Provider Provider[T, M]
}

// StoreDelegate wraps another store as a delegate.
func StoreDelegate[T any, M any](store *Store[T, M]) Delegate[T, M] {
	return Delegate[T, M]{Kind: KindStore, Name: store.Name(), Provider: store}
}

func (d Delegate[T, M]) label() string {
	if d.Name != "" {
		return string(d.Kind) + ":" + d.Name
	}
	return string(d.Kind)
}

// Delegates returns a copy of the fallback chain.
func (s *Store[T, M]) Delegates() []Delegate[T, M] {
	return append([]Delegate[T, M](nil), s.delegates...)
}

type visitedKey struct{}

type visitNode struct {
	store any
	next  *visitNode
}

// enterStore marks store as visited on the returned context. It reports false
// when store is already part of the current delegate walk.
func enterStore(ctx context.Context, store any) (context.Context, bool) {
	head, _ := ctx.Value(visitedKey{}).(*visitNode)
	for node := head; node != nil; node = node.next {
		if node.store == store {
			return ctx, false
		}
	}
	return context.WithValue(ctx, visitedKey{}, &visitNode{store: store, next: head}), true
}

// leaveStore drops store from the visit chain on ctx.
func leaveStore(ctx context.Context, store any) context.Context {
	head, _ := ctx.Value(visitedKey{}).(*visitNode)
	var kept []any
	found := false
	for node := head; node != nil; node = node.next {
		if node.store == store {
			found = true
			continue
		}
		kept = append(kept, node.store)
	}
	if !found {
		return ctx
	}
	var rebuilt *visitNode
	for i := len(kept) - 1; i >= 0; i-- {
		rebuilt = &visitNode{store: kept[i], next: rebuilt}
	}
	return context.WithValue(ctx, visitedKey{}, rebuilt)
}

func errRevisited(name string) error {
	return fmt.Errorf("%w: store %q already visited", ErrNotImplemented, name)
}

type walkResult struct {
	found      bool
	supported  int
	answeredBy string
}

// walkDelegates runs call against each delegate in order. Providers that lack
// the capability are skipped, misses and failures move on to the next entry.
// A miss everywhere is reported as not found; any failure along the way turns
// it into a DelegateExhaustedError.
func walkDelegates[T, M, R any](
	ctx context.Context,
	s *Store[T, M],
	op string,
	call func(context.Context, Provider[T, M]) (R, bool, error),
) (R, walkResult, error) {
	var zero R
	result := walkResult{}
	if len(s.delegates) == 0 {
		return zero, result, nil
	}

	ctx, span := s.cfg.tracer.Start(ctx, "snapshot.delegate."+op, trace.WithAttributes(
		attribute.String("snapshot.store", s.name),
		attribute.Int("snapshot.delegates", len(s.delegates)),
	))
	defer span.End()

	var errs []error
	for _, delegate := range s.delegates {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		value, ok, err := call(ctx, delegate.Provider)
		switch {
		case errors.Is(err, ErrNotImplemented):
			s.cfg.metrics.ObserveDelegate(s.name, delegate.label(), delegate.Kind, DelegateOutcomeUnsupported)
			continue
		case errors.Is(err, ErrNotFound):
			result.supported++
			s.cfg.metrics.ObserveDelegate(s.name, delegate.label(), delegate.Kind, DelegateOutcomeMiss)
			continue
		case err != nil:
			result.supported++
			s.cfg.metrics.ObserveDelegate(s.name, delegate.label(), delegate.Kind, DelegateOutcomeError)
			s.logger.Warnw("delegate failed", "store", s.name, "op", op, "delegate", delegate.label(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", delegate.label(), err))
			continue
		case !ok:
			result.supported++
			s.cfg.metrics.ObserveDelegate(s.name, delegate.label(), delegate.Kind, DelegateOutcomeMiss)
			continue
		}
		result.supported++
		result.found = true
		result.answeredBy = delegate.label()
		s.cfg.metrics.ObserveDelegate(s.name, delegate.label(), delegate.Kind, DelegateOutcomeHit)
		span.SetAttributes(attribute.String("snapshot.delegate", delegate.label()))
		return value, result, nil
	}

	if len(errs) == 0 {
		return zero, result, nil
	}
	err := &DelegateExhaustedError{Op: op, Tried: len(s.delegates), Err: errors.Join(errs...)}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return zero, result, err
}

// writeThrough mirrors a committed mutation into the delegates. It runs under
// the write lock so delegates see mutations in commit order; a delegate that
// calls back into this store with ctx is refused by the visit chain. Failures
// are logged, recorded and surfaced as error notifications.
func (s *Store[T, M]) writeThrough(ctx context.Context, op, id string, call func(context.Context, Provider[T, M]) error) {
	if !s.cfg.writeThrough || len(s.delegates) == 0 {
		return
	}
	for _, delegate := range s.delegates {
		err := call(ctx, delegate.Provider)
		if err == nil || errors.Is(err, ErrNotImplemented) {
			continue
		}
		s.logger.Warnw("write-through failed",
			"store", s.name,
			"op", op,
			"id", id,
			"delegate", delegate.label(),
			"error", err,
		)
		s.recordEvent(EventWriteThroughFailed, id, fmt.Sprintf("%s via %s: %v", op, delegate.label(), err))
		notification := activity.Notification{
			ID:        id,
			Title:     "Snapshot sync failed",
			Body:      fmt.Sprintf("%s of %s could not be mirrored to %s", op, id, delegate.label()),
			Timestamp: s.now(),
			Severity:  activity.SeverityError,
		}
		s.deliver(ctx, func(ctx context.Context) {
			s.dispatcher.Notify(ctx, notification)
		})
	}
}

// ImportSnapshots forwards snapshots to the first delegate that accepts
// imports. The store itself has no import capability.
func (s *Store[T, M]) ImportSnapshots(ctx context.Context, snapshots []Snapshot[T, M]) (BatchResult[T, M], error) {
	ctx, first := enterStore(ctx, s)
	if !first {
		return BatchResult[T, M]{}, errRevisited(s.name)
	}
	result, walk, err := walkDelegates(ctx, s, "import", func(ctx context.Context, p Provider[T, M]) (BatchResult[T, M], bool, error) {
		out, err := p.ImportSnapshots(ctx, snapshots)
		return out, err == nil, err
	})
	if err != nil {
		return BatchResult[T, M]{}, err
	}
	if !walk.found {
		return BatchResult[T, M]{}, &DelegateExhaustedError{Op: "import", Tried: len(s.delegates), Err: ErrNotImplemented}
	}
	return result, nil
}
