// Package cache provides a read-through TTL cache delegate in front of
// another snapshot provider.
package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"
	"go.uber.org/zap"

	snapshot "github.com/goliatone/go-snapshot"
)

// DefaultTTL is how long entries stay cached.
const DefaultTTL = 5 * time.Minute

type entryKey struct {
	cache uint64
	id    string
}

// entries backs every cache Provider in the process. An ExpireMap culls in a
// goroutine that never stops, so the map is created once and partitioned by
// provider serial.
var (
	entries = sync.OnceValue(func() *expiremap.ExpireMap[entryKey, any] {
		return expiremap.NewEx[entryKey, any](time.Minute, DefaultTTL)
	})
	providerSerial atomic.Uint64
)

type entry[T any, M any] struct {
	snap  snapshot.Snapshot[T, M]
	found bool
	valid bool
}

// Stats counts cache lookups.
type Stats struct {
	Hits   int64
	Misses int64
}

// Provider answers GetSnapshot from memory and falls back to its upstream.
// Writes go to the upstream first and refresh the cached copy.
type Provider[T any, M any] struct {
	snapshot.UnimplementedProvider[T, M]

	upstream snapshot.Provider[T, M]
	serial   uint64
	ttl      time.Duration
	negative bool
	logger   *zap.SugaredLogger

	hits   atomic.Int64
	misses atomic.Int64
}

// Option configures a Provider.
type Option func(*options)

type options struct {
	ttl      time.Duration
	negative bool
	logger   *zap.SugaredLogger
}

// WithTTL sets how long entries stay cached.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithNegativeCaching also caches upstream misses.
func WithNegativeCaching(enabled bool) Option {
	return func(o *options) {
		o.negative = enabled
	}
}

// WithLogger sets the logger for upstream failures.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// New returns a cache in front of upstream. A nil upstream makes the cache a
// plain in-memory provider fed through Put.
func New[T any, M any](upstream snapshot.Provider[T, M], opts ...Option) *Provider[T, M] {
	cfg := options{ttl: DefaultTTL, logger: zap.NewNop().Sugar()}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return &Provider[T, M]{
		upstream: upstream,
		serial:   providerSerial.Add(1),
		ttl:      cfg.ttl,
		negative: cfg.negative,
		logger:   cfg.logger,
	}
}

// Delegate wraps p as a KindCache delegate.
func (p *Provider[T, M]) Delegate(name string) snapshot.Delegate[T, M] {
	return snapshot.Delegate[T, M]{Kind: snapshot.KindCache, Name: name, Provider: p}
}

// Put caches snap without touching the upstream.
func (p *Provider[T, M]) Put(snap snapshot.Snapshot[T, M]) {
	p.store(snap.ID, entry[T, M]{snap: snap.Clone(), found: true, valid: true})
}

// Invalidate drops the cached entry for id.
func (p *Provider[T, M]) Invalidate(id string) {
	entries().Delete(entryKey{cache: p.serial, id: id})
}

func (p *Provider[T, M]) store(id string, e entry[T, M]) {
	entries().SetEx(entryKey{cache: p.serial, id: id}, e, p.ttl)
}

// Stats reports hit and miss counters.
func (p *Provider[T, M]) Stats() Stats {
	return Stats{Hits: p.hits.Load(), Misses: p.misses.Load()}
}

func (p *Provider[T, M]) lookup(id string) (entry[T, M], bool) {
	value, ok := entries().Load(entryKey{cache: p.serial, id: id})
	if !ok || value == nil {
		return entry[T, M]{}, false
	}
	cached, ok := (*value).(entry[T, M])
	if !ok || !cached.valid {
		return entry[T, M]{}, false
	}
	return cached, true
}

func (p *Provider[T, M]) GetSnapshot(ctx context.Context, id string) (snapshot.Snapshot[T, M], bool, error) {
	if cached, ok := p.lookup(id); ok {
		p.hits.Add(1)
		if !cached.found {
			return snapshot.Snapshot[T, M]{}, false, nil
		}
		return cached.snap.Clone(), true, nil
	}
	p.misses.Add(1)
	if p.upstream == nil {
		return snapshot.Snapshot[T, M]{}, false, nil
	}

	snap, found, err := p.upstream.GetSnapshot(ctx, id)
	if err != nil {
		p.logger.Debugw("cache upstream get failed", "id", id, "error", err)
		return snapshot.Snapshot[T, M]{}, false, err
	}
	if found {
		p.Put(snap)
	} else if p.negative {
		p.store(id, entry[T, M]{valid: true})
	}
	return snap, found, nil
}

func (p *Provider[T, M]) CreateSnapshot(ctx context.Context, input snapshot.CreateInput[T, M]) (snapshot.Snapshot[T, M], error) {
	if p.upstream == nil {
		return p.UnimplementedProvider.CreateSnapshot(ctx, input)
	}
	created, err := p.upstream.CreateSnapshot(ctx, input)
	if err != nil {
		return snapshot.Snapshot[T, M]{}, err
	}
	p.Put(created)
	return created, nil
}

func (p *Provider[T, M]) UpdateSnapshot(ctx context.Context, id string, patch T) (snapshot.Snapshot[T, M], error) {
	if p.upstream == nil {
		return p.UnimplementedProvider.UpdateSnapshot(ctx, id, patch)
	}
	updated, err := p.upstream.UpdateSnapshot(ctx, id, patch)
	if err != nil {
		p.Invalidate(id)
		return snapshot.Snapshot[T, M]{}, err
	}
	p.Put(updated)
	return updated, nil
}

// RemoveSnapshot invalidates id even when the upstream cannot remove it.
func (p *Provider[T, M]) RemoveSnapshot(ctx context.Context, id string) error {
	p.Invalidate(id)
	if p.upstream == nil {
		return nil
	}
	return p.upstream.RemoveSnapshot(ctx, id)
}

func (p *Provider[T, M]) FindSnapshot(ctx context.Context, predicate snapshot.Predicate[T, M]) (snapshot.Snapshot[T, M], bool, error) {
	if p.upstream == nil {
		return p.UnimplementedProvider.FindSnapshot(ctx, predicate)
	}
	return p.upstream.FindSnapshot(ctx, predicate)
}

func (p *Provider[T, M]) ImportSnapshots(ctx context.Context, snaps []snapshot.Snapshot[T, M]) (snapshot.BatchResult[T, M], error) {
	if p.upstream == nil {
		return p.UnimplementedProvider.ImportSnapshots(ctx, snaps)
	}
	result, err := p.upstream.ImportSnapshots(ctx, snaps)
	if err != nil {
		return result, err
	}
	for _, snap := range result.Succeeded {
		p.Put(snap)
	}
	return result, nil
}
