package snapshot

import "context"

// Provider is the capability surface shared by the Store and its delegates.
// Providers return ErrNotImplemented for capabilities they do not offer.
type Provider[T any, M any] interface {
	GetSnapshot(ctx context.Context, id string) (Snapshot[T, M], bool, error)
	CreateSnapshot(ctx context.Context, input CreateInput[T, M]) (Snapshot[T, M], error)
	UpdateSnapshot(ctx context.Context, id string, patch T) (Snapshot[T, M], error)
	RemoveSnapshot(ctx context.Context, id string) error
	FindSnapshot(ctx context.Context, predicate Predicate[T, M]) (Snapshot[T, M], bool, error)
	BatchFetchSnapshots(ctx context.Context, criteria Criteria, resolver Resolver[T, M]) (BatchResult[T, M], error)
	ImportSnapshots(ctx context.Context, snapshots []Snapshot[T, M]) (BatchResult[T, M], error)
	Subscribe(event EventType, sub Subscriber[T, M]) (Subscription, error)
}

// UnimplementedProvider implements every Provider method with
// ErrNotImplemented. Embed it to implement a subset of the surface.
type UnimplementedProvider[T any, M any] struct{}

func (UnimplementedProvider[T, M]) GetSnapshot(context.Context, string) (Snapshot[T, M], bool, error) {
	return Snapshot[T, M]{}, false, ErrNotImplemented
}

func (UnimplementedProvider[T, M]) CreateSnapshot(context.Context, CreateInput[T, M]) (Snapshot[T, M], error) {
	return Snapshot[T, M]{}, ErrNotImplemented
}

func (UnimplementedProvider[T, M]) UpdateSnapshot(context.Context, string, T) (Snapshot[T, M], error) {
	return Snapshot[T, M]{}, ErrNotImplemented
}

func (UnimplementedProvider[T, M]) RemoveSnapshot(context.Context, string) error {
	return ErrNotImplemented
}

func (UnimplementedProvider[T, M]) FindSnapshot(context.Context, Predicate[T, M]) (Snapshot[T, M], bool, error) {
	return Snapshot[T, M]{}, false, ErrNotImplemented
}

func (UnimplementedProvider[T, M]) BatchFetchSnapshots(context.Context, Criteria, Resolver[T, M]) (BatchResult[T, M], error) {
	return BatchResult[T, M]{}, ErrNotImplemented
}

func (UnimplementedProvider[T, M]) ImportSnapshots(context.Context, []Snapshot[T, M]) (BatchResult[T, M], error) {
	return BatchResult[T, M]{}, ErrNotImplemented
}

func (UnimplementedProvider[T, M]) Subscribe(EventType, Subscriber[T, M]) (Subscription, error) {
	return Subscription{}, ErrNotImplemented
}

// ProviderFuncs builds a Provider from optional functions. Nil fields report
// ErrNotImplemented.
type ProviderFuncs[T any, M any] struct {
	UnimplementedProvider[T, M]

	Get    func(ctx context.Context, id string) (Snapshot[T, M], bool, error)
	Create func(ctx context.Context, input CreateInput[T, M]) (Snapshot[T, M], error)
	Update func(ctx context.Context, id string, patch T) (Snapshot[T, M], error)
	Remove func(ctx context.Context, id string) error
	Find   func(ctx context.Context, predicate Predicate[T, M]) (Snapshot[T, M], bool, error)
	Import func(ctx context.Context, snapshots []Snapshot[T, M]) (BatchResult[T, M], error)
}

func (p ProviderFuncs[T, M]) GetSnapshot(ctx context.Context, id string) (Snapshot[T, M], bool, error) {
	if p.Get == nil {
		return p.UnimplementedProvider.GetSnapshot(ctx, id)
	}
	return p.Get(ctx, id)
}

func (p ProviderFuncs[T, M]) CreateSnapshot(ctx context.Context, input CreateInput[T, M]) (Snapshot[T, M], error) {
	if p.Create == nil {
		return p.UnimplementedProvider.CreateSnapshot(ctx, input)
	}
	return p.Create(ctx, input)
}

func (p ProviderFuncs[T, M]) UpdateSnapshot(ctx context.Context, id string, patch T) (Snapshot[T, M], error) {
	if p.Update == nil {
		return p.UnimplementedProvider.UpdateSnapshot(ctx, id, patch)
	}
	return p.Update(ctx, id, patch)
}

func (p ProviderFuncs[T, M]) RemoveSnapshot(ctx context.Context, id string) error {
	if p.Remove == nil {
		return p.UnimplementedProvider.RemoveSnapshot(ctx, id)
	}
	return p.Remove(ctx, id)
}

func (p ProviderFuncs[T, M]) FindSnapshot(ctx context.Context, predicate Predicate[T, M]) (Snapshot[T, M], bool, error) {
	if p.Find == nil {
		return p.UnimplementedProvider.FindSnapshot(ctx, predicate)
	}
	return p.Find(ctx, predicate)
}

func (p ProviderFuncs[T, M]) ImportSnapshots(ctx context.Context, snapshots []Snapshot[T, M]) (BatchResult[T, M], error) {
	if p.Import == nil {
		return p.UnimplementedProvider.ImportSnapshots(ctx, snapshots)
	}
	return p.Import(ctx, snapshots)
}

var (
	_ Provider[any, Metadata] = (*Store[any, Metadata])(nil)
	_ Provider[any, Metadata] = UnimplementedProvider[any, Metadata]{}
	_ Provider[any, Metadata] = ProviderFuncs[any, Metadata]{}
)
