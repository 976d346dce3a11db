package snapshot

import (
	"context"

	"github.com/goliatone/go-snapshot/pkg/activity"
	"github.com/goliatone/go-snapshot/pkg/subscriber"
	"go.uber.org/zap"
)

// Subscriber receives snapshot lifecycle events.
type Subscriber[T any, M any] = subscriber.Subscriber[Snapshot[T, M]]

// Subscription identifies a registration returned by Subscribe.
type Subscription = subscriber.Subscription

// AllEvents subscribes to every lifecycle event.
const AllEvents EventType = subscriber.Wildcard

type actorKey struct{}

// ContextWithActor attaches the acting user id to ctx. It is copied into
// activity events emitted for mutations made with that context.
func ContextWithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, actorID)
}

// ActorFromContext returns the actor set by ContextWithActor.
func ActorFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	actor, _ := ctx.Value(actorKey{}).(string)
	return actor
}

// Dispatcher routes lifecycle events to subscribers and activity hooks.
// A dispatcher may be shared by stores holding the same payload type.
type Dispatcher[T any, M any] struct {
	registry *subscriber.Registry[Snapshot[T, M]]
	emitter  *activity.Emitter
	logger   *zap.SugaredLogger
}

// NewDispatcher wires a registry and an activity emitter. Nil arguments are
// replaced with an empty registry, a disabled emitter and a nop logger.
func NewDispatcher[T any, M any](registry *subscriber.Registry[Snapshot[T, M]], emitter *activity.Emitter, logger *zap.SugaredLogger) *Dispatcher[T, M] {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if registry == nil {
		registry = subscriber.NewRegistry[Snapshot[T, M]](subscriber.WithLogger(logger))
	}
	if emitter == nil {
		emitter = activity.NewEmitter(nil, activity.Config{})
	}
	return &Dispatcher[T, M]{registry: registry, emitter: emitter, logger: logger}
}

// Subscribe registers sub for event. Use AllEvents to receive everything.
func (d *Dispatcher[T, M]) Subscribe(event EventType, sub Subscriber[T, M]) (Subscription, error) {
	return d.registry.Subscribe(string(event), sub)
}

// Unsubscribe removes a registration. It is idempotent.
func (d *Dispatcher[T, M]) Unsubscribe(subscription Subscription) bool {
	return d.registry.Unsubscribe(subscription)
}

// Subscribers lists the subscribers that would receive event.
func (d *Dispatcher[T, M]) Subscribers(event EventType) []Subscriber[T, M] {
	return d.registry.Subscribers(string(event))
}

// LastSeen returns the last snapshot delivered to the subscriber id.
func (d *Dispatcher[T, M]) LastSeen(id string) (Snapshot[T, M], bool) {
	return d.registry.LastSeen(id)
}

// Emit notifies subscribers of event and mirrors it to activity hooks. It
// returns the ids of subscribers whose callback succeeded.
func (d *Dispatcher[T, M]) Emit(ctx context.Context, store string, event EventType, snap Snapshot[T, M]) []string {
	notified := d.registry.Emit(ctx, string(event), snap)
	if d.emitter.Enabled() {
		input := activity.SnapshotEventInput{
			ActorID:    ActorFromContext(ctx),
			Store:      store,
			SnapshotID: snap.ID,
			Category:   snap.Category,
			ParentID:   snap.ParentID,
			Version:    snap.Version,
			OccurredAt: snap.Timestamp,
		}
		if event == EventSnapshotCleared {
			input.Metadata = map[string]any{"removed": len(snap.State)}
		}
		if err := d.emitter.Emit(ctx, activity.BuildSnapshotEvent(string(event), input)); err != nil {
			d.logger.Warnw("activity hook failed", "store", store, "event", event, "id", snap.ID, "error", err)
		}
	}
	return notified
}

// NotifySubscribers delivers snap to an explicit subscriber list under
// message and returns the subset that was notified without error.
func (d *Dispatcher[T, M]) NotifySubscribers(ctx context.Context, message string, subs []Subscriber[T, M], snap Snapshot[T, M]) []Subscriber[T, M] {
	return d.registry.NotifySubscribers(ctx, message, subs, snap)
}

// Notify publishes an out-of-band notification through the activity hooks.
func (d *Dispatcher[T, M]) Notify(ctx context.Context, notification activity.Notification) {
	d.emitter.Notify(ctx, notification)
}
