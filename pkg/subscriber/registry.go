// Package subscriber keeps named listeners per event and delivers payloads to
// them with per-subscriber ordering and failure isolation.
package subscriber

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/united-manufacturing-hub/expiremap/v2/pkg/expiremap"
	"go.uber.org/zap"
)

// Wildcard subscribes to every event emitted through the registry.
const Wildcard = "*"

var (
	// ErrNotification marks isolated callback failures.
	ErrNotification = errors.New("subscriber: notification failed")
	// ErrNilCallback is returned when a subscriber has no OnSnapshot callback.
	ErrNilCallback = errors.New("subscriber: callback must not be nil")
	// ErrEmptyEvent is returned when subscribing without an event name.
	ErrEmptyEvent = errors.New("subscriber: event must not be empty")
)

// Subscriber is an identity plus its callback set.
type Subscriber[P any] struct {
	ID            string
	OnSnapshot    func(ctx context.Context, event string, payload P) error
	OnError       func(err error)
	OnUnsubscribe func()
}

// Subscription identifies a single registration returned by Subscribe.
type Subscription struct {
	ID    string
	Event string
	token uint64
}

// NotificationError describes a callback that failed or panicked. It is
// always handled inside the registry and never returned to emitters.
type NotificationError struct {
	SubscriberID string
	Event        string
	Panicked     bool
	Err          error
}

func (e *NotificationError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Panicked {
		return fmt.Sprintf("subscriber: %s panicked on %s: %v", e.SubscriberID, e.Event, e.Err)
	}
	return fmt.Sprintf("subscriber: %s failed on %s: %v", e.SubscriberID, e.Event, e.Err)
}

func (e *NotificationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches ErrNotification.
func (e *NotificationError) Is(target error) bool {
	return target == ErrNotification
}

// Option configures a Registry.
type Option func(*config)

type config struct {
	logger      *zap.SugaredLogger
	lastSeenTTL time.Duration
}

// DefaultLastSeenTTL is how long a delivered payload stays readable through
// LastSeen.
const DefaultLastSeenTTL = 10 * time.Minute

type lastSeenKey struct {
	registry   uint64
	subscriber string
}

// lastSeen is shared by every Registry in the process. An ExpireMap runs its
// cull loop for as long as the process lives, so there is exactly one.
var (
	lastSeen = sync.OnceValue(func() *expiremap.ExpireMap[lastSeenKey, any] {
		return expiremap.NewEx[lastSeenKey, any](time.Minute, DefaultLastSeenTTL)
	})
	registrySerial atomic.Uint64
)

// WithLogger sets the logger used for isolated callback failures.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(cfg *config) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithLastSeenTTL controls how long the last delivered payload per subscriber
// is retained.
func WithLastSeenTTL(ttl time.Duration) Option {
	return func(cfg *config) {
		if ttl > 0 {
			cfg.lastSeenTTL = ttl
		}
	}
}

type entry[P any] struct {
	subscriber Subscriber[P]
	token      uint64
}

// Registry holds subscribers keyed by event. It is safe for concurrent use.
type Registry[P any] struct {
	mu      sync.RWMutex
	byEvent map[string][]*entry[P]
	locks   map[string]*sync.Mutex
	next    uint64
	serial  uint64
	ttl     time.Duration
	logger  *zap.SugaredLogger
}

// NewRegistry returns an empty Registry.
func NewRegistry[P any](opts ...Option) *Registry[P] {
	cfg := config{
		logger:      zap.NewNop().Sugar(),
		lastSeenTTL: DefaultLastSeenTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return &Registry[P]{
		byEvent: make(map[string][]*entry[P]),
		locks:   make(map[string]*sync.Mutex),
		serial:  registrySerial.Add(1),
		ttl:     cfg.lastSeenTTL,
		logger:  cfg.logger,
	}
}

// Subscribe registers sub for event. An empty ID is replaced with a generated
// one which is returned in the Subscription.
func (r *Registry[P]) Subscribe(event string, sub Subscriber[P]) (Subscription, error) {
	if event == "" {
		return Subscription{}, ErrEmptyEvent
	}
	if sub.OnSnapshot == nil {
		return Subscription{}, ErrNilCallback
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.next++
	if sub.ID == "" {
		sub.ID = "sub-" + strconv.FormatUint(r.next, 10)
	}
	r.byEvent[event] = append(r.byEvent[event], &entry[P]{subscriber: sub, token: r.next})
	if _, ok := r.locks[sub.ID]; !ok {
		r.locks[sub.ID] = &sync.Mutex{}
	}
	return Subscription{ID: sub.ID, Event: event, token: r.next}, nil
}

// Unsubscribe removes a registration and runs its OnUnsubscribe callback.
// Unknown subscriptions are ignored and report false.
func (r *Registry[P]) Unsubscribe(subscription Subscription) bool {
	r.mu.Lock()
	entries := r.byEvent[subscription.Event]
	var removed *entry[P]
	for i, e := range entries {
		if e.token == subscription.token && e.subscriber.ID == subscription.ID {
			removed = e
			entries = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if removed == nil {
		r.mu.Unlock()
		return false
	}
	if len(entries) == 0 {
		delete(r.byEvent, subscription.Event)
	} else {
		r.byEvent[subscription.Event] = entries
	}
	registered := r.registeredLocked(subscription.ID)
	r.mu.Unlock()
	if !registered {
		lastSeen().Delete(r.key(subscription.ID))
	}

	if removed.subscriber.OnUnsubscribe != nil {
		r.guard(removed.subscriber, subscription.Event, func() error {
			removed.subscriber.OnUnsubscribe()
			return nil
		})
	}
	return true
}

// Subscribers returns the subscribers registered for event, wildcard
// registrations included, in registration order.
func (r *Registry[P]) Subscribers(event string) []Subscriber[P] {
	entries := r.entries(event)
	out := make([]Subscriber[P], 0, len(entries))
	for _, e := range entries {
		out = append(out, e.subscriber)
	}
	return out
}

// Len returns the number of registrations across all events.
func (r *Registry[P]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, entries := range r.byEvent {
		total += len(entries)
	}
	return total
}

// Emit delivers payload to every subscriber of event and returns the IDs whose
// callback completed without error.
func (r *Registry[P]) Emit(ctx context.Context, event string, payload P) []string {
	entries := r.entries(event)
	notified := make([]string, 0, len(entries))
	for _, e := range entries {
		if r.deliver(ctx, e.subscriber, event, payload) {
			notified = append(notified, e.subscriber.ID)
		}
	}
	return notified
}

// NotifySubscribers delivers payload to subs under message and returns the
// subset whose callback did not fail. subs need not be registered.
func (r *Registry[P]) NotifySubscribers(ctx context.Context, message string, subs []Subscriber[P], payload P) []Subscriber[P] {
	notified := make([]Subscriber[P], 0, len(subs))
	for _, sub := range subs {
		if sub.OnSnapshot == nil {
			continue
		}
		if r.deliver(ctx, sub, message, payload) {
			notified = append(notified, sub)
		}
	}
	return notified
}

// LastSeen returns the last payload successfully delivered to subscriber id.
func (r *Registry[P]) LastSeen(id string) (P, bool) {
	var zero P
	value, ok := lastSeen().Load(r.key(id))
	if !ok || value == nil {
		return zero, false
	}
	payload, ok := (*value).(P)
	if !ok {
		return zero, false
	}
	return payload, true
}

func (r *Registry[P]) key(id string) lastSeenKey {
	return lastSeenKey{registry: r.serial, subscriber: id}
}

// registeredLocked requires r.mu held.
func (r *Registry[P]) registeredLocked(id string) bool {
	for _, entries := range r.byEvent {
		for _, e := range entries {
			if e.subscriber.ID == id {
				return true
			}
		}
	}
	return false
}

func (r *Registry[P]) entries(event string) []*entry[P] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	direct := r.byEvent[event]
	var wildcard []*entry[P]
	if event != Wildcard {
		wildcard = r.byEvent[Wildcard]
	}
	out := make([]*entry[P], 0, len(direct)+len(wildcard))
	out = append(out, direct...)
	return append(out, wildcard...)
}

func (r *Registry[P]) lockFor(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[id] = lock
	}
	return lock
}

func (r *Registry[P]) deliver(ctx context.Context, sub Subscriber[P], event string, payload P) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	lock := r.lockFor(sub.ID)
	lock.Lock()
	defer lock.Unlock()

	ok := r.guard(sub, event, func() error {
		return sub.OnSnapshot(ctx, event, payload)
	})
	if ok && sub.ID != "" {
		lastSeen().SetEx(r.key(sub.ID), payload, r.ttl)
	}
	return ok
}

// guard runs fn, converting errors and panics into a NotificationError that
// is logged and routed to OnError.
func (r *Registry[P]) guard(sub Subscriber[P], event string, fn func() error) (ok bool) {
	var failure *NotificationError
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				failure = &NotificationError{
					SubscriberID: sub.ID,
					Event:        event,
					Panicked:     true,
					Err:          fmt.Errorf("%v", rec),
				}
			}
		}()
		if err := fn(); err != nil {
			failure = &NotificationError{SubscriberID: sub.ID, Event: event, Err: err}
		}
	}()
	if failure == nil {
		return true
	}

	r.logger.Warnw("subscriber notification failed",
		"subscriber", failure.SubscriberID,
		"event", failure.Event,
		"panicked", failure.Panicked,
		"error", failure.Err,
	)
	if sub.OnError != nil {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Errorw("subscriber error handler panicked", "subscriber", sub.ID, "panic", rec)
				}
			}()
			sub.OnError(failure)
		}()
	}
	return false
}
