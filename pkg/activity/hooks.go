package activity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Event is one snapshot lifecycle occurrence as seen by hooks. IDs are plain
// strings so call sites are not tied to a UUID type. Store, category and
// version details travel in Metadata (see BuildSnapshotEvent).
type Event struct {
	Verb       string
	ActorID    string
	UserID     string
	TenantID   string
	ObjectType string
	ObjectID   string
	Channel    string
	Severity   Severity
	Metadata   map[string]any
	OccurredAt time.Time
}

// Store returns the store name recorded by BuildSnapshotEvent.
func (e Event) Store() string {
	store, _ := e.Metadata["store"].(string)
	return store
}

// Version returns the snapshot version recorded by BuildSnapshotEvent, or 0.
func (e Event) Version() int64 {
	switch v := e.Metadata["version"].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

// ActivityHook receives normalized activity events.
type ActivityHook interface {
	Notify(ctx context.Context, event Event) error
}

// HookFunc allows plain functions to satisfy ActivityHook.
type HookFunc func(ctx context.Context, event Event) error

// Notify dispatches to the underlying function.
func (fn HookFunc) Notify(ctx context.Context, event Event) error {
	if fn == nil {
		return nil
	}
	return fn(ctx, event)
}

// HookError reports a single hook that failed or panicked while handling an
// event.
type HookError struct {
	Index    int
	Verb     string
	ObjectID string
	Panicked bool
	Err      error
}

func (e *HookError) Error() string {
	if e.Panicked {
		return fmt.Sprintf("activity: hook %d panicked on %s %s: %v", e.Index, e.Verb, e.ObjectID, e.Err)
	}
	return fmt.Sprintf("activity: hook %d failed on %s %s: %v", e.Index, e.Verb, e.ObjectID, e.Err)
}

func (e *HookError) Unwrap() error {
	return e.Err
}

// Hooks fans events out to hooks in order. A failing or panicking hook does
// not stop the ones after it.
type Hooks []ActivityHook

// Enabled reports whether there are any hooks to notify.
func (h Hooks) Enabled() bool {
	return len(h) > 0
}

// Notify normalizes event and forwards it to every hook. Events without a
// verb or object id are dropped. Failures are joined as HookErrors.
func (h Hooks) Notify(ctx context.Context, event Event) error {
	if len(h) == 0 {
		return nil
	}

	normalized := NormalizeEvent(event)
	if normalized.Verb == "" || normalized.ObjectID == "" {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	var errs []error
	for i, hook := range h {
		if hook == nil {
			continue
		}
		if err := notifyHook(ctx, i, hook, normalized); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func notifyHook(ctx context.Context, index int, hook ActivityHook, event Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &HookError{Index: index, Verb: event.Verb, ObjectID: event.ObjectID, Panicked: true, Err: fmt.Errorf("%v", rec)}
		}
	}()
	if err := hook.Notify(ctx, event); err != nil {
		return &HookError{Index: index, Verb: event.Verb, ObjectID: event.ObjectID, Err: err}
	}
	return nil
}

// Matching wraps hook so it only sees events whose verb matches one of
// patterns, e.g. "snapshot.*" or "child.{added,removed}". Invalid patterns
// match nothing. With no patterns every event passes.
func Matching(hook ActivityHook, patterns ...string) ActivityHook {
	if hook == nil || len(patterns) == 0 {
		return hook
	}
	return HookFunc(func(ctx context.Context, event Event) error {
		for _, pattern := range patterns {
			if ok, err := doublestar.Match(pattern, event.Verb); err == nil && ok {
				return hook.Notify(ctx, event)
			}
		}
		return nil
	})
}

// NormalizeEvent trims identifiers, lowercases the verb, defaults the object
// type to ObjectTypeSnapshot and fills severity and timestamp. Metadata is
// deep copied so hooks cannot alter the emitter's view.
func NormalizeEvent(event Event) Event {
	normalized := event
	normalized.Verb = strings.ToLower(strings.TrimSpace(event.Verb))
	normalized.ActorID = strings.TrimSpace(event.ActorID)
	normalized.UserID = strings.TrimSpace(event.UserID)
	normalized.TenantID = strings.TrimSpace(event.TenantID)
	normalized.ObjectType = strings.TrimSpace(event.ObjectType)
	if normalized.ObjectType == "" {
		normalized.ObjectType = ObjectTypeSnapshot
	}
	normalized.ObjectID = strings.TrimSpace(event.ObjectID)
	normalized.Channel = strings.TrimSpace(event.Channel)
	normalized.Severity = event.Severity.normalize()
	normalized.Metadata = cloneMap(event.Metadata)
	if normalized.OccurredAt.IsZero() {
		normalized.OccurredAt = time.Now().UTC()
	}
	return normalized
}

func cloneMap(src map[string]any) map[string]any {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]any, len(src))
	for key, value := range src {
		dst[key] = cloneValue(value)
	}
	return dst
}

func cloneValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return cloneMap(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), v...)
	}
	return value
}
