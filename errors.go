package snapshot

import (
	"errors"
	"fmt"

	"github.com/goliatone/go-snapshot/pkg/subscriber"
)

var (
	// ErrNotFound matches every NotFoundError.
	ErrNotFound = errors.New("snapshot: not found")
	// ErrDelegateExhausted matches every DelegateExhaustedError.
	ErrDelegateExhausted = errors.New("snapshot: delegate chain exhausted")
	// ErrValidation matches every ValidationError.
	ErrValidation = errors.New("snapshot: validation failed")
	// ErrConcurrencyConflict matches every ConcurrencyConflictError.
	ErrConcurrencyConflict = errors.New("snapshot: version conflict")
	// ErrSerialization matches every SerializationError.
	ErrSerialization = errors.New("snapshot: serialization failed")

	// ErrNotImplemented is returned by providers for capabilities they lack.
	// Delegate walks skip providers that return it.
	ErrNotImplemented = errors.New("snapshot: operation not implemented")
	// ErrDuplicateSnapshot is wrapped in a ValidationError when an id exists
	// and the store rejects duplicates.
	ErrDuplicateSnapshot = errors.New("snapshot: duplicate snapshot id")
	// ErrHierarchyCycle is wrapped in a ValidationError when a link would make
	// a snapshot its own ancestor.
	ErrHierarchyCycle = errors.New("snapshot: hierarchy cycle")
	// ErrStoreEncrypted is returned by mutations while the store is sealed.
	ErrStoreEncrypted = errors.New("snapshot: store is encrypted")
	// ErrNoCipher is wrapped in a SerializationError when no cipher is set.
	ErrNoCipher = errors.New("snapshot: cipher not configured")
	// ErrLossySeal is wrapped in a SerializationError when a payload does not
	// decode back to the same value.
	ErrLossySeal = errors.New("snapshot: payload does not survive sealing")
	// ErrNoEvaluator is returned when no expression evaluator is available.
	ErrNoEvaluator = errors.New("snapshot: evaluator not configured")
	// ErrNothingToUndo is returned by Undo and Redo on empty stacks.
	ErrNothingToUndo = errors.New("snapshot: nothing to restore")
)

// SubscriberNotificationError is an isolated subscriber callback failure. It
// is routed to the subscriber's OnError and never returned by store calls.
type SubscriberNotificationError = subscriber.NotificationError

// NotFoundError reports a missing snapshot, nested store or delegate.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	if e == nil {
		return "<nil>"
	}
	kind := e.Kind
	if kind == "" {
		kind = "snapshot"
	}
	return fmt.Sprintf("snapshot: %s %q not found", kind, e.ID)
}

// Is matches ErrNotFound.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

func notFound(id string) error {
	return &NotFoundError{Kind: "snapshot", ID: id}
}

// DelegateExhaustedError reports that no delegate could serve Op. Err joins
// the causes collected along the chain.
type DelegateExhaustedError struct {
	Op    string
	Tried int
	Err   error
}

func (e *DelegateExhaustedError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err == nil {
		return fmt.Sprintf("snapshot: %s: no delegate served the request (tried %d)", e.Op, e.Tried)
	}
	return fmt.Sprintf("snapshot: %s: no delegate served the request (tried %d): %v", e.Op, e.Tried, e.Err)
}

func (e *DelegateExhaustedError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches ErrDelegateExhausted.
func (e *DelegateExhaustedError) Is(target error) bool {
	return target == ErrDelegateExhausted
}

// ValidationError reports input rejected before it reached the collection.
type ValidationError struct {
	ID     string
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := "snapshot: invalid"
	if e.Field != "" {
		msg += " " + e.Field
	}
	if e.ID != "" {
		msg += fmt.Sprintf(" for %q", e.ID)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// ConcurrencyConflictError reports a stale expected version.
type ConcurrencyConflictError struct {
	ID       string
	Expected int64
	Actual   int64
}

func (e *ConcurrencyConflictError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("snapshot: %q is at version %d, expected %d", e.ID, e.Actual, e.Expected)
}

// Is matches ErrConcurrencyConflict.
func (e *ConcurrencyConflictError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

// SerializationError reports compress, encrypt or decrypt failures.
type SerializationError struct {
	Op  string
	ID  string
	Err error
}

func (e *SerializationError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.ID == "" {
		return fmt.Sprintf("snapshot: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("snapshot: %s %q: %v", e.Op, e.ID, e.Err)
}

func (e *SerializationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches ErrSerialization.
func (e *SerializationError) Is(target error) bool {
	return target == ErrSerialization
}
