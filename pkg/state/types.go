package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

var (
	// ErrETagMismatch reports an optimistic concurrency failure on Save.
	ErrETagMismatch = errors.New("state: etag mismatch")
	// ErrInvalidRef reports a Ref without namespace or id.
	ErrInvalidRef = errors.New("state: invalid ref")
	// ErrCorruptPayload reports a stored payload the codec cannot read.
	ErrCorruptPayload = errors.New("state: corrupt payload")
)

// Ref identifies one persisted record inside a namespace. Namespaces usually
// map to a store name.
type Ref struct {
	Namespace string
	ID        string
}

// Key returns the canonical storage key "namespace/id".
func (r Ref) Key() (string, error) {
	if err := r.Validate(); err != nil {
		return "", err
	}
	return r.Namespace + "/" + r.ID, nil
}

// Validate reports whether the ref can address a record.
func (r Ref) Validate() error {
	switch {
	case strings.TrimSpace(r.Namespace) == "":
		return fmt.Errorf("%w: namespace is required", ErrInvalidRef)
	case strings.TrimSpace(r.ID) == "":
		return fmt.Errorf("%w: id is required", ErrInvalidRef)
	}
	return nil
}

// Record is the storage shape of a snapshot. Payloads stay raw JSON so the
// persistence layer never needs the caller's types.
type Record struct {
	ID        string          `json:"id"`
	Category  string          `json:"category,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Version   int64           `json:"version"`
	Timestamp time.Time       `json:"timestamp"`
	ParentID  string          `json:"parentId,omitempty"`
	ChildIDs  []string        `json:"childIds,omitempty"`
	Encrypted bool            `json:"encrypted,omitempty"`
}

// Meta is storage-owned metadata used for concurrency control and audit.
type Meta struct {
	ETag      string    `json:"etag,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Store loads and saves records per Ref.
//
// Save compares meta.ETag against the stored ETag when both are set and
// fails with ErrETagMismatch on a difference. The returned Meta carries the
// ETag of the record as written. Delete is idempotent. List returns the
// records of one namespace ordered by id.
type Store interface {
	Load(ctx context.Context, ref Ref) (record Record, meta Meta, ok bool, err error)
	Save(ctx context.Context, ref Ref, record Record, meta Meta) (Meta, error)
	Delete(ctx context.Context, ref Ref) error
	List(ctx context.Context, namespace string) ([]Record, error)
}

// Mutator edits a record loaded by Mutate.
type Mutator func(*Record) error

// Mutate loads ref, applies fn and saves the result guarded by the loaded
// ETag. A missing record starts from an empty Record with ID set.
func Mutate(ctx context.Context, store Store, ref Ref, fn Mutator) (Record, Meta, error) {
	if store == nil {
		return Record{}, Meta{}, fmt.Errorf("state: store is required")
	}
	if fn == nil {
		return Record{}, Meta{}, fmt.Errorf("state: mutator is required")
	}
	if err := ref.Validate(); err != nil {
		return Record{}, Meta{}, err
	}

	record, meta, ok, err := store.Load(ctx, ref)
	if err != nil {
		return Record{}, Meta{}, fmt.Errorf("state: load %q: %w", ref.ID, err)
	}
	if !ok {
		record = Record{ID: ref.ID}
		meta = Meta{}
	}
	if err := fn(&record); err != nil {
		return Record{}, meta, err
	}
	saved, err := store.Save(ctx, ref, record, meta)
	if err != nil {
		return Record{}, meta, fmt.Errorf("state: save %q: %w", ref.ID, err)
	}
	return record, saved, nil
}

func checkETag(expected, current string) error {
	if expected != "" && current != "" && expected != current {
		return fmt.Errorf("%w: expected %q, got %q", ErrETagMismatch, expected, current)
	}
	return nil
}

func normalizeRecord(ref Ref, record Record) (Record, error) {
	if err := ref.Validate(); err != nil {
		return Record{}, err
	}
	if record.ID == "" {
		record.ID = ref.ID
	}
	if record.ID != ref.ID {
		return Record{}, fmt.Errorf("%w: record id %q does not match ref id %q", ErrInvalidRef, record.ID, ref.ID)
	}
	return record, nil
}

// PrepareSave validates ref against record and checks the ETag guard. Store
// implementations call it while holding their write lock or transaction.
func PrepareSave(ref Ref, record Record, expectedETag, currentETag string) (Record, error) {
	record, err := normalizeRecord(ref, record)
	if err != nil {
		return Record{}, err
	}
	if err := checkETag(expectedETag, currentETag); err != nil {
		return Record{}, err
	}
	return record, nil
}
