package snapshot

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/tiendc/go-deepcopy"

	"github.com/goliatone/go-snapshot/layering"
)

// Snapshot is one versioned capture of a domain payload plus metadata.
type Snapshot[T any, M any] struct {
	ID        string           `json:"id"`
	Data      T                `json:"data"`
	Metadata  M                `json:"metadata"`
	Category  string           `json:"category,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
	Version   int64            `json:"version"`
	ParentID  string           `json:"parentId,omitempty"`
	ChildIDs  []string         `json:"childIds,omitempty"`
	State     []Snapshot[T, M] `json:"state,omitempty"`
	Encrypted bool             `json:"encrypted,omitempty"`
}

// IsZero reports whether the snapshot is the zero value returned on misses.
func (s Snapshot[T, M]) IsZero() bool {
	return s.ID == "" && s.Version == 0
}

// Clone returns a deep copy of the snapshot, including nested State.
func (s Snapshot[T, M]) Clone() Snapshot[T, M] {
	return cloneSnapshot(s, nil)
}

func cloneSnapshot[T any, M any](snap Snapshot[T, M], onCopyError func(id string, err error)) Snapshot[T, M] {
	out := snap
	out.ChildIDs = slices.Clone(snap.ChildIDs)
	var data T
	if err := deepcopy.Copy(&data, &snap.Data); err != nil {
		if onCopyError != nil {
			onCopyError(snap.ID, err)
		}
		data = layering.Clone(snap.Data)
	}
	out.Data = data
	var meta M
	if err := deepcopy.Copy(&meta, &snap.Metadata); err != nil {
		if onCopyError != nil {
			onCopyError(snap.ID, err)
		}
		meta = layering.Clone(snap.Metadata)
	}
	out.Metadata = meta
	if snap.State != nil {
		out.State = make([]Snapshot[T, M], len(snap.State))
		for i, nested := range snap.State {
			out.State[i] = cloneSnapshot(nested, onCopyError)
		}
	}
	return out
}

// Metadata is the default companion record stored next to a payload.
type Metadata struct {
	Keywords []string       `json:"keywords,omitempty"`
	Version  string         `json:"version,omitempty"`
	IsActive bool           `json:"isActive"`
	Custom   map[string]any `json:"custom,omitempty"`
}

// Compact dedupes keywords and drops empty custom values. It returns the
// number of entries removed.
func (m *Metadata) Compact() int {
	if m == nil {
		return 0
	}
	removed := 0
	if len(m.Keywords) > 0 {
		seen := make(map[string]struct{}, len(m.Keywords))
		keywords := m.Keywords[:0:0]
		for _, keyword := range m.Keywords {
			keyword = strings.TrimSpace(keyword)
			key := strings.ToLower(keyword)
			if _, dup := seen[key]; dup || keyword == "" {
				removed++
				continue
			}
			seen[key] = struct{}{}
			keywords = append(keywords, keyword)
		}
		m.Keywords = keywords
	}
	for key, value := range m.Custom {
		if layering.IsEmpty(value) {
			delete(m.Custom, key)
			removed++
		}
	}
	return removed
}

// Compactor is implemented by metadata types that can merge duplicate entries
// during Compress.
type Compactor interface {
	Compact() int
}

// CreateInput carries the fields accepted by CreateSnapshot. An empty ID is
// generated from Category.
type CreateInput[T any, M any] struct {
	ID       string
	Category string
	ParentID string
	Data     T
	Metadata M
	State    []Snapshot[T, M]
}

// Predicate selects snapshots in FindSnapshot.
type Predicate[T any, M any] func(Snapshot[T, M]) bool

// EventType names a lifecycle event.
type EventType string

const (
	EventSnapshotAdded   EventType = "snapshot.added"
	EventSnapshotUpdated EventType = "snapshot.updated"
	EventSnapshotRemoved EventType = "snapshot.removed"
	EventSnapshotCleared EventType = "snapshot.cleared"
	EventChildAdded      EventType = "child.added"
	EventChildRemoved    EventType = "child.removed"
	EventRestored        EventType = "restored"

	// The following are recorded in the event log only.
	EventSnapshotOverwritten EventType = "snapshot.overwritten"
	EventStoreCompressed     EventType = "store.compressed"
	EventStoreEncrypted      EventType = "store.encrypted"
	EventStoreDecrypted      EventType = "store.decrypted"
	EventCipherSkipped       EventType = "store.cipher.skipped"
	EventWriteThroughFailed  EventType = "delegate.write_through.failed"
)

// EventRecord is one entry of the store's append-only audit log.
type EventRecord struct {
	Type       EventType `json:"type"`
	SnapshotID string    `json:"snapshotId,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Detail     string    `json:"detail,omitempty"`
}

// DuplicatePolicy decides what CreateSnapshot does with an existing id.
type DuplicatePolicy int

const (
	// DuplicateReject fails with ErrDuplicateSnapshot.
	DuplicateReject DuplicatePolicy = iota
	// DuplicateOverwrite replaces the entry, keeps its children and bumps the
	// version past the previous one.
	DuplicateOverwrite
)

// Cipher transforms sealed payloads for Encrypt and Decrypt.
type Cipher interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(ciphertext []byte) ([]byte, error)
}

// Validator checks payloads before they are accepted into a store.
type Validator interface {
	Validate(ctx context.Context, value any) error
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, value any) error

// Validate implements Validator.
func (f ValidatorFunc) Validate(ctx context.Context, value any) error {
	if f == nil {
		return nil
	}
	return f(ctx, value)
}

// IDGenerator produces identifiers for snapshots created without one.
type IDGenerator interface {
	Generate(category string, payload any) string
}

// RuleContext carries inputs needed when evaluating an expression.
type RuleContext struct {
	Snapshot   any
	SnapshotID string
	Now        *time.Time
	Args       map[string]any
	Metadata   map[string]any
	Store      string
}

func (ctx RuleContext) withDefaultNow() RuleContext {
	if ctx.Now != nil {
		return ctx
	}
	now := time.Now()
	ctx.Now = &now
	return ctx
}

func (ctx RuleContext) timestamp() time.Time {
	ctx = ctx.withDefaultNow()
	return *ctx.Now
}

func (ctx RuleContext) withDefaultMaps() RuleContext {
	if ctx.Args == nil {
		ctx.Args = map[string]any{}
	}
	if ctx.Metadata == nil {
		ctx.Metadata = map[string]any{}
	}
	return ctx
}

func (ctx RuleContext) withDefaults() RuleContext {
	return ctx.withDefaultNow().withDefaultMaps()
}

// Evaluator executes expressions against a rule context.
type Evaluator interface {
	Evaluate(ctx RuleContext, expr string) (any, error)
	Compile(expr string, opts ...CompileOption) (CompiledRule, error)
}

// CompiledRule represents a reusable expression program.
type CompiledRule interface {
	Evaluate(ctx RuleContext) (any, error)
}

// CompileOption configures evaluator compile behaviour.
type CompileOption interface {
	applyCompileOption(*compileConfig)
}

type compileConfig struct{}

type compileOptionFunc func(*compileConfig)

func (f compileOptionFunc) applyCompileOption(cfg *compileConfig) {
	if f != nil {
		f(cfg)
	}
}
