// Package statetest provides a behavioural suite every state.Store
// implementation is expected to pass.
package statetest

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/goliatone/go-snapshot/pkg/state"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) state.Store

// Run executes the contract suite against stores built by factory.
func Run(t *testing.T, factory Factory) {
	t.Helper()

	t.Run("load missing", func(t *testing.T) {
		store := factory(t)
		_, _, ok, err := store.Load(context.Background(), state.Ref{Namespace: "ns", ID: "missing"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ok {
			t.Fatalf("expected miss")
		}
	})

	t.Run("save then load", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		ref := state.Ref{Namespace: "ns", ID: "a"}
		record := sampleRecord("a", map[string]any{"title": "first", "count": 2})

		meta, err := store.Save(ctx, ref, record, state.Meta{})
		if err != nil {
			t.Fatalf("save: %v", err)
		}
		if meta.ETag == "" {
			t.Fatalf("expected etag")
		}
		if meta.UpdatedAt.IsZero() {
			t.Fatalf("expected updated at")
		}

		got, loaded, ok, err := store.Load(ctx, ref)
		if err != nil || !ok {
			t.Fatalf("load: ok=%v err=%v", ok, err)
		}
		if loaded.ETag != meta.ETag {
			t.Fatalf("expected etag %q, got %q", meta.ETag, loaded.ETag)
		}
		if got.ID != "a" || got.Category != "task" || got.Version != 3 || got.ParentID != "root" {
			t.Fatalf("unexpected record: %+v", got)
		}
		if !got.Timestamp.Equal(record.Timestamp) {
			t.Fatalf("expected timestamp %v, got %v", record.Timestamp, got.Timestamp)
		}
		if len(got.ChildIDs) != 2 || got.ChildIDs[0] != "c1" {
			t.Fatalf("unexpected children: %v", got.ChildIDs)
		}
		var data map[string]any
		if err := json.Unmarshal(got.Data, &data); err != nil {
			t.Fatalf("decode data: %v", err)
		}
		if data["title"] != "first" || data["count"] != float64(2) {
			t.Fatalf("unexpected data: %v", data)
		}
	})

	t.Run("id defaults to ref", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		ref := state.Ref{Namespace: "ns", ID: "implicit"}
		if _, err := store.Save(ctx, ref, state.Record{Version: 1}, state.Meta{}); err != nil {
			t.Fatalf("save: %v", err)
		}
		got, _, ok, err := store.Load(ctx, ref)
		if err != nil || !ok {
			t.Fatalf("load: ok=%v err=%v", ok, err)
		}
		if got.ID != "implicit" {
			t.Fatalf("expected id implicit, got %q", got.ID)
		}
	})

	t.Run("id mismatch", func(t *testing.T) {
		store := factory(t)
		_, err := store.Save(context.Background(), state.Ref{Namespace: "ns", ID: "a"}, state.Record{ID: "b"}, state.Meta{})
		if !errors.Is(err, state.ErrInvalidRef) {
			t.Fatalf("expected ErrInvalidRef, got %v", err)
		}
	})

	t.Run("invalid ref", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		if _, _, _, err := store.Load(ctx, state.Ref{ID: "a"}); !errors.Is(err, state.ErrInvalidRef) {
			t.Fatalf("expected ErrInvalidRef on load, got %v", err)
		}
		if _, err := store.Save(ctx, state.Ref{Namespace: "ns"}, state.Record{}, state.Meta{}); !errors.Is(err, state.ErrInvalidRef) {
			t.Fatalf("expected ErrInvalidRef on save, got %v", err)
		}
	})

	t.Run("etag guard", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		ref := state.Ref{Namespace: "ns", ID: "guarded"}

		first, err := store.Save(ctx, ref, sampleRecord("guarded", map[string]any{"v": 1}), state.Meta{})
		if err != nil {
			t.Fatalf("save: %v", err)
		}
		second, err := store.Save(ctx, ref, sampleRecord("guarded", map[string]any{"v": 2}), first)
		if err != nil {
			t.Fatalf("guarded save: %v", err)
		}
		if second.ETag == first.ETag {
			t.Fatalf("expected etag to change with content")
		}

		_, err = store.Save(ctx, ref, sampleRecord("guarded", map[string]any{"v": 3}), first)
		if !errors.Is(err, state.ErrETagMismatch) {
			t.Fatalf("expected ErrETagMismatch, got %v", err)
		}

		got, _, _, err := store.Load(ctx, ref)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if !strings.Contains(string(got.Data), `"v":2`) {
			t.Fatalf("stale save must not land, got %s", got.Data)
		}
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		ref := state.Ref{Namespace: "ns", ID: "gone"}
		if _, err := store.Save(ctx, ref, sampleRecord("gone", nil), state.Meta{}); err != nil {
			t.Fatalf("save: %v", err)
		}
		if err := store.Delete(ctx, ref); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if err := store.Delete(ctx, ref); err != nil {
			t.Fatalf("second delete: %v", err)
		}
		if _, _, ok, _ := store.Load(ctx, ref); ok {
			t.Fatalf("expected record to be gone")
		}
	})

	t.Run("list by namespace", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		for _, ref := range []state.Ref{
			{Namespace: "ns", ID: "b"},
			{Namespace: "ns", ID: "a"},
			{Namespace: "ns/child", ID: "c"},
			{Namespace: "other", ID: "d"},
		} {
			if _, err := store.Save(ctx, ref, sampleRecord(ref.ID, nil), state.Meta{}); err != nil {
				t.Fatalf("save %s: %v", ref.ID, err)
			}
		}
		records, err := store.List(ctx, "ns")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(records) != 2 || records[0].ID != "a" || records[1].ID != "b" {
			t.Fatalf("unexpected list: %+v", records)
		}
		empty, err := store.List(ctx, "nobody")
		if err != nil {
			t.Fatalf("list empty: %v", err)
		}
		if len(empty) != 0 {
			t.Fatalf("expected empty namespace, got %d", len(empty))
		}
	})

	t.Run("mutate", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		ref := state.Ref{Namespace: "ns", ID: "counter"}
		for i := 0; i < 3; i++ {
			if _, _, err := state.Mutate(ctx, store, ref, func(record *state.Record) error {
				record.Version++
				return nil
			}); err != nil {
				t.Fatalf("mutate %d: %v", i, err)
			}
		}
		got, _, _, err := store.Load(ctx, ref)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		if got.Version != 3 {
			t.Fatalf("expected version 3, got %d", got.Version)
		}
	})
}

func sampleRecord(id string, data map[string]any) state.Record {
	record := state.Record{
		ID:        id,
		Category:  "task",
		Version:   3,
		Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		ParentID:  "root",
		ChildIDs:  []string{"c1", "c2"},
	}
	if data != nil {
		raw, _ := json.Marshal(data)
		record.Data = raw
	}
	return record
}
