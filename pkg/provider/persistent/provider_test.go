package persistent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	snapshot "github.com/goliatone/go-snapshot"
	"github.com/goliatone/go-snapshot/pkg/state"
)

type task = map[string]any

var fixedNow = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

func newProvider(store state.Store) *Provider[task, snapshot.Metadata] {
	return New[task, snapshot.Metadata](store, "tasks", WithClock(func() time.Time { return fixedNow }))
}

func TestImportThenGet(t *testing.T) {
	ctx := context.Background()
	p := newProvider(state.NewMemoryStore())
	snap := snapshot.Snapshot[task, snapshot.Metadata]{
		ID:        "TSK_1",
		Category:  "task",
		Data:      task{"title": "write", "priority": float64(2)},
		Metadata:  snapshot.Metadata{Keywords: []string{"work"}, IsActive: true},
		Timestamp: fixedNow,
		Version:   4,
		ChildIDs:  []string{"TSK_2"},
	}

	result, err := p.ImportSnapshots(ctx, []snapshot.Snapshot[task, snapshot.Metadata]{snap, {Data: task{"x": 1}}})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if len(result.Succeeded) != 1 || len(result.Failed) != 1 {
		t.Fatalf("expected one success and one failure, got %+v", result)
	}
	if !errors.Is(result.Failed[0].Err, snapshot.ErrValidation) {
		t.Fatalf("expected validation failure for missing id, got %v", result.Failed[0].Err)
	}

	got, ok, err := p.GetSnapshot(ctx, "TSK_1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if diff := cmp.Diff(snap, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}

	if _, ok, err := p.GetSnapshot(ctx, "missing"); ok || err != nil {
		t.Fatalf("expected clean miss, ok=%v err=%v", ok, err)
	}
}

func TestCreateContinuesVersion(t *testing.T) {
	ctx := context.Background()
	p := newProvider(state.NewMemoryStore())
	input := snapshot.CreateInput[task, snapshot.Metadata]{ID: "a", Category: "task", Data: task{"v": float64(1)}}

	first, err := p.CreateSnapshot(ctx, input)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := p.CreateSnapshot(ctx, input)
	if err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if first.Version != 1 || second.Version != 2 {
		t.Fatalf("expected versions 1 and 2, got %d and %d", first.Version, second.Version)
	}
	if _, err := p.CreateSnapshot(ctx, snapshot.CreateInput[task, snapshot.Metadata]{}); !errors.Is(err, snapshot.ErrValidation) {
		t.Fatalf("expected validation error for empty id, got %v", err)
	}
}

func TestUpdateMergesPatch(t *testing.T) {
	ctx := context.Background()
	p := newProvider(state.NewMemoryStore())
	if _, err := p.CreateSnapshot(ctx, snapshot.CreateInput[task, snapshot.Metadata]{ID: "a", Data: task{"title": "old", "done": false}}); err != nil {
		t.Fatalf("create: %v", err)
	}

	updated, err := p.UpdateSnapshot(ctx, "a", task{"done": true})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Version != 2 || updated.Data["title"] != "old" || updated.Data["done"] != true {
		t.Fatalf("unexpected update: %+v", updated)
	}

	if _, err := p.UpdateSnapshot(ctx, "missing", task{"x": 1}); !errors.Is(err, snapshot.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

type conflictingStore struct {
	*state.MemoryStore
}

func (s conflictingStore) Save(ctx context.Context, ref state.Ref, record state.Record, meta state.Meta) (state.Meta, error) {
	if meta.ETag != "" {
		return state.Meta{}, state.ErrETagMismatch
	}
	return s.MemoryStore.Save(ctx, ref, record, meta)
}

func TestUpdateReportsConflict(t *testing.T) {
	ctx := context.Background()
	p := newProvider(conflictingStore{state.NewMemoryStore()})
	if _, err := p.ImportSnapshots(ctx, []snapshot.Snapshot[task, snapshot.Metadata]{{ID: "a", Version: 3, Data: task{"v": 1}}}); err != nil {
		t.Fatalf("import: %v", err)
	}

	_, err := p.UpdateSnapshot(ctx, "a", task{"v": 2})
	var conflict *snapshot.ConcurrencyConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConcurrencyConflictError, got %v", err)
	}
	if conflict.Expected != 3 || conflict.Actual != 3 {
		t.Fatalf("unexpected conflict %+v", conflict)
	}
}

func TestFindAndList(t *testing.T) {
	ctx := context.Background()
	p := newProvider(state.NewMemoryStore())
	for _, id := range []string{"c", "a", "b"} {
		if _, err := p.CreateSnapshot(ctx, snapshot.CreateInput[task, snapshot.Metadata]{ID: id, Category: "task", Data: task{"id": id}}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	found, ok, err := p.FindSnapshot(ctx, func(s snapshot.Snapshot[task, snapshot.Metadata]) bool {
		return s.ID != "a"
	})
	if err != nil || !ok || found.ID != "b" {
		t.Fatalf("expected b in id order, got %q ok=%v err=%v", found.ID, ok, err)
	}
	if _, _, err := p.FindSnapshot(ctx, nil); !errors.Is(err, snapshot.ErrValidation) {
		t.Fatalf("expected validation error for nil predicate, got %v", err)
	}

	if err := p.RemoveSnapshot(ctx, "b"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	all, err := p.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 || all[0].ID != "a" || all[1].ID != "c" {
		t.Fatalf("unexpected list %+v", all)
	}
}

func TestStoreFallsBackAndWritesThrough(t *testing.T) {
	ctx := context.Background()
	backend := state.NewMemoryStore()
	p := newProvider(backend)
	if _, err := p.ImportSnapshots(ctx, []snapshot.Snapshot[task, snapshot.Metadata]{{ID: "persisted", Version: 7, Data: task{"v": "disk"}}}); err != nil {
		t.Fatalf("import: %v", err)
	}

	store := snapshot.New[task, snapshot.Metadata](
		snapshot.WithName("tasks"),
		snapshot.WithDelegates(p.Delegate("disk")),
		snapshot.WithWriteThrough(true),
	)

	got, ok, err := store.GetSnapshot(ctx, "persisted")
	if err != nil || !ok || got.Version != 7 {
		t.Fatalf("expected persisted snapshot from delegate, got %+v ok=%v err=%v", got, ok, err)
	}

	created, err := store.CreateSnapshot(ctx, snapshot.CreateInput[task, snapshot.Metadata]{ID: "fresh", Data: task{"v": "memory"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.UpdateSnapshot(ctx, created.ID, task{"extra": true}); err != nil {
		t.Fatalf("update: %v", err)
	}
	mirrored, ok, err := p.GetSnapshot(ctx, "fresh")
	if err != nil || !ok {
		t.Fatalf("expected write-through copy, ok=%v err=%v", ok, err)
	}
	if mirrored.Data["v"] != "memory" || mirrored.Data["extra"] != true {
		t.Fatalf("unexpected mirrored data %+v", mirrored.Data)
	}

	if err := store.RemoveSnapshot(ctx, "fresh"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok, _ := p.GetSnapshot(ctx, "fresh"); ok {
		t.Fatalf("expected remove to be mirrored")
	}
}
