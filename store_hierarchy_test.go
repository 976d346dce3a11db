package snapshot

import (
	"context"
	"errors"
	"slices"
	"testing"
)

func TestAddChildLinksAndDescends(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, store, "p1", payload{"title": "parent"})

	child, err := store.AddChild(ctx, "p1", "c1", CreateInput[payload, Metadata]{Data: payload{"title": "child"}})
	if err != nil {
		t.Fatalf("add child: %v", err)
	}
	if child.ParentID != "p1" {
		t.Fatalf("expected parent p1, got %q", child.ParentID)
	}

	children, err := store.GetChildren(ctx, "p1")
	if err != nil {
		t.Fatalf("get children: %v", err)
	}
	if len(children) != 1 || children[0].ID != "c1" {
		t.Fatalf("expected [c1], got %+v", children)
	}
	if !store.IsDescendantOf("c1", "p1") {
		t.Fatalf("c1 should descend from p1")
	}
	if store.IsDescendantOf("p1", "c1") {
		t.Fatalf("p1 must not descend from c1")
	}
}

func TestAddChildRejectsCycles(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, store, "a", payload{})
	if _, err := store.AddChild(ctx, "a", "b", CreateInput[payload, Metadata]{}); err != nil {
		t.Fatalf("a->b: %v", err)
	}
	if _, err := store.AddChild(ctx, "b", "c", CreateInput[payload, Metadata]{}); err != nil {
		t.Fatalf("b->c: %v", err)
	}

	_, err := store.AddChild(ctx, "c", "a", CreateInput[payload, Metadata]{})
	if !errors.Is(err, ErrHierarchyCycle) || !errors.Is(err, ErrValidation) {
		t.Fatalf("expected cycle validation error, got %v", err)
	}
	_, err = store.AddChild(ctx, "a", "a", CreateInput[payload, Metadata]{})
	if !errors.Is(err, ErrHierarchyCycle) {
		t.Fatalf("expected self link to be rejected, got %v", err)
	}
}

func TestAddChildReparentsExistingSnapshot(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, store, "p1", payload{})
	mustCreate(t, store, "p2", payload{})
	if _, err := store.AddChild(ctx, "p1", "c", CreateInput[payload, Metadata]{}); err != nil {
		t.Fatalf("link p1: %v", err)
	}
	before, _, _ := store.GetSnapshot(ctx, "c")

	moved, err := store.AddChild(ctx, "p2", "c", CreateInput[payload, Metadata]{})
	if err != nil {
		t.Fatalf("link p2: %v", err)
	}
	if moved.ParentID != "p2" {
		t.Fatalf("expected parent p2, got %q", moved.ParentID)
	}
	if store.HasChildren("p1") {
		t.Fatalf("p1 should have lost its child")
	}
	if moved.Version != before.Version {
		t.Fatalf("linking must not bump versions: %d -> %d", before.Version, moved.Version)
	}
}

func TestRemoveChildKeepsSnapshot(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, store, "p", payload{})
	if _, err := store.AddChild(ctx, "p", "c", CreateInput[payload, Metadata]{}); err != nil {
		t.Fatalf("add child: %v", err)
	}

	if err := store.RemoveChild(ctx, "p", "c"); err != nil {
		t.Fatalf("remove child: %v", err)
	}
	if err := store.RemoveChild(ctx, "p", "c"); err != nil {
		t.Fatalf("second remove child should be a no-op: %v", err)
	}
	child, ok, _ := store.GetSnapshot(ctx, "c")
	if !ok || child.ParentID != "" {
		t.Fatalf("expected detached child to remain, ok=%v parent=%q", ok, child.ParentID)
	}
	if store.IsDescendantOf("c", "p") {
		t.Fatalf("link should be gone")
	}
}

func TestRemovingParentDetachesChildren(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, store, "p", payload{})
	if _, err := store.AddChild(ctx, "p", "c", CreateInput[payload, Metadata]{}); err != nil {
		t.Fatalf("add child: %v", err)
	}
	if err := store.RemoveSnapshot(ctx, "p"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	child, ok, _ := store.GetSnapshot(ctx, "c")
	if !ok || child.ParentID != "" {
		t.Fatalf("expected orphaned child, ok=%v parent=%q", ok, child.ParentID)
	}
}

func TestTraversalTerminatesOnInjectedCycle(t *testing.T) {
	store := newTestStore(t)
	mustCreate(t, store, "a", payload{})
	mustCreate(t, store, "b", payload{})
	mustCreate(t, store, "c", payload{})

	// a -> b -> c -> a, bypassing the link checks.
	store.mu.Lock()
	store.snapshots["a"].ParentID = "c"
	store.snapshots["b"].ParentID = "a"
	store.snapshots["c"].ParentID = "b"
	store.snapshots["a"].ChildIDs = []string{"b"}
	store.snapshots["b"].ChildIDs = []string{"c"}
	store.snapshots["c"].ChildIDs = []string{"a"}
	store.mu.Unlock()

	if store.IsDescendantOf("a", "missing") {
		t.Fatalf("expected false for unrelated id on a cycle")
	}
	ancestors := store.Ancestors("a")
	if !slices.Equal(ancestors, []string{"c", "b"}) {
		t.Fatalf("expected bounded ancestor walk [c b], got %v", ancestors)
	}
	descendants := store.Descendants("a")
	if !slices.Equal(descendants, []string{"b", "c"}) {
		t.Fatalf("expected bounded descendant walk [b c], got %v", descendants)
	}
}

func TestGetChildrenOfMissingParent(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetChildren(context.Background(), "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestNestedStoresAreIndependent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tasks, err := store.NestedStore("tasks")
	if err != nil {
		t.Fatalf("nested: %v", err)
	}
	again, _ := store.NestedStore("tasks")
	if tasks != again {
		t.Fatalf("expected get-or-create to return the same store")
	}
	if tasks.Name() != "test/tasks" {
		t.Fatalf("unexpected nested name %q", tasks.Name())
	}
	mustCreate(t, tasks, "t1", payload{})
	if store.Len() != 0 {
		t.Fatalf("nested writes leaked into parent")
	}
	if _, ok, _ := store.GetSnapshot(ctx, "t1"); ok {
		t.Fatalf("parent must not resolve nested snapshots implicitly")
	}

	if err := tasks.AttachNestedStore("loop", store); !errors.Is(err, ErrHierarchyCycle) {
		t.Fatalf("expected cycle rejection, got %v", err)
	}
	if err := store.AttachNestedStore("self", store); !errors.Is(err, ErrHierarchyCycle) {
		t.Fatalf("expected self attach rejection, got %v", err)
	}

	other := newTestStore(t)
	if err := store.AttachNestedStore("other", other); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if !slices.Equal(store.NestedStoreNames(), []string{"tasks", "other"}) {
		t.Fatalf("unexpected names %v", store.NestedStoreNames())
	}
	if _, err := store.DetachNestedStore("other"); err != nil {
		t.Fatalf("detach: %v", err)
	}
	if _, err := store.DetachNestedStore("other"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found on second detach, got %v", err)
	}
}
