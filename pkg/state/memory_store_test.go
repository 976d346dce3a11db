package state_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goliatone/go-snapshot/pkg/state"
	"github.com/goliatone/go-snapshot/pkg/state/statetest"
)

func TestMemoryStoreContract(t *testing.T) {
	statetest.Run(t, func(*testing.T) state.Store {
		return state.NewMemoryStore()
	})
}

func TestMemoryStoreUsesClock(t *testing.T) {
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600))
	store := state.NewMemoryStore(state.WithClock(func() time.Time { return fixed }))

	meta, err := store.Save(context.Background(), state.Ref{Namespace: "ns", ID: "a"}, state.Record{}, state.Meta{})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if !meta.UpdatedAt.Equal(fixed) || meta.UpdatedAt.Location() != time.UTC {
		t.Fatalf("expected UTC clock time, got %v", meta.UpdatedAt)
	}
}

func TestMemoryStoreHonoursCancellation(t *testing.T) {
	store := state.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := store.Save(ctx, state.Ref{Namespace: "ns", ID: "a"}, state.Record{}, state.Meta{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, err := store.List(ctx, "ns"); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled from list, got %v", err)
	}
}

func TestRefKey(t *testing.T) {
	key, err := state.Ref{Namespace: "projects", ID: "PRJ_1"}.Key()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	if key != "projects/PRJ_1" {
		t.Fatalf("unexpected key %q", key)
	}
	if _, err := (state.Ref{Namespace: " ", ID: "x"}).Key(); !errors.Is(err, state.ErrInvalidRef) {
		t.Fatalf("expected ErrInvalidRef, got %v", err)
	}
}

func TestMutateRequiresArguments(t *testing.T) {
	ctx := context.Background()
	ref := state.Ref{Namespace: "ns", ID: "a"}
	if _, _, err := state.Mutate(ctx, nil, ref, func(*state.Record) error { return nil }); err == nil {
		t.Fatalf("expected error for nil store")
	}
	if _, _, err := state.Mutate(ctx, state.NewMemoryStore(), ref, nil); err == nil {
		t.Fatalf("expected error for nil mutator")
	}
}

func TestMutatePropagatesMutatorError(t *testing.T) {
	store := state.NewMemoryStore()
	boom := errors.New("boom")
	_, _, err := state.Mutate(context.Background(), store, state.Ref{Namespace: "ns", ID: "a"}, func(*state.Record) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected mutator error, got %v", err)
	}
	if _, _, ok, _ := store.Load(context.Background(), state.Ref{Namespace: "ns", ID: "a"}); ok {
		t.Fatalf("failed mutation must not save")
	}
}
