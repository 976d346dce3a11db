package snapshot

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
)

func TestBatchFetchReportsMissingAsFailure(t *testing.T) {
	store := newTestStore(t)
	mustCreate(t, store, "s1", payload{"value": 1})

	result, err := store.BatchFetchSnapshots(context.Background(), Criteria{IDs: []string{"s1", "missing"}}, nil)
	if err != nil {
		t.Fatalf("batch must resolve: %v", err)
	}
	if len(result.Succeeded) != 1 || result.Succeeded[0].ID != "s1" {
		t.Fatalf("expected s1 to succeed, got %+v", result.Succeeded)
	}
	if len(result.Failed) != 1 || result.Failed[0].ID != "missing" {
		t.Fatalf("expected missing to fail, got %+v", result.Failed)
	}
	if !errors.Is(result.Failed[0].Err, ErrNotFound) {
		t.Fatalf("expected NotFoundError, got %v", result.Failed[0].Err)
	}
}

func TestBatchFetchWithKFailures(t *testing.T) {
	store := newTestStore(t, WithBatchConcurrency(3))
	const n, k = 20, 7
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("id-%02d", i)
		ids = append(ids, id)
		mustCreate(t, store, id, payload{"i": i})
	}
	failing := map[string]bool{}
	for i := 0; i < k; i++ {
		failing[ids[i*2]] = true
	}
	resolver := func(ctx context.Context, id string) (Snapshot[payload, Metadata], error) {
		if failing[id] {
			return Snapshot[payload, Metadata]{}, errors.New("designed failure")
		}
		return store.resolve(ctx, id)
	}

	result, err := store.BatchFetchSnapshots(context.Background(), Criteria{IDs: ids}, resolver)
	if err != nil {
		t.Fatalf("batch must resolve: %v", err)
	}
	if len(result.Failed) != k || len(result.Succeeded) != n-k {
		t.Fatalf("expected %d failed and %d succeeded, got %d/%d", k, n-k, len(result.Failed), len(result.Succeeded))
	}
	succeeded := make([]string, 0, len(result.Succeeded))
	for _, snap := range result.Succeeded {
		succeeded = append(succeeded, snap.ID)
	}
	if !slices.IsSorted(succeeded) || !slices.IsSorted(result.FailedIDs()) {
		t.Fatalf("results must keep input order: %v / %v", succeeded, result.FailedIDs())
	}
}

func TestBatchCriteriaValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	cases := []struct {
		name     string
		criteria Criteria
	}{
		{name: "empty", criteria: Criteria{}},
		{name: "bad glob", criteria: Criteria{Pattern: "a/[b"}},
		{name: "ids with filter", criteria: Criteria{IDs: []string{"a"}, Category: "user"}},
		{name: "blank id", criteria: Criteria{IDs: []string{" "}}},
		{name: "bad expression", criteria: Criteria{Expression: "data.value >"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := store.BatchFetchSnapshots(ctx, tc.criteria, nil)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected coordinator validation error, got %v", err)
			}
		})
	}
}

func TestBatchFetchByFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for _, input := range []CreateInput[payload, Metadata]{
		{ID: "task/1", Category: "task", Data: payload{"done": true}},
		{ID: "task/2", Category: "task", Data: payload{"done": false}},
		{ID: "note/1", Category: "note", Data: payload{"done": true}},
	} {
		if _, err := store.CreateSnapshot(ctx, input); err != nil {
			t.Fatalf("create %s: %v", input.ID, err)
		}
	}

	result, err := store.BatchFetchSnapshots(ctx, Criteria{Pattern: "task/*", Expression: "data.done == true"}, nil)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(result.Succeeded) != 1 || result.Succeeded[0].ID != "task/1" {
		t.Fatalf("expected only task/1, got %+v", result.Succeeded)
	}

	result, err = store.BatchFetchSnapshots(ctx, Criteria{Category: "note"}, nil)
	if err != nil || len(result.Succeeded) != 1 || result.Succeeded[0].ID != "note/1" {
		t.Fatalf("expected note/1 by category, got %+v err=%v", result, err)
	}
}

func TestBatchUpdateIsolatesFailures(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, store, "a", payload{"v": 1})
	mustCreate(t, store, "b", payload{"v": 1})

	result, err := store.BatchUpdateSnapshots(ctx, []UpdateRequest[payload]{
		{ID: "a", Patch: payload{"v": 2}},
		{ID: "ghost", Patch: payload{"v": 2}},
		{ID: "b", Patch: payload{"v": 2}, ExpectedVersion: 5},
		{ID: "", Patch: payload{}},
	})
	if err != nil {
		t.Fatalf("batch update must resolve: %v", err)
	}
	if len(result.Succeeded) != 1 || result.Succeeded[0].ID != "a" {
		t.Fatalf("expected only a to succeed, got %+v", result.Succeeded)
	}
	if len(result.Failed) != 3 {
		t.Fatalf("expected three failures, got %+v", result.Failed)
	}
	if !errors.Is(result.Failed[0].Err, ErrNotFound) ||
		!errors.Is(result.Failed[1].Err, ErrConcurrencyConflict) ||
		!errors.Is(result.Failed[2].Err, ErrValidation) {
		t.Fatalf("unexpected failure kinds %+v", result.Failed)
	}
}

func TestBatchUpdateRequestResolverErrorFailsCall(t *testing.T) {
	store := newTestStore(t)
	boom := errors.New("cannot list requests")
	_, err := store.BatchUpdateSnapshotsRequest(context.Background(), func(context.Context) ([]UpdateRequest[payload], error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected resolver error, got %v", err)
	}
}

func TestBatchTakeAndRemove(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, store, "a", payload{})
	mustCreate(t, store, "b", payload{})
	mustCreate(t, store, "c", payload{})

	taken, err := store.BatchTakeSnapshots(ctx, Criteria{IDs: []string{"a", "zzz"}})
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if len(taken.Succeeded) != 1 || len(taken.Failed) != 1 {
		t.Fatalf("unexpected take result %+v", taken)
	}
	if _, ok, _ := store.GetSnapshot(ctx, "a"); ok {
		t.Fatalf("taken snapshot must be removed")
	}

	removed, err := store.BatchRemoveSnapshots(ctx, []string{"b", "c", "never"})
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if len(removed.Succeeded) != 3 || len(removed.Failed) != 0 {
		t.Fatalf("absent ids count as removed, got %+v", removed)
	}
	if store.Len() != 0 {
		t.Fatalf("expected empty store, got %d", store.Len())
	}
}

func TestBatchHonoursCancellation(t *testing.T) {
	store := newTestStore(t)
	mustCreate(t, store, "a", payload{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := store.BatchFetchSnapshots(ctx, Criteria{IDs: []string{"a", "b"}}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if len(result.Failed) != 2 {
		t.Fatalf("expected every unstarted item to fail, got %+v", result)
	}
}
