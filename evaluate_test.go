package snapshot

import (
	"context"
	"errors"
	"testing"
)

func seedTasks(t *testing.T, store *Store[payload, Metadata]) {
	t.Helper()
	ctx := context.Background()
	for _, input := range []CreateInput[payload, Metadata]{
		{ID: "t1", Category: "task", Data: payload{"priority": 1, "owner": "ana"}},
		{ID: "t2", Category: "task", Data: payload{"priority": 5, "owner": "bo"}},
		{ID: "n1", Category: "note", Data: payload{"priority": 9}},
	} {
		if _, err := store.CreateSnapshot(ctx, input); err != nil {
			t.Fatalf("create %s: %v", input.ID, err)
		}
	}
}

func TestFindSnapshotByExpressionWithExpr(t *testing.T) {
	store := newTestStore(t)
	seedTasks(t, store)

	snap, ok, err := store.FindSnapshotByExpression(context.Background(), `category == "task" && data.priority > 3`)
	if err != nil || !ok {
		t.Fatalf("expected a match, ok=%v err=%v", ok, err)
	}
	if snap.ID != "t2" {
		t.Fatalf("expected t2, got %s", snap.ID)
	}
}

func TestFindSnapshotByExpressionWithCEL(t *testing.T) {
	store := newTestStore(t, WithEvaluator(NewCELEvaluator()))
	seedTasks(t, store)

	snap, ok, err := store.FindSnapshotByExpression(context.Background(), `category == "note" && data.priority >= 9`)
	if err != nil || !ok {
		t.Fatalf("expected a match, ok=%v err=%v", ok, err)
	}
	if snap.ID != "n1" {
		t.Fatalf("expected n1, got %s", snap.ID)
	}
}

func TestFindSnapshotByExpressionWithJS(t *testing.T) {
	cache := NewMapProgramCache()
	store := newTestStore(t, WithEvaluator(NewJSEvaluator(JSWithProgramCache(cache))))
	seedTasks(t, store)

	expression := `category === "task" && data.priority > 3`
	snap, ok, err := store.FindSnapshotByExpression(context.Background(), expression)
	if err != nil || !ok {
		t.Fatalf("expected a match, ok=%v err=%v", ok, err)
	}
	if snap.ID != "t2" {
		t.Fatalf("expected t2, got %s", snap.ID)
	}
	if _, cached := cache.Get(expression); !cached {
		t.Fatalf("expected compiled program to be cached")
	}
}

func TestJSEvaluatorReportsEngine(t *testing.T) {
	store := newTestStore(t, WithEvaluator(NewJSEvaluator()))
	snap := mustCreate(t, store, "s1", payload{"n": 1})

	_, err := store.EvaluateExpression(snap, "data.n +")
	var evalErr *EvaluationError
	if !errors.As(err, &evalErr) {
		t.Fatalf("expected EvaluationError, got %v", err)
	}
	if evalErr.Engine != "js" {
		t.Fatalf("expected js engine, got %q", evalErr.Engine)
	}
}

func TestFindSnapshotByExpressionRejectsInvalidSyntax(t *testing.T) {
	store := newTestStore(t)
	_, _, err := store.FindSnapshotByExpression(context.Background(), "data.priority >")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	var evalErr *EvaluationError
	if !errors.As(err, &evalErr) || evalErr.Engine != "expr" || evalErr.Store != "test" {
		t.Fatalf("expected EvaluationError with engine and store, got %v", err)
	}
}

func TestNonBooleanExpressionNeverMatches(t *testing.T) {
	store := newTestStore(t)
	seedTasks(t, store)
	_, ok, err := store.FindSnapshotByExpression(context.Background(), "data.priority")
	if err != nil || ok {
		t.Fatalf("expected no match for non-boolean result, ok=%v err=%v", ok, err)
	}
}

func TestEvaluateExpressionUsesRegistryFunctions(t *testing.T) {
	store := newTestStore(t, WithCustomFunction("double", func(args ...any) (any, error) {
		if len(args) != 1 {
			return nil, errors.New("double expects one argument")
		}
		n, ok := args[0].(float64)
		if !ok {
			return nil, errors.New("double expects a number")
		}
		return n * 2, nil
	}))
	snap := mustCreate(t, store, "s1", payload{"n": 21})

	out, err := store.EvaluateExpression(snap, "double(data.n)")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if out != float64(42) {
		t.Fatalf("expected 42, got %v (%T)", out, out)
	}
}

func TestEvaluatorLoggerObservesEvaluations(t *testing.T) {
	var events []EvaluatorLogEvent
	store := newTestStore(t, WithEvaluatorLogger(EvaluatorLoggerFunc(func(event EvaluatorLogEvent) {
		events = append(events, event)
	})))
	snap := mustCreate(t, store, "s1", payload{"n": 1})

	if _, err := store.EvaluateExpression(snap, "data.n + 1"); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(events) != 1 || events[0].Engine != "expr" || events[0].Store != "test" {
		t.Fatalf("unexpected log events %+v", events)
	}
}

func TestEvaluationErrorNamesFailingSnapshot(t *testing.T) {
	store := newTestStore(t)
	snap := mustCreate(t, store, "s1", payload{"n": "text"})

	_, err := store.EvaluateExpression(snap, "data.n * 2")
	var evalErr *EvaluationError
	if !errors.As(err, &evalErr) {
		t.Fatalf("expected EvaluationError, got %v", err)
	}
	if evalErr.SnapshotID != "s1" || evalErr.Store != "test" {
		t.Fatalf("expected failing snapshot recorded, got %+v", evalErr)
	}
}

func TestExprRejectsMistypedSnapshotFields(t *testing.T) {
	store := newTestStore(t)
	seedTasks(t, store)

	_, _, err := store.FindSnapshotByExpression(context.Background(), `category > 3`)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected compile-time validation error, got %v", err)
	}
	var evalErr *EvaluationError
	if !errors.As(err, &evalErr) || evalErr.SnapshotID != "" {
		t.Fatalf("expected compile failure without snapshot, got %v", err)
	}
}

func TestHierarchyHelpersInExpressions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustCreate(t, store, "root", payload{})
	if _, err := store.AddChild(ctx, "root", "mid", CreateInput[payload, Metadata]{Data: payload{"level": 1}}); err != nil {
		t.Fatalf("add mid: %v", err)
	}
	if _, err := store.AddChild(ctx, "mid", "leaf", CreateInput[payload, Metadata]{Data: payload{"level": 2}}); err != nil {
		t.Fatalf("add leaf: %v", err)
	}

	snap, ok, err := store.FindSnapshotByExpression(ctx, `isDescendant(id, "root") && childCount(id) == 0`)
	if err != nil || !ok || snap.ID != "leaf" {
		t.Fatalf("expected leaf, got %s ok=%v err=%v", snap.ID, ok, err)
	}
	snap, ok, err = store.FindSnapshotByExpression(ctx, `hasChild(id, "leaf")`)
	if err != nil || !ok || snap.ID != "mid" {
		t.Fatalf("expected mid, got %s ok=%v err=%v", snap.ID, ok, err)
	}
	out, err := store.EvaluateExpression(snap, `exists(parentId) && call("hasChild", parentId, id)`)
	if err != nil || out != true {
		t.Fatalf("expected helpers through call, got %v err=%v", out, err)
	}
}

func TestCallerFunctionsOverrideHierarchyHelpers(t *testing.T) {
	store := newTestStore(t, WithCustomFunction("exists", func(...any) (any, error) { return "custom", nil }))
	snap := mustCreate(t, store, "s1", payload{})

	out, err := store.EvaluateExpression(snap, `exists(id)`)
	if err != nil || out != "custom" {
		t.Fatalf("expected caller function to win, got %v err=%v", out, err)
	}
}

func TestSharedProgramCacheKeepsStoresApart(t *testing.T) {
	cache := NewMapProgramCache()
	ctx := context.Background()
	first := newTestStore(t, WithProgramCache(cache))
	second := newTestStore(t, WithProgramCache(cache))
	mustCreate(t, first, "only-first", payload{})
	mustCreate(t, second, "other", payload{})

	expression := `exists("only-first")`
	if _, ok, _ := first.FindSnapshotByExpression(ctx, expression); !ok {
		t.Fatalf("expected first store to see its own snapshot")
	}
	if _, ok, _ := second.FindSnapshotByExpression(ctx, expression); ok {
		t.Fatalf("second store must not reuse helpers bound to the first")
	}
}

func TestFunctionRegistryKeepsNameCase(t *testing.T) {
	registry := NewFunctionRegistry()
	if err := registry.Register("hasTag", func(...any) (any, error) { return true, nil }); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := registry.Register("HASTAG", func(...any) (any, error) { return false, nil }); err == nil {
		t.Fatalf("expected case-insensitive duplicate to be rejected")
	}
	if names := registry.Names(); len(names) != 1 || names[0] != "hasTag" {
		t.Fatalf("expected registered spelling, got %v", names)
	}
	if out, err := registry.Call("hastag"); err != nil || out != true {
		t.Fatalf("expected case-insensitive call, got %v %v", out, err)
	}
}
