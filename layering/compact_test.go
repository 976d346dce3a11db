package layering

import "testing"

func TestCompactDropsEmptyMapEntries(t *testing.T) {
	in := map[string]any{
		"keep":  1,
		"false": false,
		"nil":   nil,
		"empty": "",
		"list":  []any{},
		"nested": map[string]any{
			"drop": map[string]any{},
			"keep": "x",
		},
	}

	got, removed := Compact(in)

	if removed != 4 {
		t.Fatalf("expected 4 entries removed, got %d (%+v)", removed, got)
	}
	if _, ok := got["nil"]; ok {
		t.Fatalf("nil entry should be dropped")
	}
	if got["false"] != false || got["keep"] != 1 {
		t.Fatalf("zero scalars must survive compaction: %+v", got)
	}
	nested := got["nested"].(map[string]any)
	if len(nested) != 1 || nested["keep"] != "x" {
		t.Fatalf("unexpected nested map %+v", nested)
	}
	if _, ok := in["nil"]; !ok {
		t.Fatalf("input must not be mutated")
	}
}

func TestCompactKeepsStructFields(t *testing.T) {
	type record struct {
		ID     string
		Fields map[string]any
	}
	got, removed := Compact(record{ID: "", Fields: map[string]any{"a": nil}})
	if removed != 1 || len(got.Fields) != 0 {
		t.Fatalf("unexpected compaction %+v removed=%d", got, removed)
	}
}

func TestIsEmpty(t *testing.T) {
	if !IsEmpty(nil) || !IsEmpty("") || !IsEmpty(map[string]any{}) {
		t.Fatalf("expected empty values")
	}
	if IsEmpty(0) || IsEmpty(false) || IsEmpty("x") {
		t.Fatalf("scalars with information are not empty")
	}
}
