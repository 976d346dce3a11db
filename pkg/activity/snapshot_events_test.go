package activity

import "testing"

func TestBuildSnapshotEvent(t *testing.T) {
	input := SnapshotEventInput{
		ActorID:         " actor ",
		Store:           "tasks",
		SnapshotID:      " TSK_1 ",
		Category:        "task",
		ParentID:        "PRJ_1",
		Version:         3,
		PreviousVersion: 2,
		Metadata:        map[string]any{"custom": "value"},
	}

	event := BuildSnapshotEvent("snapshot.updated", input)

	if event.Verb != "snapshot.updated" || event.ObjectType != ObjectTypeSnapshot || event.ObjectID != "TSK_1" {
		t.Fatalf("unexpected object fields: %+v", event)
	}
	if event.ActorID != "actor" {
		t.Fatalf("expected trimmed actor, got %q", event.ActorID)
	}
	want := map[string]any{
		"custom":           "value",
		"store":            "tasks",
		"category":         "task",
		"parent_id":        "PRJ_1",
		"version":          int64(3),
		"previous_version": int64(2),
	}
	for key, value := range want {
		if event.Metadata[key] != value {
			t.Fatalf("metadata %s: want %v got %v", key, value, event.Metadata[key])
		}
	}
	input.Metadata["custom"] = "changed"
	if event.Metadata["custom"] != "value" {
		t.Fatalf("expected metadata to be cloned")
	}
}

func TestBuildSnapshotEventFallsBackToStore(t *testing.T) {
	event := BuildSnapshotEvent("snapshot.cleared", SnapshotEventInput{Store: "tasks"})
	if event.ObjectID != "tasks" {
		t.Fatalf("expected store as object id, got %q", event.ObjectID)
	}
	if BuildSnapshotEvent("snapshot.cleared", SnapshotEventInput{}).ObjectID != ObjectTypeSnapshot {
		t.Fatalf("expected object type fallback")
	}
}
