package activity

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNormalizeEventTrimsClonesAndDefaults(t *testing.T) {
	meta := map[string]any{"k": "v"}
	evt := Event{
		Verb:       " snapshot.added ",
		ActorID:    " actor ",
		UserID:     " user ",
		TenantID:   " tenant ",
		ObjectType: " snapshot ",
		ObjectID:   " TSK_1 ",
		Channel:    " snapshots ",
		Severity:   " WARNING ",
		Metadata:   meta,
	}

	got := NormalizeEvent(evt)

	if got.Verb != "snapshot.added" || got.ObjectType != "snapshot" || got.ObjectID != "TSK_1" {
		t.Fatalf("unexpected normalized fields: %+v", got)
	}
	if got.ActorID != "actor" || got.UserID != "user" || got.TenantID != "tenant" || got.Channel != "snapshots" {
		t.Fatalf("unexpected trimming: %+v", got)
	}
	if got.Severity != SeverityWarning {
		t.Fatalf("expected warning severity, got %q", got.Severity)
	}
	if got.OccurredAt.IsZero() {
		t.Fatalf("expected OccurredAt to be set")
	}
	got.Metadata["k"] = "changed"
	if evt.Metadata["k"] != "v" {
		t.Fatalf("expected original metadata untouched: %+v", evt.Metadata)
	}
	if NormalizeEvent(Event{}).Severity != SeverityInfo {
		t.Fatalf("expected info as default severity")
	}
}

func TestHooksNotifyShortCircuitsMissingRequired(t *testing.T) {
	hooks := Hooks{&CaptureHook{}}
	if err := hooks.Notify(context.Background(), Event{}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	capture := hooks[0].(*CaptureHook)
	if len(capture.Events) != 0 {
		t.Fatalf("expected no events captured, got %d", len(capture.Events))
	}
}

func TestHooksNotifyFanOutAndJoinErrors(t *testing.T) {
	capture := &CaptureHook{}
	boom1 := errors.New("boom1")
	boom2 := errors.New("boom2")
	var ctxSeen bool
	hooks := Hooks{
		HookFunc(func(ctx context.Context, event Event) error {
			if ctx != nil {
				ctxSeen = true
			}
			return nil
		}),
		capture,
		HookFunc(func(context.Context, Event) error { return boom1 }),
		nil,
		HookFunc(func(context.Context, Event) error { return boom2 }),
	}

	err := hooks.Notify(nil, Event{Verb: "snapshot.updated", ObjectType: "snapshot", ObjectID: "1"})
	if !errors.Is(err, boom1) || !errors.Is(err, boom2) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if !ctxSeen {
		t.Fatalf("expected context fallback to be non-nil")
	}
	if len(capture.Events) != 1 {
		t.Fatalf("expected event to be captured once, got %d", len(capture.Events))
	}
}

func TestEmitterDisabledAndEnabled(t *testing.T) {
	capture := &CaptureHook{}

	disabled := NewEmitter(Hooks{capture}, Config{Enabled: false})
	if disabled.Enabled() {
		t.Fatalf("expected emitter to be disabled")
	}
	if err := disabled.Emit(context.Background(), Event{Verb: "snapshot.added", ObjectType: "snapshot", ObjectID: "1"}); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(capture.Events) != 0 {
		t.Fatalf("expected no events captured when disabled")
	}

	enabled := NewEmitter(Hooks{capture}, Config{Enabled: true})
	if err := enabled.Emit(context.Background(), Event{Verb: "snapshot.added", ObjectType: "snapshot", ObjectID: "1"}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if len(capture.Events) != 1 {
		t.Fatalf("expected one event captured, got %d", len(capture.Events))
	}
	if capture.Events[0].Channel != DefaultChannel {
		t.Fatalf("expected default channel applied, got %q", capture.Events[0].Channel)
	}
}

func TestEmitterPreservesExplicitChannel(t *testing.T) {
	capture := &CaptureHook{}
	emitter := NewEmitter(Hooks{capture}, Config{Enabled: true, Channel: "default"})
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	err := emitter.Emit(context.Background(), Event{
		Verb:       "snapshot.removed",
		ObjectType: "snapshot",
		ObjectID:   "1",
		Channel:    "custom",
		OccurredAt: at,
	})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if capture.Events[0].Channel != "custom" {
		t.Fatalf("expected explicit channel preserved, got %q", capture.Events[0].Channel)
	}
	if !capture.Events[0].OccurredAt.Equal(at) {
		t.Fatalf("expected occurred_at preserved, got %v", capture.Events[0].OccurredAt)
	}
}

func TestHooksNotifyIsolatesPanics(t *testing.T) {
	capture := &CaptureHook{}
	hooks := Hooks{
		HookFunc(func(context.Context, Event) error { panic("broken hook") }),
		capture,
	}

	err := hooks.Notify(context.Background(), Event{Verb: "Snapshot.Added", ObjectID: "TSK_1"})
	var hookErr *HookError
	if !errors.As(err, &hookErr) || !hookErr.Panicked || hookErr.Index != 0 || hookErr.Verb != "snapshot.added" {
		t.Fatalf("expected panicking hook reported, got %v", err)
	}
	if len(capture.Events) != 1 || capture.Events[0].ObjectType != ObjectTypeSnapshot {
		t.Fatalf("expected later hook to receive a snapshot event, got %+v", capture.Events)
	}
}

func TestMatchingFiltersByVerbPattern(t *testing.T) {
	capture := &CaptureHook{}
	hooks := Hooks{Matching(capture, "child.*", "snapshot.{removed,cleared}")}
	ctx := context.Background()

	for _, verb := range []string{"snapshot.added", "child.added", "snapshot.removed", "snapshot.updated"} {
		if err := hooks.Notify(ctx, Event{Verb: verb, ObjectID: "1"}); err != nil {
			t.Fatalf("notify %s: %v", verb, err)
		}
	}
	if len(capture.Events) != 2 || capture.Events[0].Verb != "child.added" || capture.Events[1].Verb != "snapshot.removed" {
		t.Fatalf("unexpected matched events %+v", capture.Events)
	}
}

func TestNormalizeEventDeepCopiesMetadata(t *testing.T) {
	evt := BuildSnapshotEvent("snapshot.updated", SnapshotEventInput{
		Store:      "tasks",
		SnapshotID: "TSK_1",
		Version:    3,
		Metadata:   map[string]any{"diff": map[string]any{"title": "new"}},
	})
	got := NormalizeEvent(evt)
	got.Metadata["diff"].(map[string]any)["title"] = "changed"

	if evt.Metadata["diff"].(map[string]any)["title"] != "new" {
		t.Fatalf("expected nested metadata to be copied")
	}
	if got.Store() != "tasks" || got.Version() != 3 {
		t.Fatalf("expected store and version accessors, got %q %d", got.Store(), got.Version())
	}
}
