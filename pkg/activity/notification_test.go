package activity

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNotificationEventMapping(t *testing.T) {
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	event := Notification{
		ID:        "NTF_1",
		Title:     "Saved",
		Body:      "snapshot stored",
		Timestamp: at,
		Severity:  SeverityError,
		Position:  PositionBottomLeft,
	}.Event()

	if event.Verb != "notification.error" || event.ObjectType != "notification" || event.ObjectID != "NTF_1" {
		t.Fatalf("unexpected event %+v", event)
	}
	if event.Metadata["title"] != "Saved" || event.Metadata["body"] != "snapshot stored" || event.Metadata["position"] != "bottom-left" {
		t.Fatalf("unexpected metadata %+v", event.Metadata)
	}
	if !event.OccurredAt.Equal(at) {
		t.Fatalf("expected timestamp carried over, got %v", event.OccurredAt)
	}
}

func TestEmitterNotifyNeverFails(t *testing.T) {
	capture := &CaptureHook{}
	hooks := Hooks{
		HookFunc(func(context.Context, Event) error { return errors.New("sink down") }),
		HookFunc(func(context.Context, Event) error { panic("sink exploded") }),
		capture,
	}
	emitter := NewEmitter(hooks, Config{Enabled: true})

	emitter.Notify(context.Background(), Notification{ID: "n1", Title: "hello"})

	var nilEmitter *Emitter
	nilEmitter.Notify(context.Background(), Notification{ID: "n2"})
}

func TestEmitterNotifyDelivers(t *testing.T) {
	capture := &CaptureHook{}
	emitter := NewEmitter(Hooks{capture}, Config{Enabled: true, Channel: "banners"})

	emitter.Notify(context.Background(), Notification{Title: "created", Severity: SeveritySuccess})

	if len(capture.Events) != 1 {
		t.Fatalf("expected one event, got %d", len(capture.Events))
	}
	got := capture.Events[0]
	if got.Verb != "notification.success" || got.ObjectID != "notification" || got.Channel != "banners" {
		t.Fatalf("unexpected event %+v", got)
	}
}
