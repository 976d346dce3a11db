package activity

import (
	"strings"
	"time"
)

// ObjectTypeSnapshot is the object type used for snapshot lifecycle events.
const ObjectTypeSnapshot = "snapshot"

// SnapshotEventInput describes the common fields for snapshot lifecycle
// events.
type SnapshotEventInput struct {
	ActorID         string
	UserID          string
	TenantID        string
	Store           string
	SnapshotID      string
	Category        string
	ParentID        string
	Version         int64
	PreviousVersion int64
	Channel         string
	Severity        Severity
	Metadata        map[string]any
	OccurredAt      time.Time
}

// BuildSnapshotEvent constructs an activity event for a snapshot lifecycle
// verb such as "snapshot.updated".
func BuildSnapshotEvent(verb string, input SnapshotEventInput) Event {
	metadata := cloneMap(input.Metadata)
	set := func(key string, value any) {
		if metadata == nil {
			metadata = map[string]any{}
		}
		metadata[key] = value
	}
	if input.Store != "" {
		set("store", input.Store)
	}
	if input.Category != "" {
		set("category", input.Category)
	}
	if input.ParentID != "" {
		set("parent_id", input.ParentID)
	}
	if input.Version > 0 {
		set("version", input.Version)
	}
	if input.PreviousVersion > 0 {
		set("previous_version", input.PreviousVersion)
	}

	objectID := strings.TrimSpace(input.SnapshotID)
	if objectID == "" {
		objectID = strings.TrimSpace(input.Store)
	}
	if objectID == "" {
		objectID = ObjectTypeSnapshot
	}

	return Event{
		Verb:       verb,
		ActorID:    strings.TrimSpace(input.ActorID),
		UserID:     strings.TrimSpace(input.UserID),
		TenantID:   strings.TrimSpace(input.TenantID),
		ObjectType: ObjectTypeSnapshot,
		ObjectID:   objectID,
		Channel:    strings.TrimSpace(input.Channel),
		Severity:   input.Severity,
		Metadata:   metadata,
		OccurredAt: input.OccurredAt,
	}
}
