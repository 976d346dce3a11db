package activity

import (
	"strings"
	"time"
)

// Severity classifies user-facing notifications.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

func (s Severity) normalize() Severity {
	switch Severity(strings.ToLower(strings.TrimSpace(string(s)))) {
	case SeveritySuccess:
		return SeveritySuccess
	case SeverityWarning:
		return SeverityWarning
	case SeverityError:
		return SeverityError
	default:
		return SeverityInfo
	}
}

// Position is a display hint for banners. The store never interprets it.
type Position string

const (
	PositionTopRight     Position = "top-right"
	PositionTopLeft      Position = "top-left"
	PositionBottomRight  Position = "bottom-right"
	PositionBottomLeft   Position = "bottom-left"
	PositionTopCenter    Position = "top-center"
	PositionBottomCenter Position = "bottom-center"
)

// Notification is a fire-and-forget message for a messaging subsystem.
type Notification struct {
	ID        string
	Title     string
	Body      string
	Timestamp time.Time
	Severity  Severity
	Position  Position
}

// Event maps the notification onto an activity event.
func (n Notification) Event() Event {
	severity := n.Severity.normalize()
	metadata := map[string]any{"title": n.Title}
	if n.Body != "" {
		metadata["body"] = n.Body
	}
	if n.Position != "" {
		metadata["position"] = string(n.Position)
	}
	objectID := strings.TrimSpace(n.ID)
	if objectID == "" {
		objectID = "notification"
	}
	return Event{
		Verb:       "notification." + string(severity),
		ObjectType: "notification",
		ObjectID:   objectID,
		Severity:   severity,
		Metadata:   metadata,
		OccurredAt: n.Timestamp,
	}
}
