// ABOUTME: Change events emitted by the conversation gateway after successful operations
// ABOUTME: Publishers deliver them to live subscribers and to the external notification bus

package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType names what changed.
type EventType string

const (
	EventThreadUpdated     EventType = "thread_updated"
	EventMessageDelivered  EventType = "message_delivered"
	EventMessageRead       EventType = "message_read"
	EventTypingChanged     EventType = "typing_changed"
	EventAttachmentScanned EventType = "attachment_scanned"
	EventModerationChanged EventType = "moderation_changed"
)

// Event is a notification about a thread. Events are hints: receivers
// re-read state through the gateway rather than trusting the payload.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	ThreadID  string         `json:"thread_id"`
	MessageID string         `json:"message_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	At        time.Time      `json:"at"`
}

// NewEvent builds an event stamped with a fresh ID and the current time.
func NewEvent(typ EventType, threadID string) *Event {
	return &Event{
		ID:       uuid.New().String(),
		Type:     typ,
		ThreadID: threadID,
		At:       time.Now().UTC(),
	}
}

// Publisher delivers events. Implementations must not block the caller
// for long; delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, ev *Event) error
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, *Event) error { return nil }
