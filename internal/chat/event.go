package chat

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/rendezvous/internal/bus"
	"github.com/whisper/rendezvous/internal/protocol"
)

// Event kinds.
const (
	KindMessage = "message"
	KindSystem  = "system"
)

// SystemSender is the sender name of system events.
const SystemSender = "System"

// Sender identifies the author of an event.
type Sender struct {
	Name     string `json:"name"`
	Affinity string `json:"affinity,omitempty"`
}

// Event is the broadcast payload published on a session channel under the
// "message" event.
type Event struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Sender    Sender `json:"sender"`
	CreatedAt int64  `json:"created_at"` // unix ms
	Kind      string `json:"kind"`       // "message" or "system"
}

// NewMessage builds a chat message from sender with a fresh id.
func NewMessage(content string, sender Sender, now time.Time) Event {
	return Event{
		ID:        uuid.NewString(),
		Content:   content,
		Sender:    sender,
		CreatedAt: now.UnixMilli(),
		Kind:      KindMessage,
	}
}

// NewLeaveNotice builds the advisory system event announcing that name
// left the session.
func NewLeaveNotice(name string, now time.Time) Event {
	return Event{
		ID:        uuid.NewString(),
		Content:   fmt.Sprintf("%s has left the chat", name),
		Sender:    Sender{Name: SystemSender},
		CreatedAt: now.UnixMilli(),
		Kind:      KindSystem,
	}
}

// Payload encodes the event for the bus.
func (e Event) Payload() (bus.Payload, error) {
	return protocol.Encode(e)
}

// FromPayload decodes a received broadcast. Events without an id cannot
// be deduplicated and are rejected.
func FromPayload(p bus.Payload) (Event, error) {
	var e Event
	if err := protocol.Decode(p, &e); err != nil {
		return Event{}, err
	}
	if e.ID == "" {
		return Event{}, fmt.Errorf("chat: event without id")
	}
	if e.Kind == "" {
		e.Kind = KindMessage
	}
	return e, nil
}
