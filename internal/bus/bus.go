// Package bus defines the capability contract of the shared publish/subscribe
// medium the rendezvous protocol runs on. A channel offers two primitives:
// presence (a live roster of who holds a slot on the channel, each entry
// carrying a payload) and broadcast (fire-and-forget fan-out to current
// subscribers). Delivery is at-least-once and unordered across publishers.
//
// Two implementations exist: Memory (in-process, used by tests and the
// single-process demo) and netbus (NATS + Redis).
package bus

import (
	"context"
	"errors"
)

var (
	// ErrNotSubscribed is returned when sending on a channel that is not active.
	ErrNotSubscribed = errors.New("bus: channel not subscribed")

	// ErrClosed is returned when using a channel after Unsubscribe.
	ErrClosed = errors.New("bus: channel closed")

	// ErrSubscribeFailed is returned when the medium rejects or times out a
	// subscription attempt. It is transient; callers retry with backoff.
	ErrSubscribeFailed = errors.New("bus: subscribe failed")

	// ErrConnectionFailed is surfaced once the reconnect budget is spent.
	ErrConnectionFailed = errors.New("bus: connection failed")
)

// Payload is the JSON-serializable mapping carried by presence entries and
// broadcasts.
type Payload map[string]any

// Clone returns a shallow copy of p.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// PresenceKind discriminates presence notifications.
type PresenceKind string

const (
	PresenceSync  PresenceKind = "sync"
	PresenceJoin  PresenceKind = "join"
	PresenceLeave PresenceKind = "leave"
)

// PresenceEvent is delivered to presence listeners. Sync carries no key;
// listeners re-read Channel.Roster for the full snapshot.
type PresenceEvent struct {
	Kind     PresenceKind
	Key      string
	Payloads []Payload
}

// State is the subscription lifecycle: pending -> active -> errored|closed.
// An errored channel may be subscribed again; a closed one may not.
type State int

const (
	StatePending State = iota
	StateActive
	StateErrored
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateErrored:
		return "errored"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnectionState is the outward view reported to the presentation layer.
type ConnectionState string

const (
	Connected ConnectionState = "connected"
	Degraded  ConnectionState = "degraded"
	Failed    ConnectionState = "failed"
)

// Channel is one named topic as seen by one subscriber. Register listeners
// before calling Subscribe so the initial sync is not missed. Listeners run
// on a goroutine owned by the implementation, one event at a time.
type Channel interface {
	Name() string
	Key() string

	OnPresence(fn func(PresenceEvent))
	OnBroadcast(event string, fn func(Payload))
	OnState(fn func(State, error))

	// Subscribe joins the channel. A non-nil payload also tracks presence
	// under Key(); a nil payload observes the roster without appearing in it.
	Subscribe(ctx context.Context, payload Payload) error

	// Roster returns the current presence snapshot.
	Roster() Roster

	// Send broadcasts payload under the event name to current subscribers.
	Send(ctx context.Context, event string, payload Payload) error

	// Unsubscribe leaves the channel and removes the presence entry. It is
	// idempotent.
	Unsubscribe() error
}

// MessageBus hands out channel handles.
type MessageBus interface {
	Channel(name, presenceKey string) Channel
}
