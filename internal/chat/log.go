package chat

import (
	"sort"
	"sync"
)

// MaxLogEvents is the number of events a Log retains.
const MaxLogEvents = 500

// Log is the local view of a session's chat. Events are deduplicated by
// id, so a sender's own broadcast echo and redelivered broadcasts appear
// once. It is goroutine-safe.
type Log struct {
	mu       sync.RWMutex
	capacity int
	seen     map[string]struct{}
	ids      []string // seen ids, oldest first
	events   []Event  // receipt order
}

// NewLog creates a Log holding at most capacity events. A non-positive
// capacity selects MaxLogEvents.
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = MaxLogEvents
	}
	return &Log{
		capacity: capacity,
		seen:     make(map[string]struct{}),
	}
}

// Append records e and reports whether it was new. When the log is full
// the oldest received event is dropped. Its id stays known until twice the
// capacity of newer ids has been seen, so a late duplicate is still
// rejected.
func (l *Log) Append(e Event) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, dup := l.seen[e.ID]; dup {
		return false
	}
	l.seen[e.ID] = struct{}{}
	l.ids = append(l.ids, e.ID)
	if len(l.ids) > 2*l.capacity {
		delete(l.seen, l.ids[0])
		l.ids[0] = ""
		l.ids = l.ids[1:]
	}
	l.events = append(l.events, e)
	if len(l.events) > l.capacity {
		l.events[0] = Event{}
		l.events = l.events[1:]
	}
	return true
}

// Events returns the retained events in display order: by CreatedAt, with
// receipt order breaking ties.
func (l *Log) Events() []Event {
	l.mu.RLock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	l.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt < out[j].CreatedAt
	})
	return out
}

// Len returns the number of retained events.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}
