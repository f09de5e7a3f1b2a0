package bus

import (
	"context"
	"fmt"
	"sync"
)

// Compile-time interface check.
var _ MessageBus = (*Memory)(nil)

// Memory is an in-process MessageBus. Every channel handle gets its own
// ordered, asynchronous delivery queue, so subscribers observe events the
// way they would on a network medium: later than the publisher acted, and
// possibly interleaved with their own activity.
//
// Memory also offers fault injection for tests: failed subscriptions,
// dropped connections, and ghost roster entries left behind by crashed
// participants.
type Memory struct {
	mu          sync.Mutex
	echo        bool
	topics      map[string]*memTopic
	failPending map[string]int
}

type memTopic struct {
	members map[*memChannel]struct{}
	ghosts  map[string]Payload
}

// MemoryOption configures a Memory bus.
type MemoryOption func(*Memory)

// WithEcho makes broadcasts loop back to the sending handle too.
func WithEcho() MemoryOption {
	return func(m *Memory) { m.echo = true }
}

// NewMemory creates an empty in-process bus.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		topics:      make(map[string]*memTopic),
		failPending: make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Channel returns a new handle on the named channel.
func (m *Memory) Channel(name, presenceKey string) Channel {
	return &memChannel{bus: m, name: name, key: presenceKey, state: StatePending}
}

// FailSubscribes makes the next n Subscribe calls on the channel fail.
func (m *Memory) FailSubscribes(name string, n int) {
	m.mu.Lock()
	m.failPending[name] += n
	m.mu.Unlock()
}

// Fail drops every active subscriber of the channel as if the connection
// had timed out: their presence disappears and each handle moves to
// StateErrored.
func (m *Memory) Fail(name string) {
	m.mu.Lock()
	t := m.topics[name]
	if t == nil {
		m.mu.Unlock()
		return
	}
	var dropped []*memChannel
	for ch := range t.members {
		dropped = append(dropped, ch)
	}
	for _, ch := range dropped {
		m.removeLocked(t, ch)
		ch.state = StateErrored
	}
	m.mu.Unlock()

	for _, ch := range dropped {
		ch.listeners.EmitState(StateErrored, fmt.Errorf("%w: %s timed out", ErrSubscribeFailed, name))
	}
}

// Inject adds a roster entry that belongs to no live handle, like a stale
// entry from a crashed participant that has not expired yet.
func (m *Memory) Inject(name, key string, payload Payload) {
	m.mu.Lock()
	t := m.topicLocked(name)
	t.ghosts[key] = payload.Clone()
	m.notifyLocked(t, nil, PresenceEvent{Kind: PresenceJoin, Key: key, Payloads: []Payload{payload.Clone()}})
	m.mu.Unlock()
}

// Evict removes an injected entry.
func (m *Memory) Evict(name, key string) {
	m.mu.Lock()
	t := m.topicLocked(name)
	if _, ok := t.ghosts[key]; ok {
		delete(t.ghosts, key)
		m.notifyLocked(t, nil, PresenceEvent{Kind: PresenceLeave, Key: key})
	}
	m.mu.Unlock()
}

// Occupancy returns the number of distinct keys on the channel.
func (m *Memory) Occupancy(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.topics[name]
	if t == nil {
		return 0
	}
	return m.rosterLocked(t).Len()
}

func (m *Memory) topicLocked(name string) *memTopic {
	t := m.topics[name]
	if t == nil {
		t = &memTopic{
			members: make(map[*memChannel]struct{}),
			ghosts:  make(map[string]Payload),
		}
		m.topics[name] = t
	}
	return t
}

func (m *Memory) rosterLocked(t *memTopic) Roster {
	r := make(Roster)
	for key, p := range t.ghosts {
		r[key] = append(r[key], p.Clone())
	}
	for ch := range t.members {
		if ch.payload != nil {
			r[ch.key] = append(r[ch.key], ch.payload.Clone())
		}
	}
	return r
}

// notifyLocked queues ev followed by a sync for every member except skip.
func (m *Memory) notifyLocked(t *memTopic, skip *memChannel, ev PresenceEvent) {
	for ch := range t.members {
		if ch == skip {
			continue
		}
		ch.listeners.EmitPresence(ev)
		ch.listeners.EmitPresence(PresenceEvent{Kind: PresenceSync})
	}
}

func (m *Memory) removeLocked(t *memTopic, ch *memChannel) {
	if _, ok := t.members[ch]; !ok {
		return
	}
	delete(t.members, ch)
	if ch.payload != nil {
		m.notifyLocked(t, ch, PresenceEvent{Kind: PresenceLeave, Key: ch.key})
	}
}

type memChannel struct {
	bus       *Memory
	name      string
	key       string
	listeners Listeners

	// guarded by bus.mu
	state   State
	payload Payload
}

func (c *memChannel) Name() string { return c.name }
func (c *memChannel) Key() string  { return c.key }

func (c *memChannel) OnPresence(fn func(PresenceEvent))          { c.listeners.AddPresence(fn) }
func (c *memChannel) OnBroadcast(event string, fn func(Payload)) { c.listeners.AddBroadcast(event, fn) }
func (c *memChannel) OnState(fn func(State, error))              { c.listeners.AddState(fn) }

func (c *memChannel) Subscribe(ctx context.Context, payload Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m := c.bus
	m.mu.Lock()
	switch c.state {
	case StateClosed:
		m.mu.Unlock()
		return ErrClosed
	case StateActive:
		m.mu.Unlock()
		return nil
	}

	if m.failPending[c.name] > 0 {
		m.failPending[c.name]--
		c.state = StateErrored
		m.mu.Unlock()
		err := fmt.Errorf("%w: %s", ErrSubscribeFailed, c.name)
		c.listeners.EmitState(StateErrored, err)
		return err
	}

	t := m.topicLocked(c.name)
	c.payload = payload.Clone()
	c.state = StateActive
	t.members[c] = struct{}{}

	c.listeners.EmitState(StateActive, nil)
	c.listeners.EmitPresence(PresenceEvent{Kind: PresenceSync})
	if c.payload != nil {
		m.notifyLocked(t, c, PresenceEvent{Kind: PresenceJoin, Key: c.key, Payloads: []Payload{c.payload.Clone()}})
	}
	m.mu.Unlock()
	return nil
}

func (c *memChannel) Roster() Roster {
	m := c.bus
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.topics[c.name]
	if t == nil {
		return Roster{}
	}
	return m.rosterLocked(t)
}

func (c *memChannel) Send(ctx context.Context, event string, payload Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m := c.bus
	m.mu.Lock()
	defer m.mu.Unlock()

	if c.state == StateClosed {
		return ErrClosed
	}
	if c.state != StateActive {
		return ErrNotSubscribed
	}
	for ch := range m.topics[c.name].members {
		if ch == c && !m.echo {
			continue
		}
		ch.listeners.EmitBroadcast(event, payload.Clone())
	}
	return nil
}

func (c *memChannel) Unsubscribe() error {
	m := c.bus
	m.mu.Lock()
	if c.state == StateClosed {
		m.mu.Unlock()
		return nil
	}
	if t := m.topics[c.name]; t != nil {
		m.removeLocked(t, c)
	}
	c.state = StateClosed
	m.mu.Unlock()

	c.listeners.EmitState(StateClosed, nil)
	c.listeners.Close()
	return nil
}
