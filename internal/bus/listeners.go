package bus

import "sync"

// Listeners holds the callbacks registered on one channel handle and
// delivers events to them in emission order on a dedicated goroutine, so
// an implementation never runs subscriber code while holding its own locks.
// The zero value is ready to use.
type Listeners struct {
	mu        sync.Mutex
	presence  []func(PresenceEvent)
	broadcast map[string][]func(Payload)
	state     []func(State, error)

	box  mailbox
	once sync.Once
}

func (l *Listeners) AddPresence(fn func(PresenceEvent)) {
	l.mu.Lock()
	l.presence = append(l.presence, fn)
	l.mu.Unlock()
}

func (l *Listeners) AddBroadcast(event string, fn func(Payload)) {
	l.mu.Lock()
	if l.broadcast == nil {
		l.broadcast = make(map[string][]func(Payload))
	}
	l.broadcast[event] = append(l.broadcast[event], fn)
	l.mu.Unlock()
}

func (l *Listeners) AddState(fn func(State, error)) {
	l.mu.Lock()
	l.state = append(l.state, fn)
	l.mu.Unlock()
}

// Wants reports whether anyone listens for the broadcast event.
func (l *Listeners) Wants(event string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.broadcast[event]) > 0
}

func (l *Listeners) EmitPresence(ev PresenceEvent) {
	l.post(func() {
		l.mu.Lock()
		fns := append([]func(PresenceEvent){}, l.presence...)
		l.mu.Unlock()
		for _, fn := range fns {
			fn(ev)
		}
	})
}

func (l *Listeners) EmitBroadcast(event string, payload Payload) {
	l.post(func() {
		l.mu.Lock()
		fns := append([]func(Payload){}, l.broadcast[event]...)
		l.mu.Unlock()
		for _, fn := range fns {
			fn(payload.Clone())
		}
	})
}

func (l *Listeners) EmitState(s State, err error) {
	l.post(func() {
		l.mu.Lock()
		fns := append([]func(State, error){}, l.state...)
		l.mu.Unlock()
		for _, fn := range fns {
			fn(s, err)
		}
	})
}

// Close delivers everything already queued, then stops the delivery
// goroutine. Events emitted after Close are dropped.
func (l *Listeners) Close() {
	l.box.close()
}

func (l *Listeners) post(fn func()) {
	l.once.Do(func() {
		l.box.init()
		go l.box.run()
	})
	l.box.post(fn)
}

// mailbox is an unbounded FIFO of deliveries drained by one goroutine.
type mailbox struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	closed bool
}

func (m *mailbox) init() {
	m.mu.Lock()
	if m.wake == nil {
		m.wake = make(chan struct{}, 1)
	}
	m.mu.Unlock()
}

func (m *mailbox) post(fn func()) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, fn)
	m.mu.Unlock()
	m.signal()
}

func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.signal()
}

func (m *mailbox) signal() {
	m.mu.Lock()
	wake := m.wake
	m.mu.Unlock()
	if wake == nil {
		return
	}
	select {
	case wake <- struct{}{}:
	default:
	}
}

func (m *mailbox) run() {
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			if m.closed {
				m.mu.Unlock()
				return
			}
			m.mu.Unlock()
			<-m.wake
			continue
		}
		fn := m.queue[0]
		m.queue[0] = nil
		m.queue = m.queue[1:]
		m.mu.Unlock()
		fn()
	}
}
