// Package session tracks the live roster of a chat session channel once a
// session id has been agreed. A Tracker publishes the participant's
// presence, derives the current partner from every roster snapshot, detects
// occupancy overflow, and relays chat events. Leaving the channel is the only
// reliable departure signal; leave notices are advisory.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/whisper/rendezvous/internal/backoff"
	"github.com/whisper/rendezvous/internal/bus"
	"github.com/whisper/rendezvous/internal/chat"
	"github.com/whisper/rendezvous/internal/clock"
	"github.com/whisper/rendezvous/internal/metrics"
	"github.com/whisper/rendezvous/internal/protocol"
)

// DefaultMaxOccupancy is the capacity of a pairwise session.
const DefaultMaxOccupancy = 2

var (
	// ErrOverflow is returned while the session holds more participants
	// than allowed. The session is invalid; the caller should leave.
	ErrOverflow = errors.New("session: occupancy exceeds maximum")

	// ErrLeft is returned after Leave.
	ErrLeft = errors.New("session: already left")
)

type options struct {
	maxOccupancy int
	clock        clock.Clock
	logger       zerolog.Logger
	reconnect    backoff.Policy
	logCapacity  int

	onPeer     []func(*protocol.SessionParticipant)
	onOverflow []OverflowFunc
	onMessage  []func(chat.Event)
	onConn     []func(bus.ConnectionState)
}

// OverflowFunc is told about an overflow onset. excess is true when the
// local participant is one of the entrants beyond capacity, ranked by
// presence time, and should abandon the session.
type OverflowFunc func(occupancy int, excess bool)

// Option configures a Tracker.
type Option func(*options)

// WithMaxOccupancy sets the roster size above which overflow is signaled.
func WithMaxOccupancy(n int) Option {
	return func(o *options) { o.maxOccupancy = n }
}

// WithClock injects the clock used for timestamps and reconnect delays.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the base logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithReconnect sets the resubscription policy.
func WithReconnect(p backoff.Policy) Option {
	return func(o *options) { o.reconnect = p }
}

// WithLogCapacity bounds the local chat view.
func WithLogCapacity(n int) Option {
	return func(o *options) { o.logCapacity = n }
}

// WithPeerChange registers fn before the first roster sync.
func WithPeerChange(fn func(*protocol.SessionParticipant)) Option {
	return func(o *options) { o.onPeer = append(o.onPeer, fn) }
}

// WithOverflow registers fn before the first roster sync.
func WithOverflow(fn OverflowFunc) Option {
	return func(o *options) { o.onOverflow = append(o.onOverflow, fn) }
}

// WithMessages registers fn before the first broadcast.
func WithMessages(fn func(chat.Event)) Option {
	return func(o *options) { o.onMessage = append(o.onMessage, fn) }
}

// WithConnectionState registers fn before subscribing.
func WithConnectionState(fn func(bus.ConnectionState)) Option {
	return func(o *options) { o.onConn = append(o.onConn, fn) }
}

// Tracker is a live handle on one session channel. Callbacks run on the
// tracker's event loop, one at a time, and must not block on the tracker.
type Tracker struct {
	sessionID string
	self      protocol.SessionParticipant
	max       int
	ch        bus.Channel
	clock     clock.Clock
	logger    zerolog.Logger
	log       *chat.Log
	rc        *backoff.Reconnector
	payload   bus.Payload

	events chan func()
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once

	cbMu       sync.Mutex
	onPeer     []func(*protocol.SessionParticipant)
	onOverflow []OverflowFunc
	onMessage  []func(chat.Event)
	onConn     []func(bus.ConnectionState)

	// Read by any goroutine, written by the loop.
	mu         sync.RWMutex
	partner    *protocol.SessionParticipant
	others     []protocol.SessionParticipant
	occupancy  int
	overflowed bool
	excess     bool
	conn       bus.ConnectionState
}

// Attach joins the session channel under self.ID and starts tracking it.
// A transient subscription failure does not fail Attach; the tracker keeps
// retrying with backoff and reports progress through connection state
// callbacks.
func Attach(ctx context.Context, b bus.MessageBus, sessionID string, self protocol.SessionParticipant, opts ...Option) (*Tracker, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("session: session id is required")
	}
	if self.ID == "" {
		return nil, fmt.Errorf("session: participant id is required")
	}

	o := options{
		maxOccupancy: DefaultMaxOccupancy,
		clock:        clock.Real(),
		logger:       log.Logger,
		reconnect:    backoff.DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxOccupancy < 2 {
		return nil, fmt.Errorf("session: max occupancy must be at least 2, got %d", o.maxOccupancy)
	}
	if self.PresenceSince == 0 {
		self.PresenceSince = o.clock.Now().UnixMilli()
	}
	payload, err := protocol.Encode(self)
	if err != nil {
		return nil, fmt.Errorf("session: encode presence: %w", err)
	}

	t := &Tracker{
		sessionID:  sessionID,
		self:       self,
		max:        o.maxOccupancy,
		ch:         b.Channel(sessionID, self.ID),
		clock:      o.clock,
		logger:     o.logger.With().Str("component", "session").Str("session_id", sessionID).Str("participant", self.ID).Logger(),
		log:        chat.NewLog(o.logCapacity),
		rc:         backoff.NewReconnector(o.reconnect, o.clock),
		payload:    payload,
		events:     make(chan func(), 64),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		onPeer:     o.onPeer,
		onOverflow: o.onOverflow,
		onMessage:  o.onMessage,
		onConn:     o.onConn,
	}

	t.ch.OnPresence(func(ev bus.PresenceEvent) {
		t.post(func() { t.onPresence(ev) })
	})
	t.ch.OnBroadcast(protocol.EventMessage, func(p bus.Payload) {
		t.post(func() { t.onBroadcast(p) })
	})
	t.ch.OnState(func(st bus.State, err error) {
		t.post(func() { t.onState(st, err) })
	})

	go t.run()
	metrics.ActiveSessions.Inc()

	if err := t.ch.Subscribe(ctx, payload); err != nil && !errors.Is(err, bus.ErrSubscribeFailed) {
		_ = t.Leave()
		return nil, fmt.Errorf("session: subscribe %s: %w", sessionID, err)
	}
	t.logger.Info().Int("max_occupancy", t.max).Msg("session attached")
	return t, nil
}

// SessionID returns the tracked session id.
func (t *Tracker) SessionID() string { return t.sessionID }

// Self returns the local participant.
func (t *Tracker) Self() protocol.SessionParticipant { return t.self }

// CurrentPartner returns the partner derived from the latest roster.
func (t *Tracker) CurrentPartner() (protocol.SessionParticipant, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.partner == nil {
		return protocol.SessionParticipant{}, false
	}
	return *t.partner, true
}

// Partners returns every other participant, ordered by presence time.
func (t *Tracker) Partners() []protocol.SessionParticipant {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]protocol.SessionParticipant, len(t.others))
	copy(out, t.others)
	return out
}

// Occupancy returns the roster size of the latest snapshot.
func (t *Tracker) Occupancy() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.occupancy
}

// Overflowed reports whether the session currently exceeds its capacity.
func (t *Tracker) Overflowed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.overflowed
}

// Excess reports whether the local participant entered the session after
// it was full, as of the latest overflow onset.
func (t *Tracker) Excess() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.overflowed && t.excess
}

// ConnectionState returns the last reported connection state.
func (t *Tracker) ConnectionState() bus.ConnectionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conn
}

// Messages returns the local chat view in display order.
func (t *Tracker) Messages() []chat.Event {
	return t.log.Events()
}

// OnPeerChange registers fn for partner changes; nil means absent.
func (t *Tracker) OnPeerChange(fn func(*protocol.SessionParticipant)) {
	t.cbMu.Lock()
	t.onPeer = append(t.onPeer, fn)
	t.cbMu.Unlock()
}

// OnOverflow registers fn for overflow onsets. If the session is already
// overflowed, fn is also called for the current onset. Registration runs on
// the event loop, so fn sees every onset exactly once.
func (t *Tracker) OnOverflow(fn OverflowFunc) {
	t.post(func() {
		t.cbMu.Lock()
		t.onOverflow = append(t.onOverflow, fn)
		t.cbMu.Unlock()

		t.mu.RLock()
		overflowed, occupancy, excess := t.overflowed, t.occupancy, t.excess
		t.mu.RUnlock()
		if overflowed {
			fn(occupancy, excess)
		}
	})
}

// OnMessage registers fn for new chat events, including the local
// participant's own messages.
func (t *Tracker) OnMessage(fn func(chat.Event)) {
	t.cbMu.Lock()
	t.onMessage = append(t.onMessage, fn)
	t.cbMu.Unlock()
}

// OnConnectionState registers fn for connection state changes.
func (t *Tracker) OnConnectionState(fn func(bus.ConnectionState)) {
	t.cbMu.Lock()
	t.onConn = append(t.onConn, fn)
	t.cbMu.Unlock()
}

// SendMessage validates content, appends it to the local view, and
// broadcasts it to the session.
func (t *Tracker) SendMessage(ctx context.Context, content string) (chat.Event, error) {
	if err := t.usable(); err != nil {
		return chat.Event{}, err
	}
	if err := chat.ValidateMessage(content); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return chat.Event{}, err
	}

	ev := chat.NewMessage(content, chat.Sender{Name: t.self.DisplayName, Affinity: t.self.Affinity}, t.clock.Now())
	payload, err := ev.Payload()
	if err != nil {
		return chat.Event{}, fmt.Errorf("session: encode message: %w", err)
	}

	t.call(func() { t.record(ev) })

	if err := t.ch.Send(ctx, protocol.EventMessage, payload); err != nil {
		return ev, fmt.Errorf("session: send message: %w", err)
	}
	metrics.MessagesTotal.WithLabelValues("sent").Inc()
	return ev, nil
}

// SendLeaveNotice broadcasts an advisory system event announcing that the
// local participant is leaving. Peers learn about the departure reliably
// only from the roster.
func (t *Tracker) SendLeaveNotice(ctx context.Context) error {
	select {
	case <-t.done:
		return ErrLeft
	default:
	}
	payload, err := chat.NewLeaveNotice(t.self.DisplayName, t.clock.Now()).Payload()
	if err != nil {
		return fmt.Errorf("session: encode leave notice: %w", err)
	}
	if err := t.ch.Send(ctx, protocol.EventMessage, payload); err != nil {
		return fmt.Errorf("session: send leave notice: %w", err)
	}
	return nil
}

// Leave removes the participant from the session roster and stops the
// tracker. It is idempotent.
func (t *Tracker) Leave() error {
	var err error
	t.once.Do(func() {
		close(t.quit)
		<-t.done
		err = t.ch.Unsubscribe()
		metrics.ActiveSessions.Dec()
		t.logger.Info().Msg("session left")
	})
	return err
}

func (t *Tracker) usable() error {
	select {
	case <-t.done:
		return ErrLeft
	default:
	}
	if t.Overflowed() {
		return ErrOverflow
	}
	return nil
}

func (t *Tracker) post(fn func()) {
	select {
	case t.events <- fn:
	case <-t.done:
	}
}

// call runs fn on the event loop and waits for it.
func (t *Tracker) call(fn func()) {
	ran := make(chan struct{})
	t.post(func() {
		fn()
		close(ran)
	})
	select {
	case <-ran:
	case <-t.done:
	}
}

func (t *Tracker) run() {
	defer close(t.done)
	for {
		select {
		case <-t.quit:
			t.rc.Stop()
			return
		case fn := <-t.events:
			fn()
		}
	}
}

func (t *Tracker) onPresence(bus.PresenceEvent) {
	t.recompute()
}

// recompute derives partner and overflow state from a full roster
// snapshot. Each call replaces the previous view entirely.
func (t *Tracker) recompute() {
	roster := t.ch.Roster()
	size := roster.Len()

	if size > t.max {
		t.mu.Lock()
		t.occupancy = size
		onset := !t.overflowed
		t.overflowed = true
		if onset {
			t.excess = t.entryRank(roster) >= t.max
		}
		excess := t.excess
		t.mu.Unlock()

		if onset {
			metrics.SessionOverflows.Inc()
			t.logger.Warn().Int("occupancy", size).Int("max", t.max).Bool("excess", excess).Msg("session overflow")
			for _, fn := range t.overflowCallbacks() {
				fn(size, excess)
			}
		}
		return
	}

	others := t.participants(roster, false)

	var partner *protocol.SessionParticipant
	if len(others) > 0 {
		p := others[0]
		partner = &p
	}

	t.mu.Lock()
	t.occupancy = size
	t.overflowed = false
	t.excess = false
	t.others = others
	changed := !samePartner(t.partner, partner)
	t.partner = partner
	t.mu.Unlock()

	if !changed {
		return
	}
	if partner == nil {
		t.logger.Info().Msg("partner absent")
	} else {
		t.logger.Info().Str("partner", partner.ID).Msg("partner present")
	}
	t.cbMu.Lock()
	fns := append([]func(*protocol.SessionParticipant){}, t.onPeer...)
	t.cbMu.Unlock()
	for _, fn := range fns {
		if partner == nil {
			fn(nil)
			continue
		}
		p := *partner
		fn(&p)
	}
}

func (t *Tracker) overflowCallbacks() []OverflowFunc {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	return append([]OverflowFunc{}, t.onOverflow...)
}

// participants decodes the roster ordered by presence time, then id.
func (t *Tracker) participants(roster bus.Roster, withSelf bool) []protocol.SessionParticipant {
	out := make([]protocol.SessionParticipant, 0, roster.Len())
	for _, key := range roster.Keys() {
		if key == t.self.ID {
			if withSelf {
				out = append(out, t.self)
			}
			continue
		}
		p, _ := roster.First(key)
		sp, err := protocol.DecodeSession(key, p)
		if err != nil {
			// Still a participant, just without a readable profile.
			sp = protocol.SessionParticipant{ID: key}
		}
		out = append(out, sp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].PresenceSince != out[j].PresenceSince {
			return out[i].PresenceSince < out[j].PresenceSince
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// entryRank returns the local participant's position in entry order. Every
// member computes the same order from the same roster.
func (t *Tracker) entryRank(roster bus.Roster) int {
	for i, p := range t.participants(roster, true) {
		if p.ID == t.self.ID {
			return i
		}
	}
	return 0
}

func samePartner(a, b *protocol.SessionParticipant) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (t *Tracker) onBroadcast(p bus.Payload) {
	ev, err := chat.FromPayload(p)
	if err != nil {
		t.logger.Debug().Err(err).Msg("dropping malformed chat event")
		return
	}
	if !t.record(ev) {
		metrics.MessagesTotal.WithLabelValues("duplicate").Inc()
		return
	}
	metrics.MessagesTotal.WithLabelValues("received").Inc()
}

// record appends ev to the local view and notifies listeners if it is new.
func (t *Tracker) record(ev chat.Event) bool {
	if !t.log.Append(ev) {
		return false
	}
	t.cbMu.Lock()
	fns := append([]func(chat.Event){}, t.onMessage...)
	t.cbMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
	return true
}

func (t *Tracker) onState(st bus.State, err error) {
	switch st {
	case bus.StateActive:
		if t.rc.Attempts() > 0 {
			metrics.BusReconnects.WithLabelValues("recovered").Inc()
			t.logger.Info().Int("attempts", t.rc.Attempts()).Msg("session channel recovered")
		}
		t.rc.Success()
		t.setConn(bus.Connected)

	case bus.StateErrored:
		delay, ok := t.rc.Failure(func() { t.post(t.resubscribe) })
		if !ok {
			metrics.BusReconnects.WithLabelValues("exhausted").Inc()
			t.logger.Error().Err(err).Msg("session channel failed")
			t.setConn(bus.Failed)
			return
		}
		metrics.BusReconnects.WithLabelValues("retry").Inc()
		t.logger.Warn().Err(err).Dur("retry_in", delay).Int("attempt", t.rc.Attempts()).Msg("session channel degraded")
		t.setConn(bus.Degraded)
	}
}

func (t *Tracker) resubscribe() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := t.ch.Subscribe(ctx, t.payload); err != nil && !errors.Is(err, bus.ErrSubscribeFailed) {
		t.logger.Warn().Err(err).Msg("resubscribe aborted")
	}
}

func (t *Tracker) setConn(cs bus.ConnectionState) {
	t.mu.Lock()
	changed := t.conn != cs
	t.conn = cs
	t.mu.Unlock()
	if !changed {
		return
	}
	t.cbMu.Lock()
	fns := append([]func(bus.ConnectionState){}, t.onConn...)
	t.cbMu.Unlock()
	for _, fn := range fns {
		fn(cs)
	}
}
