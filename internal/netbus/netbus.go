// Package netbus implements bus.MessageBus across processes. Broadcasts
// and roster change notices travel over NATS; the roster itself is kept in
// the Redis presence store, so a subscriber that missed a notice still
// converges on its next resync.
package netbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/whisper/rendezvous/internal/bus"
	"github.com/whisper/rendezvous/internal/messaging"
	"github.com/whisper/rendezvous/internal/presence"
)

// Compile-time interface check.
var _ bus.MessageBus = (*Bus)(nil)

const (
	// DefaultHeartbeat is how often an active handle refreshes its roster
	// entry and rereads the roster.
	DefaultHeartbeat = 5 * time.Second

	storeTimeout = 5 * time.Second
)

// Option configures a Bus.
type Option func(*Bus)

// WithEcho delivers broadcasts back to the sending handle too.
func WithEcho() Option {
	return func(b *Bus) { b.echo = true }
}

// WithTTL sets how long a roster entry survives without a heartbeat.
func WithTTL(ttl time.Duration) Option {
	return func(b *Bus) { b.ttl = ttl }
}

// WithHeartbeat sets the heartbeat and resync interval.
func WithHeartbeat(d time.Duration) Option {
	return func(b *Bus) { b.heartbeat = d }
}

// Bus hands out channel handles backed by NATS and Redis.
type Bus struct {
	nc        *messaging.Client
	store     *presence.Store
	echo      bool
	ttl       time.Duration
	heartbeat time.Duration
	logger    zerolog.Logger

	mu     sync.Mutex
	active map[*channel]struct{}
}

// New creates a Bus. A NATS disconnect moves every active handle to
// bus.StateErrored; owners re-subscribe with their own backoff.
func New(nc *messaging.Client, store *presence.Store, opts ...Option) *Bus {
	b := &Bus{
		nc:        nc,
		store:     store,
		ttl:       presence.DefaultTTL,
		heartbeat: DefaultHeartbeat,
		logger:    log.With().Str("component", "netbus").Logger(),
		active:    make(map[*channel]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	nc.OnConnectionChange(func(connected bool, err error) {
		if connected {
			return
		}
		if err == nil {
			err = errors.New("nats disconnected")
		}
		b.failAll(fmt.Errorf("%w: %v", bus.ErrSubscribeFailed, err))
	})
	return b
}

// Channel returns a new handle on the named channel.
func (b *Bus) Channel(name, presenceKey string) bus.Channel {
	return &channel{
		bus:    b,
		name:   name,
		key:    presenceKey,
		ref:    uuid.NewString(),
		state:  bus.StatePending,
		roster: bus.Roster{},
	}
}

// NotifyReaped tells subscribers of a channel that entries were removed by
// the cleanup loop. It fits presence.ReapFunc.
func (b *Bus) NotifyReaped(channel string, keys []string) {
	notice := messaging.PresenceNotice{Op: messaging.OpReaped, Keys: keys}
	if err := b.nc.PublishPresence(channel, notice); err != nil {
		b.logger.Warn().Err(err).Str("channel", channel).Msg("failed to publish reap notice")
	}
}

func (b *Bus) failAll(err error) {
	b.mu.Lock()
	chans := make([]*channel, 0, len(b.active))
	for c := range b.active {
		chans = append(chans, c)
	}
	b.mu.Unlock()

	for _, c := range chans {
		c.fail(err)
	}
}

func (b *Bus) register(c *channel) {
	b.mu.Lock()
	b.active[c] = struct{}{}
	b.mu.Unlock()
}

func (b *Bus) unregister(c *channel) {
	b.mu.Lock()
	delete(b.active, c)
	b.mu.Unlock()
}

type channel struct {
	bus       *Bus
	name      string
	key       string
	ref       string
	listeners bus.Listeners

	mu       sync.Mutex
	state    bus.State
	payload  bus.Payload
	roster   bus.Roster
	subs     []*nats.Subscription
	stop     chan struct{}
	done     chan struct{}
	resyncCh chan struct{}
}

func (c *channel) Name() string { return c.name }
func (c *channel) Key() string  { return c.key }

func (c *channel) OnPresence(fn func(bus.PresenceEvent)) { c.listeners.AddPresence(fn) }
func (c *channel) OnBroadcast(event string, fn func(bus.Payload)) {
	c.listeners.AddBroadcast(event, fn)
}
func (c *channel) OnState(fn func(bus.State, error)) { c.listeners.AddState(fn) }

func (c *channel) Subscribe(ctx context.Context, payload bus.Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case bus.StateClosed:
		return bus.ErrClosed
	case bus.StateActive:
		return nil
	}

	if err := c.subscribeLocked(ctx, payload); err != nil {
		c.teardownLocked()
		c.state = bus.StateErrored
		err = fmt.Errorf("%w: %s: %v", bus.ErrSubscribeFailed, c.name, err)
		c.listeners.EmitState(bus.StateErrored, err)
		return err
	}

	c.state = bus.StateActive
	c.bus.register(c)
	c.listeners.EmitState(bus.StateActive, nil)
	c.listeners.EmitPresence(bus.PresenceEvent{Kind: bus.PresenceSync})

	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	c.resyncCh = make(chan struct{}, 1)
	go c.run(c.stop, c.done, c.resyncCh)

	c.bus.logger.Debug().Str("channel", c.name).Str("key", c.key).Bool("tracked", payload != nil).Msg("subscribed")
	return nil
}

func (c *channel) subscribeLocked(ctx context.Context, payload bus.Payload) error {
	nc := c.bus.nc

	psub, err := nc.Subscribe(messaging.PresenceSubject(c.name), c.onNotice)
	if err != nil {
		return err
	}
	c.subs = append(c.subs, psub)

	bsub, err := nc.Subscribe(messaging.BroadcastSubject(c.name), c.onEnvelope)
	if err != nil {
		return err
	}
	c.subs = append(c.subs, bsub)

	c.payload = payload.Clone()
	if c.payload != nil {
		if err := c.bus.store.Track(ctx, c.name, c.key, c.ref, c.payload); err != nil {
			return err
		}
	}

	roster, err := c.bus.store.Snapshot(ctx, c.name, c.bus.ttl)
	if err != nil {
		return err
	}
	c.roster = roster

	if c.payload != nil {
		notice := messaging.PresenceNotice{Op: messaging.OpJoin, Key: c.key, Ref: c.ref}
		if err := nc.PublishPresence(c.name, notice); err != nil {
			return err
		}
	}
	return nil
}

// teardownLocked drops the NATS subscriptions and stops the run loop.
func (c *channel) teardownLocked() {
	for _, sub := range c.subs {
		if err := c.bus.nc.Unsubscribe(sub); err != nil {
			c.bus.logger.Debug().Err(err).Str("channel", c.name).Msg("unsubscribe failed")
		}
	}
	c.subs = nil
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
}

func (c *channel) Roster() bus.Roster {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(bus.Roster, len(c.roster))
	for k, v := range c.roster {
		payloads := make([]bus.Payload, len(v))
		for i, p := range v {
			payloads[i] = p.Clone()
		}
		out[k] = payloads
	}
	return out
}

func (c *channel) Send(ctx context.Context, event string, payload bus.Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	switch state {
	case bus.StateClosed:
		return bus.ErrClosed
	case bus.StateActive:
	default:
		return bus.ErrNotSubscribed
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("netbus: marshal %s payload: %w", event, err)
	}
	return c.bus.nc.PublishBroadcast(c.name, messaging.Envelope{Event: event, Ref: c.ref, Payload: data})
}

func (c *channel) Unsubscribe() error {
	c.mu.Lock()
	if c.state == bus.StateClosed {
		c.mu.Unlock()
		return nil
	}
	wasActive := c.state == bus.StateActive
	tracked := c.payload != nil
	c.teardownLocked()
	done := c.done
	c.state = bus.StateClosed
	c.mu.Unlock()

	if done != nil {
		<-done
	}
	c.bus.unregister(c)

	var err error
	if wasActive && tracked {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		err = c.bus.store.Untrack(ctx, c.name, c.key, c.ref)
		cancel()
		notice := messaging.PresenceNotice{Op: messaging.OpLeave, Key: c.key, Ref: c.ref}
		if perr := c.bus.nc.PublishPresence(c.name, notice); perr != nil && err == nil {
			err = perr
		}
	}

	c.listeners.EmitState(bus.StateClosed, nil)
	c.listeners.Close()
	return err
}

// fail moves an active handle to errored. The roster entry is left to
// expire; the owner's re-subscribe replaces it.
func (c *channel) fail(err error) {
	c.mu.Lock()
	if c.state != bus.StateActive {
		c.mu.Unlock()
		return
	}
	c.teardownLocked()
	c.state = bus.StateErrored
	c.mu.Unlock()

	c.bus.unregister(c)
	c.listeners.EmitState(bus.StateErrored, err)
}

func (c *channel) onNotice(data []byte) {
	var notice messaging.PresenceNotice
	if err := json.Unmarshal(data, &notice); err != nil {
		c.bus.logger.Debug().Err(err).Str("channel", c.name).Msg("invalid presence notice")
		return
	}
	if notice.Ref == c.ref {
		return
	}
	c.requestResync()
}

func (c *channel) onEnvelope(data []byte) {
	var env messaging.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.bus.logger.Debug().Err(err).Str("channel", c.name).Msg("invalid envelope")
		return
	}
	if env.Ref == c.ref && !c.bus.echo {
		return
	}
	if !c.listeners.Wants(env.Event) {
		return
	}
	var payload bus.Payload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		c.bus.logger.Debug().Err(err).Str("channel", c.name).Str("event", env.Event).Msg("invalid broadcast payload")
		return
	}
	c.listeners.EmitBroadcast(env.Event, payload)
}

func (c *channel) requestResync() {
	c.mu.Lock()
	ch := c.resyncCh
	c.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// run owns the store I/O of an active handle: heartbeats on a ticker and
// resyncs when a notice arrives or the ticker fires.
func (c *channel) run(stop <-chan struct{}, done chan<- struct{}, resync <-chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.bus.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-resync:
			c.resync()
		case <-ticker.C:
			c.beat()
			c.resync()
		}
	}
}

func (c *channel) beat() {
	c.mu.Lock()
	payload := c.payload
	c.mu.Unlock()
	if payload == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	err := c.bus.store.Heartbeat(ctx, c.name, c.key, c.ref)
	if errors.Is(err, presence.ErrNotTracked) {
		// Reaped during a stall: put the entry back and announce it.
		if err = c.bus.store.Track(ctx, c.name, c.key, c.ref, payload); err == nil {
			err = c.bus.nc.PublishPresence(c.name, messaging.PresenceNotice{Op: messaging.OpJoin, Key: c.key, Ref: c.ref})
		}
	}
	if err != nil {
		c.bus.logger.Warn().Err(err).Str("channel", c.name).Str("key", c.key).Msg("heartbeat failed")
	}
}

func (c *channel) resync() {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	next, err := c.bus.store.Snapshot(ctx, c.name, c.bus.ttl)
	if err != nil {
		c.bus.logger.Warn().Err(err).Str("channel", c.name).Msg("resync failed")
		return
	}

	c.mu.Lock()
	if c.state != bus.StateActive {
		c.mu.Unlock()
		return
	}
	prev := c.roster
	c.roster = next
	joined, left := bus.Diff(prev, next)
	c.mu.Unlock()

	if len(joined) == 0 && len(left) == 0 {
		return
	}
	for _, k := range joined {
		c.listeners.EmitPresence(bus.PresenceEvent{Kind: bus.PresenceJoin, Key: k, Payloads: next[k]})
	}
	for _, k := range left {
		c.listeners.EmitPresence(bus.PresenceEvent{Kind: bus.PresenceLeave, Key: k})
	}
	c.listeners.EmitPresence(bus.PresenceEvent{Kind: bus.PresenceSync})
}
