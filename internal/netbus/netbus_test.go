package netbus

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/rendezvous/internal/bus"
	"github.com/whisper/rendezvous/internal/messaging"
	"github.com/whisper/rendezvous/internal/presence"
)

// newTestBus needs NATS on localhost:4222 and Redis on localhost:6379
// (DB 15 is flushed).
func newTestBus(t *testing.T, opts ...Option) *Bus {
	t.Helper()
	ctx := context.Background()

	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	rdb.FlushDB(ctx)

	cfg := messaging.DefaultConfig()
	cfg.MaxReconnects = 0
	nc, err := messaging.Connect(cfg)
	if err != nil {
		rdb.Close()
		t.Skipf("nats not available: %v", err)
	}
	t.Cleanup(func() {
		nc.Close()
		rdb.FlushDB(ctx)
		rdb.Close()
	})

	opts = append([]Option{WithHeartbeat(200 * time.Millisecond)}, opts...)
	return New(nc, presence.NewStore(rdb), opts...)
}

func TestPresenceConverges(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	a := b.Channel("netbus-room", "alice")
	joins := make(chan string, 4)
	a.OnPresence(func(ev bus.PresenceEvent) {
		if ev.Kind == bus.PresenceJoin {
			joins <- ev.Key
		}
	})
	require.NoError(t, a.Subscribe(ctx, bus.Payload{"display_name": "Alice"}))
	defer a.Unsubscribe()
	assert.Equal(t, []string{"alice"}, a.Roster().Keys())

	c := b.Channel("netbus-room", "bob")
	require.NoError(t, c.Subscribe(ctx, bus.Payload{"display_name": "Bob"}))

	select {
	case key := <-joins:
		assert.Equal(t, "bob", key)
	case <-time.After(2 * time.Second):
		t.Fatal("alice never saw bob join")
	}
	p, ok := a.Roster().First("bob")
	require.True(t, ok)
	assert.Equal(t, "Bob", p["display_name"])

	require.NoError(t, c.Unsubscribe())
	require.Eventually(t, func() bool { return !a.Roster().Has("bob") }, 2*time.Second, 10*time.Millisecond)
}

func TestObserverIsNotListed(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	obs := b.Channel("netbus-watch", "monitor-1")
	require.NoError(t, obs.Subscribe(ctx, nil))
	defer obs.Unsubscribe()

	p := b.Channel("netbus-watch", "alice")
	require.NoError(t, p.Subscribe(ctx, bus.Payload{}))
	defer p.Unsubscribe()

	require.Eventually(t, func() bool { return obs.Roster().Has("alice") }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, obs.Roster().Has("monitor-1"))
	assert.False(t, p.Roster().Has("monitor-1"))
}

func TestBroadcastSkipsSenderUnlessEcho(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	a := b.Channel("netbus-chat", "alice")
	c := b.Channel("netbus-chat", "bob")

	own := make(chan bus.Payload, 1)
	got := make(chan bus.Payload, 1)
	a.OnBroadcast("message", func(p bus.Payload) { own <- p })
	c.OnBroadcast("message", func(p bus.Payload) { got <- p })
	require.NoError(t, a.Subscribe(ctx, bus.Payload{}))
	require.NoError(t, c.Subscribe(ctx, bus.Payload{}))
	defer a.Unsubscribe()
	defer c.Unsubscribe()

	require.NoError(t, a.Send(ctx, "message", bus.Payload{"content": "hi"}))

	select {
	case p := <-got:
		assert.Equal(t, "hi", p["content"])
	case <-time.After(2 * time.Second):
		t.Fatal("bob did not receive the broadcast")
	}
	select {
	case <-own:
		t.Fatal("sender received its own broadcast")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSendRequiresActiveChannel(t *testing.T) {
	b := newTestBus(t)
	ctx := context.Background()

	ch := b.Channel("netbus-idle", "alice")
	assert.ErrorIs(t, ch.Send(ctx, "message", bus.Payload{}), bus.ErrNotSubscribed)

	require.NoError(t, ch.Subscribe(ctx, bus.Payload{}))
	require.NoError(t, ch.Unsubscribe())
	require.NoError(t, ch.Unsubscribe())
	assert.ErrorIs(t, ch.Send(ctx, "message", bus.Payload{}), bus.ErrClosed)
	assert.ErrorIs(t, ch.Subscribe(ctx, bus.Payload{}), bus.ErrClosed)
}

func TestReapedEntryDisappears(t *testing.T) {
	b := newTestBus(t, WithTTL(time.Second))
	ctx := context.Background()

	a := b.Channel("netbus-reap", "alice")
	require.NoError(t, a.Subscribe(ctx, bus.Payload{}))
	defer a.Unsubscribe()

	// A crashed participant: tracked once, never heartbeated.
	require.NoError(t, b.store.Track(ctx, "netbus-reap", "ghost", "dead-ref", bus.Payload{}))
	b.NotifyReaped("netbus-reap", nil)
	require.Eventually(t, func() bool { return a.Roster().Has("ghost") }, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool { return !a.Roster().Has("ghost") }, 3*time.Second, 50*time.Millisecond,
		"stale entries drop out of snapshots after the ttl")
}
