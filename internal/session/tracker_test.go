package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/rendezvous/internal/bus"
	"github.com/whisper/rendezvous/internal/chat"
	"github.com/whisper/rendezvous/internal/clock"
	"github.com/whisper/rendezvous/internal/protocol"
)

const sid = "chat-1700000000000-abcdefghi"

func attach(t *testing.T, b bus.MessageBus, id string, opts ...Option) *Tracker {
	t.Helper()
	opts = append([]Option{WithLogger(zerolog.Nop())}, opts...)
	tr, err := Attach(context.Background(), b, sid, protocol.SessionParticipant{
		ID:          id,
		DisplayName: id,
		Affinity:    "csu",
	}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Leave() })
	return tr
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, time.Second, time.Millisecond, msg)
}

func TestPartnerJoinAndLeave(t *testing.T) {
	m := bus.NewMemory()

	var mu sync.Mutex
	var seen []string
	a := attach(t, m, "alice", WithPeerChange(func(p *protocol.SessionParticipant) {
		mu.Lock()
		defer mu.Unlock()
		if p == nil {
			seen = append(seen, "")
		} else {
			seen = append(seen, p.ID)
		}
	}))
	_, ok := a.CurrentPartner()
	assert.False(t, ok)

	b := attach(t, m, "bob")
	eventually(t, func() bool { _, ok := a.CurrentPartner(); return ok }, "alice sees bob")
	p, _ := a.CurrentPartner()
	assert.Equal(t, "bob", p.ID)
	assert.Equal(t, "bob", p.DisplayName)
	assert.Equal(t, 2, a.Occupancy())

	eventually(t, func() bool { p, ok := b.CurrentPartner(); return ok && p.ID == "alice" }, "bob sees alice")

	require.NoError(t, b.Leave())
	eventually(t, func() bool { _, ok := a.CurrentPartner(); return !ok }, "alice infers bob left")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"bob", ""}, seen)
}

func TestPeerLeftWithoutNotice(t *testing.T) {
	m := bus.NewMemory()
	a := attach(t, m, "alice")

	// A crashed peer: its entry appears and expires without any broadcast.
	m.Inject(sid, "ghost", bus.Payload{"display_name": "Ghost", "presence_since": float64(1)})
	eventually(t, func() bool { p, ok := a.CurrentPartner(); return ok && p.ID == "ghost" }, "ghost present")

	m.Evict(sid, "ghost")
	eventually(t, func() bool { _, ok := a.CurrentPartner(); return !ok }, "ghost gone")
	assert.Empty(t, a.Messages())
}

func TestThirdEntrantOverflows(t *testing.T) {
	m := bus.NewMemory()
	attach(t, m, "alice")
	attach(t, m, "bob")

	var fired atomic.Int32
	c := attach(t, m, "carol", WithOverflow(func(n int, excess bool) {
		assert.Equal(t, 3, n)
		assert.True(t, excess, "carol entered last")
		fired.Add(1)
	}))

	eventually(t, func() bool { return fired.Load() == 1 }, "overflow fires for the third entrant")
	assert.True(t, c.Overflowed())

	_, err := c.SendMessage(context.Background(), "hello")
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestOverflowFiresOncePerOnset(t *testing.T) {
	m := bus.NewMemory()

	var fired atomic.Int32
	a := attach(t, m, "alice", WithOverflow(func(int, bool) { fired.Add(1) }))
	attach(t, m, "bob")
	eventually(t, func() bool { return a.Occupancy() == 2 }, "pair formed")

	m.Inject(sid, "ghost1", bus.Payload{})
	eventually(t, func() bool { return a.Overflowed() }, "first onset")

	m.Inject(sid, "ghost2", bus.Payload{})
	eventually(t, func() bool { return a.Occupancy() == 4 }, "still overflowed")
	assert.Equal(t, int32(1), fired.Load(), "no refire while overflowed")

	m.Evict(sid, "ghost1")
	m.Evict(sid, "ghost2")
	eventually(t, func() bool { return !a.Overflowed() && a.Occupancy() == 2 }, "recovered")
	p, ok := a.CurrentPartner()
	require.True(t, ok)
	assert.Equal(t, "bob", p.ID)

	m.Inject(sid, "ghost3", bus.Payload{})
	eventually(t, func() bool { return fired.Load() == 2 }, "second onset")
}

func TestOnOverflowReplaysCurrentOnset(t *testing.T) {
	m := bus.NewMemory()
	a := attach(t, m, "alice")
	attach(t, m, "bob")
	m.Inject(sid, "ghost", bus.Payload{})
	eventually(t, a.Overflowed, "overflowed")

	got := make(chan int, 1)
	a.OnOverflow(func(n int, _ bool) { got <- n })
	select {
	case n := <-got:
		assert.Equal(t, 3, n)
	case <-time.After(time.Second):
		t.Fatal("late overflow listener was not told about the current onset")
	}
}

func TestOnOverflowQueuedOnsetFiresOnce(t *testing.T) {
	m := bus.NewMemory()
	a := attach(t, m, "alice")
	attach(t, m, "bob")
	eventually(t, func() bool { return a.Occupancy() == 2 }, "pair formed")

	hold := make(chan struct{})
	a.post(func() { <-hold })
	m.Inject(sid, "ghost1", bus.Payload{})
	m.Inject(sid, "ghost2", bus.Payload{})

	var fired atomic.Int32
	a.OnOverflow(func(int, bool) { fired.Add(1) })
	close(hold)

	eventually(t, a.Overflowed, "overflowed")
	a.call(func() {})
	assert.Equal(t, int32(1), fired.Load())
}

func TestExcessFollowsEntryOrder(t *testing.T) {
	m := bus.NewMemory()
	a := attach(t, m, "alice")
	b := attach(t, m, "bob")
	eventually(t, func() bool { return a.Occupancy() == 2 && b.Occupancy() == 2 }, "pair formed")

	// An entry older than both makes bob, the later of the pair, the excess.
	m.Inject(sid, "early", bus.Payload{"display_name": "Early", "presence_since": float64(1)})
	eventually(t, func() bool { return a.Overflowed() && b.Overflowed() }, "overflowed")

	aliceSince, bobSince := a.Self().PresenceSince, b.Self().PresenceSince
	if aliceSince == bobSince {
		assert.False(t, a.Excess())
		assert.True(t, b.Excess(), "ties break by id")
	} else {
		assert.Equal(t, aliceSince > bobSince, a.Excess())
		assert.Equal(t, bobSince > aliceSince, b.Excess())
	}

	m.Evict(sid, "early")
	eventually(t, func() bool { return !a.Overflowed() }, "recovered")
	assert.False(t, a.Excess())
}

func TestOwnEchoDeduplicated(t *testing.T) {
	m := bus.NewMemory(bus.WithEcho())
	a := attach(t, m, "alice")
	b := attach(t, m, "bob")

	var own atomic.Int32
	a.OnMessage(func(ev chat.Event) {
		if ev.Sender.Name == "alice" {
			own.Add(1)
		}
	})

	sent, err := a.SendMessage(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, chat.KindMessage, sent.Kind)

	// The local copy is visible before any delivery.
	require.Len(t, a.Messages(), 1)

	eventually(t, func() bool { return len(b.Messages()) == 1 }, "bob receives")
	_, err = b.SendMessage(context.Background(), "hey")
	require.NoError(t, err)

	// alice's echo was queued before bob's reply.
	eventually(t, func() bool { return len(a.Messages()) == 2 }, "alice receives reply")
	msgs := a.Messages()
	assert.Equal(t, sent.ID, msgs[0].ID)
	assert.Equal(t, "hey", msgs[1].Content)
	assert.Equal(t, int32(1), own.Load())
}

func TestLeaveNoticeIsAdvisory(t *testing.T) {
	m := bus.NewMemory()
	a := attach(t, m, "alice")
	b := attach(t, m, "bob")
	eventually(t, func() bool { _, ok := b.CurrentPartner(); return ok }, "paired")

	require.NoError(t, a.SendLeaveNotice(context.Background()))
	eventually(t, func() bool { return len(b.Messages()) == 1 }, "notice delivered")

	notice := b.Messages()[0]
	assert.Equal(t, chat.KindSystem, notice.Kind)
	assert.Equal(t, "alice has left the chat", notice.Content)
	assert.Equal(t, chat.SystemSender, notice.Sender.Name)

	// The notice alone does not clear the partner.
	_, ok := b.CurrentPartner()
	assert.True(t, ok)

	require.NoError(t, a.Leave())
	eventually(t, func() bool { _, ok := b.CurrentPartner(); return !ok }, "roster is authoritative")

	assert.ErrorIs(t, a.SendLeaveNotice(context.Background()), ErrLeft)
	_, err := a.SendMessage(context.Background(), "still here?")
	assert.ErrorIs(t, err, ErrLeft)
	assert.NoError(t, a.Leave(), "Leave is idempotent")
}

func TestSendMessageValidates(t *testing.T) {
	m := bus.NewMemory()
	a := attach(t, m, "alice")

	_, err := a.SendMessage(context.Background(), "   ")
	assert.ErrorIs(t, err, chat.ErrEmptyMessage)
	assert.Empty(t, a.Messages())
}

func TestAttachValidates(t *testing.T) {
	m := bus.NewMemory()
	_, err := Attach(context.Background(), m, "", protocol.SessionParticipant{ID: "a"})
	assert.Error(t, err)
	_, err = Attach(context.Background(), m, sid, protocol.SessionParticipant{})
	assert.Error(t, err)
	_, err = Attach(context.Background(), m, sid, protocol.SessionParticipant{ID: "a"}, WithMaxOccupancy(1))
	assert.Error(t, err)
}

func TestReconnectAfterChannelError(t *testing.T) {
	m := bus.NewMemory()
	clk := clock.Fake(time.Unix(1700000000, 0))

	states := make(chan bus.ConnectionState, 8)
	a := attach(t, m, "alice", WithClock(clk), WithConnectionState(func(cs bus.ConnectionState) { states <- cs }))
	assert.Equal(t, bus.Connected, <-states)

	m.Fail(sid)
	assert.Equal(t, bus.Degraded, <-states)
	assert.Equal(t, 0, m.Occupancy(sid))

	clk.WaitForTimers(1)
	clk.Advance(2 * time.Second)
	assert.Equal(t, bus.Connected, <-states)
	eventually(t, func() bool { return m.Occupancy(sid) == 1 }, "presence restored")
	assert.Equal(t, bus.Connected, a.ConnectionState())
}

func TestReconnectBudgetExhausted(t *testing.T) {
	m := bus.NewMemory()
	clk := clock.Fake(time.Unix(1700000000, 0))

	a := attach(t, m, "alice", WithClock(clk))
	eventually(t, func() bool { return a.ConnectionState() == bus.Connected }, "connected")

	m.FailSubscribes(sid, 10)
	m.Fail(sid)
	for _, delay := range []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second} {
		clk.WaitForTimers(1)
		clk.Advance(delay)
	}
	eventually(t, func() bool { return a.ConnectionState() == bus.Failed }, "gives up after the budget")
}
