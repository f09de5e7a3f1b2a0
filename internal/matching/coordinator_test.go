package matching

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/rendezvous/internal/bus"
	"github.com/whisper/rendezvous/internal/clock"
	"github.com/whisper/rendezvous/internal/protocol"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type outcome struct {
	sessionID string
	err       error
}

type harness struct {
	t     *testing.T
	clk   *clock.FakeClock
	bus   *bus.Memory
	coord *Coordinator

	mu        sync.Mutex
	proposals []protocol.MatchProposal
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		t:   t,
		clk: clock.Fake(epoch),
		bus: bus.NewMemory(),
	}
	opts = append([]Option{WithClock(h.clk), WithLogger(zerolog.Nop())}, opts...)
	h.coord = NewCoordinator(h.bus, opts...)

	// An observer records every proposal broadcast on the waiting channel.
	observer := h.bus.Channel(protocol.WaitingChannel, protocol.MonitorKeyPrefix+"test")
	observer.OnBroadcast(protocol.EventMatchFound, func(p bus.Payload) {
		var prop protocol.MatchProposal
		if protocol.Decode(p, &prop) == nil {
			h.mu.Lock()
			h.proposals = append(h.proposals, prop)
			h.mu.Unlock()
		}
	})
	require.NoError(t, observer.Subscribe(context.Background(), nil))
	t.Cleanup(func() { _ = observer.Unsubscribe() })
	return h
}

func (h *harness) start(ctx context.Context, id, affinity string) <-chan outcome {
	out := make(chan outcome, 1)
	go func() {
		sid, err := h.coord.RequestMatch(ctx, protocol.WaitingParticipant{
			ID:          id,
			DisplayName: id,
			Affinity:    affinity,
		})
		out <- outcome{sid, err}
	}()
	return out
}

// pump advances the fake clock in small steps until stop is closed, so
// timers fire while asynchronous bus deliveries keep up.
func (h *harness) pump(stop <-chan struct{}) {
	go func() {
		for {
			select {
			case <-stop:
				return
			case <-time.After(5 * time.Millisecond):
				h.clk.Advance(100 * time.Millisecond)
			}
		}
	}()
}

func (h *harness) proposalsBy(id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, p := range h.proposals {
		if p.ProposerID == id {
			n++
		}
	}
	return n
}

func (h *harness) waitProposalBy(id string) {
	h.t.Helper()
	require.Eventually(h.t, func() bool { return h.proposalsBy(id) > 0 }, time.Second, time.Millisecond)
}

func (h *harness) send(from string, prop protocol.MatchProposal) {
	h.t.Helper()
	ch := h.bus.Channel(protocol.WaitingChannel, protocol.MonitorKeyPrefix+from)
	require.NoError(h.t, ch.Subscribe(context.Background(), nil))
	payload, err := protocol.Encode(prop)
	require.NoError(h.t, err)
	require.NoError(h.t, ch.Send(context.Background(), protocol.EventMatchFound, payload))
	_ = ch.Unsubscribe()
}

func wait(t *testing.T, ch <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("RequestMatch did not return")
		return outcome{}
	}
}

func TestSameAffinityPairConverges(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a := h.start(ctx, "alice", "csu")
	b := h.start(ctx, "bob", "csu")

	// Timeout and settle timers of both searches.
	h.clk.WaitForTimers(4)

	stop := make(chan struct{})
	defer close(stop)
	h.pump(stop)

	ra, rb := wait(t, a), wait(t, b)
	require.NoError(t, ra.err)
	require.NoError(t, rb.err)
	assert.Equal(t, ra.sessionID, rb.sessionID)
	assert.Regexp(t, `^chat-\d+-[0-9a-z]{9}$`, ra.sessionID)

	assert.LessOrEqual(t, h.proposalsBy("alice"), 1)
	assert.LessOrEqual(t, h.proposalsBy("bob"), 1)

	require.Eventually(t, func() bool {
		return h.bus.Occupancy(protocol.WaitingChannel) == 0
	}, 2*time.Second, 5*time.Millisecond, "both sides leave after lingering")
}

func TestLoneParticipantTimesOut(t *testing.T) {
	h := newHarness(t)
	res := h.start(context.Background(), "alice", "csu")

	h.clk.WaitForTimers(2)
	h.clk.Advance(DefaultTimeout - time.Second)

	select {
	case o := <-res:
		t.Fatalf("resolved before the timeout: %+v", o)
	case <-time.After(50 * time.Millisecond):
	}

	h.clk.Advance(time.Second)
	o := wait(t, res)
	assert.ErrorIs(t, o.err, ErrNoMatchFound)
	assert.Empty(t, o.sessionID)
	assert.Equal(t, 0, h.bus.Occupancy(protocol.WaitingChannel))
	assert.Equal(t, 0, h.proposalsBy("alice"))
}

func TestReceiverAcceptsOnce(t *testing.T) {
	h := newHarness(t)
	res := h.start(context.Background(), "carol", "csu")
	h.clk.WaitForTimers(2)

	first := protocol.MatchProposal{SessionID: "chat-1-first", ParticipantIDs: []string{"xavier", "carol"}, ProposerID: "xavier"}
	second := protocol.MatchProposal{SessionID: "chat-2-second", ParticipantIDs: []string{"yolanda", "carol"}, ProposerID: "yolanda"}

	h.send("xavier", first)
	o := wait(t, res)
	require.NoError(t, o.err)
	assert.Equal(t, first.SessionID, o.sessionID)

	h.send("yolanda", second)

	stop := make(chan struct{})
	defer close(stop)
	h.pump(stop)
	require.Eventually(t, func() bool {
		return h.bus.Occupancy(protocol.WaitingChannel) == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.proposalsBy("carol"))
}

func TestProposalsForOthersIgnored(t *testing.T) {
	h := newHarness(t)
	res := h.start(context.Background(), "carol", "csu")
	h.clk.WaitForTimers(2)

	h.send("xavier", protocol.MatchProposal{SessionID: "chat-1-other", ParticipantIDs: []string{"xavier", "yolanda"}, ProposerID: "xavier"})
	h.send("xavier", protocol.MatchProposal{SessionID: "chat-1-bad", ParticipantIDs: []string{"carol"}, ProposerID: "xavier"})

	h.clk.Advance(DefaultTimeout)
	o := wait(t, res)
	assert.ErrorIs(t, o.err, ErrNoMatchFound)
}

func TestProposerAdoptsLowerConcurrentProposal(t *testing.T) {
	h := newHarness(t, WithSessionIDs(func(time.Time) string { return "chat-0-ownbbbbbb" }))
	h.bus.Inject(protocol.WaitingChannel, "amy", bus.Payload{"display_name": "Amy", "affinity": "csu", "join_time": float64(1)})

	res := h.start(context.Background(), "bob", "csu")
	h.clk.WaitForTimers(2)
	h.clk.Advance(DefaultSettle)
	h.waitProposalBy("bob")

	h.send("amy", protocol.MatchProposal{SessionID: "chat-0-amyaaaaaa", ParticipantIDs: []string{"amy", "bob"}, ProposerID: "amy"})
	time.Sleep(50 * time.Millisecond)

	h.clk.Advance(DefaultLinger)
	o := wait(t, res)
	require.NoError(t, o.err)
	assert.Equal(t, "chat-0-amyaaaaaa", o.sessionID)
	assert.Equal(t, 1, h.proposalsBy("bob"))
}

func TestProposerKeepsOwnAgainstHigherProposer(t *testing.T) {
	h := newHarness(t, WithSessionIDs(func(time.Time) string { return "chat-0-ownaaaaaa" }))
	h.bus.Inject(protocol.WaitingChannel, "zoe", bus.Payload{"display_name": "Zoe", "affinity": "csu", "join_time": float64(1)})

	res := h.start(context.Background(), "amy", "csu")
	h.clk.WaitForTimers(2)
	h.clk.Advance(DefaultSettle)
	h.waitProposalBy("amy")

	h.send("zoe", protocol.MatchProposal{SessionID: "chat-0-zoezzzzzz", ParticipantIDs: []string{"zoe", "amy"}, ProposerID: "zoe"})
	// A third party naming amy is ignored once amy has proposed.
	h.send("abe", protocol.MatchProposal{SessionID: "chat-0-abeeeeeee", ParticipantIDs: []string{"abe", "amy"}, ProposerID: "abe"})
	time.Sleep(50 * time.Millisecond)

	h.clk.Advance(DefaultLinger)
	o := wait(t, res)
	require.NoError(t, o.err)
	assert.Equal(t, "chat-0-ownaaaaaa", o.sessionID)
}

func TestTimeoutAfterProposalIsIgnored(t *testing.T) {
	h := newHarness(t, WithConfig(Config{
		Timeout:   2 * time.Second,
		Settle:    time.Second,
		Linger:    5 * time.Second,
		Reconnect: DefaultConfig().Reconnect,
	}))
	h.bus.Inject(protocol.WaitingChannel, "amy", bus.Payload{"display_name": "Amy", "affinity": "csu"})

	res := h.start(context.Background(), "bob", "csu")
	h.clk.WaitForTimers(2)
	h.clk.Advance(time.Second)
	h.waitProposalBy("bob")

	// Past the search timeout but inside the linger window.
	h.clk.Advance(2 * time.Second)
	select {
	case o := <-res:
		t.Fatalf("resolved during linger: %+v", o)
	case <-time.After(50 * time.Millisecond):
	}

	h.clk.Advance(5 * time.Second)
	o := wait(t, res)
	require.NoError(t, o.err)
	assert.NotEmpty(t, o.sessionID)
}

// flakySendBus fails the next failures broadcasts on any of its channels;
// a negative count fails all of them.
type flakySendBus struct {
	*bus.Memory

	mu       sync.Mutex
	failures int
}

var errSendFailed = errors.New("send failed")

func (f *flakySendBus) Channel(name, presenceKey string) bus.Channel {
	return &flakySendChannel{Channel: f.Memory.Channel(name, presenceKey), bus: f}
}

type flakySendChannel struct {
	bus.Channel
	bus *flakySendBus
}

func (c *flakySendChannel) Send(ctx context.Context, event string, payload bus.Payload) error {
	c.bus.mu.Lock()
	fail := c.bus.failures != 0
	if c.bus.failures > 0 {
		c.bus.failures--
	}
	c.bus.mu.Unlock()
	if fail {
		return errSendFailed
	}
	return c.Channel.Send(ctx, event, payload)
}

func (h *harness) startOn(b bus.MessageBus, id string) <-chan outcome {
	coord := NewCoordinator(b, WithClock(h.clk), WithLogger(zerolog.Nop()))
	out := make(chan outcome, 1)
	go func() {
		sid, err := coord.RequestMatch(context.Background(), protocol.WaitingParticipant{ID: id, DisplayName: id, Affinity: "csu"})
		out <- outcome{sid, err}
	}()
	return out
}

func TestUnsentProposalIsNotAMatch(t *testing.T) {
	h := newHarness(t)
	h.bus.Inject(protocol.WaitingChannel, "bob", bus.Payload{"display_name": "Bob", "affinity": "csu", "join_time": float64(1)})

	res := h.startOn(&flakySendBus{Memory: h.bus, failures: -1}, "zed")
	h.clk.WaitForTimers(2)
	h.clk.Advance(DefaultSettle)
	time.Sleep(50 * time.Millisecond)

	h.clk.Advance(DefaultLinger)
	select {
	case o := <-res:
		t.Fatalf("resolved without a delivered proposal: %+v", o)
	case <-time.After(50 * time.Millisecond):
	}

	h.clk.Advance(DefaultTimeout - DefaultSettle - DefaultLinger)
	o := wait(t, res)
	assert.ErrorIs(t, o.err, ErrNoMatchFound)
	assert.Empty(t, o.sessionID)
	assert.Equal(t, 0, h.proposalsBy("zed"))
}

func TestSearchContinuesAfterSendFailure(t *testing.T) {
	h := newHarness(t)
	h.bus.Inject(protocol.WaitingChannel, "bob", bus.Payload{"display_name": "Bob", "affinity": "csu", "join_time": float64(1)})

	res := h.startOn(&flakySendBus{Memory: h.bus, failures: 1}, "zed")
	h.clk.WaitForTimers(2)
	h.clk.Advance(DefaultSettle)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, h.proposalsBy("zed"))

	// The next roster change retries the proposal.
	h.bus.Inject(protocol.WaitingChannel, "cat", bus.Payload{"display_name": "Cat", "affinity": "csu", "join_time": float64(2)})
	h.waitProposalBy("zed")
	time.Sleep(50 * time.Millisecond)

	h.clk.Advance(DefaultLinger)
	o := wait(t, res)
	require.NoError(t, o.err)
	assert.NotEmpty(t, o.sessionID)
	assert.Equal(t, 1, h.proposalsBy("zed"))
}

func TestAcceptedMatchOutranksCancellation(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 20; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		s := newSearch(ctx, h.coord, protocol.WaitingParticipant{ID: "alice"})
		s.result <- searchResult{sessionID: "chat-1-accepted"}
		close(s.done)
		cancel()

		sid, err := h.coord.await(ctx, s, epoch)
		require.NoError(t, err)
		assert.Equal(t, "chat-1-accepted", sid)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := newSearch(ctx, h.coord, protocol.WaitingParticipant{ID: "alice"})
	close(s.done)
	cancel()
	_, err := h.coord.await(ctx, s, epoch)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCancelLeavesSynchronously(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	res := h.start(ctx, "alice", "csu")
	h.clk.WaitForTimers(2)
	require.Equal(t, 1, h.bus.Occupancy(protocol.WaitingChannel))

	cancel()
	o := wait(t, res)
	assert.ErrorIs(t, o.err, context.Canceled)
	assert.Equal(t, 0, h.bus.Occupancy(protocol.WaitingChannel))

	// A proposal arriving after cancellation has no effect.
	h.send("xavier", protocol.MatchProposal{SessionID: "chat-1-late", ParticipantIDs: []string{"xavier", "alice"}, ProposerID: "xavier"})
	assert.Equal(t, 0, h.proposalsBy("alice"))
}

func TestReconnectAfterSubscribeFailure(t *testing.T) {
	var (
		mu     sync.Mutex
		states []bus.ConnectionState
	)
	h := newHarness(t, WithConnectionState(func(cs bus.ConnectionState) {
		mu.Lock()
		states = append(states, cs)
		mu.Unlock()
	}))
	h.bus.FailSubscribes(protocol.WaitingChannel, 1)

	res := h.start(context.Background(), "alice", "csu")

	stop := make(chan struct{})
	defer close(stop)
	h.pump(stop)

	require.Eventually(t, func() bool {
		return h.bus.Occupancy(protocol.WaitingChannel) == 1
	}, 2*time.Second, time.Millisecond)

	o := wait(t, res)
	assert.ErrorIs(t, o.err, ErrNoMatchFound)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(states), 2)
	assert.Equal(t, bus.Degraded, states[0])
	assert.Equal(t, bus.Connected, states[1])
}

func TestReconnectBudgetExhausted(t *testing.T) {
	h := newHarness(t)
	h.bus.FailSubscribes(protocol.WaitingChannel, 10)

	res := h.start(context.Background(), "alice", "csu")

	stop := make(chan struct{})
	defer close(stop)
	h.pump(stop)

	o := wait(t, res)
	require.Error(t, o.err)
	assert.True(t, errors.Is(o.err, bus.ErrConnectionFailed))
	assert.Equal(t, 0, h.bus.Occupancy(protocol.WaitingChannel))
}

func TestRequestMatchRequiresID(t *testing.T) {
	h := newHarness(t)
	_, err := h.coord.RequestMatch(context.Background(), protocol.WaitingParticipant{})
	assert.Error(t, err)
}
