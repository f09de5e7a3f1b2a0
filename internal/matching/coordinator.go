// Package matching pairs waiting participants without a central matcher.
// Every participant runs its own Coordinator against the shared waiting
// channel: it publishes its presence, waits for the roster to settle, picks
// the best candidate and broadcasts a proposal naming both sides. A
// participant named in someone else's proposal accepts it. Roster
// convergence, not message order, is the ground truth the protocol acts on.
package matching

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/whisper/rendezvous/internal/backoff"
	"github.com/whisper/rendezvous/internal/bus"
	"github.com/whisper/rendezvous/internal/clock"
	"github.com/whisper/rendezvous/internal/metrics"
	"github.com/whisper/rendezvous/internal/protocol"
)

// ErrNoMatchFound is returned when the search timed out without an accepted
// proposal. The caller may start a new search.
var ErrNoMatchFound = errors.New("matching: no match found")

// Default protocol timings.
const (
	DefaultTimeout = 30 * time.Second
	DefaultSettle  = 1 * time.Second
	DefaultLinger  = 1 * time.Second
)

// Config holds the protocol timings of a Coordinator.
type Config struct {
	// Timeout bounds a search that has neither proposed nor accepted.
	Timeout time.Duration
	// Settle delays the first matching decision after subscribing.
	Settle time.Duration
	// Linger keeps the waiting channel open after resolving so the peer
	// can still receive the proposal.
	Linger time.Duration
	// Reconnect governs resubscription after channel errors.
	Reconnect backoff.Policy
}

// DefaultConfig returns the default timings.
func DefaultConfig() Config {
	return Config{
		Timeout:   DefaultTimeout,
		Settle:    DefaultSettle,
		Linger:    DefaultLinger,
		Reconnect: backoff.DefaultPolicy(),
	}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithConfig replaces the protocol timings.
func WithConfig(cfg Config) Option {
	return func(c *Coordinator) { c.cfg = cfg }
}

// WithClock injects the clock driving all timers.
func WithClock(clk clock.Clock) Option {
	return func(c *Coordinator) { c.clock = clk }
}

// WithLogger sets the base logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithSessionIDs replaces the session id generator.
func WithSessionIDs(fn func(time.Time) string) Option {
	return func(c *Coordinator) { c.newID = fn }
}

// WithConnectionState registers a callback for connection state changes of
// the waiting channel. It runs on the search's event loop.
func WithConnectionState(fn func(bus.ConnectionState)) Option {
	return func(c *Coordinator) { c.onConn = fn }
}

// Coordinator runs match searches for participants. It holds no per-search
// state and may run any number of searches concurrently.
type Coordinator struct {
	bus    bus.MessageBus
	cfg    Config
	clock  clock.Clock
	logger zerolog.Logger
	newID  func(time.Time) string
	onConn func(bus.ConnectionState)
}

// NewCoordinator creates a Coordinator on the given bus.
func NewCoordinator(b bus.MessageBus, opts ...Option) *Coordinator {
	c := &Coordinator{
		bus:    b,
		cfg:    DefaultConfig(),
		clock:  clock.Real(),
		logger: log.Logger,
		newID:  NewSessionID,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("component", "matcher").Logger()
	return c
}

// RequestMatch searches for a partner for self and returns the agreed
// session id. It returns ErrNoMatchFound after the configured timeout, a
// wrapped bus.ErrConnectionFailed when the waiting channel could not be
// recovered, or ctx.Err() when ctx is cancelled. Cancellation leaves the
// waiting channel before RequestMatch returns.
//
// A participant that receives a proposal returns at once and leaves the
// waiting channel after the linger period in the background. A proposer
// returns after its linger period, during which a concurrent proposal from
// its own candidate may still replace its session id.
func (c *Coordinator) RequestMatch(ctx context.Context, self protocol.WaitingParticipant) (string, error) {
	if self.ID == "" {
		return "", fmt.Errorf("matching: participant id is required")
	}
	started := c.clock.Now()
	if self.JoinTime == 0 {
		self.JoinTime = started.UnixMilli()
	}

	s := newSearch(ctx, c, self)
	go s.run()
	return c.await(ctx, s, started)
}

// await returns the outcome of s, or ctx.Err() once s has stopped after a
// cancellation.
func (c *Coordinator) await(ctx context.Context, s *search, started time.Time) (string, error) {
	select {
	case r := <-s.result:
		outcome := metrics.OutcomeMatched
		switch {
		case errors.Is(r.err, ErrNoMatchFound):
			outcome = metrics.OutcomeNoMatch
		case r.err != nil:
			outcome = metrics.OutcomeFailed
		default:
			metrics.MatchDuration.Observe(c.clock.Now().Sub(started).Seconds())
		}
		metrics.MatchOutcomes.WithLabelValues(outcome).Inc()
		return r.sessionID, r.err
	case <-ctx.Done():
		<-s.done
		// An accepted proposal outranks a cancellation that raced it.
		select {
		case r := <-s.result:
			if r.err == nil {
				metrics.MatchOutcomes.WithLabelValues(metrics.OutcomeMatched).Inc()
				return r.sessionID, nil
			}
		default:
		}
		metrics.MatchOutcomes.WithLabelValues(metrics.OutcomeCancelled).Inc()
		return "", ctx.Err()
	}
}

// phase is the local state of one search.
type phase int

const (
	// phaseWaiting: no proposal sent or accepted yet.
	phaseWaiting phase = iota
	// phaseProposed: own proposal sent; lingering, may adopt once.
	phaseProposed
	// phaseAccepted: committed to a session id; lingering.
	phaseAccepted
)

type searchResult struct {
	sessionID string
	err       error
}

// search is one RequestMatch call. All fields below the channel handle are
// owned by the run goroutine.
type search struct {
	ctx    context.Context
	cfg    Config
	clock  clock.Clock
	logger zerolog.Logger
	newID  func(time.Time) string
	onConn func(bus.ConnectionState)
	self   protocol.WaitingParticipant
	ch     bus.Channel

	events chan func()
	result chan searchResult
	done   chan struct{}

	phase      phase
	settled    bool
	subscribed bool
	adopted    bool
	resolved   bool
	exited     bool
	proposal   protocol.MatchProposal
	rc         *backoff.Reconnector

	timeout *clock.Timer
	settle  *clock.Timer
	linger  *clock.Timer
}

func newSearch(ctx context.Context, c *Coordinator, self protocol.WaitingParticipant) *search {
	s := &search{
		ctx:    ctx,
		cfg:    c.cfg,
		clock:  c.clock,
		logger: c.logger.With().Str("participant", self.ID).Logger(),
		newID:  c.newID,
		onConn: c.onConn,
		self:   self,
		ch:     c.bus.Channel(protocol.WaitingChannel, self.ID),
		events: make(chan func(), 64),
		result: make(chan searchResult, 1),
		done:   make(chan struct{}),
		rc:     backoff.NewReconnector(c.cfg.Reconnect, c.clock),
	}

	s.ch.OnPresence(func(ev bus.PresenceEvent) {
		s.post(func() { s.onPresence(ev) })
	})
	s.ch.OnBroadcast(protocol.EventMatchFound, func(p bus.Payload) {
		s.post(func() { s.onProposal(p) })
	})
	s.ch.OnState(func(st bus.State, err error) {
		s.post(func() { s.onState(st, err) })
	})
	return s
}

// post hands fn to the event loop. Events arriving after the loop exited
// are dropped.
func (s *search) post(fn func()) {
	select {
	case s.events <- fn:
	case <-s.done:
	}
}

func (s *search) run() {
	defer close(s.done)

	s.timeout = s.clock.AfterFunc(s.cfg.Timeout, func() { s.post(s.onTimeout) })
	s.subscribe()

	for !s.exited {
		select {
		case <-s.ctx.Done():
			s.logger.Debug().Msg("search cancelled")
			s.exit()
		case fn := <-s.events:
			fn()
		}
	}
}

func (s *search) subscribe() {
	if s.exited {
		return
	}
	payload, err := protocol.Encode(s.self)
	if err != nil {
		s.finish("", fmt.Errorf("matching: encode presence: %w", err))
		return
	}
	// Transient failures arrive as StateErrored and are retried there.
	if err := s.ch.Subscribe(s.ctx, payload); err != nil && !errors.Is(err, bus.ErrSubscribeFailed) {
		s.logger.Debug().Err(err).Msg("subscribe aborted")
	}
}

func (s *search) onState(st bus.State, err error) {
	switch st {
	case bus.StateActive:
		if s.rc.Attempts() > 0 {
			metrics.BusReconnects.WithLabelValues("recovered").Inc()
			s.logger.Info().Int("attempts", s.rc.Attempts()).Msg("waiting channel recovered")
		}
		s.rc.Success()
		s.setConn(bus.Connected)
		if !s.subscribed {
			s.subscribed = true
			s.settle = s.clock.AfterFunc(s.cfg.Settle, func() { s.post(s.onSettled) })
		}

	case bus.StateErrored:
		if s.phase != phaseWaiting || s.exited {
			return
		}
		delay, ok := s.rc.Failure(func() { s.post(s.subscribe) })
		if !ok {
			metrics.BusReconnects.WithLabelValues("exhausted").Inc()
			s.logger.Error().Err(err).Msg("waiting channel failed")
			s.setConn(bus.Failed)
			s.finish("", fmt.Errorf("matching: waiting channel: %w", bus.ErrConnectionFailed))
			return
		}
		metrics.BusReconnects.WithLabelValues("retry").Inc()
		s.logger.Warn().Err(err).Dur("retry_in", delay).Int("attempt", s.rc.Attempts()).Msg("waiting channel degraded")
		s.setConn(bus.Degraded)
	}
}

func (s *search) setConn(cs bus.ConnectionState) {
	if s.onConn != nil {
		s.onConn(cs)
	}
}

func (s *search) onSettled() {
	s.settled = true
	s.evaluate()
}

func (s *search) onPresence(ev bus.PresenceEvent) {
	if ev.Kind == bus.PresenceSync || ev.Kind == bus.PresenceJoin {
		s.evaluate()
	}
}

// evaluate proposes to the best candidate once the roster has settled.
// Only one proposal is ever delivered per search. A proposal that could not
// be sent leaves the search waiting, so a later roster change retries it or
// the timeout ends the search.
func (s *search) evaluate() {
	if s.phase != phaseWaiting || !s.settled || s.exited {
		return
	}
	cand, ok := SelectCandidate(s.self, s.ch.Roster())
	if !ok {
		return
	}

	proposal := protocol.MatchProposal{
		SessionID:      s.newID(s.clock.Now()),
		ParticipantIDs: []string{s.self.ID, cand.ID},
		ProposerID:     s.self.ID,
	}
	payload, err := protocol.Encode(proposal)
	if err == nil {
		err = s.ch.Send(s.ctx, protocol.EventMatchFound, payload)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("candidate", cand.ID).Msg("failed to send match proposal")
		return
	}
	metrics.MatchProposals.Inc()

	s.phase = phaseProposed
	s.proposal = proposal
	s.timeout.Stop()

	s.logger.Info().
		Str("candidate", cand.ID).
		Str("session_id", proposal.SessionID).
		Int("score", Score(s.self, cand)).
		Msg("match proposed")
	s.startLinger()
}

// onProposal applies a received proposal:
//   - while waiting, any valid proposal naming us is accepted;
//   - after proposing, only a proposal from our own candidate is
//     considered, and it replaces ours once if its proposer id sorts lower;
//   - after accepting, everything is ignored.
func (s *search) onProposal(p bus.Payload) {
	if s.exited {
		return
	}
	var prop protocol.MatchProposal
	if err := protocol.Decode(p, &prop); err != nil || !prop.Valid() {
		s.logger.Debug().Msg("ignoring malformed proposal")
		return
	}
	if !prop.Names(s.self.ID) || prop.ProposerID == s.self.ID {
		return
	}

	switch s.phase {
	case phaseWaiting:
		s.phase = phaseAccepted
		s.proposal = prop
		s.timeout.Stop()
		s.logger.Info().
			Str("proposer", prop.ProposerID).
			Str("session_id", prop.SessionID).
			Msg("match accepted")
		s.finish(prop.SessionID, nil)
		s.startLinger()

	case phaseProposed:
		if s.adopted || prop.ProposerID != s.proposal.Other(s.self.ID) {
			return
		}
		if !prevails(prop, s.proposal) {
			return
		}
		s.adopted = true
		s.logger.Info().
			Str("proposer", prop.ProposerID).
			Str("replaced", s.proposal.SessionID).
			Str("session_id", prop.SessionID).
			Msg("adopted concurrent proposal")
		s.proposal = prop
	}
}

func (s *search) onTimeout() {
	if s.phase != phaseWaiting || s.exited {
		return
	}
	s.logger.Info().Dur("timeout", s.cfg.Timeout).Msg("no match found")
	s.finish("", ErrNoMatchFound)
	s.exit()
}

func (s *search) startLinger() {
	s.linger = s.clock.AfterFunc(s.cfg.Linger, func() { s.post(s.onLingered) })
}

func (s *search) onLingered() {
	if s.phase == phaseProposed {
		s.finish(s.proposal.SessionID, nil)
	}
	s.exit()
}

// finish delivers the search outcome exactly once.
func (s *search) finish(sessionID string, err error) {
	if s.resolved {
		return
	}
	s.resolved = true
	if err != nil {
		s.exit()
	}
	s.result <- searchResult{sessionID: sessionID, err: err}
}

// exit stops all timers and leaves the waiting channel.
func (s *search) exit() {
	if s.exited {
		return
	}
	s.exited = true
	s.timeout.Stop()
	s.settle.Stop()
	s.linger.Stop()
	s.rc.Stop()
	if err := s.ch.Unsubscribe(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to leave waiting channel")
	}
}
