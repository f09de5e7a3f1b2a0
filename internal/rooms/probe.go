package rooms

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/whisper/rendezvous/internal/bus"
	"github.com/whisper/rendezvous/internal/clock"
)

// DefaultProbeTimeout bounds a capacity probe. A probe that times out
// reports the room as joinable.
const DefaultProbeTimeout = 3 * time.Second

// ProbeKeyPrefix prefixes the presence key of probe handles. Probes
// observe only, so the key never appears in a roster.
const ProbeKeyPrefix = "probe-"

// ErrNoRoomAvailable is returned when no public room has a free slot.
var ErrNoRoomAvailable = errors.New("rooms: no public room available")

// Prober checks room occupancy on the bus.
type Prober struct {
	bus     bus.MessageBus
	timeout time.Duration
	clock   clock.Clock
	logger  zerolog.Logger
}

// ProberOption configures a Prober.
type ProberOption func(*Prober)

// WithProbeTimeout sets the probe timeout.
func WithProbeTimeout(d time.Duration) ProberOption {
	return func(p *Prober) { p.timeout = d }
}

// WithProbeClock injects the clock driving the probe timeout.
func WithProbeClock(c clock.Clock) ProberOption {
	return func(p *Prober) { p.clock = c }
}

// NewProber creates a Prober on the given bus.
func NewProber(b bus.MessageBus, opts ...ProberOption) *Prober {
	p := &Prober{
		bus:     b,
		timeout: DefaultProbeTimeout,
		clock:   clock.Real(),
		logger:  log.With().Str("component", "rooms").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Occupancy subscribes to the room channel without joining its roster and
// returns the number of distinct keys at the first sync.
func (p *Prober) Occupancy(ctx context.Context, room Room) (int, error) {
	ch := p.bus.Channel(room.ID, ProbeKeyPrefix+uuid.NewString())
	defer ch.Unsubscribe()

	synced := make(chan int, 1)
	ch.OnPresence(func(ev bus.PresenceEvent) {
		if ev.Kind != bus.PresenceSync {
			return
		}
		select {
		case synced <- ch.Roster().Len():
		default:
		}
	})

	timeout := p.clock.After(p.timeout)
	if err := ch.Subscribe(ctx, nil); err != nil {
		return 0, fmt.Errorf("rooms: probe %s: %w", room.ID, err)
	}

	select {
	case n := <-synced:
		return n, nil
	case <-timeout:
		return 0, fmt.Errorf("rooms: probe %s: %w", room.ID, context.DeadlineExceeded)
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// CanJoin reports whether the room has room for one more participant. It
// fails open: when the probe errors or times out the room is joinable, and
// the session tracker's overflow detection is the backstop.
func (p *Prober) CanJoin(ctx context.Context, room Room) bool {
	maxUsers := room.MaxUsers
	if maxUsers <= 0 {
		maxUsers = DefaultMaxUsers
	}
	n, err := p.Occupancy(ctx, room)
	if err != nil {
		p.logger.Debug().Err(err).Str("room", room.ID).Msg("probe failed, allowing join")
		return true
	}
	p.logger.Debug().Str("room", room.ID).Int("users", n).Int("max_users", maxUsers).Msg("probed room")
	return n < maxUsers
}

// JoinRandomPublic probes every public room and returns a random one with
// a free slot.
func JoinRandomPublic(ctx context.Context, dir Directory, p *Prober) (*Room, error) {
	public, err := dir.ListPublic(ctx)
	if err != nil {
		return nil, err
	}

	var open []Room
	for _, room := range public {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if p.CanJoin(ctx, room) {
			open = append(open, room)
		}
	}
	if len(open) == 0 {
		return nil, ErrNoRoomAvailable
	}
	room := open[rand.IntN(len(open))]
	return &room, nil
}
