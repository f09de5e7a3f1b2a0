// Package gateway binds browser WebSocket connections to the rendezvous
// protocol. Each connection gets a Client that runs match searches,
// attaches session trackers and resolves group rooms on the browser's
// behalf, translating protocol events into server frames.
package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/whisper/rendezvous/internal/backoff"
	"github.com/whisper/rendezvous/internal/bus"
	"github.com/whisper/rendezvous/internal/identity"
	"github.com/whisper/rendezvous/internal/matching"
	"github.com/whisper/rendezvous/internal/protocol"
	"github.com/whisper/rendezvous/internal/ratelimit"
	"github.com/whisper/rendezvous/internal/rooms"
	"github.com/whisper/rendezvous/internal/session"
	"github.com/whisper/rendezvous/internal/ws"
)

// Identities persists participant identities across reconnects.
type Identities interface {
	Resume(ctx context.Context, id, displayName, affinity string) (*identity.Identity, error)
	UpdateStatus(ctx context.Context, id, status string) error
	SetSession(ctx context.Context, id, sessionID string) error
	ClearSession(ctx context.Context, id string) error
	RefreshTTL(ctx context.Context, id string) error
}

// Limiter throttles client actions.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
}

// Outbox delivers encoded server frames to one browser.
type Outbox interface {
	WriteMessage(data []byte) error
}

// Config holds gateway settings.
type Config struct {
	MatchTimeout        time.Duration
	SessionMaxOccupancy int
	// RoomMaxUsers is the capacity of rooms created without one.
	RoomMaxUsers int
	Reconnect    backoff.Policy
}

// DefaultConfig mirrors the protocol defaults.
func DefaultConfig() Config {
	return Config{
		MatchTimeout:        matching.DefaultTimeout,
		SessionMaxOccupancy: session.DefaultMaxOccupancy,
		RoomMaxUsers:        rooms.DefaultMaxUsers,
		Reconnect:           backoff.DefaultPolicy(),
	}
}

// Option configures a Gateway.
type Option func(*Gateway)

func WithConfig(cfg Config) Option { return func(g *Gateway) { g.cfg = cfg } }

func WithIdentities(ids Identities) Option { return func(g *Gateway) { g.identities = ids } }

func WithLimiter(l Limiter) Option { return func(g *Gateway) { g.limiter = l } }

// WithRooms enables the group-room frames.
func WithRooms(dir rooms.Directory, prober *rooms.Prober) Option {
	return func(g *Gateway) {
		g.rooms = dir
		g.prober = prober
	}
}

// WithMonitor forwards waiting-pool counts to every client.
func WithMonitor(m *matching.WaitingRoomMonitor) Option {
	return func(g *Gateway) { g.monitor = m }
}

func WithLogger(l zerolog.Logger) Option { return func(g *Gateway) { g.logger = l } }

// Gateway owns the clients of one server process.
type Gateway struct {
	bus        bus.MessageBus
	coord      *matching.Coordinator
	cfg        Config
	identities Identities
	limiter    Limiter
	rooms      rooms.Directory
	prober     *rooms.Prober
	monitor    *matching.WaitingRoomMonitor
	logger     zerolog.Logger

	mu      sync.Mutex
	clients map[string]*Client
}

// New creates a Gateway.
func New(b bus.MessageBus, coord *matching.Coordinator, opts ...Option) *Gateway {
	g := &Gateway{
		bus:     b,
		coord:   coord,
		cfg:     DefaultConfig(),
		logger:  log.Logger,
		clients: make(map[string]*Client),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With().Str("component", "gateway").Logger()
	if g.monitor != nil {
		g.monitor.OnChange(g.broadcastWaitingCount)
	}
	return g
}

// Hooks returns the transport hooks routing connections and frames to the
// gateway.
func (g *Gateway) Hooks() ws.Hooks {
	d := ws.NewMessageDispatcher()
	g.Register(d)
	return ws.Hooks{
		OnConnect: func(c *ws.Connection) {
			if !g.Connect(c.ID, c.RemoteIP, c) {
				_ = c.Close()
			}
		},
		OnMessage: d.Dispatch,
		OnDisconnect: func(c *ws.Connection) {
			g.Disconnect(c.ID)
		},
	}
}

// Register installs a handler for every client frame on d.
func (g *Gateway) Register(d *ws.MessageDispatcher) {
	for _, t := range []string{
		protocol.TypeSetProfile,
		protocol.TypeFindMatch,
		protocol.TypeCancelMatch,
		protocol.TypeJoinSession,
		protocol.TypeCreateRoom,
		protocol.TypeJoinRoom,
		protocol.TypeJoinRandomRoom,
		protocol.TypeListRooms,
		protocol.TypeMessage,
		protocol.TypeLeaveSession,
	} {
		d.Register(t, func(c *ws.Connection, msg interface{}) {
			g.Handle(c.ID, msg)
		})
	}
}

// Connect creates the client of a new connection and announces its
// participant id. It returns false when the connection is refused.
func (g *Gateway) Connect(connID, remoteIP string, out Outbox) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	c := newClient(g, connID, out)
	if remoteIP != "" && !c.allow(ctx, remoteIP, ratelimit.RuleConnect) {
		return false
	}
	if err := c.bindIdentity(ctx, "", "", ""); err != nil {
		g.logger.Error().Err(err).Str("conn", connID).Msg("failed to create identity")
		c.sendError("internal", "could not create identity")
		return false
	}

	g.mu.Lock()
	g.clients[connID] = c
	g.mu.Unlock()

	c.send(protocol.TypeSessionCreated, protocol.SessionCreatedMsg{ParticipantID: c.participantID()})
	if g.monitor != nil {
		c.send(protocol.TypeWaitingCount, protocol.WaitingCountMsg{Count: g.monitor.Count()})
	}
	return true
}

// Handle runs one parsed client frame for the connection.
func (g *Gateway) Handle(connID string, msg interface{}) {
	c := g.client(connID)
	if c == nil {
		return
	}
	c.handle(msg)
}

// Disconnect cancels the client's search and leaves its session.
func (g *Gateway) Disconnect(connID string) {
	g.mu.Lock()
	c := g.clients[connID]
	delete(g.clients, connID)
	g.mu.Unlock()
	if c != nil {
		c.close()
	}
}

// Clients returns the number of connected clients.
func (g *Gateway) Clients() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}

func (g *Gateway) client(connID string) *Client {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.clients[connID]
}

func (g *Gateway) broadcastWaitingCount(n int) {
	g.mu.Lock()
	clients := make([]*Client, 0, len(g.clients))
	for _, c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.Unlock()

	for _, c := range clients {
		c.send(protocol.TypeWaitingCount, protocol.WaitingCountMsg{Count: n})
	}
}
