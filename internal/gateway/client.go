package gateway

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/whisper/rendezvous/internal/bus"
	"github.com/whisper/rendezvous/internal/chat"
	"github.com/whisper/rendezvous/internal/identity"
	"github.com/whisper/rendezvous/internal/matching"
	"github.com/whisper/rendezvous/internal/protocol"
	"github.com/whisper/rendezvous/internal/ratelimit"
	"github.com/whisper/rendezvous/internal/rooms"
	"github.com/whisper/rendezvous/internal/session"
)

const (
	// DefaultDisplayName is used until the browser sets a profile.
	DefaultDisplayName = "Anonymous"
	// MaxDisplayNameLength bounds display names in runes.
	MaxDisplayNameLength = 32

	requestTimeout = 5 * time.Second
)

// Client is the gateway side of one browser connection.
type Client struct {
	g      *Gateway
	connID string
	out    Outbox
	logger zerolog.Logger

	mu       sync.Mutex
	id       string
	name     string
	affinity string
	search   context.CancelFunc
	searchN  uint64
	att      *attachment
	closed   bool
}

// attachment is the client's current session. Tracker callbacks check
// live so a replaced session cannot write frames.
type attachment struct {
	tracker  atomic.Pointer[session.Tracker]
	room     *rooms.Room
	capacity int
	live     atomic.Bool
	excess   atomic.Bool
}

func newClient(g *Gateway, connID string, out Outbox) *Client {
	return &Client{
		g:      g,
		connID: connID,
		out:    out,
		logger: g.logger.With().Str("conn", connID).Logger(),
		name:   DefaultDisplayName,
	}
}

func (c *Client) participantID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Client) handle(msg interface{}) {
	switch m := msg.(type) {
	case protocol.SetProfileMsg:
		c.setProfile(m)
	case protocol.FindMatchMsg:
		c.findMatch()
	case protocol.CancelMatchMsg:
		c.cancelMatch()
	case protocol.JoinSessionMsg:
		c.joinSession(m.SessionID)
	case protocol.CreateRoomMsg:
		c.createRoom(m)
	case protocol.JoinRoomMsg:
		c.joinRoom(m.Hash)
	case protocol.JoinRandomRoomMsg:
		c.joinRandomRoom()
	case protocol.ListRoomsMsg:
		c.listRooms()
	case protocol.ChatMsg:
		c.sendChat(m.Content)
	case protocol.LeaveSessionMsg:
		c.leaveSession()
	default:
		c.sendError("unsupported_type", "unsupported message type")
	}
}

// bindIdentity resumes or creates the identity of this connection.
func (c *Client) bindIdentity(ctx context.Context, id, name, affinity string) error {
	if name == "" {
		name = DefaultDisplayName
	}
	if c.g.identities == nil {
		if id == "" {
			id = uuid.NewString()
		}
	} else {
		ident, err := c.g.identities.Resume(ctx, id, name, affinity)
		if err != nil {
			return err
		}
		id = ident.ID
	}

	c.mu.Lock()
	c.id, c.name, c.affinity = id, name, affinity
	c.mu.Unlock()
	return nil
}

func (c *Client) setProfile(m protocol.SetProfileMsg) {
	name := cleanDisplayName(m.DisplayName)
	affinity := strings.TrimSpace(m.Affinity)

	c.mu.Lock()
	busy := c.search != nil || c.att != nil
	current := c.id
	c.mu.Unlock()
	if busy {
		c.sendError("busy", "cannot change profile while matching or in a session")
		return
	}

	id := current
	if m.ParticipantID != "" {
		id = m.ParticipantID
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := c.bindIdentity(ctx, id, name, affinity); err != nil {
		c.logger.Error().Err(err).Msg("failed to update identity")
		c.sendError("internal", "could not update profile")
		return
	}
	c.send(protocol.TypeSessionCreated, protocol.SessionCreatedMsg{ParticipantID: c.participantID()})
}

func cleanDisplayName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return DefaultDisplayName
	}
	if utf8.RuneCountInString(name) > MaxDisplayNameLength {
		name = string([]rune(name)[:MaxDisplayNameLength])
	}
	return name
}

func (c *Client) findMatch() {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return
	case c.search != nil:
		c.mu.Unlock()
		c.sendError("already_matching", "a search is already running")
		return
	case c.att != nil:
		c.mu.Unlock()
		c.sendError("in_session", "leave the current session first")
		return
	}
	self := protocol.WaitingParticipant{ID: c.id, DisplayName: c.name, Affinity: c.affinity}
	c.mu.Unlock()

	if !c.allow(context.Background(), self.ID, ratelimit.RuleMatch) {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.closed || c.search != nil || c.att != nil {
		c.mu.Unlock()
		cancel()
		return
	}
	c.searchN++
	n := c.searchN
	c.search = cancel
	c.mu.Unlock()

	c.setStatus(identity.StatusMatching)
	c.send(protocol.TypeMatchingStarted, protocol.MatchingStartedMsg{Timeout: int(c.g.cfg.MatchTimeout / time.Second)})
	c.logger.Info().Msg("match search started")

	go func() {
		defer cancel()
		sid, err := c.g.coord.RequestMatch(ctx, self)

		c.mu.Lock()
		current := c.searchN == n && c.search != nil
		if current {
			c.search = nil
		}
		c.mu.Unlock()
		if !current || errors.Is(err, context.Canceled) {
			return
		}

		switch {
		case err == nil:
			c.logger.Info().Str("session_id", sid).Msg("match found")
			c.send(protocol.TypeMatchFound, protocol.MatchFoundMsg{SessionID: sid})
			c.attach(sid, c.g.cfg.SessionMaxOccupancy, nil)
		case errors.Is(err, matching.ErrNoMatchFound):
			c.setStatus(identity.StatusIdle)
			c.send(protocol.TypeMatchTimeout, protocol.MatchTimeoutMsg{})
		default:
			c.logger.Warn().Err(err).Msg("match search failed")
			c.setStatus(identity.StatusIdle)
			c.send(protocol.TypeConnectionState, protocol.ConnectionStateMsg{State: string(bus.Failed)})
			c.sendError("match_failed", "matchmaking is unavailable, try again")
		}
	}()
}

// cancelMatch stops the running search; RequestMatch leaves the waiting
// channel before returning.
func (c *Client) cancelMatch() {
	c.mu.Lock()
	cancel := c.search
	c.search = nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	c.setStatus(identity.StatusIdle)
	c.logger.Info().Msg("match search cancelled")
}

func (c *Client) joinSession(sessionID string) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		c.sendError("invalid_session", "session id is required")
		return
	}
	if strings.HasPrefix(sessionID, rooms.ChannelPrefix) {
		c.joinRoom(strings.TrimPrefix(sessionID, rooms.ChannelPrefix))
		return
	}
	if c.busy() {
		return
	}
	c.attach(sessionID, c.g.cfg.SessionMaxOccupancy, nil)
}

func (c *Client) createRoom(m protocol.CreateRoomMsg) {
	if c.g.rooms == nil {
		c.sendError("rooms_disabled", "group rooms are not available")
		return
	}
	id := c.participantID()
	if !c.allow(context.Background(), id, ratelimit.RuleRoom) {
		return
	}

	maxUsers := m.MaxUsers
	if maxUsers == 0 {
		maxUsers = c.g.cfg.RoomMaxUsers
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	room, err := c.g.rooms.Create(ctx, rooms.CreateParams{
		Name:        m.Name,
		MaxUsers:    maxUsers,
		IsPublic:    m.IsPublic,
		Description: m.Description,
		CreatedBy:   id,
	})
	if err != nil {
		c.logger.Debug().Err(err).Msg("create room rejected")
		c.sendError("invalid_room", err.Error())
		return
	}
	c.logger.Info().Str("hash", room.Hash).Bool("public", room.IsPublic).Msg("room created")
	c.send(protocol.TypeRoomCreated, protocol.RoomCreatedMsg{Room: room.Info()})
}

func (c *Client) joinRoom(hash string) {
	if c.g.rooms == nil {
		c.sendError("rooms_disabled", "group rooms are not available")
		return
	}
	if !rooms.IsValidHash(hash) {
		c.sendError("invalid_hash", "room code must be 6 letters or digits")
		return
	}
	if c.busy() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	room, err := c.g.rooms.Join(ctx, hash)
	if err != nil {
		c.logger.Error().Err(err).Str("hash", hash).Msg("room lookup failed")
		c.sendError("internal", "could not resolve room")
		return
	}
	if c.g.prober != nil && !c.g.prober.CanJoin(ctx, *room) {
		c.sendError("room_full", "room is full")
		return
	}
	c.attachRoom(room)
}

func (c *Client) joinRandomRoom() {
	if c.g.rooms == nil || c.g.prober == nil {
		c.sendError("rooms_disabled", "group rooms are not available")
		return
	}
	if c.busy() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 4*requestTimeout)
	defer cancel()
	room, err := rooms.JoinRandomPublic(ctx, c.g.rooms, c.g.prober)
	switch {
	case errors.Is(err, rooms.ErrNoRoomAvailable):
		c.sendError("no_room_available", "no public room has space")
		return
	case err != nil:
		c.logger.Error().Err(err).Msg("random room lookup failed")
		c.sendError("internal", "could not find a room")
		return
	}
	c.attachRoom(room)
}

func (c *Client) attachRoom(room *rooms.Room) {
	c.send(protocol.TypeRoomJoined, protocol.RoomJoinedMsg{Room: room.Info(), SessionID: room.ID})
	c.attach(room.ID, room.MaxUsers, room)
}

func (c *Client) listRooms() {
	if c.g.rooms == nil {
		c.send(protocol.TypeRooms, protocol.RoomsMsg{Rooms: []protocol.RoomInfo{}})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	list, err := c.g.rooms.ListPublic(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("list rooms failed")
		c.sendError("internal", "could not list rooms")
		return
	}
	infos := make([]protocol.RoomInfo, 0, len(list))
	for _, r := range list {
		infos = append(infos, r.Info())
	}
	c.send(protocol.TypeRooms, protocol.RoomsMsg{Rooms: infos})
}

// busy reports, and tells the browser, when a search or session blocks a
// new attachment.
func (c *Client) busy() bool {
	c.mu.Lock()
	searching, attached := c.search != nil, c.att != nil
	c.mu.Unlock()
	switch {
	case searching:
		c.sendError("already_matching", "cancel the running search first")
		return true
	case attached:
		c.sendError("in_session", "leave the current session first")
		return true
	}
	return false
}

// attach joins sessionID and routes tracker events to the browser.
func (c *Client) attach(sessionID string, capacity int, room *rooms.Room) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	self := protocol.SessionParticipant{ID: c.id, DisplayName: c.name, Affinity: c.affinity}
	c.mu.Unlock()

	att := &attachment{room: room, capacity: capacity}
	att.live.Store(true)

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	tr, err := session.Attach(ctx, c.g.bus, sessionID, self,
		session.WithMaxOccupancy(capacity),
		session.WithReconnect(c.g.cfg.Reconnect),
		session.WithLogger(c.logger),
		session.WithPeerChange(func(p *protocol.SessionParticipant) {
			if !att.live.Load() {
				return
			}
			msg := protocol.PartnerChangedMsg{}
			if p != nil {
				msg.Partner = &protocol.Partner{ID: p.ID, DisplayName: p.DisplayName, Affinity: p.Affinity}
			}
			if tr := att.tracker.Load(); tr != nil {
				msg.Occupancy = tr.Occupancy()
			}
			c.send(protocol.TypePartnerChanged, msg)
		}),
		session.WithOverflow(func(n int, excess bool) {
			if !att.live.Load() {
				return
			}
			c.send(protocol.TypeOverflow, protocol.OverflowMsg{Occupancy: n, Max: capacity, Left: excess})
			if excess {
				att.excess.Store(true)
				go c.abandon(att)
			}
		}),
		session.WithMessages(func(ev chat.Event) {
			if att.live.Load() {
				c.send(protocol.TypeMessage, chatFrame(ev))
			}
		}),
		session.WithConnectionState(func(cs bus.ConnectionState) {
			if att.live.Load() {
				c.send(protocol.TypeConnectionState, protocol.ConnectionStateMsg{State: string(cs)})
			}
		}),
	)
	if err != nil {
		c.logger.Error().Err(err).Str("session_id", sessionID).Msg("attach failed")
		c.setStatus(identity.StatusIdle)
		c.sendError("join_failed", "could not join the session")
		return
	}
	att.tracker.Store(tr)

	c.mu.Lock()
	if c.closed || c.att != nil {
		c.mu.Unlock()
		att.live.Store(false)
		_ = tr.Leave()
		return
	}
	c.att = att
	c.mu.Unlock()

	if att.excess.Load() {
		go c.abandon(att)
	}

	if c.g.identities != nil {
		if err := c.g.identities.SetSession(ctx, self.ID, sessionID); err != nil {
			c.logger.Warn().Err(err).Msg("failed to record session")
		}
	}
}

func chatFrame(ev chat.Event) protocol.ServerChatMsg {
	return protocol.ServerChatMsg{
		ID:        ev.ID,
		Kind:      ev.Kind,
		Content:   ev.Content,
		Sender:    protocol.Sender{Name: ev.Sender.Name, Affinity: ev.Sender.Affinity},
		CreatedAt: ev.CreatedAt,
	}
}

// sendChat publishes content on the current session. The sender sees its
// own message through the tracker's message callback like everyone else.
func (c *Client) sendChat(content string) {
	c.mu.Lock()
	att, id := c.att, c.id
	c.mu.Unlock()
	if att == nil {
		c.sendError("not_in_session", "join a session first")
		return
	}
	if !c.allow(context.Background(), id, ratelimit.RuleMessage) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	_, err := att.tracker.Load().SendMessage(ctx, content)
	switch {
	case err == nil:
		if c.g.identities != nil {
			_ = c.g.identities.RefreshTTL(ctx, id)
		}
	case errors.Is(err, chat.ErrEmptyMessage):
		c.sendError("invalid_message", "message is empty")
	case errors.Is(err, session.ErrOverflow):
		c.sendError("session_overflow", "session has too many participants")
	case errors.Is(err, session.ErrLeft):
		c.sendError("not_in_session", "join a session first")
	default:
		c.logger.Warn().Err(err).Msg("send message failed")
		c.sendError("send_failed", "message was not delivered")
	}
}

func (c *Client) leaveSession() {
	c.mu.Lock()
	att, id := c.att, c.id
	c.att = nil
	c.mu.Unlock()
	if att == nil {
		c.sendError("not_in_session", "not in a session")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := att.tracker.Load().SendLeaveNotice(ctx); err != nil {
		c.logger.Debug().Err(err).Msg("leave notice not sent")
	}
	c.detach(att)
	if c.g.identities != nil {
		if err := c.g.identities.ClearSession(ctx, id); err != nil {
			c.logger.Warn().Err(err).Msg("failed to clear session")
		}
	}
}

// abandon leaves a session this client overfilled. It is a no-op unless
// att is still the current attachment.
func (c *Client) abandon(att *attachment) {
	c.mu.Lock()
	if c.att != att {
		c.mu.Unlock()
		return
	}
	c.att = nil
	id := c.id
	c.mu.Unlock()

	c.logger.Info().Str("session_id", att.tracker.Load().SessionID()).Msg("left overflowed session")
	c.detach(att)
	if c.g.identities != nil {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		if err := c.g.identities.ClearSession(ctx, id); err != nil {
			c.logger.Warn().Err(err).Msg("failed to clear session")
		}
	}
}

func (c *Client) detach(att *attachment) {
	att.live.Store(false)
	tr := att.tracker.Load()
	if err := tr.Leave(); err != nil {
		c.logger.Warn().Err(err).Str("session_id", tr.SessionID()).Msg("leave failed")
	}
}

// close runs when the connection is gone. Presence expiry announces the
// departure, so no leave notice is sent.
func (c *Client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cancel, att := c.search, c.att
	c.search, c.att = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if att != nil {
		c.detach(att)
	}
}

// allow applies rule to identifier, telling the browser when it is over
// the limit. Limiter errors fail open.
func (c *Client) allow(ctx context.Context, identifier string, rule ratelimit.Rule) bool {
	if c.g.limiter == nil {
		return true
	}
	ok, err := c.g.limiter.Allow(ctx, identifier, rule)
	if err != nil || ok {
		return true
	}
	retry := c.g.limiter.RetryAfter(ctx, identifier, rule)
	secs := int((retry + time.Second - 1) / time.Second)
	c.send(protocol.TypeRateLimited, protocol.RateLimitedMsg{RetryAfter: secs})
	return false
}

func (c *Client) setStatus(status string) {
	if c.g.identities == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := c.g.identities.UpdateStatus(ctx, c.participantID(), status); err != nil {
		c.logger.Warn().Err(err).Str("status", status).Msg("failed to update status")
	}
}

func (c *Client) send(msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		c.logger.Error().Err(err).Str("type", msgType).Msg("failed to build server message")
		return
	}
	if err := c.out.WriteMessage(data); err != nil {
		c.logger.Debug().Err(err).Str("type", msgType).Msg("failed to send message")
	}
}

func (c *Client) sendError(code, message string) {
	c.send(protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}
