// Package protocol defines the wire formats of the rendezvous system: the
// presence and broadcast payloads exchanged between participants over the
// bus, and the WebSocket frames exchanged between a browser and the
// gateway. Gateway frames are JSON objects with a "type" discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeSetProfile     = "set_profile"
	TypeFindMatch      = "find_match"
	TypeCancelMatch    = "cancel_match"
	TypeJoinSession    = "join_session"
	TypeCreateRoom     = "create_room"
	TypeJoinRoom       = "join_room"
	TypeJoinRandomRoom = "join_random_room"
	TypeListRooms      = "list_rooms"
	TypeMessage        = "message"
	TypeLeaveSession   = "leave_session"
	TypePing           = "ping"
)

// Server -> Client message types.
const (
	TypeSessionCreated  = "session_created"
	TypeMatchingStarted = "matching_started"
	TypeMatchFound      = "match_found"
	TypeMatchTimeout    = "match_timeout"
	TypePartnerChanged  = "partner_changed"
	TypeOverflow        = "overflow"
	TypeConnectionState = "connection_state"
	TypeRoomCreated     = "room_created"
	TypeRoomJoined      = "room_joined"
	TypeRooms           = "rooms"
	TypeWaitingCount    = "waiting_count"
	TypeRateLimited     = "rate_limited"
	TypeError           = "error"
	TypePong            = "pong"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON for deferred decoding.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the raw bytes and extracts only the type field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// SetProfileMsg sets the anonymous display identity used for matching and
// chat. ParticipantID, when set, resumes an identity from a previous
// connection.
type SetProfileMsg struct {
	Type          string `json:"type"`
	ParticipantID string `json:"participant_id,omitempty"`
	DisplayName   string `json:"display_name"`
	Affinity      string `json:"affinity"`
}

// FindMatchMsg starts a pairing search.
type FindMatchMsg struct {
	Type string `json:"type"`
}

// CancelMatchMsg abandons the running search.
type CancelMatchMsg struct {
	Type string `json:"type"`
}

// JoinSessionMsg attaches to a session channel directly, e.g. after a
// page reload.
type JoinSessionMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// CreateRoomMsg creates a group room.
type CreateRoomMsg struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	MaxUsers    int    `json:"max_users"`
	IsPublic    bool   `json:"is_public"`
	Description string `json:"description,omitempty"`
}

// JoinRoomMsg joins a group room by its share hash.
type JoinRoomMsg struct {
	Type string `json:"type"`
	Hash string `json:"hash"`
}

// JoinRandomRoomMsg joins a random public room with free capacity.
type JoinRandomRoomMsg struct {
	Type string `json:"type"`
}

// ListRoomsMsg requests the public room listing.
type ListRoomsMsg struct {
	Type string `json:"type"`
}

// ChatMsg is a chat message for the current session.
type ChatMsg struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// LeaveSessionMsg leaves the current session, announcing the departure.
type LeaveSessionMsg struct {
	Type string `json:"type"`
}

// PingMsg is a client-initiated keepalive.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg announces the participant id bound to the connection.
type SessionCreatedMsg struct {
	Type          string `json:"type"`
	ParticipantID string `json:"participant_id"`
}

// MatchingStartedMsg confirms the search started; Timeout is in seconds.
type MatchingStartedMsg struct {
	Type    string `json:"type"`
	Timeout int    `json:"timeout"`
}

// MatchFoundMsg carries the agreed session id.
type MatchFoundMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// MatchTimeoutMsg reports that no partner was found.
type MatchTimeoutMsg struct {
	Type string `json:"type"`
}

// Partner describes the other participant of a session.
type Partner struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Affinity    string `json:"affinity,omitempty"`
}

// PartnerChangedMsg reports the current partner; nil means the partner
// left or has not arrived yet.
type PartnerChangedMsg struct {
	Type      string   `json:"type"`
	Partner   *Partner `json:"partner"`
	Occupancy int      `json:"occupancy"`
}

// Sender identifies the author of a chat event.
type Sender struct {
	Name     string `json:"name"`
	Affinity string `json:"affinity,omitempty"`
}

// ServerChatMsg relays a chat event. CreatedAt is unix milliseconds.
type ServerChatMsg struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Content   string `json:"content"`
	Sender    Sender `json:"sender"`
	CreatedAt int64  `json:"created_at"`
}

// OverflowMsg reports that the session holds more participants than it
// allows. Left is set when the gateway already removed this client, the
// latest entrant, from the session.
type OverflowMsg struct {
	Type      string `json:"type"`
	Occupancy int    `json:"occupancy"`
	Max       int    `json:"max"`
	Left      bool   `json:"left"`
}

// ConnectionStateMsg reports connected, degraded or failed.
type ConnectionStateMsg struct {
	Type  string `json:"type"`
	State string `json:"state"`
}

// RoomInfo is the public view of a group room.
type RoomInfo struct {
	ID          string `json:"id"`
	Hash        string `json:"hash"`
	Name        string `json:"name"`
	MaxUsers    int    `json:"max_users"`
	IsPublic    bool   `json:"is_public"`
	Description string `json:"description,omitempty"`
	CreatedAt   int64  `json:"created_at"`
}

// RoomCreatedMsg returns the created room and its share hash.
type RoomCreatedMsg struct {
	Type string   `json:"type"`
	Room RoomInfo `json:"room"`
}

// RoomJoinedMsg confirms attachment to a group room's session channel.
type RoomJoinedMsg struct {
	Type      string   `json:"type"`
	Room      RoomInfo `json:"room"`
	SessionID string   `json:"session_id"`
}

// RoomsMsg lists public rooms.
type RoomsMsg struct {
	Type  string     `json:"type"`
	Rooms []RoomInfo `json:"rooms"`
}

// WaitingCountMsg reports how many participants are searching.
type WaitingCountMsg struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// RateLimitedMsg is sent when the client exceeded a rate limit.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg communicates an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg answers a ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// Unknown and server-only types are rejected.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeSetProfile:
		var m SetProfileMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeFindMatch:
		var m FindMatchMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCancelMatch:
		var m CancelMatchMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoinSession:
		var m JoinSessionMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCreateRoom:
		var m CreateRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoinRoom:
		var m JoinRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoinRandomRoom:
		var m JoinRandomRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeListRooms:
		var m ListRoomsMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessage:
		var m ChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveSession:
		var m LeaveSessionMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage marshals payload and injects msgType under "type".
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
