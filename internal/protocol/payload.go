package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/whisper/rendezvous/internal/bus"
)

// Well-known channel and broadcast event names. These strings, together
// with the payload shapes below, are the entire wire contract between
// participants.
const (
	// WaitingChannel is the single shared channel of the waiting pool.
	WaitingChannel = "waiting-room"

	// EventMatchFound carries a MatchProposal on the waiting channel.
	EventMatchFound = "match-found"

	// EventMessage carries a ChatEvent on a session channel.
	EventMessage = "message"

	// MonitorKeyPrefix marks observer presence keys that are not participants.
	MonitorKeyPrefix = "monitor-"
)

// Encode converts a JSON-tagged struct into a bus payload. Every value in
// the result is a JSON primitive, a []any or a map[string]any, so payloads
// look the same whether they crossed a network or not.
func Encode(v any) (bus.Payload, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode payload: %w", err)
	}
	var p bus.Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("protocol: encode payload: %w", err)
	}
	return p, nil
}

// Decode fills v from a bus payload.
func Decode(p bus.Payload, v any) error {
	if p == nil {
		return fmt.Errorf("protocol: decode payload: empty payload")
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("protocol: decode payload: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("protocol: decode payload: %w", err)
	}
	return nil
}

// WaitingParticipant is the presence payload on the waiting channel. ID is
// the presence key and is repeated in the payload for observers that only
// see payloads.
type WaitingParticipant struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Affinity    string `json:"affinity"`
	JoinTime    int64  `json:"join_time"` // unix ms
}

// SessionParticipant is the presence payload on a session channel.
type SessionParticipant struct {
	ID            string `json:"id"`
	DisplayName   string `json:"display_name"`
	Affinity      string `json:"affinity"`
	PresenceSince int64  `json:"presence_since"` // unix ms
}

// MatchProposal is broadcast on the waiting channel to pair two
// participants on one session id.
type MatchProposal struct {
	SessionID      string   `json:"session_id"`
	ParticipantIDs []string `json:"participant_ids"`
	ProposerID     string   `json:"proposer_id"`
}

// Names reports whether id is one of the proposed participants.
func (p MatchProposal) Names(id string) bool {
	for _, pid := range p.ParticipantIDs {
		if pid == id {
			return true
		}
	}
	return false
}

// Other returns the participant paired with id, or "".
func (p MatchProposal) Other(id string) string {
	for _, pid := range p.ParticipantIDs {
		if pid != id {
			return pid
		}
	}
	return ""
}

// Valid reports whether the proposal is well formed: a session id and two
// distinct participants, one of which is the proposer.
func (p MatchProposal) Valid() bool {
	if p.SessionID == "" || len(p.ParticipantIDs) != 2 {
		return false
	}
	if p.ParticipantIDs[0] == "" || p.ParticipantIDs[0] == p.ParticipantIDs[1] {
		return false
	}
	return p.Names(p.ProposerID)
}

// DecodeWaiting reads a waiting-room roster entry. The presence key wins
// over any id carried in the payload.
func DecodeWaiting(key string, p bus.Payload) (WaitingParticipant, error) {
	var w WaitingParticipant
	if err := Decode(p, &w); err != nil {
		return WaitingParticipant{}, err
	}
	w.ID = key
	return w, nil
}

// DecodeSession reads a session roster entry.
func DecodeSession(key string, p bus.Payload) (SessionParticipant, error) {
	var s SessionParticipant
	if err := Decode(p, &s); err != nil {
		return SessionParticipant{}, err
	}
	s.ID = key
	return s, nil
}
