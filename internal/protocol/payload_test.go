package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeProducesPrimitives(t *testing.T) {
	p, err := Encode(WaitingParticipant{ID: "u1", DisplayName: "Ann", Affinity: "csu", JoinTime: 1700000000123})
	require.NoError(t, err)

	assert.Equal(t, "Ann", p["display_name"])
	assert.Equal(t, "csu", p["affinity"])
	// Numbers come back as float64, the same as after a network hop.
	assert.Equal(t, float64(1700000000123), p["join_time"])
}

func TestDecodeWaitingUsesPresenceKey(t *testing.T) {
	p, err := Encode(WaitingParticipant{ID: "spoofed", DisplayName: "Ann", JoinTime: 42})
	require.NoError(t, err)

	w, err := DecodeWaiting("u1", p)
	require.NoError(t, err)
	assert.Equal(t, "u1", w.ID)
	assert.Equal(t, int64(42), w.JoinTime)
}

func TestDecodeRejectsEmptyPayload(t *testing.T) {
	_, err := DecodeSession("u1", nil)
	assert.Error(t, err)
}

func TestMatchProposalValid(t *testing.T) {
	cases := []struct {
		name string
		p    MatchProposal
		want bool
	}{
		{"ok", MatchProposal{SessionID: "s", ParticipantIDs: []string{"a", "b"}, ProposerID: "a"}, true},
		{"no session", MatchProposal{ParticipantIDs: []string{"a", "b"}, ProposerID: "a"}, false},
		{"one participant", MatchProposal{SessionID: "s", ParticipantIDs: []string{"a"}, ProposerID: "a"}, false},
		{"duplicate", MatchProposal{SessionID: "s", ParticipantIDs: []string{"a", "a"}, ProposerID: "a"}, false},
		{"foreign proposer", MatchProposal{SessionID: "s", ParticipantIDs: []string{"a", "b"}, ProposerID: "c"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.p.Valid())
		})
	}

	p := MatchProposal{SessionID: "s", ParticipantIDs: []string{"a", "b"}, ProposerID: "a"}
	assert.True(t, p.Names("b"))
	assert.False(t, p.Names("c"))
	assert.Equal(t, "a", p.Other("b"))
}
