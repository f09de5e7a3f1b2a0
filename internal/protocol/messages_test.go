package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Test: Parsing client messages into typed structs
// ---------------------------------------------------------------------------

func TestParseClientMessage_SetProfile(t *testing.T) {
	input := []byte(`{"type":"set_profile","participant_id":"p1","display_name":"Ann","affinity":"csu"}`)

	msgType, msg, err := ParseClientMessage(input)
	require.NoError(t, err)
	assert.Equal(t, TypeSetProfile, msgType)

	m, ok := msg.(SetProfileMsg)
	require.True(t, ok, "expected SetProfileMsg, got %T", msg)
	assert.Equal(t, "p1", m.ParticipantID)
	assert.Equal(t, "Ann", m.DisplayName)
	assert.Equal(t, "csu", m.Affinity)
}

func TestParseClientMessage_CreateRoom(t *testing.T) {
	input := []byte(`{"type":"create_room","name":"study","max_users":6,"is_public":true}`)

	_, msg, err := ParseClientMessage(input)
	require.NoError(t, err)

	m, ok := msg.(CreateRoomMsg)
	require.True(t, ok)
	assert.Equal(t, "study", m.Name)
	assert.Equal(t, 6, m.MaxUsers)
	assert.True(t, m.IsPublic)
}

func TestParseClientMessage_UnknownType(t *testing.T) {
	msgType, msg, err := ParseClientMessage([]byte(`{"type":"unknown_type","data":"something"}`))
	require.Error(t, err)
	assert.Nil(t, msg)
	assert.Equal(t, "unknown_type", msgType)
}

func TestParseClientMessage_ServerTypeRejected(t *testing.T) {
	_, _, err := ParseClientMessage([]byte(`{"type":"match_found","session_id":"x"}`))
	assert.Error(t, err)
}

func TestParseClientMessage_BadPayload(t *testing.T) {
	msgType, _, err := ParseClientMessage([]byte(`{"type":"create_room","max_users":"ten"}`))
	require.Error(t, err)
	assert.Equal(t, TypeCreateRoom, msgType)
}

// ---------------------------------------------------------------------------
// Test: Server message construction
// ---------------------------------------------------------------------------

func TestNewServerMessage_PartnerChanged(t *testing.T) {
	data, err := NewServerMessage(TypePartnerChanged, PartnerChangedMsg{
		Partner:   &Partner{ID: "p2", DisplayName: "Bo"},
		Occupancy: 2,
	})
	require.NoError(t, err)

	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &result))
	assert.Equal(t, TypePartnerChanged, result["type"])
	assert.Equal(t, float64(2), result["occupancy"])

	partner, ok := result["partner"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "Bo", partner["display_name"])
}

func TestNewServerMessage_AbsentPartnerIsNull(t *testing.T) {
	data, err := NewServerMessage(TypePartnerChanged, PartnerChangedMsg{Occupancy: 1})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"partner":null`)
}

func TestRoundTrip_ServerMessage(t *testing.T) {
	original := RoomJoinedMsg{
		Room:      RoomInfo{ID: "group-ab12cd", Hash: "AB12CD", Name: "study", MaxUsers: 10},
		SessionID: "group-ab12cd",
	}
	data, err := NewServerMessage(TypeRoomJoined, original)
	require.NoError(t, err)

	var decoded RoomJoinedMsg
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, TypeRoomJoined, decoded.Type)
	assert.Equal(t, original.Room, decoded.Room)
	assert.Equal(t, original.SessionID, decoded.SessionID)
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	var env Envelope
	assert.Error(t, json.Unmarshal([]byte(`{"data":"no type field"}`), &env))
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	var env Envelope
	assert.Error(t, json.Unmarshal([]byte(`{invalid json}`), &env))
}

// ---------------------------------------------------------------------------
// Test: Parsing all client message types succeeds
// ---------------------------------------------------------------------------

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"set_profile", `{"type":"set_profile","display_name":"a"}`, TypeSetProfile},
		{"find_match", `{"type":"find_match"}`, TypeFindMatch},
		{"cancel_match", `{"type":"cancel_match"}`, TypeCancelMatch},
		{"join_session", `{"type":"join_session","session_id":"chat-1-abc"}`, TypeJoinSession},
		{"create_room", `{"type":"create_room","name":"r"}`, TypeCreateRoom},
		{"join_room", `{"type":"join_room","hash":"AB12CD"}`, TypeJoinRoom},
		{"join_random_room", `{"type":"join_random_room"}`, TypeJoinRandomRoom},
		{"list_rooms", `{"type":"list_rooms"}`, TypeListRooms},
		{"message", `{"type":"message","content":"hi"}`, TypeMessage},
		{"leave_session", `{"type":"leave_session"}`, TypeLeaveSession},
		{"ping", `{"type":"ping"}`, TypePing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			require.NoError(t, err)
			assert.Equal(t, tc.wantType, msgType)
			assert.NotNil(t, msg)
		})
	}
}
