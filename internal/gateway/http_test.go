package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/rendezvous/internal/rooms"
)

func TestRoomsHandler(t *testing.T) {
	dir := newMemDirectory()
	ctx := context.Background()
	_, err := dir.Create(ctx, rooms.CreateParams{Name: "Open", IsPublic: true})
	require.NoError(t, err)
	_, err = dir.Create(ctx, rooms.CreateParams{Name: "Hidden"})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	RoomsHandler(dir)(rec, httptest.NewRequest(http.MethodGet, "/rooms", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp RoomsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Rooms, 1)
	assert.Equal(t, "Open", resp.Rooms[0].Name)
	assert.Equal(t, rooms.DefaultMaxUsers, resp.Rooms[0].MaxUsers)
}

type brokenDirectory struct{ rooms.Directory }

func (brokenDirectory) ListPublic(context.Context) ([]rooms.Room, error) {
	return nil, errors.New("connection refused")
}

func TestRoomsHandlerError(t *testing.T) {
	rec := httptest.NewRecorder()
	RoomsHandler(brokenDirectory{})(rec, httptest.NewRequest(http.MethodGet, "/rooms", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
