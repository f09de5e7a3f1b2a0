package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/whisper/rendezvous/internal/protocol"
	"github.com/whisper/rendezvous/internal/rooms"
)

// RoomsResponse is the body of GET /rooms.
type RoomsResponse struct {
	Rooms []protocol.RoomInfo `json:"rooms"`
	Stats rooms.Stats         `json:"stats"`
}

// RoomsHandler serves the public room listing with directory totals.
func RoomsHandler(dir rooms.Directory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		list, err := dir.ListPublic(ctx)
		if err != nil {
			log.Error().Err(err).Str("component", "gateway").Msg("list rooms failed")
			http.Error(w, "could not list rooms", http.StatusInternalServerError)
			return
		}
		stats, err := dir.Stats(ctx)
		if err != nil {
			log.Error().Err(err).Str("component", "gateway").Msg("room stats failed")
			http.Error(w, "could not list rooms", http.StatusInternalServerError)
			return
		}

		resp := RoomsResponse{Rooms: make([]protocol.RoomInfo, 0, len(list)), Stats: stats}
		for _, room := range list {
			resp.Rooms = append(resp.Rooms, room.Info())
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}
