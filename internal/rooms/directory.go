package rooms

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/whisper/rendezvous/internal/protocol"
)

// Room is the directory record of a group room.
type Room struct {
	ID          string    `db:"id" json:"id"`
	Hash        string    `db:"hash" json:"hash"`
	Name        string    `db:"name" json:"name"`
	CreatedBy   string    `db:"created_by" json:"created_by"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	MaxUsers    int       `db:"max_users" json:"max_users"`
	IsPublic    bool      `db:"is_public" json:"is_public"`
	Description string    `db:"description" json:"description,omitempty"`
}

// Info converts the room to its gateway frame form.
func (r Room) Info() protocol.RoomInfo {
	return protocol.RoomInfo{
		ID:          r.ID,
		Hash:        r.Hash,
		Name:        r.Name,
		MaxUsers:    r.MaxUsers,
		IsPublic:    r.IsPublic,
		Description: r.Description,
		CreatedAt:   r.CreatedAt.UnixMilli(),
	}
}

// CreateParams describes a room to create.
type CreateParams struct {
	Name        string
	MaxUsers    int
	IsPublic    bool
	Description string
	CreatedBy   string
}

// Stats counts rooms in the directory.
type Stats struct {
	Total   int `json:"total"`
	Public  int `json:"public"`
	Private int `json:"private"`
}

// Directory stores group-room metadata.
type Directory interface {
	// Create stores a new room under a fresh hash.
	Create(ctx context.Context, params CreateParams) (*Room, error)
	// LookupByHash returns the room or nil when unknown.
	LookupByHash(ctx context.Context, hash string) (*Room, error)
	// Join resolves a hash to a room, registering a private placeholder
	// with the default capacity when the hash is unknown.
	Join(ctx context.Context, hash string) (*Room, error)
	// ListPublic returns public rooms, newest first.
	ListPublic(ctx context.Context) ([]Room, error)
	Stats(ctx context.Context) (Stats, error)
	// Cleanup removes rooms older than maxAge and returns how many.
	Cleanup(ctx context.Context, maxAge time.Duration) (int, error)
}

// newRoom validates params and builds the record for hash.
func newRoom(params CreateParams, hash string, now time.Time) (*Room, error) {
	name := strings.TrimSpace(params.Name)
	if name == "" {
		return nil, fmt.Errorf("rooms: name is required")
	}
	maxUsers := params.MaxUsers
	if maxUsers == 0 {
		maxUsers = DefaultMaxUsers
	}
	if maxUsers < 2 || maxUsers > MaxUsersLimit {
		return nil, fmt.Errorf("rooms: max users must be between 2 and %d, got %d", MaxUsersLimit, maxUsers)
	}
	createdBy := params.CreatedBy
	if createdBy == "" {
		createdBy = "unknown"
	}
	return &Room{
		ID:          RoomID(hash),
		Hash:        hash,
		Name:        name,
		CreatedBy:   createdBy,
		CreatedAt:   now.UTC(),
		MaxUsers:    maxUsers,
		IsPublic:    params.IsPublic,
		Description: strings.TrimSpace(params.Description),
	}, nil
}

// placeholder is the record registered when joining an unknown hash.
func placeholder(hash string, now time.Time) *Room {
	return &Room{
		ID:        RoomID(hash),
		Hash:      hash,
		Name:      "Room " + hash,
		CreatedBy: "unknown",
		CreatedAt: now.UTC(),
		MaxUsers:  DefaultMaxUsers,
	}
}

// maxCreateAttempts bounds retries on hash collisions.
const maxCreateAttempts = 5

// checkHash normalizes and validates a user-supplied hash.
func checkHash(hash string) (string, error) {
	if !IsValidHash(hash) {
		return "", fmt.Errorf("%w: %q", ErrInvalidHash, hash)
	}
	return NormalizeHash(hash), nil
}
