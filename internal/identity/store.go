// Package identity persists a participant's anonymous identity on the
// gateway side, so a browser that reconnects within the TTL resumes the same
// participant id, display name and affinity.
package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for all identity hashes.
	KeyPrefix = "identity:"

	// TTL is the time-to-live for identity keys in Redis.
	TTL = 1 * time.Hour

	// Status constants for the participant state machine.
	StatusIdle     = "idle"
	StatusMatching = "matching"
	StatusChatting = "chatting"
)

// Identity is a participant's anonymous profile stored in Redis.
type Identity struct {
	ID          string `redis:"id"`
	DisplayName string `redis:"display_name"`
	Affinity    string `redis:"affinity"`
	Status      string `redis:"status"`     // idle | matching | chatting
	SessionID   string `redis:"session_id"` // empty if not in a session
	Server      string `redis:"server"`     // which gateway instance
	CreatedAt   int64  `redis:"created_at"`
	LastActive  int64  `redis:"last_active"`
}

// Store manages identities in Redis.
type Store struct {
	client     *redis.Client
	serverName string
}

// NewStore creates an identity store on a shared Redis client.
func NewStore(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Create stores a new identity with a fresh id, idle status and TTL.
func (s *Store) Create(ctx context.Context, displayName, affinity string) (*Identity, error) {
	now := time.Now().Unix()
	id := &Identity{
		ID:          uuid.NewString(),
		DisplayName: displayName,
		Affinity:    affinity,
		Status:      StatusIdle,
		Server:      s.serverName,
		CreatedAt:   now,
		LastActive:  now,
	}

	key := KeyPrefix + id.ID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":           id.ID,
		"display_name": id.DisplayName,
		"affinity":     id.Affinity,
		"status":       id.Status,
		"session_id":   "",
		"server":       id.Server,
		"created_at":   id.CreatedAt,
		"last_active":  id.LastActive,
	})
	pipe.Expire(ctx, key, TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("identity: create: %w", err)
	}
	return id, nil
}

// Get retrieves an identity. Returns nil if not found or expired.
func (s *Store) Get(ctx context.Context, id string) (*Identity, error) {
	var ident Identity
	if err := s.client.HGetAll(ctx, KeyPrefix+id).Scan(&ident); err != nil {
		return nil, fmt.Errorf("identity: get %s: %w", id, err)
	}
	if ident.ID == "" {
		return nil, nil
	}
	return &ident, nil
}

// Resume returns the stored identity for id, updated with the given
// profile and bound to this server, or creates a new one when id is
// unknown.
func (s *Store) Resume(ctx context.Context, id, displayName, affinity string) (*Identity, error) {
	if id != "" {
		ident, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if ident != nil {
			if err := s.SetProfile(ctx, id, displayName, affinity); err != nil {
				return nil, err
			}
			ident.DisplayName, ident.Affinity, ident.Server = displayName, affinity, s.serverName
			return ident, nil
		}
	}
	return s.Create(ctx, displayName, affinity)
}

// SetProfile updates the display name and affinity and refreshes the TTL.
func (s *Store) SetProfile(ctx context.Context, id, displayName, affinity string) error {
	return s.update(ctx, id, "display_name", displayName, "affinity", affinity, "server", s.serverName)
}

// UpdateStatus updates the participant status and refreshes the TTL.
func (s *Store) UpdateStatus(ctx context.Context, id, status string) error {
	return s.update(ctx, id, "status", status)
}

// SetSession records the active session and marks the status chatting.
func (s *Store) SetSession(ctx context.Context, id, sessionID string) error {
	return s.update(ctx, id, "session_id", sessionID, "status", StatusChatting)
}

// ClearSession removes the active session and resets status to idle.
func (s *Store) ClearSession(ctx context.Context, id string) error {
	return s.update(ctx, id, "session_id", "", "status", StatusIdle)
}

// RefreshTTL extends the identity's TTL.
func (s *Store) RefreshTTL(ctx context.Context, id string) error {
	return s.client.Expire(ctx, KeyPrefix+id, TTL).Err()
}

// Delete removes an identity.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.client.Del(ctx, KeyPrefix+id).Err()
}

func (s *Store) update(ctx context.Context, id string, fields ...interface{}) error {
	key := KeyPrefix + id
	fields = append(fields, "last_active", time.Now().Unix())
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, fields...)
	pipe.Expire(ctx, key, TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("identity: update %s: %w", id, err)
	}
	return nil
}
