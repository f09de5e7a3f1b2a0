package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis keys. Each room is a JSON string under room:<HASH>; the indexes
// are sorted sets scored by creation time in milliseconds.
const (
	roomKeyPrefix = "room:"
	allRoomsKey   = "rooms:all"
	publicKey     = "rooms:public"
)

// Compile-time interface check.
var _ Directory = (*RedisStore)(nil)

// RedisStore keeps the directory in Redis.
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisStore creates a directory on a shared Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

func (s *RedisStore) Create(ctx context.Context, params CreateParams) (*Room, error) {
	for attempt := 0; attempt < maxCreateAttempts; attempt++ {
		room, err := newRoom(params, GenerateHash(), s.now())
		if err != nil {
			return nil, err
		}
		ok, err := s.put(ctx, room)
		if err != nil {
			return nil, err
		}
		if ok {
			return room, nil
		}
	}
	return nil, fmt.Errorf("rooms: no free hash after %d attempts", maxCreateAttempts)
}

func (s *RedisStore) LookupByHash(ctx context.Context, hash string) (*Room, error) {
	h, err := checkHash(hash)
	if err != nil {
		return nil, err
	}
	return s.get(ctx, h)
}

func (s *RedisStore) Join(ctx context.Context, hash string) (*Room, error) {
	h, err := checkHash(hash)
	if err != nil {
		return nil, err
	}
	room, err := s.get(ctx, h)
	if err != nil || room != nil {
		return room, err
	}

	room = placeholder(h, s.now())
	if _, err := s.put(ctx, room); err != nil {
		return nil, err
	}
	// A concurrent joiner or creator may have won; read back the winner.
	return s.get(ctx, h)
}

func (s *RedisStore) ListPublic(ctx context.Context) ([]Room, error) {
	hashes, err := s.client.ZRevRange(ctx, publicKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("rooms: list public: %w", err)
	}
	rooms := make([]Room, 0, len(hashes))
	for _, h := range hashes {
		room, err := s.get(ctx, h)
		if err != nil {
			return nil, err
		}
		if room != nil {
			rooms = append(rooms, *room)
		}
	}
	return rooms, nil
}

func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	pipe := s.client.Pipeline()
	total := pipe.ZCard(ctx, allRoomsKey)
	public := pipe.ZCard(ctx, publicKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("rooms: stats: %w", err)
	}
	st := Stats{Total: int(total.Val()), Public: int(public.Val())}
	st.Private = st.Total - st.Public
	return st, nil
}

func (s *RedisStore) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := s.now().Add(-maxAge).UnixMilli()
	hashes, err := s.client.ZRangeByScore(ctx, allRoomsKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("rooms: scan expired: %w", err)
	}
	if len(hashes) == 0 {
		return 0, nil
	}

	members := make([]interface{}, len(hashes))
	keys := make([]string, len(hashes))
	for i, h := range hashes {
		members[i] = h
		keys[i] = roomKeyPrefix + h
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, keys...)
	pipe.ZRem(ctx, allRoomsKey, members...)
	pipe.ZRem(ctx, publicKey, members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("rooms: cleanup: %w", err)
	}
	return len(hashes), nil
}

// put stores room unless its hash is taken and reports whether it did.
func (s *RedisStore) put(ctx context.Context, room *Room) (bool, error) {
	data, err := json.Marshal(room)
	if err != nil {
		return false, fmt.Errorf("rooms: marshal: %w", err)
	}
	ok, err := s.client.SetNX(ctx, roomKeyPrefix+room.Hash, data, 0).Result()
	if err != nil {
		return false, fmt.Errorf("rooms: store %s: %w", room.Hash, err)
	}
	if !ok {
		return false, nil
	}

	score := float64(room.CreatedAt.UnixMilli())
	pipe := s.client.Pipeline()
	pipe.ZAdd(ctx, allRoomsKey, redis.Z{Score: score, Member: room.Hash})
	if room.IsPublic {
		pipe.ZAdd(ctx, publicKey, redis.Z{Score: score, Member: room.Hash})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rooms: index %s: %w", room.Hash, err)
	}
	return true, nil
}

func (s *RedisStore) get(ctx context.Context, hash string) (*Room, error) {
	data, err := s.client.Get(ctx, roomKeyPrefix+hash).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("rooms: get %s: %w", hash, err)
	}
	var room Room
	if err := json.Unmarshal(data, &room); err != nil {
		return nil, fmt.Errorf("rooms: decode %s: %w", hash, err)
	}
	return &room, nil
}
