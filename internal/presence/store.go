// Package presence stores channel rosters in Redis. Each roster entry is
// one subscription of one participant: a hash field <key>|<ref> holding
// the JSON payload, plus a sorted-set member scored with the last heartbeat
// time. Entries whose heartbeat is older than the TTL are invisible to
// snapshots and removed by Reap.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/rendezvous/internal/bus"
)

const (
	// KeyPrefix is the Redis key prefix for roster data.
	KeyPrefix = "presence:"

	// ChannelsKey indexes every channel with at least one entry.
	ChannelsKey = KeyPrefix + "channels"

	// DefaultTTL is how long an entry stays visible without a heartbeat.
	DefaultTTL = 15 * time.Second
)

// ErrNotTracked is returned by Heartbeat for an entry that no longer
// exists, typically because it was reaped.
var ErrNotTracked = errors.New("presence: entry not tracked")

func entriesKey(channel string) string { return KeyPrefix + channel + ":entries" }
func seenKey(channel string) string    { return KeyPrefix + channel + ":seen" }
func field(key, ref string) string     { return key + "|" + ref }

// splitField returns the presence key of a hash field. Keys may contain
// '|'; the ref never does.
func splitField(f string) string {
	if i := strings.LastIndexByte(f, '|'); i >= 0 {
		return f[:i]
	}
	return f
}

// Store manages rosters in Redis.
type Store struct {
	client *redis.Client
	now    func() time.Time
}

// NewStore creates a Store backed by the given Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client, now: time.Now}
}

// Track adds or replaces an entry and marks it seen now.
func (s *Store) Track(ctx context.Context, channel, key, ref string, payload bus.Payload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("presence: marshal payload: %w", err)
	}
	f := field(key, ref)

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, entriesKey(channel), f, data)
	pipe.ZAdd(ctx, seenKey(channel), redis.Z{Score: float64(s.now().UnixMilli()), Member: f})
	pipe.SAdd(ctx, ChannelsKey, channel)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: track %s on %s: %w", key, channel, err)
	}
	return nil
}

// Untrack removes an entry.
func (s *Store) Untrack(ctx context.Context, channel, key, ref string) error {
	f := field(key, ref)
	pipe := s.client.TxPipeline()
	pipe.HDel(ctx, entriesKey(channel), f)
	pipe.ZRem(ctx, seenKey(channel), f)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: untrack %s on %s: %w", key, channel, err)
	}
	return nil
}

// Heartbeat marks an entry seen now.
func (s *Store) Heartbeat(ctx context.Context, channel, key, ref string) error {
	f := field(key, ref)
	exists, err := s.client.HExists(ctx, entriesKey(channel), f).Result()
	if err != nil {
		return fmt.Errorf("presence: heartbeat %s on %s: %w", key, channel, err)
	}
	if !exists {
		return ErrNotTracked
	}
	if err := s.client.ZAdd(ctx, seenKey(channel), redis.Z{Score: float64(s.now().UnixMilli()), Member: f}).Err(); err != nil {
		return fmt.Errorf("presence: heartbeat %s on %s: %w", key, channel, err)
	}
	return nil
}

// Snapshot returns the roster of entries seen within ttl.
func (s *Store) Snapshot(ctx context.Context, channel string, ttl time.Duration) (bus.Roster, error) {
	fields, err := s.live(ctx, channel, ttl)
	if err != nil {
		return nil, err
	}
	roster := make(bus.Roster)
	if len(fields) == 0 {
		return roster, nil
	}

	values, err := s.client.HMGet(ctx, entriesKey(channel), fields...).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: read %s: %w", channel, err)
	}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Untracked between the two reads.
			continue
		}
		var p bus.Payload
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			continue
		}
		key := splitField(fields[i])
		roster[key] = append(roster[key], p)
	}
	return roster, nil
}

// Count returns the number of distinct keys seen within ttl.
func (s *Store) Count(ctx context.Context, channel string, ttl time.Duration) (int, error) {
	fields, err := s.live(ctx, channel, ttl)
	if err != nil {
		return 0, err
	}
	keys := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		keys[splitField(f)] = struct{}{}
	}
	return len(keys), nil
}

// Reap deletes entries not seen within ttl and returns their keys. A
// channel left without entries is dropped from the channel index.
func (s *Store) Reap(ctx context.Context, channel string, ttl time.Duration) ([]string, error) {
	cutoff := s.now().Add(-ttl).UnixMilli()
	stale, err := s.client.ZRangeByScore(ctx, seenKey(channel), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: scan stale %s: %w", channel, err)
	}

	var keys []string
	if len(stale) > 0 {
		members := make([]interface{}, len(stale))
		for i, f := range stale {
			members[i] = f
			keys = append(keys, splitField(f))
		}
		pipe := s.client.TxPipeline()
		pipe.HDel(ctx, entriesKey(channel), stale...)
		pipe.ZRem(ctx, seenKey(channel), members...)
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("presence: reap %s: %w", channel, err)
		}
	}

	remaining, err := s.client.ZCard(ctx, seenKey(channel)).Result()
	if err == nil && remaining == 0 {
		s.client.SRem(ctx, ChannelsKey, channel)
	}
	return keys, nil
}

// Channels lists channels that had entries at their last reap.
func (s *Store) Channels(ctx context.Context) ([]string, error) {
	chans, err := s.client.SMembers(ctx, ChannelsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: list channels: %w", err)
	}
	return chans, nil
}

func (s *Store) live(ctx context.Context, channel string, ttl time.Duration) ([]string, error) {
	cutoff := s.now().Add(-ttl).UnixMilli()
	fields, err := s.client.ZRangeByScore(ctx, seenKey(channel), &redis.ZRangeBy{
		Min: strconv.FormatInt(cutoff, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: scan %s: %w", channel, err)
	}
	return fields, nil
}
