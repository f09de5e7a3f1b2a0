package presence

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/rendezvous/internal/bus"
)

// newTestStore connects to a local Redis on DB 15 and flushes it. The
// store's clock is controlled by the returned pointer.
func newTestStore(t *testing.T) (*Store, *time.Time) {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	client.FlushDB(ctx)
	t.Cleanup(func() {
		client.FlushDB(ctx)
		client.Close()
	})

	now := time.UnixMilli(1700000000000)
	s := NewStore(client)
	s.now = func() time.Time { return now }
	return s, &now
}

func TestTrackSnapshotUntrack(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Track(ctx, "room", "alice", "r1", bus.Payload{"display_name": "Alice"}))
	require.NoError(t, s.Track(ctx, "room", "alice", "r2", bus.Payload{"display_name": "Alice (tab 2)"}))
	require.NoError(t, s.Track(ctx, "room", "bob|pipe", "r3", bus.Payload{"display_name": "Bob"}))

	roster, err := s.Snapshot(ctx, "room", DefaultTTL)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob|pipe"}, roster.Keys())
	assert.Len(t, roster["alice"], 2)

	n, err := s.Count(ctx, "room", DefaultTTL)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, s.Untrack(ctx, "room", "bob|pipe", "r3"))
	roster, _ = s.Snapshot(ctx, "room", DefaultTTL)
	assert.False(t, roster.Has("bob|pipe"))
}

func TestStaleEntriesHiddenAndReaped(t *testing.T) {
	s, now := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Track(ctx, "room", "ghost", "r1", bus.Payload{}))
	*now = now.Add(10 * time.Second)
	require.NoError(t, s.Track(ctx, "room", "alice", "r2", bus.Payload{}))
	*now = now.Add(10 * time.Second)

	roster, err := s.Snapshot(ctx, "room", DefaultTTL)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, roster.Keys())

	var reaped []string
	n := reapAll(ctx, s, DefaultTTL, func(ch string, keys []string) {
		assert.Equal(t, "room", ch)
		reaped = keys
	})
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"ghost"}, reaped)

	assert.ErrorIs(t, s.Heartbeat(ctx, "room", "ghost", "r1"), ErrNotTracked)
	require.NoError(t, s.Heartbeat(ctx, "room", "alice", "r2"))

	chans, _ := s.Channels(ctx)
	assert.Equal(t, []string{"room"}, chans)

	*now = now.Add(time.Minute)
	keys, err := s.Reap(ctx, "room", DefaultTTL)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, keys)

	chans, _ = s.Channels(ctx)
	assert.Empty(t, chans, "empty channels leave the index")
}
