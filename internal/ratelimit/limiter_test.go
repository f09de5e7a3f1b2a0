package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T) *Limiter {
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
	return NewLimiter(client)
}

func TestAllowWithinLimit(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "p1", rule)
		require.NoError(t, err)
		assert.True(t, ok, "request %d should pass", i+1)
	}

	ok, err := l.Allow(ctx, "p1", rule)
	require.NoError(t, err)
	assert.False(t, ok)

	// Other identifiers have their own window.
	ok, _ = l.Allow(ctx, "p2", rule)
	assert.True(t, ok)
}

func TestRemainingAndRetryAfter(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:test:", Limit: 2, Window: 30 * time.Second}

	n, err := l.Remaining(ctx, "p1", rule)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, rule.Window, l.RetryAfter(ctx, "p1", rule))

	_, _ = l.Allow(ctx, "p1", rule)
	_, _ = l.Allow(ctx, "p1", rule)
	_, _ = l.Allow(ctx, "p1", rule)

	n, _ = l.Remaining(ctx, "p1", rule)
	assert.Equal(t, 0, n)

	retry := l.RetryAfter(ctx, "p1", rule)
	assert.Greater(t, retry, time.Duration(0))
	assert.LessOrEqual(t, retry, rule.Window)
}

func TestFailOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer client.Close()
	l := NewLimiter(client)

	ok, err := l.Allow(context.Background(), "p1", RuleMessage)
	assert.Error(t, err)
	assert.True(t, ok)
}
