// Package ratelimit throttles gateway actions with fixed Redis windows: a
// counter per identifier and rule that expires with its window.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Rule is one throttling policy. Key prefixes the counter of each
// identifier.
type Rule struct {
	Key    string
	Limit  int
	Window time.Duration
}

// Gateway rules.
var (
	// RuleMessage allows 5 chat messages per 10 seconds per participant.
	RuleMessage = Rule{Key: "rl:msg:", Limit: 5, Window: 10 * time.Second}

	// RuleMatch allows 10 match searches per minute per participant.
	RuleMatch = Rule{Key: "rl:match:", Limit: 10, Window: 1 * time.Minute}

	// RuleRoom allows 5 room creations per 10 minutes per participant.
	RuleRoom = Rule{Key: "rl:room:", Limit: 5, Window: 10 * time.Minute}

	// RuleConnect allows 5 WebSocket connections per minute per IP.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 5, Window: 1 * time.Minute}
)

// countScript increments the counter and starts its window on the first
// hit, so a counter can never be left without an expiry.
var countScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// Limiter checks rules against Redis counters.
type Limiter struct {
	client *redis.Client
}

func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow counts one action by identifier and reports whether it is within
// rule. Redis errors fail open and are returned alongside true.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := countScript.Run(ctx, l.client, []string{key}, rule.Window.Milliseconds()).Int()
	if err != nil {
		log.Warn().Err(err).Str("component", "ratelimit").Str("key", key).Msg("rate limit check failed, failing open")
		return true, err
	}
	return count <= rule.Limit, nil
}

// Remaining returns the number of requests the identifier has left in the
// current window for the given rule. Returns the full limit if the key does not
// exist yet. On Redis errors it returns the full limit (fail open).
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if err == redis.Nil {
		return rule.Limit, nil
	}
	if err != nil {
		log.Warn().Err(err).Str("component", "ratelimit").Str("key", key).Msg("redis GET failed, failing open")
		return rule.Limit, err
	}

	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// RetryAfter returns how long until the identifier's current window for
// rule resets. It returns the full window when the TTL cannot be read.
func (l *Limiter) RetryAfter(ctx context.Context, identifier string, rule Rule) time.Duration {
	ttl, err := l.client.TTL(ctx, rule.Key+identifier).Result()
	if err != nil || ttl <= 0 {
		return rule.Window
	}
	return ttl
}
