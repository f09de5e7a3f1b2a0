package rooms

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultMaxAge is how long a group room lives after creation.
const DefaultMaxAge = 24 * time.Hour

// StartExpiry removes rooms older than maxAge every interval until ctx is
// cancelled. The first pass runs immediately.
func StartExpiry(ctx context.Context, dir Directory, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Str("component", "rooms").Dur("interval", interval).Dur("max_age", maxAge).Msg("expiry loop started")
	for {
		expire(ctx, dir, maxAge)
		select {
		case <-ctx.Done():
			log.Info().Str("component", "rooms").Msg("expiry loop stopped")
			return
		case <-ticker.C:
		}
	}
}

func expire(ctx context.Context, dir Directory, maxAge time.Duration) int {
	n, err := dir.Cleanup(ctx, maxAge)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Str("component", "rooms").Msg("room expiry failed")
		}
		return 0
	}
	if n > 0 {
		log.Info().Str("component", "rooms").Int("removed", n).Msg("expired rooms removed")
	}
	return n
}
