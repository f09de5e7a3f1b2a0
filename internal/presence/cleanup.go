package presence

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultCleanupInterval is how often StartCleanup scans for stale entries.
const DefaultCleanupInterval = 5 * time.Second

// ReapFunc is told which keys were removed from a channel.
type ReapFunc func(channel string, keys []string)

// StartCleanup periodically removes entries of crashed participants whose
// heartbeat is older than ttl, and reports them so subscribers of the
// affected channels can resync. It blocks until ctx is cancelled.
func StartCleanup(ctx context.Context, store *Store, interval, ttl time.Duration, onReap ReapFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Str("component", "presence").Dur("interval", interval).Dur("ttl", ttl).Msg("cleanup loop started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("component", "presence").Msg("cleanup loop stopped")
			return
		case <-ticker.C:
			reapAll(ctx, store, ttl, onReap)
		}
	}
}

// reapAll runs one cleanup pass over every indexed channel and returns the
// number of entries removed.
func reapAll(ctx context.Context, store *Store, ttl time.Duration, onReap ReapFunc) int {
	channels, err := store.Channels(ctx)
	if err != nil {
		log.Warn().Err(err).Str("component", "presence").Msg("cleanup: failed to list channels")
		return 0
	}

	removed := 0
	for _, ch := range channels {
		keys, err := store.Reap(ctx, ch, ttl)
		if err != nil {
			log.Warn().Err(err).Str("component", "presence").Str("channel", ch).Msg("cleanup: reap failed")
			continue
		}
		if len(keys) == 0 {
			continue
		}
		removed += len(keys)
		if onReap != nil {
			onReap(ch, keys)
		}
	}

	if removed > 0 {
		log.Info().Str("component", "presence").Int("removed", removed).Msg("cleanup: removed stale entries")
	}
	return removed
}
