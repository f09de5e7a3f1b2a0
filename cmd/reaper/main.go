// Command reaper removes presence entries of crashed participants, telling
// their channels to resync, and expires old group rooms.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/whisper/rendezvous/internal/config"
	"github.com/whisper/rendezvous/internal/messaging"
	"github.com/whisper/rendezvous/internal/metrics"
	"github.com/whisper/rendezvous/internal/netbus"
	"github.com/whisper/rendezvous/internal/presence"
	"github.com/whisper/rendezvous/internal/rooms"
)

const roomExpiryInterval = 10 * time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	cfg.SetupLogging()
	logger := log.With().Str("component", "reaper").Logger()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("failed to connect to redis")
	}

	natsConfig := messaging.DefaultConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = cfg.ServerName + "-reaper"
	nc, err := messaging.Connect(natsConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to nats")
	}

	store := presence.NewStore(rdb)
	b := netbus.New(nc, store, netbus.WithTTL(cfg.PresenceTTL))

	dir, closeDir, err := rooms.Open(cfg.RoomStore, rdb, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Str("store", cfg.RoomStore).Msg("failed to open room directory")
	}

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server error")
			}
		}()
	}

	logger.Info().
		Str("redis_addr", cfg.RedisAddr).
		Str("nats_url", cfg.NATSURL).
		Str("room_store", cfg.RoomStore).
		Dur("presence_ttl", cfg.PresenceTTL).
		Dur("room_max_age", cfg.RoomMaxAge).
		Msg("reaper running")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		presence.StartCleanup(ctx, store, cfg.CleanupInterval, cfg.PresenceTTL, b.NotifyReaped)
	}()
	go func() {
		defer wg.Done()
		rooms.StartExpiry(ctx, dir, roomExpiryInterval, cfg.RoomMaxAge)
	}()
	wg.Wait()

	logger.Info().Msg("shutting down")
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsServer.Shutdown(shutdownCtx)
		cancel()
	}
	nc.Close()
	if err := closeDir(); err != nil {
		logger.Error().Err(err).Msg("room directory close error")
	}
	if err := rdb.Close(); err != nil {
		logger.Error().Err(err).Msg("redis close error")
	}
}
