package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/whisper/rendezvous/internal/config"
	"github.com/whisper/rendezvous/internal/gateway"
	"github.com/whisper/rendezvous/internal/identity"
	"github.com/whisper/rendezvous/internal/matching"
	"github.com/whisper/rendezvous/internal/messaging"
	"github.com/whisper/rendezvous/internal/metrics"
	"github.com/whisper/rendezvous/internal/netbus"
	"github.com/whisper/rendezvous/internal/presence"
	"github.com/whisper/rendezvous/internal/ratelimit"
	"github.com/whisper/rendezvous/internal/rooms"
	"github.com/whisper/rendezvous/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	cfg.SetupLogging()

	// --- Redis ---
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("failed to connect to redis")
	}

	// --- NATS ---
	natsConfig := messaging.DefaultConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = cfg.ServerName
	nc, err := messaging.Connect(natsConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to nats")
	}

	// --- Bus and protocol ---
	b := netbus.New(nc, presence.NewStore(rdb),
		netbus.WithTTL(cfg.PresenceTTL),
		netbus.WithHeartbeat(cfg.PresenceHeartbeat),
	)
	coord := matching.NewCoordinator(b, matching.WithConfig(cfg.Matching()))

	monitor := matching.NewWaitingRoomMonitor(b, time.Now())
	if err := monitor.Start(context.Background()); err != nil {
		log.Warn().Err(err).Msg("waiting room monitor unavailable")
	}

	dir, closeDir, err := rooms.Open(cfg.RoomStore, rdb, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Str("store", cfg.RoomStore).Msg("failed to open room directory")
	}
	prober := rooms.NewProber(b, rooms.WithProbeTimeout(cfg.RoomProbeTimeout))

	gw := gateway.New(b, coord,
		gateway.WithConfig(gateway.Config{
			MatchTimeout:        cfg.MatchTimeout,
			SessionMaxOccupancy: cfg.SessionMaxOccupancy,
			RoomMaxUsers:        cfg.GroupMaxOccupancy,
			Reconnect:           cfg.Reconnect(),
		}),
		gateway.WithIdentities(identity.NewStore(rdb, cfg.ServerName)),
		gateway.WithLimiter(ratelimit.NewLimiter(rdb)),
		gateway.WithRooms(dir, prober),
		gateway.WithMonitor(monitor),
	)

	// --- HTTP ---
	wsConfig := ws.DefaultServerConfig()
	wsConfig.ListenAddr = cfg.ListenAddr
	wsConfig.WorkerPoolSize = cfg.WorkerPoolSize
	wsConfig.MaxConnections = cfg.MaxConnections
	wsConfig.ReadTimeout = cfg.ReadTimeout
	wsConfig.WriteTimeout = cfg.WriteTimeout

	server, err := ws.NewServer(wsConfig, gw.Hooks())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create websocket server")
	}
	router := server.Router()
	router.Get("/rooms", gateway.RoomsHandler(dir))

	var metricsServer *http.Server
	if cfg.MetricsAddr == "" {
		router.Handle("/metrics", metrics.Handler())
	} else {
		metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler(), ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics server error")
			}
		}()
	}

	log.Info().
		Str("server", cfg.ServerName).
		Str("listen_addr", cfg.ListenAddr).
		Str("nats_url", cfg.NATSURL).
		Str("redis_addr", cfg.RedisAddr).
		Str("room_store", cfg.RoomStore).
		Dur("match_timeout", cfg.MatchTimeout).
		Msg("rendezvous gateway starting")

	// Graceful shutdown.
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("shutting down")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("websocket server shutdown error")
		}
		if metricsServer != nil {
			_ = metricsServer.Shutdown(ctx)
		}
		_ = monitor.Close()
		nc.Close()
		if err := closeDir(); err != nil {
			log.Error().Err(err).Msg("room directory close error")
		}
		if err := rdb.Close(); err != nil {
			log.Error().Err(err).Msg("redis close error")
		}
	}()

	if err := server.Start(router); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
	<-stopped
	log.Info().Msg("gateway stopped")
}
