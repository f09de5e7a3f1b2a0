// Package config loads service settings from the environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/whisper/rendezvous/internal/backoff"
	"github.com/whisper/rendezvous/internal/matching"
	"github.com/whisper/rendezvous/internal/rooms"
)

// Room directory backends.
const (
	RoomStoreRedis    = rooms.BackendRedis
	RoomStorePostgres = rooms.BackendPostgres
)

type Config struct {
	ServerName  string `env:"SERVER_NAME" envDefault:"rendezvous-1"`
	ListenAddr  string `env:"LISTEN_ADDR" envDefault:":8080"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:""`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"json"`

	NATSURL     string `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	RedisAddr   string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	DatabaseURL string `env:"DATABASE_URL"`
	RoomStore   string `env:"ROOM_STORE" envDefault:"redis"`

	MatchTimeout      time.Duration `env:"MATCH_TIMEOUT" envDefault:"30s"`
	MatchSettle       time.Duration `env:"MATCH_SETTLE" envDefault:"1s"`
	MatchLinger       time.Duration `env:"MATCH_LINGER" envDefault:"1s"`
	ReconnectBase     time.Duration `env:"RECONNECT_BASE" envDefault:"2s"`
	ReconnectAttempts int           `env:"RECONNECT_ATTEMPTS" envDefault:"3"`

	SessionMaxOccupancy int `env:"SESSION_MAX_OCCUPANCY" envDefault:"2"`
	GroupMaxOccupancy   int `env:"GROUP_MAX_OCCUPANCY" envDefault:"10"`

	PresenceHeartbeat time.Duration `env:"PRESENCE_HEARTBEAT" envDefault:"5s"`
	PresenceTTL       time.Duration `env:"PRESENCE_TTL" envDefault:"15s"`
	CleanupInterval   time.Duration `env:"CLEANUP_INTERVAL" envDefault:"5s"`
	RoomProbeTimeout  time.Duration `env:"ROOM_PROBE_TIMEOUT" envDefault:"3s"`
	RoomMaxAge        time.Duration `env:"ROOM_MAX_AGE" envDefault:"24h"`

	WorkerPoolSize int           `env:"WORKER_POOL_SIZE" envDefault:"256"`
	MaxConnections int           `env:"MAX_CONNECTIONS" envDefault:"10000"`
	ReadTimeout    time.Duration `env:"READ_TIMEOUT" envDefault:"60s"`
	WriteTimeout   time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
}

// Load parses the environment and validates the result.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the protocol cannot run with.
func (c *Config) Validate() error {
	durations := []struct {
		name string
		d    time.Duration
	}{
		{"MATCH_TIMEOUT", c.MatchTimeout},
		{"MATCH_SETTLE", c.MatchSettle},
		{"MATCH_LINGER", c.MatchLinger},
		{"RECONNECT_BASE", c.ReconnectBase},
		{"PRESENCE_HEARTBEAT", c.PresenceHeartbeat},
		{"PRESENCE_TTL", c.PresenceTTL},
		{"CLEANUP_INTERVAL", c.CleanupInterval},
		{"ROOM_PROBE_TIMEOUT", c.RoomProbeTimeout},
		{"ROOM_MAX_AGE", c.RoomMaxAge},
		{"READ_TIMEOUT", c.ReadTimeout},
		{"WRITE_TIMEOUT", c.WriteTimeout},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.d)
		}
	}
	if c.ReconnectAttempts < 1 {
		return fmt.Errorf("RECONNECT_ATTEMPTS must be at least 1, got %d", c.ReconnectAttempts)
	}
	if c.SessionMaxOccupancy < 2 {
		return fmt.Errorf("SESSION_MAX_OCCUPANCY must be at least 2, got %d", c.SessionMaxOccupancy)
	}
	if c.GroupMaxOccupancy < 2 {
		return fmt.Errorf("GROUP_MAX_OCCUPANCY must be at least 2, got %d", c.GroupMaxOccupancy)
	}
	if c.PresenceTTL <= c.PresenceHeartbeat {
		return fmt.Errorf("PRESENCE_TTL (%s) must exceed PRESENCE_HEARTBEAT (%s)", c.PresenceTTL, c.PresenceHeartbeat)
	}
	switch c.RoomStore {
	case RoomStoreRedis:
	case RoomStorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when ROOM_STORE=postgres")
		}
	default:
		return fmt.Errorf("ROOM_STORE must be %q or %q, got %q", RoomStoreRedis, RoomStorePostgres, c.RoomStore)
	}
	if c.WorkerPoolSize < 1 || c.MaxConnections < 1 {
		return fmt.Errorf("WORKER_POOL_SIZE and MAX_CONNECTIONS must be positive")
	}
	return nil
}

// Reconnect returns the bus reconnection policy.
func (c *Config) Reconnect() backoff.Policy {
	return backoff.Policy{Base: c.ReconnectBase, MaxAttempts: c.ReconnectAttempts}
}

// Matching returns the coordinator timings.
func (c *Config) Matching() matching.Config {
	return matching.Config{
		Timeout:   c.MatchTimeout,
		Settle:    c.MatchSettle,
		Linger:    c.MatchLinger,
		Reconnect: c.Reconnect(),
	}
}

// SetupLogging configures the global zerolog logger from LOG_LEVEL and
// LOG_FORMAT.
func (c *Config) SetupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if strings.EqualFold(c.LogFormat, "console") {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
