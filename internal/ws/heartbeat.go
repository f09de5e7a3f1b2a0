package ws

import (
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog/log"
)

// HeartbeatConfig holds liveness check parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping
	Timeout  time.Duration // grace after a missed interval
}

// DefaultHeartbeatConfig pings every 30s and drops connections silent for
// 40s.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat pings every connection on each interval and removes those
// with no activity within Interval + Timeout. It returns immediately; the
// goroutine exits on Shutdown.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	if config.Interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case now := <-ticker.C:
				checkConnections(server, config, now)
			}
		}
	}()
}

func checkConnections(server *Server, config HeartbeatConfig, now time.Time) {
	deadline := config.Interval + config.Timeout

	for _, c := range server.Connections().All() {
		if idle := now.Sub(c.LastSeen()); idle > deadline {
			log.Debug().Str("component", "ws").Str("conn", c.ID).Dur("idle", idle).Msg("heartbeat timeout")
			server.RemoveConnection(c)
			continue
		}

		// Browsers answer protocol pings automatically.
		if err := c.WritePing(); err != nil {
			log.Debug().Err(err).Str("component", "ws").Str("conn", c.ID).Msg("heartbeat ping failed")
			server.RemoveConnection(c)
		}
	}
}

// WritePing sends a protocol-level ping frame.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}
