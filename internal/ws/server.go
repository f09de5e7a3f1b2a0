// Package ws is the gateway's WebSocket transport: HTTP upgrade, epoll
// driven frame reads on a bounded worker pool, per-connection write
// serialization and liveness checks. It knows nothing about matching or
// sessions; the gateway plugs in through Hooks.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/whisper/rendezvous/internal/metrics"
)

// MaxFrameSize bounds a client data frame.
const MaxFrameSize = 64 * 1024

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 10000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Hooks connect the transport to the application. All are optional.
// OnMessage runs on a worker goroutine, one frame per connection at a time.
type Hooks struct {
	OnConnect    func(c *Connection)
	OnMessage    func(c *Connection, data []byte)
	OnDisconnect func(c *Connection)
}

// Server upgrades HTTP connections to WebSocket, registers them with epoll
// for read readiness and dispatches ready connections to a bounded worker
// pool for frame reading.
type Server struct {
	config     ServerConfig
	hooks      Hooks
	epoll      *Epoll
	conns      *ConnectionManager
	workerPool chan struct{} // semaphore limiting concurrent read workers
	httpServer *http.Server
	done       chan struct{}
	stopOnce   sync.Once
	startedAt  time.Time
}

// NewServer creates a Server. The epoll instance is created here so the
// upgrade handler can be mounted on a router before Start.
func NewServer(config ServerConfig, hooks Hooks) (*Server, error) {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	ep, err := NewEpoll()
	if err != nil {
		return nil, fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	return &Server{
		config:     config,
		hooks:      hooks,
		epoll:      ep,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		done:       make(chan struct{}),
		startedAt:  time.Now(),
	}, nil
}

// Router returns a chi router serving /ws and /health. Callers mount
// further routes on it before passing it to Start.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Get("/ws", s.HandleUpgrade)
	r.Get("/health", s.HandleHealth)
	return r
}

// Start runs the epoll event loop and heartbeat monitor in the background
// and blocks serving handler until Shutdown.
func (s *Server) Start(handler http.Handler) error {
	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.startEventLoop()
	StartHeartbeat(s, s.config.Heartbeat)

	log.Info().
		Str("component", "ws").
		Str("addr", s.config.ListenAddr).
		Int("workers", s.config.WorkerPoolSize).
		Int("max_conns", s.config.MaxConnections).
		Msg("server listening")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// HandleUpgrade upgrades the request with the gobwas zero-copy upgrader,
// registers the connection and runs the OnConnect hook.
func (s *Server) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Debug().Err(err).Str("component", "ws").Msg("upgrade failed")
		return
	}

	rc, err := s.epoll.Add(conn)
	if err != nil {
		log.Error().Err(err).Str("component", "ws").Msg("epoll add failed")
		conn.Close()
		return
	}

	now := time.Now()
	c := &Connection{
		ID:        uuid.NewString(),
		Conn:      rc,
		Fd:        socketFD(rc),
		RemoteIP:  r.RemoteAddr,
		CreatedAt: now,
	}
	c.Touch(now)
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()

	if s.hooks.OnConnect != nil {
		s.hooks.OnConnect(c)
	}
	log.Debug().Str("component", "ws").Str("conn", c.ID).Int("fd", c.Fd).Int("total", s.conns.Count()).Msg("new connection")
}

// HandleHealth reports connection count and uptime as JSON.
func (s *Server) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				if isEINTR(err) {
					continue
				}
				log.Warn().Err(err).Str("component", "ws").Msg("epoll wait error")
				continue
			}
		}

		for _, conn := range conns {
			conn := conn
			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads one frame from a ready connection. Control frames are
// consumed without waiting for data.
func (s *Server) handleConn(netConn net.Conn) {
	defer s.epoll.Resume(netConn)

	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Level-triggered epoll may dispatch the same connection twice.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// Stale dispatch with nothing to read; the heartbeat handles dead peers.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}
	_ = netConn.SetReadDeadline(time.Time{})
	c.Touch(time.Now())

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		return
	}

	if header.Length > MaxFrameSize {
		log.Warn().Str("component", "ws").Str("conn", c.ID).Int64("size", header.Length).Msg("frame too large")
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}
	if len(data) == 0 {
		return
	}

	if s.hooks.OnMessage != nil {
		s.hooks.OnMessage(c, data)
	}
}

// RemoveConnection unregisters and closes c and runs the OnDisconnect hook
// once, however many goroutines race to remove it.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c.Conn)
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.hooks.OnDisconnect != nil {
		s.hooks.OnDisconnect(c)
	}
	log.Debug().Str("component", "ws").Str("conn", c.ID).Int("total", s.conns.Count()).Msg("connection closed")
}

// SendMessage writes a text frame to the connection identified by connID.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}
	return c.WriteMessageTimeout(data, s.config.WriteTimeout)
}

// Connections returns the connection registry.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops accepting connections, ends the event loop and closes
// every connection, running OnDisconnect for each.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		log.Info().Str("component", "ws").Msg("shutting down server")
		close(s.done)

		if s.httpServer != nil {
			if herr := s.httpServer.Shutdown(ctx); herr != nil {
				err = fmt.Errorf("ws: http shutdown: %w", herr)
			}
		}
		for _, c := range s.conns.All() {
			s.RemoveConnection(c)
		}
		_ = s.epoll.Close()
		log.Info().Str("component", "ws").Msg("server stopped")
	})
	return err
}

// isEINTR reports an interrupted syscall, which epoll_wait returns during
// signal handling.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
