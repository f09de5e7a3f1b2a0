// Package messaging provides the NATS client the networked bus runs on. It
// handles connection lifecycle, per-channel presence and broadcast subjects,
// and a subscription registry that is drained on close.
package messaging

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Subject layout. Every bus channel owns two subjects:
//
//	bus.<channel>.presence   roster change notices
//	bus.<channel>.broadcast  broadcast envelopes
const (
	SubjectPrefix     = "bus"
	presenceSuffix    = "presence"
	broadcastSuffix   = "broadcast"
	subjectTokenChars = ".*> \t\r\n"
)

// PresenceSubject returns the notice subject of a channel.
func PresenceSubject(channel string) string {
	return SubjectPrefix + "." + token(channel) + "." + presenceSuffix
}

// BroadcastSubject returns the broadcast subject of a channel.
func BroadcastSubject(channel string) string {
	return SubjectPrefix + "." + token(channel) + "." + broadcastSuffix
}

// token makes a channel name safe to use as one subject token.
func token(name string) string {
	if !strings.ContainsAny(name, subjectTokenChars) {
		return name
	}
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(subjectTokenChars, r) {
			return '_'
		}
		return r
	}, name)
}

// Presence notice operations.
const (
	OpJoin   = "join"
	OpLeave  = "leave"
	OpReaped = "reaped"
)

// PresenceNotice tells subscribers of a channel that its roster changed.
// The roster itself lives in the presence store; receivers re-read it.
type PresenceNotice struct {
	Op   string   `json:"op"`
	Key  string   `json:"key,omitempty"`
	Ref  string   `json:"ref,omitempty"`
	Keys []string `json:"keys,omitempty"` // reaped keys
}

// Envelope is the wire form of a broadcast.
type Envelope struct {
	Event   string          `json:"event"`
	Ref     string          `json:"ref"` // sending handle
	Payload json.RawMessage `json:"payload"`
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "whisper-rendezvous",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// Client wraps the NATS connection with helpers for bus subjects.
type Client struct {
	conn *nats.Conn

	mu   sync.Mutex
	subs map[*nats.Subscription]struct{}

	lmu       sync.Mutex
	listeners []func(connected bool, err error)
}

// Connect dials NATS with the given config and returns a ready client. It
// returns an error if the initial connection fails.
func Connect(config Config) (*Client, error) {
	c := &Client{subs: make(map[*nats.Subscription]struct{})}

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Str("component", "nats").Msg("disconnected")
			} else {
				log.Warn().Str("component", "nats").Msg("disconnected")
			}
			c.notify(false, err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("component", "nats").Str("url", nc.ConnectedUrl()).Msg("reconnected")
			c.notify(true, nil)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Info().Str("component", "nats").Msg("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("messaging: nats connect: %w", err)
	}
	c.conn = nc

	log.Info().Str("component", "nats").Str("url", nc.ConnectedUrl()).Msg("connected")
	return c, nil
}

// OnConnectionChange registers fn for disconnect (false) and reconnect
// (true) transitions.
func (c *Client) OnConnectionChange(fn func(connected bool, err error)) {
	c.lmu.Lock()
	c.listeners = append(c.listeners, fn)
	c.lmu.Unlock()
}

func (c *Client) notify(connected bool, err error) {
	c.lmu.Lock()
	fns := append([]func(bool, error){}, c.listeners...)
	c.lmu.Unlock()
	for _, fn := range fns {
		fn(connected, err)
	}
}

// IsConnected reports whether the connection is currently usable.
func (c *Client) IsConnected() bool {
	return c.conn.IsConnected()
}

// Publish sends data to the given NATS subject.
func (c *Client) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Flush waits until the server has processed everything published so far.
func (c *Client) Flush(timeout time.Duration) error {
	return c.conn.FlushTimeout(timeout)
}

// Subscribe registers a handler for the given subject. The subscription is
// tracked so Close can drain it.
func (c *Client) Subscribe(subject string, handler func(data []byte)) (*nats.Subscription, error) {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("messaging: subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[sub] = struct{}{}
	c.mu.Unlock()
	return sub, nil
}

// Unsubscribe removes one subscription.
func (c *Client) Unsubscribe(sub *nats.Subscription) error {
	if sub == nil {
		return nil
	}
	c.mu.Lock()
	delete(c.subs, sub)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil && err != nats.ErrConnectionClosed && err != nats.ErrBadSubscription {
		return fmt.Errorf("messaging: unsubscribe %s: %w", sub.Subject, err)
	}
	return nil
}

// PublishPresence announces a roster change on a channel.
func (c *Client) PublishPresence(channel string, notice PresenceNotice) error {
	data, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("messaging: marshal presence notice: %w", err)
	}
	return c.Publish(PresenceSubject(channel), data)
}

// PublishBroadcast publishes a broadcast envelope on a channel.
func (c *Client) PublishBroadcast(channel string, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("messaging: marshal envelope: %w", err)
	}
	return c.Publish(BroadcastSubject(channel), data)
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Warn().Err(err).Str("component", "nats").Str("subject", sub.Subject).Msg("drain failed")
		}
	}
	c.subs = make(map[*nats.Subscription]struct{})

	if err := c.conn.Drain(); err != nil {
		log.Warn().Err(err).Str("component", "nats").Msg("connection drain failed")
	}

	log.Info().Str("component", "nats").Msg("client closed")
}
