package matching

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/whisper/rendezvous/internal/bus"
	"github.com/whisper/rendezvous/internal/metrics"
	"github.com/whisper/rendezvous/internal/protocol"
)

// WaitingRoomMonitor observes the waiting channel without joining its
// roster and reports how many participants are searching.
type WaitingRoomMonitor struct {
	ch     bus.Channel
	logger zerolog.Logger
	count  atomic.Int64

	mu        sync.Mutex
	listeners []func(int)
}

// NewWaitingRoomMonitor creates a monitor keyed monitor-<unix ms>.
func NewWaitingRoomMonitor(b bus.MessageBus, now time.Time) *WaitingRoomMonitor {
	key := fmt.Sprintf("%s%d", protocol.MonitorKeyPrefix, now.UnixMilli())
	m := &WaitingRoomMonitor{
		ch:     b.Channel(protocol.WaitingChannel, key),
		logger: log.With().Str("component", "monitor").Logger(),
	}
	m.ch.OnPresence(func(bus.PresenceEvent) { m.refresh() })
	return m
}

// OnChange registers fn to receive the waiting count whenever it changes.
func (m *WaitingRoomMonitor) OnChange(fn func(int)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Start subscribes in observe-only mode.
func (m *WaitingRoomMonitor) Start(ctx context.Context) error {
	if err := m.ch.Subscribe(ctx, nil); err != nil {
		return fmt.Errorf("matching: monitor waiting channel: %w", err)
	}
	m.logger.Info().Str("key", m.ch.Key()).Msg("waiting room monitor started")
	return nil
}

// Count returns the last observed number of waiting participants.
func (m *WaitingRoomMonitor) Count() int {
	return int(m.count.Load())
}

// Close stops observing.
func (m *WaitingRoomMonitor) Close() error {
	return m.ch.Unsubscribe()
}

func (m *WaitingRoomMonitor) refresh() {
	n := 0
	for _, key := range m.ch.Roster().Keys() {
		if !strings.HasPrefix(key, protocol.MonitorKeyPrefix) {
			n++
		}
	}
	if old := m.count.Swap(int64(n)); old == int64(n) {
		return
	}
	metrics.WaitingParticipants.Set(float64(n))

	m.mu.Lock()
	fns := append([]func(int){}, m.listeners...)
	m.mu.Unlock()
	for _, fn := range fns {
		fn(n)
	}
}
