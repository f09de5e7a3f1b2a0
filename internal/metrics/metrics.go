// Package metrics provides Prometheus instrumentation for the Whisper
// rendezvous system. It exposes gauges for waiting participants, sessions
// and connections, counters for match outcomes, overflows, messages and bus
// reconnects, and a histogram for time-to-match.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Match outcome labels.
const (
	OutcomeMatched   = "matched"
	OutcomeNoMatch   = "no_match"
	OutcomeCancelled = "cancelled"
	OutcomeFailed    = "failed"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "whisper_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesTotal counts chat events, labeled by type: "sent",
	// "received", "duplicate" or "rejected".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "whisper_messages_total",
		Help: "Total number of chat events processed",
	}, []string{"type"})

	// MatchDuration records the time from match request to resolution.
	MatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "whisper_match_duration_seconds",
		Help:    "Time from match request to agreed session id",
		Buckets: []float64{1, 2, 5, 10, 15, 20, 25, 30},
	})

	// MatchOutcomes counts finished searches by outcome.
	MatchOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "whisper_match_outcomes_total",
		Help: "Finished match searches by outcome",
	}, []string{"outcome"})

	// MatchProposals counts proposals broadcast by this process.
	MatchProposals = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "whisper_match_proposals_total",
		Help: "Match proposals broadcast on the waiting channel",
	})

	// WaitingParticipants tracks the observed size of the waiting pool.
	WaitingParticipants = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "whisper_waiting_participants",
		Help: "Participants currently present on the waiting channel",
	})

	// ActiveSessions tracks session channels attached by this process.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "whisper_active_sessions",
		Help: "Current number of attached session channels",
	})

	// SessionOverflows counts overflow onsets.
	SessionOverflows = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "whisper_session_overflows_total",
		Help: "Sessions that observed more participants than allowed",
	})

	// BusReconnects counts resubscription attempts, labeled by result:
	// "retry", "recovered" or "exhausted".
	BusReconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "whisper_bus_reconnects_total",
		Help: "Channel resubscription attempts after bus errors",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		MatchDuration,
		MatchOutcomes,
		MatchProposals,
		WaitingParticipants,
		ActiveSessions,
		SessionOverflows,
		BusReconnects,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
