package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var TransportStatusTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "carelink_transport_status_total",
		Help: "Status transitions of client channels",
	},
	[]string{"channel", "status"},
)

var FramesDroppedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "carelink_frames_dropped_total",
		Help: "Inbound frames dropped because they could not be parsed",
	},
	[]string{"channel", "reason"},
)

var NotificationsRecordedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "carelink_notifications_recorded_total",
		Help: "Notifications stored in the local log",
	},
	[]string{"category"},
)

var InvitationOutcomesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "carelink_invitation_outcomes_total",
		Help: "How incoming call invitations ended",
	},
	[]string{"outcome"},
)

var CallAttemptsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "carelink_call_attempts_total",
		Help: "Outbound call attempts by trigger and outcome",
	},
	[]string{"trigger", "outcome"},
)

var PeerStatesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "carelink_peer_states_total",
		Help: "Peer session state transitions",
	},
	[]string{"state"},
)

var RelayConnections = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "carelink_relay_connections",
		Help: "Open websocket connections on the relay",
	},
	[]string{"channel"},
)

var RelayFramesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "carelink_relay_frames_total",
		Help: "Frames handled by the relay hub",
	},
	[]string{"type"},
)

var RelayRateLimitRejectionsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "carelink_relay_rate_limit_rejections_total",
		Help: "Inbound frames rejected due to rate limiting",
	},
)

var (
	clientOnce sync.Once
	relayOnce  sync.Once
)

func InitClientMetrics() {
	clientOnce.Do(func() {
		prometheus.MustRegister(TransportStatusTotal)
		prometheus.MustRegister(FramesDroppedTotal)
		prometheus.MustRegister(NotificationsRecordedTotal)
		prometheus.MustRegister(InvitationOutcomesTotal)
		prometheus.MustRegister(CallAttemptsTotal)
		prometheus.MustRegister(PeerStatesTotal)
	})
}

func InitRelayMetrics() {
	relayOnce.Do(func() {
		prometheus.MustRegister(RelayConnections)
		prometheus.MustRegister(RelayFramesTotal)
		prometheus.MustRegister(RelayRateLimitRejectionsTotal)
	})
}
