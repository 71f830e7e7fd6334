package observability

import "github.com/prometheus/client_golang/prometheus"

// Domain collectors for the consultation core. HTTP traffic is measured by
// middleware.Metrics; these cover what happens behind the websocket.
var (
	// ChatRequests counts request outcomes: created, accepted, rejected,
	// expired, or the error code that refused the request.
	ChatRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consult_chat_requests_total",
			Help: "Chat requests by outcome.",
		},
		[]string{"outcome"},
	)

	// ActiveSessions gauges sessions whose billing clock is running in this
	// process.
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "consult_active_sessions",
			Help: "Chat sessions with a running billing clock.",
		},
	)

	// SessionsEnded counts terminated sessions by end reason.
	SessionsEnded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consult_sessions_ended_total",
			Help: "Ended chat sessions by reason.",
		},
		[]string{"reason"},
	)

	// BillingTicks counts billing clock ticks by result: charged, ended,
	// stopped or failed.
	BillingTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consult_billing_ticks_total",
			Help: "Billing clock ticks by result.",
		},
		[]string{"result"},
	)

	// BilledAmount sums minor units debited into locked balances.
	BilledAmount = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "consult_billed_amount_total",
			Help: "Minor units moved from available to locked balance by billing.",
		},
	)

	// Messages counts relay operations by kind (send, edit, delete, read).
	Messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consult_messages_total",
			Help: "Message relay operations by kind.",
		},
		[]string{"kind"},
	)

	// WSConnections gauges open websocket connections.
	WSConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "consult_ws_connections",
			Help: "Open websocket connections.",
		},
	)

	// WSEvents counts inbound websocket events by name and result code
	// ("ok" on success).
	WSEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consult_ws_events_total",
			Help: "Inbound websocket events by name and result.",
		},
		[]string{"event", "result"},
	)

	// SideEffectFailures counts swallowed best-effort failures (push,
	// mirror, invoice) by stage.
	SideEffectFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "consult_side_effect_failures_total",
			Help: "Best-effort side effects that failed, by stage.",
		},
		[]string{"stage"},
	)
)

func init() {
	prometheus.MustRegister(
		ChatRequests, ActiveSessions, SessionsEnded, BillingTicks, BilledAmount,
		Messages, WSConnections, WSEvents, SideEffectFailures,
	)
}

// CountFailure is a notify.OnFailure hook.
func CountFailure(stage string) {
	SideEffectFailures.WithLabelValues(stage).Inc()
}
