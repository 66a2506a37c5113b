package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics
	TotalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capi_gateway_connections_total",
		Help: "Total number of accepted legacy client connections",
	})

	// Session metrics
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "capi_gateway_sessions_active",
		Help: "Number of registered gateway sessions",
	})

	SessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "capi_gateway_session_duration_seconds",
		Help:    "Lifetime of gateway sessions in seconds",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8), // 1s to ~4.5h
	})

	// Connection rejection metrics
	ConnectionRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capi_gateway_connection_rejected_total",
		Help: "Total number of connections rejected",
	}, []string{"reason"})

	// Legacy protocol traffic
	LegacyPackets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capi_gateway_legacy_packets_total",
		Help: "Total number of legacy protocol packets",
	}, []string{"direction", "packet"})

	// Chat API traffic
	ChatAPIMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capi_gateway_chat_api_messages_total",
		Help: "Total number of chat API messages",
	}, []string{"direction", "command"})

	ChatAPIStatusErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capi_gateway_chat_api_status_errors_total",
		Help: "Total number of chat API messages carrying a non-success status",
	}, []string{"status"})

	// Chat API dial latency
	ChatAPIDialLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "capi_gateway_chat_api_dial_latency_seconds",
		Help:    "Chat API WebSocket dial latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~5s
	})

	// Login results per handshake variant
	LoginResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capi_gateway_login_results_total",
		Help: "Total number of completed legacy logins",
	}, []string{"variant", "result"})

	// Handler faults
	HandlerFaults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capi_gateway_handler_faults_total",
		Help: "Total number of recovered packet or event handler faults",
	}, []string{"side"})

	// Supervisor metrics
	SupervisorCloses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capi_gateway_supervisor_closes_total",
		Help: "Total number of sessions closed by the supervisor",
	}, []string{"reason"})

	SupervisorTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capi_gateway_supervisor_ticks_total",
		Help: "Total number of supervisor scans",
	})

	// Circuit breaker metrics
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "capi_gateway_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"backend"})

	// Session event publishing
	EventPublishErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "capi_gateway_event_publish_errors_total",
		Help: "Total number of session events that could not be published",
	})
)

// IncConnectionRejected increments the connection rejected counter
func IncConnectionRejected(reason string) {
	ConnectionRejected.WithLabelValues(reason).Inc()
}

// IncSupervisorClose increments the supervisor close counter
func IncSupervisorClose(reason string) {
	SupervisorCloses.WithLabelValues(reason).Inc()
}
