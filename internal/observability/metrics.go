package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Turn outcomes reported by RecordTurn.
const (
	TurnDelivered  = "delivered"
	TurnMalformed  = "malformed"
	TurnIrrelevant = "irrelevant"
	TurnEmpty      = "empty"
	TurnDuplicate  = "duplicate"
	TurnStale      = "stale"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "insight_bridge_active_sessions",
		Help: "Number of open relay sessions",
	})

	totalSessions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "insight_bridge_sessions_total",
		Help: "Total number of relay sessions opened",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "insight_bridge_session_duration_seconds",
		Help:    "Duration of relay sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	})

	// Client -> bridge traffic
	clientMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "insight_bridge_client_messages_total",
		Help: "Client messages received, by kind",
	}, []string{"kind"})

	mediaBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "insight_bridge_media_bytes_total",
		Help: "Base64 media payload bytes forwarded upstream, by mime type",
	}, []string{"mime_type"})

	// Upstream -> bridge traffic
	upstreamFragments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "insight_bridge_upstream_fragments_total",
		Help: "Partial text fragments received from the upstream peer",
	})

	turns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "insight_bridge_turns_total",
		Help: "Completed upstream turns, by extraction outcome",
	}, []string{"outcome", "trigger"})

	turnLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "insight_bridge_turn_latency_seconds",
		Help:    "Time from question context to delivered analysis",
		Buckets: []float64{0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 20.0},
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "insight_bridge_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "insight_bridge_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "insight_bridge_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})
)

// Metrics tracks metrics for a single relay session
type Metrics struct {
	sessionID   string
	startTime   time.Time
	contextTime time.Time
	mu          sync.Mutex
	ended       bool
}

// NewSessionMetrics creates a new metrics tracker for a session
func NewSessionMetrics(sessionID string) *Metrics {
	return &Metrics{
		sessionID: sessionID,
		startTime: time.Now(),
	}
}

// RecordSessionStart records the start of a session
func (m *Metrics) RecordSessionStart() {
	activeSessions.Inc()
	totalSessions.Inc()
}

// RecordSessionEnd records the end of a session. Repeated calls are ignored.
func (m *Metrics) RecordSessionEnd() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ended {
		return
	}
	m.ended = true
	activeSessions.Dec()
	sessionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordClientMessage counts an inbound client message of the given kind.
func (m *Metrics) RecordClientMessage(kind string) {
	clientMessages.WithLabelValues(kind).Inc()
}

// RecordContext marks the start of a new question for latency tracking.
func (m *Metrics) RecordContext() {
	m.mu.Lock()
	m.contextTime = time.Now()
	m.mu.Unlock()
}

// RecordMedia records media bytes forwarded upstream
func (m *Metrics) RecordMedia(mimeType string, bytes int) {
	mediaBytes.WithLabelValues(mimeType).Add(float64(bytes))
}

// RecordFragment counts one upstream text fragment.
func (m *Metrics) RecordFragment() {
	upstreamFragments.Inc()
}

// RecordTurn records the outcome of an extraction attempt. trigger is
// "turn_complete" or "stop".
func (m *Metrics) RecordTurn(outcome, trigger string) {
	turns.WithLabelValues(outcome, trigger).Inc()
	if outcome != TurnDelivered {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.contextTime.IsZero() {
		turnLatency.Observe(time.Since(m.contextTime).Seconds())
		m.contextTime = time.Time{}
	}
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	RecordError(errorType, component)
}

// RecordError records an error outside of a session.
func RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
