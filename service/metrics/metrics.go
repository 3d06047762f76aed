package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
// All Record* helpers are no-ops on a nil *Metrics.
type Metrics struct {
	// Solana RPC Metrics
	solanaRPCCallsTotal    *prometheus.CounterVec
	solanaRPCCallDuration  *prometheus.HistogramVec
	solanaRPCThrottleWaits *prometheus.HistogramVec

	// Settlement Metrics
	settlementsTotal       *prometheus.CounterVec
	settlementDuration     *prometheus.HistogramVec
	verificationAttempts   *prometheus.HistogramVec
	verificationFailures   *prometheus.CounterVec
	mintResultsTotal       *prometheus.CounterVec
	mintDuration           *prometheus.HistogramVec
	distributionRemainder  *prometheus.CounterVec
	distributionRecipients *prometheus.HistogramVec
	ledgerWritesTotal      *prometheus.CounterVec
	ledgerWriteDuration    *prometheus.HistogramVec

	// Workflow Metrics
	activityDuration *prometheus.HistogramVec

	// HTTP Metrics
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsTotal    *prometheus.CounterVec
	sseActiveConnections *prometheus.GaugeVec
	sseEventsSent        *prometheus.CounterVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// Solana RPC Metrics
		solanaRPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_calls_total",
				Help: "Total number of Solana RPC calls by method and status",
			},
			[]string{"method", "status", "endpoint"},
		),
		solanaRPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_rpc_call_duration_seconds",
				Help:    "Duration of Solana RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method", "endpoint"},
		),
		solanaRPCThrottleWaits: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_rpc_throttle_wait_seconds",
				Help:    "Time spent waiting on the client-side RPC rate limiter",
				Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
			},
			[]string{"endpoint"},
		),

		// Settlement Metrics
		settlementsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "settlements_total",
				Help: "Total number of settlement requests by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		settlementDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "settlement_duration_seconds",
				Help:    "End-to-end duration of a settlement in seconds",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"mode"},
		),
		verificationAttempts: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "verification_lookup_attempts",
				Help:    "Number of chain lookup attempts used per verification",
				Buckets: []float64{1, 2, 3, 4, 5, 10},
			},
			[]string{"outcome"},
		),
		verificationFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "verification_failures_total",
				Help: "Total number of rejected payment verifications by reason",
			},
			[]string{"reason"},
		),
		mintResultsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mint_results_total",
				Help: "Total number of mint operations by status",
			},
			[]string{"status"},
		),
		mintDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mint_duration_seconds",
				Help:    "Duration of a single mint operation including confirmation",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"status"},
		),
		distributionRemainder: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "distribution_remainder_units_total",
				Help: "Total payment units dropped by floor division in pooled distributions",
			},
			[]string{"mode"},
		),
		distributionRecipients: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "distribution_recipients",
				Help:    "Number of recipients per distribution plan",
				Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
			},
			[]string{"mode"},
		),
		ledgerWritesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_writes_total",
				Help: "Total number of ledger writes by step and status",
			},
			[]string{"step", "status"},
		),
		ledgerWriteDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_write_duration_seconds",
				Help:    "Duration of ledger writes in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"step"},
		),

		// Workflow Metrics
		activityDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "settlement_activity_duration_seconds",
				Help:    "Duration of settlement workflow activities in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"activity", "status"},
		),

		// HTTP Metrics
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 10, 30},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),
		sseActiveConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sse_active_connections",
				Help: "Number of active SSE connections",
			},
			[]string{"mode"},
		),
		sseEventsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sse_events_sent_total",
				Help: "Total number of SSE events sent",
			},
			[]string{"mode", "event_type"},
		),

		// NATS Metrics
		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
	}
}

// Solana RPC metric helpers

// RecordRPCCall records a Solana RPC call with duration.
func (m *Metrics) RecordRPCCall(method, status, endpoint string, duration float64) {
	if m == nil {
		return
	}
	m.solanaRPCCallsTotal.WithLabelValues(method, status, endpoint).Inc()
	m.solanaRPCCallDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordRPCThrottleWait records time spent blocked on the RPC rate limiter.
func (m *Metrics) RecordRPCThrottleWait(endpoint string, seconds float64) {
	if m == nil {
		return
	}
	m.solanaRPCThrottleWaits.WithLabelValues(endpoint).Observe(seconds)
}

// Settlement metric helpers

// RecordSettlement records the outcome of a settlement request.
// Outcome is "settled" or the error kind that stopped it.
func (m *Metrics) RecordSettlement(mode, outcome string, duration float64) {
	if m == nil {
		return
	}
	m.settlementsTotal.WithLabelValues(mode, outcome).Inc()
	m.settlementDuration.WithLabelValues(mode).Observe(duration)
}

// RecordVerificationAttempts records how many lookups a verification used.
func (m *Metrics) RecordVerificationAttempts(outcome string, attempts int) {
	if m == nil {
		return
	}
	m.verificationAttempts.WithLabelValues(outcome).Observe(float64(attempts))
}

// RecordVerificationFailure records a rejected verification.
func (m *Metrics) RecordVerificationFailure(reason string) {
	if m == nil {
		return
	}
	m.verificationFailures.WithLabelValues(reason).Inc()
}

// RecordMintResult records one mint outcome ("succeeded" or "failed").
func (m *Metrics) RecordMintResult(status string, duration float64) {
	if m == nil {
		return
	}
	m.mintResultsTotal.WithLabelValues(status).Inc()
	m.mintDuration.WithLabelValues(status).Observe(duration)
}

// RecordDistributionPlan records the recipient count and dropped remainder of a plan.
func (m *Metrics) RecordDistributionPlan(mode string, recipients int, remainder int64) {
	if m == nil {
		return
	}
	m.distributionRecipients.WithLabelValues(mode).Observe(float64(recipients))
	if remainder > 0 {
		m.distributionRemainder.WithLabelValues(mode).Add(float64(remainder))
	}
}

// RecordLedgerWrite records one ledger writer step.
func (m *Metrics) RecordLedgerWrite(step string, duration float64, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.ledgerWritesTotal.WithLabelValues(step, status).Inc()
	m.ledgerWriteDuration.WithLabelValues(step).Observe(duration)
}

// Workflow metric helpers

// RecordActivityDuration records the duration of a settlement activity.
func (m *Metrics) RecordActivityDuration(activity string, duration float64, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.activityDuration.WithLabelValues(activity, status).Observe(duration)
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	if m == nil {
		return
	}
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// RecordSSEConnectionChange records a change in active SSE connections.
func (m *Metrics) RecordSSEConnectionChange(mode string, delta float64) {
	if m == nil {
		return
	}
	m.sseActiveConnections.WithLabelValues(mode).Add(delta)
}

// RecordSSEEventSent records an SSE event being sent.
func (m *Metrics) RecordSSEEventSent(mode, eventType string) {
	if m == nil {
		return
	}
	m.sseEventsSent.WithLabelValues(mode, eventType).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	if m == nil {
		return
	}
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

// statusCodeToString converts an HTTP status code to a string category.
func statusCodeToString(code int) string {
	// Group status codes by class
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
