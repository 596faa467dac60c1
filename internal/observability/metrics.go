// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Ledger metrics
	ClaimsTotal           *prometheus.CounterVec
	AllowlistUpdates      prometheus.Counter
	AllowlistAccountsSeen prometheus.Counter
	LedgersInitialized    prometheus.Counter

	// Transaction metrics
	TransactionsTotal   *prometheus.CounterVec
	FinalizationLatency prometheus.Histogram
	PendingTransactions prometheus.Gauge
	LatestLedgerVersion prometheus.Gauge

	// Indexer metrics
	EventsIndexed       *prometheus.CounterVec
	EventIndexingErrors *prometheus.CounterVec
	EventsPublished     *prometheus.CounterVec

	// Client metrics
	RPCCallLatency   *prometheus.HistogramVec
	WSMessageLatency prometheus.Histogram
	WSSubscribers    prometheus.Gauge

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec

	// Health metrics
	LastFinalizedTimestamp prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "cabalcoin_lab"
	}

	return &Metrics{
		// Ledger metrics
		ClaimsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "claims_total",
			Help:      "Total number of claim attempts by outcome",
		}, []string{"outcome"}),
		AllowlistUpdates: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "allowlist_updates_total",
			Help:      "Total number of successful add_to_allowlist calls",
		}),
		AllowlistAccountsSeen: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "allowlist_accounts_total",
			Help:      "Total number of accounts listed or relisted",
		}),
		LedgersInitialized: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "initialized_total",
			Help:      "Total number of ledgers published",
		}),

		// Transaction metrics
		TransactionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "transactions_total",
			Help:      "Total number of finalized transactions by function and status",
		}, []string{"function", "status"}),
		FinalizationLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "finalization_latency_seconds",
			Help:      "Time from submission to finalization in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),
		PendingTransactions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "pending_transactions",
			Help:      "Current number of submitted transactions awaiting execution",
		}),
		LatestLedgerVersion: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "latest_ledger_version",
			Help:      "Highest finalized ledger version",
		}),

		// Indexer metrics
		EventsIndexed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "indexer",
			Name:      "events_indexed_total",
			Help:      "Total number of ledger events indexed by type",
		}, []string{"event_type"}),
		EventIndexingErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "indexer",
			Name:      "errors_total",
			Help:      "Total number of indexing errors by stage",
		}, []string{"stage"}),
		EventsPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "indexer",
			Name:      "events_published_total",
			Help:      "Total number of events published by sink and status",
		}, []string{"sink", "status"}),

		// Client metrics
		RPCCallLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "call_latency_seconds",
			Help:      "Ledger RPC call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		WSMessageLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rpc",
			Name:      "ws_message_latency_seconds",
			Help:      "WebSocket message processing latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		WSSubscribers: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "node",
			Name:      "ws_subscribers",
			Help:      "Current number of websocket subscribers",
		}),

		// Database metrics
		DBQueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database", "operation"}),
		DBQueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),

		// Health metrics
		LastFinalizedTimestamp: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_finalized_timestamp",
			Help:      "Unix timestamp of the last finalized transaction",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordClaim increments the claim counter for outcome (SUCCESS or a rejection reason).
func RecordClaim(outcome string) {
	DefaultMetrics.ClaimsTotal.WithLabelValues(outcome).Inc()
}

// RecordAllowlistUpdate records a successful add_to_allowlist with n accounts.
func RecordAllowlistUpdate(n int) {
	DefaultMetrics.AllowlistUpdates.Inc()
	DefaultMetrics.AllowlistAccountsSeen.Add(float64(n))
}

// RecordLedgerInitialized increments the published ledgers counter.
func RecordLedgerInitialized() {
	DefaultMetrics.LedgersInitialized.Inc()
}

// RecordTransaction records a finalized transaction.
func RecordTransaction(function, status string, latencySeconds float64, version uint64, finalizedAt int64) {
	DefaultMetrics.TransactionsTotal.WithLabelValues(function, status).Inc()
	DefaultMetrics.FinalizationLatency.Observe(latencySeconds)
	DefaultMetrics.LatestLedgerVersion.Set(float64(version))
	DefaultMetrics.LastFinalizedTimestamp.Set(float64(finalizedAt))
}

// UpdatePending sets the pending transactions gauge.
func UpdatePending(n int) {
	DefaultMetrics.PendingTransactions.Set(float64(n))
}

// RecordEventIndexed increments the indexed events counter.
func RecordEventIndexed(eventType string) {
	DefaultMetrics.EventsIndexed.WithLabelValues(eventType).Inc()
}

// RecordIndexingError records an indexing error at stage.
func RecordIndexingError(stage string) {
	DefaultMetrics.EventIndexingErrors.WithLabelValues(stage).Inc()
}

// RecordPublish records an event publish attempt.
func RecordPublish(sink string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	DefaultMetrics.EventsPublished.WithLabelValues(sink, status).Inc()
}

// RecordRPCLatency records RPC call latency.
func RecordRPCLatency(method string, seconds float64) {
	DefaultMetrics.RPCCallLatency.WithLabelValues(method).Observe(seconds)
}

// RecordWSMessage records websocket message handling latency.
func RecordWSMessage(seconds float64) {
	DefaultMetrics.WSMessageLatency.Observe(seconds)
}

// AddWSSubscribers adjusts the websocket subscribers gauge by delta.
func AddWSSubscribers(delta int) {
	DefaultMetrics.WSSubscribers.Add(float64(delta))
}

// RecordDBQuery records database query metrics.
func RecordDBQuery(database, operation string, seconds float64, err error) {
	DefaultMetrics.DBQueryDuration.WithLabelValues(database, operation).Observe(seconds)
	if err != nil {
		DefaultMetrics.DBQueryErrors.WithLabelValues(database, operation).Inc()
	}
}
