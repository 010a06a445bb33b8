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
	// Detection metrics
	SignaturesDetected  prometheus.Counter
	SignaturesPublished prometheus.Counter
	DetectorReconnects  prometheus.Counter
	HighestSlotSeen     prometheus.Gauge

	// Pipeline metrics
	TransactionsProcessed *prometheus.CounterVec
	TransactionRetries    prometheus.Counter
	EventsParsed          *prometheus.CounterVec
	ParseFailures         *prometheus.CounterVec
	TradesApplied         prometheus.Counter
	TokensCreated         prometheus.Counter
	DuplicateReplays      prometheus.Counter
	StaleHolderDeltas     prometheus.Counter
	QueueLag              prometheus.Gauge

	// Latency metrics
	RPCCallLatency  *prometheus.HistogramVec
	StageLatency    *prometheus.HistogramVec
	ApplyTxDuration prometheus.Histogram

	// Price feed metrics
	SolPriceUSD       prometheus.Gauge
	PriceFeedFailures prometheus.Counter
	PriceCacheStale   prometheus.Gauge

	// Database metrics
	DBQueryErrors *prometheus.CounterVec

	// Health metrics
	LastSuccessfulApply prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "curve_indexer"
	}

	return &Metrics{
		// Detection metrics
		SignaturesDetected: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detector",
			Name:      "signatures_detected_total",
			Help:      "Total number of transaction signatures seen on the log stream",
		}),
		SignaturesPublished: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detector",
			Name:      "signatures_published_total",
			Help:      "Total number of signatures published to the work queue",
		}),
		DetectorReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "detector",
			Name:      "reconnects_total",
			Help:      "Total number of WebSocket reconnects",
		}),
		HighestSlotSeen: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "detector",
			Name:      "highest_slot_seen",
			Help:      "Highest Solana slot number seen",
		}),

		// Pipeline metrics
		TransactionsProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "transactions_processed_total",
			Help:      "Total number of transactions reaching a terminal state, by outcome",
		}, []string{"outcome"}),
		TransactionRetries: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "transaction_retries_total",
			Help:      "Total number of transient-failure retries",
		}),
		EventsParsed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "events_parsed_total",
			Help:      "Total number of program events parsed by kind",
		}, []string{"kind"}),
		ParseFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "parse_failures_total",
			Help:      "Total number of unparseable instructions by kind",
		}, []string{"kind"}),
		TradesApplied: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "trades_applied_total",
			Help:      "Total number of trades committed to the ledger",
		}),
		TokensCreated: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "tokens_created_total",
			Help:      "Total number of token creations committed",
		}),
		DuplicateReplays: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "duplicate_replays_total",
			Help:      "Total number of already-applied trades skipped on replay",
		}),
		StaleHolderDeltas: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stale_holder_deltas_total",
			Help:      "Total number of holder updates skipped by the slot guard",
		}),
		QueueLag: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "queue_lag",
			Help:      "Number of received but unfinished transactions",
		}),

		// Latency metrics
		RPCCallLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "solana",
			Name:      "rpc_call_latency_seconds",
			Help:      "Solana RPC call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		StageLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "stage_latency_seconds",
			Help:      "Per-stage processing latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		ApplyTxDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "apply_tx_duration_seconds",
			Help:      "Ledger transaction duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),

		// Price feed metrics
		SolPriceUSD: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "price",
			Name:      "sol_usd",
			Help:      "Last cached SOL/USD quote",
		}),
		PriceFeedFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "price",
			Name:      "feed_failures_total",
			Help:      "Total number of failed SOL/USD feed refreshes",
		}),
		PriceCacheStale: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "price",
			Name:      "cache_stale",
			Help:      "1 when the SOL/USD cache is past its staleness bound",
		}),

		// Database metrics
		DBQueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),

		// Health metrics
		LastSuccessfulApply: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_apply_timestamp",
			Help:      "Unix timestamp of the last committed apply",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordOutcome increments the terminal-state counter for an outcome.
func RecordOutcome(outcome string) {
	DefaultMetrics.TransactionsProcessed.WithLabelValues(outcome).Inc()
}

// RecordEventParsed increments the parsed-event counter for a kind.
func RecordEventParsed(kind string) {
	DefaultMetrics.EventsParsed.WithLabelValues(kind).Inc()
}

// RecordParseFailure increments the parse-failure counter for a kind.
func RecordParseFailure(kind string) {
	DefaultMetrics.ParseFailures.WithLabelValues(kind).Inc()
}

// UpdateHighestSlot updates the highest slot seen gauge.
func UpdateHighestSlot(slot int64) {
	DefaultMetrics.HighestSlotSeen.Set(float64(slot))
}

// RecordRPCLatency records RPC call latency.
func RecordRPCLatency(method string, seconds float64) {
	DefaultMetrics.RPCCallLatency.WithLabelValues(method).Observe(seconds)
}
