package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for OptionLedger.
type Metrics struct {
	// --- Settlement engine ---
	OpsApplied        *prometheus.CounterVec
	OpsRejected       *prometheus.CounterVec
	OpDuration        *prometheus.HistogramVec
	CommandsGenerated *prometheus.CounterVec
	StateHashDur      prometheus.Histogram
	EngineSequence    prometheus.Gauge

	// --- Protocol economics ---
	FeesCollected   *prometheus.CounterVec
	TokensMinted    prometheus.Counter
	TokensBurned    prometheus.Counter
	VaultBalance    prometheus.Gauge
	TreasuryBalance prometheus.Gauge
	CoverageRatio   prometheus.Gauge

	// --- Oracle feed ---
	OraclePrice     prometheus.Gauge
	OracleUpdates   prometheus.Counter
	OracleRejected  *prometheus.CounterVec
	OracleLastStamp prometheus.Gauge

	// --- Channel & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistCommandsWritten prometheus.Counter
	PersistBatchDur        prometheus.Histogram
	PersistBatchSize       prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Settlement engine
		OpsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "opt_ops_applied_total",
			Help: "Settlement operations successfully applied",
		}, []string{"op"}),

		OpsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "opt_ops_rejected_total",
			Help: "Settlement operations rejected",
		}, []string{"op", "reason"}),

		OpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "opt_op_apply_duration_seconds",
			Help:    "Time to apply a single settlement operation",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		CommandsGenerated: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "opt_commands_generated_total",
			Help: "Ledger commands generated",
		}, []string{"command_type"}),

		StateHashDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "opt_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		EngineSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "opt_engine_sequence",
			Help: "Current global sequence number",
		}),

		// Protocol economics
		FeesCollected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "opt_fees_collected_total",
			Help: "Fees routed to the treasury (collateral units)",
		}, []string{"op"}),

		TokensMinted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opt_tokens_minted_total",
			Help: "Option tokens minted (net of fee)",
		}),

		TokensBurned: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opt_tokens_burned_total",
			Help: "Option tokens burned on redemption",
		}),

		VaultBalance: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "opt_vault_balance",
			Help: "Pooled collateral backing open positions",
		}),

		TreasuryBalance: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "opt_treasury_balance",
			Help: "Accumulated protocol fees",
		}),

		CoverageRatio: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "opt_coverage_ratio_ppm",
			Help: "Vault balance over amount due, parts-per-million (last liquidation check)",
		}),

		// Oracle feed
		OraclePrice: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "opt_oracle_price",
			Help: "Latest reference price (fixed-point, 8 decimals)",
		}),

		OracleUpdates: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opt_oracle_updates_total",
			Help: "Price updates applied to the oracle snapshot",
		}),

		OracleRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "opt_oracle_rejected_total",
			Help: "Price updates rejected",
		}, []string{"reason"}),

		OracleLastStamp: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "opt_oracle_last_update_timestamp",
			Help: "Unix seconds of the last applied price update",
		}),

		// Channel & backpressure
		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "opt_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "opt_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "opt_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opt_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opt_persist_backpressure_total",
			Help: "Times the engine blocked on the persist channel",
		}),

		// Persistence
		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opt_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistCommandsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opt_persist_commands_written_total",
			Help: "Ledger commands written to Postgres",
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "opt_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "opt_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "opt_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "opt_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "opt_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Query API
		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "opt_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "opt_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "opt_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "code"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
