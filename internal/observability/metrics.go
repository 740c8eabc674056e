package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the settlement service.
type Metrics struct {
	// --- Core ---
	RecordsApplied    *prometheus.CounterVec
	RecordsSoftFailed *prometheus.CounterVec
	BatchesApplied    prometheus.Counter
	BatchesRejected   *prometheus.CounterVec
	BatchDuration     prometheus.Histogram
	BatchSize         prometheus.Histogram
	AdminCalls        *prometheus.CounterVec
	StateHashDur      prometheus.Histogram
	CommandSequence   prometheus.Gauge
	RecordCounter     prometheus.Gauge

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & Ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	DedupTier2Errors      prometheus.Counter
	RecordSequenceGap     prometheus.Counter
	RecordSequenceStale   prometheus.Counter

	// --- Trading & Risk ---
	Fills                *prometheus.CounterVec
	FundingUpdates       *prometheus.CounterVec
	Liquidations         *prometheus.CounterVec
	InsuranceFundBalance prometheus.Gauge
	LossCovered          *prometheus.CounterVec
	VaultOperations      *prometheus.CounterVec
	Payouts              *prometheus.CounterVec

	// --- Ingestion ---
	IngestBatches    *prometheus.CounterVec
	NATSFetchLatency prometheus.Histogram

	// --- Persistence ---
	PersistCommandsWritten prometheus.Counter
	PersistEventsWritten   prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge
	ProjectionUpdateDur    *prometheus.HistogramVec

	// --- Snapshot ---
	SnapshotTaken       prometheus.Counter
	SnapshotDuration    prometheus.Histogram
	SnapshotSizeBytes   prometheus.Gauge
	SnapshotLastSeq     prometheus.Gauge
	ReplayCommandsTotal prometheus.Counter
	ReplayDuration      prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Core
		RecordsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_core_records_applied_total",
			Help: "Records applied by the processor",
		}, []string{"opcode"}),

		RecordsSoftFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_core_records_soft_failed_total",
			Help: "Records rolled back with a Failure event",
		}, []string{"opcode"}),

		BatchesApplied: f.NewCounter(prometheus.CounterOpts{
			Name: "settle_core_batches_applied_total",
			Help: "Batches committed",
		}),

		BatchesRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_core_batches_rejected_total",
			Help: "Batches rolled back (fatal, unauthorized, duplicate)",
		}, []string{"reason"}),

		BatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "settle_core_batch_duration_seconds",
			Help:    "Time to apply one batch",
			Buckets: []float64{0.00001, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),

		BatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "settle_core_batch_records",
			Help:    "Records per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		AdminCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_core_admin_calls_total",
			Help: "Direct admin calls",
		}, []string{"kind", "outcome"}),

		StateHashDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "settle_core_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		CommandSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "settle_core_command_sequence",
			Help: "Last committed command sequence",
		}),

		RecordCounter: f.NewGauge(prometheus.GaugeOpts{
			Name: "settle_core_record_counter",
			Help: "Next expected record sequence id",
		}),

		// Channel & Backpressure
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "settle_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "settle_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "settle_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_projection_drops_total",
			Help: "Outputs dropped due to full projection channel",
		}, []string{"projection"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "settle_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "settle_persist_backpressure_total",
			Help: "Times the processor blocked on the persist channel",
		}),

		// Idempotency & Ordering
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"kind", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "settle_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "settle_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		DedupTier2Errors: f.NewCounter(prometheus.CounterOpts{
			Name: "settle_dedup_tier2_errors_total",
			Help: "Postgres dedup lookup failures",
		}),

		RecordSequenceGap: f.NewCounter(prometheus.CounterOpts{
			Name: "settle_record_sequence_gap_total",
			Help: "Records whose sequence id skipped ahead of the counter",
		}),

		RecordSequenceStale: f.NewCounter(prometheus.CounterOpts{
			Name: "settle_record_sequence_stale_total",
			Help: "Records whose sequence id was already consumed",
		}),

		// Trading & Risk
		Fills: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_fills_total",
			Help: "Matched fills",
		}, []string{"market_id", "mode"}),

		FundingUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_funding_updates_total",
			Help: "Cumulative funding index updates",
		}, []string{"market_id"}),

		Liquidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_liquidations_total",
			Help: "Spot liquidation requests",
		}, []string{"outcome"}),

		InsuranceFundBalance: f.NewGauge(prometheus.GaugeOpts{
			Name: "settle_insurance_fund_balance",
			Help: "Current insurance pool",
		}),

		LossCovered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_loss_covered_total",
			Help: "Negative balances covered",
		}, []string{"source"}),

		VaultOperations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_vault_operations_total",
			Help: "Vault register/stake/unstake",
		}, []string{"operation", "outcome"}),

		Payouts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_custody_payouts_total",
			Help: "Custody payouts after commit",
		}, []string{"kind", "outcome"}),

		// Ingestion
		IngestBatches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_ingest_batches_total",
			Help: "Batches received from NATS",
		}, []string{"outcome"}),

		NATSFetchLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "settle_nats_fetch_latency_seconds",
			Help:    "NATS pull request latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),

		// Persistence
		PersistCommandsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "settle_persist_commands_written_total",
			Help: "Commands written to Postgres",
		}),

		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "settle_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "settle_persist_batch_size",
			Help:    "Commands per persistence batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "settle_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "settle_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "settle_persist_last_sequence",
			Help: "Last persisted command sequence",
		}),

		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "settle_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),

		// Snapshot
		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "settle_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "settle_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "settle_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "settle_snapshot_last_sequence",
			Help: "Command sequence of last snapshot",
		}),

		ReplayCommandsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "settle_replay_commands_total",
			Help: "Commands replayed on startup",
		}),

		ReplayDuration: f.NewGauge(prometheus.GaugeOpts{
			Name: "settle_replay_duration_seconds",
			Help: "Total replay time",
		}),

		// Query API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_query_requests_total",
			Help: "Query requests",
		}, []string{"method", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "settle_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"method"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_query_errors_total",
			Help: "Query errors",
		}, []string{"method", "code"}),
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
