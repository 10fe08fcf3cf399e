package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the solvency ledger.
type Metrics struct {
	// --- Core Processing ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	CoreJournals       *prometheus.CounterVec
	CoreSequence       prometheus.Gauge

	// --- Latency ---
	IngestToApply       *prometheus.HistogramVec
	ApplyToPersist      prometheus.Histogram
	PersistBatchDur     prometheus.Histogram
	ProjectionUpdateDur *prometheus.HistogramVec

	// --- Channel & Backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	ProjectionDrops    *prometheus.CounterVec
	PublishDrops       prometheus.Counter
	IngestThrottled    prometheus.Counter

	// --- Idempotency & Ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	IdempotencyDBErrors   prometheus.Counter
	DedupLRUSize          prometheus.Gauge
	EventSequenceGap      *prometheus.CounterVec
	EventOutOfOrder       *prometheus.CounterVec

	// --- Stability Pool ---
	StabilityTotalDeposits prometheus.Gauge
	StabilityProduct       prometheus.Gauge
	StabilityEpoch         prometheus.Gauge
	StabilityScale         prometheus.Gauge
	StabilityEpochBumps    prometheus.Counter
	StabilityScaleBumps    prometheus.Counter
	StaleDepositsZeroed    prometheus.Counter
	RewardIssued           *prometheus.CounterVec

	// --- Liquidation & Redistribution ---
	LiquidationsApplied *prometheus.CounterVec
	ActivePositions     prometheus.Gauge
	TotalStakes         prometheus.Gauge

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistLastSequence    prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics on reg. A nil reg uses the
// default Prometheus registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	ingestBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Core Processing
		CoreEventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "solvency_core_events_applied_total",
			Help: "Events successfully applied by core",
		}, []string{"event_type"}),

		CoreEventsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "solvency_core_events_rejected_total",
			Help: "Events rejected (dedup, sequence, validation)",
		}, []string{"event_type", "reason"}),

		CoreEventDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "solvency_core_event_apply_duration_seconds",
			Help:    "Time to apply a single event in core",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "solvency_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "solvency_core_sequence",
			Help: "Current global sequence number",
		}),

		// Latency
		IngestToApply: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "solvency_ingest_to_apply_seconds",
			Help:    "Ingest receive to core apply complete",
			Buckets: ingestBuckets,
		}, []string{"event_type"}),

		ApplyToPersist: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "solvency_apply_to_persist_seconds",
			Help:    "Core emit to Postgres commit",
			Buckets: latencyBuckets,
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "solvency_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "solvency_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),

		// Channel & Backpressure
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "solvency_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "solvency_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "solvency_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "solvency_projection_drops_total",
			Help: "Events dropped due to full projection channel",
		}, []string{"projection"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "solvency_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		IngestThrottled: f.NewCounter(prometheus.CounterOpts{
			Name: "solvency_ingest_throttled_total",
			Help: "gRPC submissions rejected by the ingest rate limiter",
		}),

		// Idempotency & Ordering
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "solvency_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"event_type", "tier"}),

		IdempotencyDBErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "solvency_idempotency_db_errors_total",
			Help: "Postgres dedup lookups that failed and were treated as new",
		}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "solvency_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		EventSequenceGap: f.NewCounterVec(prometheus.CounterOpts{
			Name: "solvency_event_sequence_gap_total",
			Help: "Source sequence gaps",
		}, []string{"partition"}),

		EventOutOfOrder: f.NewCounterVec(prometheus.CounterOpts{
			Name: "solvency_event_out_of_order_total",
			Help: "Out-of-order rejections",
		}, []string{"partition"}),

		// Stability Pool
		StabilityTotalDeposits: f.NewGauge(prometheus.GaugeOpts{
			Name: "solvency_stability_total_deposits",
			Help: "Total stablecoin deposits in the Stability Pool (whole units)",
		}),

		StabilityProduct: f.NewGauge(prometheus.GaugeOpts{
			Name: "solvency_stability_product",
			Help: "Running product P as a fraction of one",
		}),

		StabilityEpoch: f.NewGauge(prometheus.GaugeOpts{
			Name: "solvency_stability_epoch",
			Help: "Current Stability Pool epoch",
		}),

		StabilityScale: f.NewGauge(prometheus.GaugeOpts{
			Name: "solvency_stability_scale",
			Help: "Current Stability Pool scale",
		}),

		StabilityEpochBumps: f.NewCounter(prometheus.CounterOpts{
			Name: "solvency_stability_epoch_bumps_total",
			Help: "Offsets that emptied the pool",
		}),

		StabilityScaleBumps: f.NewCounter(prometheus.CounterOpts{
			Name: "solvency_stability_scale_bumps_total",
			Help: "Offsets that rescaled P",
		}),

		StaleDepositsZeroed: f.NewCounter(prometheus.CounterOpts{
			Name: "solvency_stale_deposits_zeroed_total",
			Help: "Deposits settled to zero because they are more than one scale behind",
		}),

		RewardIssued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "solvency_reward_issued_total",
			Help: "Reward issuance computations (distributed or undistributed)",
		}, []string{"outcome"}),

		// Liquidation & Redistribution
		LiquidationsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "solvency_liquidations_applied_total",
			Help: "Liquidations by outcome (offset/redistributed/split)",
		}, []string{"outcome"}),

		ActivePositions: f.NewGauge(prometheus.GaugeOpts{
			Name: "solvency_active_positions",
			Help: "Active positions",
		}),

		TotalStakes: f.NewGauge(prometheus.GaugeOpts{
			Name: "solvency_total_stakes",
			Help: "Sum of active position stakes (whole units)",
		}),

		// Persistence
		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "solvency_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "solvency_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "solvency_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "solvency_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "solvency_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Snapshot
		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "solvency_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "solvency_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "solvency_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "solvency_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		ReplayEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "solvency_replay_events_total",
			Help: "Events replayed on startup",
		}),

		// Query API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "solvency_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "solvency_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
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
