package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every counter/histogram an IndexValue's operations touch.
// One Metrics is shared across every branch/fork of the same lineage, the
// way libravdb's original Metrics was shared across a Database's
// collections.
type Metrics struct {
	VectorInserts     prometheus.Counter
	VectorBatchInsert prometheus.Counter
	VectorDeletes     prometheus.Counter
	InsertErrors      prometheus.Counter

	SearchQueries prometheus.Counter
	SearchErrors  prometheus.Counter
	SearchLatency prometheus.Histogram

	SyncTotal   prometheus.Counter
	SyncErrors  prometheus.Counter
	SyncLatency prometheus.Histogram

	BranchesCreated prometheus.Counter
	BranchesDeleted prometheus.Counter
	Merges          prometheus.Counter
	Resets          prometheus.Counter

	CompactionsOffline   prometheus.Counter
	CompactionsOnline    prometheus.Counter
	CompactionOverflows  prometheus.Counter
	CompactionCopyLength prometheus.Histogram

	GCRuns        prometheus.Counter
	GCKeysSwept   prometheus.Counter
	GCLatency     prometheus.Histogram
}

// NewMetrics registers and returns every proximum metric against the
// default Prometheus registry.
func NewMetrics() *Metrics {
	return &Metrics{
		VectorInserts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "proximum_vector_inserts_total",
			Help: "Total vector insertions",
		}),
		VectorBatchInsert: promauto.NewCounter(prometheus.CounterOpts{
			Name: "proximum_vector_batch_inserts_total",
			Help: "Total vectors inserted via insert_batch",
		}),
		VectorDeletes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "proximum_vector_deletes_total",
			Help: "Total vector tombstones recorded",
		}),
		InsertErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "proximum_insert_errors_total",
			Help: "Total insert/insert_batch failures",
		}),
		SearchQueries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "proximum_search_queries_total",
			Help: "Total search queries",
		}),
		SearchErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "proximum_search_errors_total",
			Help: "Total search errors",
		}),
		SearchLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name: "proximum_search_latency_seconds",
			Help: "Search latency",
		}),
		SyncTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "proximum_sync_total",
			Help: "Total sync! calls",
		}),
		SyncErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "proximum_sync_errors_total",
			Help: "Total sync! failures",
		}),
		SyncLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name: "proximum_sync_latency_seconds",
			Help: "sync! latency, from call to commit durability",
		}),
		BranchesCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "proximum_branches_created_total",
			Help: "Total branch! calls",
		}),
		BranchesDeleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "proximum_branches_deleted_total",
			Help: "Total delete_branch! calls",
		}),
		Merges: promauto.NewCounter(prometheus.CounterOpts{
			Name: "proximum_merges_total",
			Help: "Total merge! calls",
		}),
		Resets: promauto.NewCounter(prometheus.CounterOpts{
			Name: "proximum_resets_total",
			Help: "Total reset! calls",
		}),
		CompactionsOffline: promauto.NewCounter(prometheus.CounterOpts{
			Name: "proximum_compactions_offline_total",
			Help: "Total offline compactions run",
		}),
		CompactionsOnline: promauto.NewCounter(prometheus.CounterOpts{
			Name: "proximum_compactions_online_total",
			Help: "Total online compactions started",
		}),
		CompactionOverflows: promauto.NewCounter(prometheus.CounterOpts{
			Name: "proximum_compaction_delta_overflows_total",
			Help: "Total online compaction delta-log overflows",
		}),
		CompactionCopyLength: promauto.NewHistogram(prometheus.HistogramOpts{
			Name: "proximum_compaction_copy_vectors",
			Help: "Number of vectors copied per compaction run",
		}),
		GCRuns: promauto.NewCounter(prometheus.CounterOpts{
			Name: "proximum_gc_runs_total",
			Help: "Total gc! invocations",
		}),
		GCKeysSwept: promauto.NewCounter(prometheus.CounterOpts{
			Name: "proximum_gc_keys_swept_total",
			Help: "Total KV keys swept across all gc! runs",
		}),
		GCLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name: "proximum_gc_latency_seconds",
			Help: "gc! latency",
		}),
	}
}
