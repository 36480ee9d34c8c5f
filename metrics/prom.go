package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Captures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clipvault_captures_total",
			Help: "no. of accepted clipboard captures",
		},
		[]string{"type"},
	)
	DedupHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipvault_dedup_hits_total",
		Help: "no. of captures discarded by the dedup gate",
	})
	CaptureErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipvault_capture_errors_total",
		Help: "no. of clipboard reads abandoned after retries",
	})
	RecordsPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipvault_records_persisted_total",
		Help: "no. of records written to the store",
	})
	RecordsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipvault_records_evicted_total",
		Help: "no. of records evicted from memory by capacity",
	})
	DecodeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipvault_decode_failures_total",
		Help: "no. of stored payloads that failed to decode",
	})
	RetentionDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clipvault_retention_deleted_total",
			Help: "no. of records removed by retention sweeps",
		},
		[]string{"type"},
	)
	SyncExports = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipvault_sync_exports_total",
		Help: "no. of log batches exported to the sync folder",
	})
	SyncReplays = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clipvault_sync_replays_total",
			Help: "no. of peer log entries replayed locally",
		},
		[]string{"event"},
	)
	SyncSkips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipvault_sync_skips_total",
		Help: "no. of peer reconciliation passes skipped on bad files",
	})
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipvault_cache_hits_total",
		Help: "no. of decoded-content cache hits",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipvault_cache_misses_total",
		Help: "no. of decoded-content cache misses",
	})
	QueryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "clipvault_query_duration_seconds",
		Help:    "history query duration in seconds",
		Buckets: prometheus.DefBuckets,
	})
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "clipvault_request_duration_seconds",
			Help:    "control API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
)

func Init() {
}
