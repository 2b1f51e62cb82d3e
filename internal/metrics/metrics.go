package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DBQueryDuration measures how long index-range queries take.
// The 'operation' label distinguishes 'save_range', 'list_ranges', etc.
var DBQueryDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "db_query_duration_seconds",
		Help:    "Duration of database queries in seconds",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
	},
	[]string{"operation"},
)

// BackendRequestDuration measures every call made to the search backend.
// 'status' is "ok" or "error" so slow failures stand out from slow successes.
var BackendRequestDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name: "search_backend_request_duration_seconds",
		Help: "Duration of search backend requests in seconds",
		// Bulk and health waits can legitimately take tens of seconds.
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 15.0, 30.0},
	},
	[]string{"operation", "status"},
)

// BulkDocuments counts documents leaving the bulk pipeline, by outcome:
// success, mapping_error, index_blocked, unknown.
var BulkDocuments = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "bulk_documents_total",
		Help: "Documents processed by the bulk indexing pipeline",
	},
	[]string{"outcome"},
)

// BulkChunkRetries counts chunks that had to be re-sent: too_large, rate_limited.
var BulkChunkRetries = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "bulk_chunk_retries_total",
		Help: "Bulk chunks re-sent after a whole-request rejection",
	},
	[]string{"reason"},
)

// IndexRotations counts successful Cycle calls per index-set prefix.
var IndexRotations = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "index_rotations_total",
		Help: "Write alias rotations per index set",
	},
	[]string{"prefix"},
)

// CursorChunks counts chunks handed out by result cursors, by strategy.
var CursorChunks = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "cursor_chunks_total",
		Help: "Result chunks returned by chunked cursors",
	},
	[]string{"strategy"},
)
