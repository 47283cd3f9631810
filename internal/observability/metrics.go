package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// label names shared across the metric vectors below.
const (
	labelSession  = "session_id"
	labelNode     = "node_id"
	labelNodeType = "node_type"
	labelKind     = "error_kind"
)

// Metrics bundles every counter, histogram, and gauge the runtime exposes on
// the admin HTTP surface's /metrics endpoint (spec.md §4.J). It is built
// against a private prometheus.Registry rather than the global default
// registerer, so tests can construct independent instances without
// collector-already-registered panics.
type Metrics struct {
	Registry *prometheus.Registry

	ChunksProcessed  *prometheus.CounterVec
	ChunksDropped    *prometheus.CounterVec
	GapDetected      *prometheus.CounterVec
	SessionErrors    *prometheus.CounterVec
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	NodeInitDuration *prometheus.HistogramVec
	ChunkLatency     *prometheus.HistogramVec
	ActiveSessions   prometheus.Gauge
	CachedNodesCount prometheus.Gauge
	PeakMemoryBytes  *prometheus.GaugeVec
	BufferDepth      *prometheus.GaugeVec
}

// NewMetrics constructs and registers the full metric set on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		ChunksProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipelined_chunks_processed_total",
			Help: "Total media chunks processed, per session.",
		}, []string{labelSession}),
		ChunksDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipelined_chunks_dropped_total",
			Help: "Total media chunks dropped by router backpressure, per session and node.",
		}, []string{labelSession, labelNode}),
		GapDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipelined_sequence_gap_total",
			Help: "Total out-of-order-but-ahead sequence gaps observed, per session.",
		}, []string{labelSession}),
		SessionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipelined_session_errors_total",
			Help: "Total session-terminating errors, by error kind.",
		}, []string{labelKind}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipelined_node_cache_hits_total",
			Help: "Total node cache hits across all sessions.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipelined_node_cache_misses_total",
			Help: "Total node cache misses across all sessions.",
		}),
		NodeInitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipelined_node_init_duration_seconds",
			Help:    "Node initialize() duration, per node type.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{labelNodeType}),
		ChunkLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipelined_chunk_latency_ms",
			Help:    "End-to-end per-chunk latency in milliseconds, per session.",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 200, 500, 1000, 2000, 5000},
		}, []string{labelSession}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipelined_active_sessions",
			Help: "Number of currently open streaming sessions.",
		}),
		CachedNodesCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipelined_cached_nodes",
			Help: "Number of node instances currently held in the node cache.",
		}),
		PeakMemoryBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pipelined_session_peak_memory_bytes",
			Help: "Peak resident memory observed for a session, per session.",
		}, []string{labelSession}),
		BufferDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pipelined_router_buffer_depth",
			Help: "Current depth of a router inbound queue, per session and node.",
		}, []string{labelSession, labelNode}),
	}

	reg.MustRegister(
		m.ChunksProcessed,
		m.ChunksDropped,
		m.GapDetected,
		m.SessionErrors,
		m.CacheHits,
		m.CacheMisses,
		m.NodeInitDuration,
		m.ChunkLatency,
		m.ActiveSessions,
		m.CachedNodesCount,
		m.PeakMemoryBytes,
		m.BufferDepth,
	)

	return m
}

// CacheHitRate returns hits / (hits + misses), or 0 when nothing has been
// recorded yet. Exposed as a convenience for the periodic Metrics frame
// (spec.md §4.I), which reports a rate rather than two raw counters.
func CacheHitRate(hits, misses uint64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
