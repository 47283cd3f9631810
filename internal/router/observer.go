package router

import (
	"github.com/mediarunner/pipelined/internal/observability"
)

// SessionObserver is the router's progress/metrics reporting seam,
// renamed from the teacher's ProgressReporter (ReportProgress /
// ReportItemProgress) to the vocabulary of a per-session DAG scheduler
// rather than a linear stage pipeline (spec §4.F, SPEC_FULL.md §4.F).
// The router's node tasks and enqueue path report node activity, drops
// and buffer depth; chunk completion is reported by the RPC layer.
type SessionObserver interface {
	// ReportChunkProcessed is called once per sink output forwarded back
	// to the client (by the RPC layer's drainOutbound, not the router).
	ReportChunkProcessed(sessionID string, latencyMS float64)
	// ReportNodeActivity is called once per packet a node task takes off
	// its inbound queue (DirectionIn) and once per packet it emits
	// (DirectionOut) — the per-item granularity the teacher's
	// ReportItemProgress modeled for stage-internal items.
	ReportNodeActivity(sessionID, nodeID string, direction Direction)
	// ReportDrop is called whenever the backpressure policy drops a
	// packet instead of enqueuing it.
	ReportDrop(sessionID, nodeID string)
	// ReportBufferDepth is called after every enqueue/dequeue so the
	// buffer_depth gauge (spec §4.J) stays current.
	ReportBufferDepth(sessionID, nodeID string, depth int)
}

// Direction distinguishes inbound from outbound node activity reported
// through ReportNodeActivity.
type Direction int

const (
	DirectionIn Direction = iota
	DirectionOut
)

// MetricsObserver is the default SessionObserver, backed by the
// process's shared *observability.Metrics registry.
type MetricsObserver struct {
	metrics *observability.Metrics
}

// NewMetricsObserver builds a SessionObserver over m.
func NewMetricsObserver(m *observability.Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ReportChunkProcessed(sessionID string, latencyMS float64) {
	o.metrics.ChunksProcessed.WithLabelValues(sessionID).Inc()
	o.metrics.ChunkLatency.WithLabelValues(sessionID).Observe(latencyMS)
}

func (o *MetricsObserver) ReportNodeActivity(_, _ string, _ Direction) {
	// Node activity is not recorded: Metrics has no per-node packet
	// counters.
}

func (o *MetricsObserver) ReportDrop(sessionID, nodeID string) {
	o.metrics.ChunksDropped.WithLabelValues(sessionID, nodeID).Inc()
}

func (o *MetricsObserver) ReportBufferDepth(sessionID, nodeID string, depth int) {
	o.metrics.BufferDepth.WithLabelValues(sessionID, nodeID).Set(float64(depth))
}

// noopObserver discards everything; used when the caller doesn't need
// a metrics registry (e.g. unit tests of the scheduling logic itself).
type noopObserver struct{}

func (noopObserver) ReportChunkProcessed(string, float64)       {}
func (noopObserver) ReportNodeActivity(string, string, Direction) {}
func (noopObserver) ReportDrop(string, string)                  {}
func (noopObserver) ReportBufferDepth(string, string, int)      {}
