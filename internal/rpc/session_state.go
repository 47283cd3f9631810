package rpc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mediarunner/pipelined/internal/capability"
	"github.com/mediarunner/pipelined/internal/graph"
	"github.com/mediarunner/pipelined/internal/manifest"
	"github.com/mediarunner/pipelined/internal/nodecache"
	"github.com/mediarunner/pipelined/internal/observability"
	"github.com/mediarunner/pipelined/internal/router"
)

// sessionState is the RPC layer's view of one open session (spec §4.I
// SessionState): the compiled pipeline, the router handle driving it,
// and the bookkeeping a periodic Metrics frame is built from. It plays
// the role the teacher's types.Daemon struct plays in DaemonRegistry —
// one mutable record per remote party, guarded by its own mutex rather
// than the registry's.
type sessionState struct {
	id       string
	manifest *manifest.Manifest
	graph    *graph.Graph
	capCtx   *capability.Context
	session  *router.Session
	cache    *nodecache.Cache

	createdAt time.Time

	mu                  sync.Mutex
	nextExpectedSequence uint64
	chunksProcessed      uint64
	chunksDropped        uint64
	latencySumMS         float64
	peakMemoryBytes      uint64
	dataTypeBreakdown    map[string]uint64
	lastActivity         time.Time

	cacheHitsBase, cacheMissesBase uint64
}

func newSessionState(id string, m *manifest.Manifest, g *graph.Graph, capCtx *capability.Context, cache *nodecache.Cache) *sessionState {
	hits, misses := cache.HitsMisses()
	return &sessionState{
		id:                id,
		manifest:          m,
		graph:             g,
		capCtx:            capCtx,
		cache:             cache,
		createdAt:         time.Now(),
		lastActivity:      time.Now(),
		dataTypeBreakdown: make(map[string]uint64),
		cacheHitsBase:     hits,
		cacheMissesBase:   misses,
	}
}

func (s *sessionState) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *sessionState) idleSince() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity)
}

// validateSequence implements spec §4.I's ordering rule: a sequence
// strictly below the next expected one is rejected (OutOfOrderChunk,
// session continues); a sequence ahead of it is accepted with a
// logged, counted gap; otherwise it advances the expectation by one.
func (s *sessionState) validateSequence(got uint64) (expected uint64, gap bool, reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	expected = s.nextExpectedSequence
	switch {
	case got < expected:
		return expected, false, true
	case got > expected:
		s.nextExpectedSequence = got + 1
		return expected, true, false
	default:
		s.nextExpectedSequence = got + 1
		return expected, false, false
	}
}

func (s *sessionState) recordChunkProcessed(latencyMS float64, dataType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunksProcessed++
	s.latencySumMS += latencyMS
	s.dataTypeBreakdown[dataType]++
	s.lastActivity = time.Now()
}

func (s *sessionState) recordDrop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunksDropped++
}

func (s *sessionState) recordPeakMemory(bytes uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bytes > s.peakMemoryBytes {
		s.peakMemoryBytes = bytes
	}
}

// snapshot captures the fields a Metrics frame needs (spec §4.I) under
// one lock acquisition.
type metricsSnapshot struct {
	chunksProcessed   uint64
	chunksDropped     uint64
	averageLatencyMS  float64
	peakMemoryBytes   uint64
	dataTypeBreakdown map[string]uint64
	cacheHits         uint64
	cacheMisses       uint64
}

func (s *sessionState) snapshot() metricsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	avg := 0.0
	if s.chunksProcessed > 0 {
		avg = s.latencySumMS / float64(s.chunksProcessed)
	}
	breakdown := make(map[string]uint64, len(s.dataTypeBreakdown))
	for k, v := range s.dataTypeBreakdown {
		breakdown[k] = v
	}
	hits, misses := s.cache.HitsMisses()
	return metricsSnapshot{
		chunksProcessed:   s.chunksProcessed,
		chunksDropped:     s.chunksDropped,
		averageLatencyMS:  avg,
		peakMemoryBytes:   s.peakMemoryBytes,
		dataTypeBreakdown: breakdown,
		cacheHits:         hits - s.cacheHitsBase,
		cacheMisses:       misses - s.cacheMissesBase,
	}
}

// sessionObserver decorates the process-wide router.MetricsObserver
// (Prometheus reporting) with this session's local bookkeeping, the
// way a Decorator wraps a component without changing its interface —
// the router only ever sees a router.SessionObserver, unaware that
// this implementation also feeds a per-session Metrics frame.
type sessionObserver struct {
	inner *router.MetricsObserver
	state *sessionState
}

func newSessionObserver(m *observability.Metrics, state *sessionState) *sessionObserver {
	return &sessionObserver{inner: router.NewMetricsObserver(m), state: state}
}

func (o *sessionObserver) ReportChunkProcessed(sessionID string, latencyMS float64) {
	o.inner.ReportChunkProcessed(sessionID, latencyMS)
}

func (o *sessionObserver) ReportNodeActivity(sessionID, nodeID string, dir router.Direction) {
	o.inner.ReportNodeActivity(sessionID, nodeID, dir)
}

func (o *sessionObserver) ReportDrop(sessionID, nodeID string) {
	o.inner.ReportDrop(sessionID, nodeID)
	o.state.recordDrop()
}

func (o *sessionObserver) ReportBufferDepth(sessionID, nodeID string, depth int) {
	o.inner.ReportBufferDepth(sessionID, nodeID, depth)
}

// sessionRegistry tracks every open session for the capacity semaphore
// and the idle-timeout sweeper (spec §4.I "idle sweeper", grounded on
// relay.DaemonRegistry's heartbeat/cleanup loop, collapsed from its
// two-phase unhealthy/remove timeout to the spec's single
// SESSION_TIMEOUT since an RPC session has no heartbeat of its own —
// any stream activity counts as a touch).
type sessionRegistry struct {
	logger *slog.Logger

	timeout       time.Duration
	sweepInterval time.Duration

	mu       sync.RWMutex
	sessions map[string]*registeredSession

	cancel context.CancelFunc
}

type registeredSession struct {
	state    *sessionState
	onExpire func()
}

func newSessionRegistry(timeout, sweepInterval time.Duration, logger *slog.Logger) *sessionRegistry {
	return &sessionRegistry{
		logger:        logger,
		timeout:       timeout,
		sweepInterval: sweepInterval,
		sessions:      make(map[string]*registeredSession),
	}
}

func (r *sessionRegistry) register(state *sessionState, onExpire func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[state.id] = &registeredSession{state: state, onExpire: onExpire}
}

func (r *sessionRegistry) unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

func (r *sessionRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *sessionRegistry) Start(ctx context.Context) {
	sweepCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	go r.sweepLoop(sweepCtx)
}

func (r *sessionRegistry) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
}

func (r *sessionRegistry) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *sessionRegistry) sweep() {
	r.mu.RLock()
	var expired []*registeredSession
	for _, rs := range r.sessions {
		if rs.state.idleSince() > r.timeout {
			expired = append(expired, rs)
		}
	}
	r.mu.RUnlock()

	for _, rs := range expired {
		r.logger.Info("session idle timeout", slog.String("session_id", rs.state.id))
		rs.onExpire()
	}
}
