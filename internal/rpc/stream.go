package rpc

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shirou/gopsutil/v3/process"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/mediarunner/pipelined/internal/capability"
	"github.com/mediarunner/pipelined/internal/graph"
	"github.com/mediarunner/pipelined/internal/manifest"
	"github.com/mediarunner/pipelined/internal/media"
	"github.com/mediarunner/pipelined/internal/router"
	pipelinev1 "github.com/mediarunner/pipelined/pkg/pipeline/v1"
	"github.com/mediarunner/pipelined/pkg/pipelineapi"
)

// Stream implements PipelineService.Stream (spec §4.I): Init must be
// the first frame, Ready the first response; DataChunk/AudioChunk
// drive zero-or-more Results each, Control drives session lifecycle,
// and Closed is always the last frame the server sends while it can
// still construct one.
func (s *Server) Stream(stream pipelinev1.PipelineService_StreamServer) error {
	ctx := stream.Context()

	first, err := stream.Recv()
	if err != nil {
		return status.Errorf(codes.Internal, "receiving init frame: %v", err)
	}
	initReq, ok := first.Payload.(*pipelinev1.ClientMessage_Init)
	if !ok {
		return status.Errorf(codes.InvalidArgument, "expected Init as first frame, got %T", first.Payload)
	}

	release, ok := s.acquireSlot()
	if !ok {
		return sendAndReturn(stream, errorMessage(pipelineapi.NewSessionLimitExceeded(s.cfg.MaxConcurrentSessions), ""))
	}
	defer release()

	h, err := s.openSession(ctx, initReq.Init)
	if err != nil {
		return sendAndReturn(stream, errorMessage(err, ""))
	}
	defer h.close()

	s.sessions.register(h.state, func() {
		select {
		case h.failedCh <- pipelineapi.NewSessionIdleTimeout():
		default:
		}
	})
	defer s.sessions.unregister(h.state.id)

	chunkSize := int(initReq.Init.ExpectedChunkSize)
	if chunkSize <= 0 {
		chunkSize = s.cfg.DefaultChunkSize
	}
	if err := h.sendMsg(stream, readyMessage(h.state.id, chunkSize, s.cfg.MaxBufferLatencyHint)); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.drainOutbound(stream)
	}()

	recvErrCh := make(chan error, 1)
	go func() { recvErrCh <- h.recvLoop(stream) }()

	// The session can end for two independent reasons: the client hangs
	// up / sends Close (recvErrCh), or a node failure tears the router
	// down on its own (h.failedCh, fed by the sess.Run goroutine in
	// openSession) — spec §8 scenario S7 requires the latter to reach
	// the client as a Closed frame without waiting on the next Recv.
	reason := "client closed"
	select {
	case recvErr := <-recvErrCh:
		if recvErr != nil {
			reason = recvErr.Error()
		}
	case failErr := <-h.failedCh:
		reason = failErr.Error()
	}

	h.cancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = h.session.Shutdown(shutdownCtx)
	wg.Wait()

	return h.sendMsg(stream, closedMessage(h.state.id, h.state.snapshot(), h.state.createdAt, reason))
}

// streamHandle bundles the per-connection state a Stream call needs:
// the compiled session, a single-writer guard over stream.Send (gRPC
// streams are not safe for concurrent sends), and the in-flight
// sequence→receive-time map used to compute Result.processing_time_ms.
type streamHandle struct {
	server   *Server
	state    *sessionState
	session  *router.Session
	observer *sessionObserver

	cancelFn context.CancelFunc

	// failedCh carries the session's terminal error, if any, from the
	// background sess.Run goroutine back to Stream so it can send Closed
	// promptly instead of waiting on the next client Recv.
	failedCh chan error

	sendMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint64]time.Time
}

func (s *Server) openSession(ctx context.Context, req *pipelinev1.InitRequest) (*streamHandle, error) {
	m, err := manifest.Parse(req.ManifestJson)
	if err != nil {
		return nil, pipelineapi.NewInvalidManifest("", err.Error())
	}
	if err := manifest.Validate(m, s.deps.Registry); err != nil {
		return nil, err
	}
	g, err := graph.Build(m)
	if err != nil {
		return nil, err
	}
	capCtx, err := capability.Resolve(g, s.deps.Registry)
	if err != nil {
		return nil, err
	}

	id := ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
	state := newSessionState(id, m, g, capCtx, s.deps.Cache)
	observer := newSessionObserver(s.deps.Metrics, state)

	routerCfg := s.cfg.Router
	sess := router.NewSession(id, g, capCtx, s.deps.Registry, s.deps.Cache, s.deps.Spawner, observer, s.logger, routerCfg)
	if err := sess.Initialize(ctx); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	h := &streamHandle{
		server:   s,
		state:    state,
		session:  sess,
		observer: observer,
		cancelFn: cancel,
		failedCh: make(chan error, 1),
		pending:  make(map[uint64]time.Time),
	}

	go func() {
		if err := sess.Run(runCtx); err != nil {
			s.logger.Warn("session run ended with error", slog.String("session_id", id), slog.Any("error", err))
			select {
			case h.failedCh <- err:
			default:
			}
		}
	}()

	return h, nil
}

func (h *streamHandle) cancel() {
	if h.cancelFn != nil {
		h.cancelFn()
	}
}

func (h *streamHandle) close() {}

func (h *streamHandle) sendMsg(stream pipelinev1.PipelineService_StreamServer, msg *pipelinev1.ServerMessage) error {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()
	return stream.Send(msg)
}

// recvLoop consumes client frames until Close/Cancel or the stream
// itself ends, dispatching DataChunk/AudioChunk into the router and
// emitting periodic Metrics frames (spec §4.I).
func (h *streamHandle) recvLoop(stream pipelinev1.PipelineService_StreamServer) error {
	for {
		msg, err := stream.Recv()
		if err != nil {
			return nil // client hung up or sent io.EOF; treat as a clean close
		}
		h.state.touch()

		switch payload := msg.Payload.(type) {
		case *pipelinev1.ClientMessage_DataChunk:
			h.handleDataChunk(stream, payload.DataChunk)
		case *pipelinev1.ClientMessage_AudioChunk:
			h.handleAudioChunk(stream, payload.AudioChunk)
		case *pipelinev1.ClientMessage_Control:
			switch payload.Control.Kind {
			case pipelinev1.ControlKind_CONTROL_KIND_CLOSE:
				return nil
			case pipelinev1.ControlKind_CONTROL_KIND_CANCEL:
				return fmt.Errorf("session cancelled by client")
			}
		case *pipelinev1.ClientMessage_Init:
			_ = h.sendMsg(stream, errorMessage(pipelineapi.NewInvalidManifest("", "Init already sent for this session"), ""))
		}
	}
}

func (h *streamHandle) handleDataChunk(stream pipelinev1.PipelineService_StreamServer, dc *pipelinev1.DataChunk) {
	pkt, err := media.Decode(dc.Buffer)
	if err != nil {
		_ = h.sendMsg(stream, errorMessage(pipelineapi.NewInvalidManifest(dc.NodeId, err.Error()), dc.NodeId))
		return
	}
	h.push(stream, dc.NodeId, dc.Sequence, pkt)
}

func (h *streamHandle) handleAudioChunk(stream pipelinev1.PipelineService_StreamServer, ac *pipelinev1.AudioChunk) {
	pkt := media.NewAudio(ac.Samples, ac.SampleRateHz, uint16(ac.Channels))
	h.push(stream, ac.NodeId, ac.Sequence, pkt)
}

func (h *streamHandle) push(stream pipelinev1.PipelineService_StreamServer, nodeID string, sequence uint64, pkt media.Packet) {
	expected, gap, reject := h.state.validateSequence(sequence)
	if reject {
		_ = h.sendMsg(stream, errorMessage(pipelineapi.NewOutOfOrderChunk(nodeID, expected, sequence), nodeID))
		return
	}
	if gap {
		h.server.deps.Metrics.GapDetected.WithLabelValues(h.state.id).Inc()
		h.server.logger.Debug("sequence gap accepted",
			slog.String("session_id", h.state.id), slog.Uint64("expected", expected), slog.Uint64("got", sequence))
	}

	h.pendingMu.Lock()
	h.pending[sequence] = time.Now()
	h.pendingMu.Unlock()

	h.session.Push(router.DataPacket{Payload: pkt, FromNode: "client", ToNode: nodeID, Sequence: sequence})

	h.sampleSystemStats()

	processed := h.state.chunksProcessedSoFar()
	if h.server.cfg.MetricsIntervalChunks > 0 && processed > 0 && processed%uint64(h.server.cfg.MetricsIntervalChunks) == 0 {
		_ = h.sendMsg(stream, metricsMessage(h.state.snapshot(), h.state.createdAt))
	}
}

// drainOutbound forwards every sink emission to the client as a Result
// frame until the router's outbound queue closes (session shutdown).
func (h *streamHandle) drainOutbound(stream pipelinev1.PipelineService_StreamServer) {
	for {
		item, ok := h.session.Outbound()
		if !ok {
			return
		}

		h.pendingMu.Lock()
		started, found := h.pending[item.Sequence]
		if found && item.SubSequence == 0 {
			delete(h.pending, item.Sequence)
		}
		h.pendingMu.Unlock()

		latencyMS := 0.0
		if found {
			latencyMS = float64(time.Since(started).Microseconds()) / 1000.0
		}
		h.state.recordChunkProcessed(latencyMS, item.Packet.DataTypeTag())
		h.observer.ReportChunkProcessed(h.state.id, latencyMS)

		buf, err := media.Encode(item.Packet)
		if err != nil {
			_ = h.sendMsg(stream, errorMessage(pipelineapi.NewInternal(err), item.FromNode))
			continue
		}

		result := &pipelinev1.Result{
			Sequence:            item.Sequence,
			SubSequence:         item.SubSequence,
			DataOutputs:         map[string][]byte{item.FromNode: buf},
			ProcessingTimeMs:    latencyMS,
			TotalItemsProcessed: uint64(item.Packet.ItemCount()),
		}
		_ = h.sendMsg(stream, &pipelinev1.ServerMessage{Payload: &pipelinev1.ServerMessage_Result{Result: result}})
	}
}

// sampleSystemStats updates the session's peak-memory bookkeeping from
// this process's own RSS, the way daemon/stats.go samples host stats
// for a heartbeat — narrowed to process.NewProcess(self) since a
// session's "peak memory" is this runtime's own footprint, not a
// remote daemon's.
func (h *streamHandle) sampleSystemStats() {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return
	}
	info, err := proc.MemoryInfo()
	if err != nil || info == nil {
		return
	}
	h.state.recordPeakMemory(info.RSS)

	h.state.mu.Lock()
	peak := h.state.peakMemoryBytes
	h.state.mu.Unlock()
	h.server.deps.Metrics.PeakMemoryBytes.WithLabelValues(h.state.id).Set(float64(peak))
}

func (s *sessionState) chunksProcessedSoFar() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunksProcessed
}

func readyMessage(sessionID string, recommendedChunkSize int, maxBufferLatency time.Duration) *pipelinev1.ServerMessage {
	return &pipelinev1.ServerMessage{Payload: &pipelinev1.ServerMessage_Ready{Ready: &pipelinev1.Ready{
		SessionId:            sessionID,
		RecommendedChunkSize: uint32(recommendedChunkSize),
		MaxBufferLatencyMs:   uint64(maxBufferLatency.Milliseconds()),
	}}}
}

func metricsMessage(snap metricsSnapshot, createdAt time.Time) *pipelinev1.ServerMessage {
	return &pipelinev1.ServerMessage{Payload: &pipelinev1.ServerMessage_Metrics{Metrics: buildMetrics(snap, createdAt)}}
}

func closedMessage(sessionID string, snap metricsSnapshot, createdAt time.Time, reason string) *pipelinev1.ServerMessage {
	return &pipelinev1.ServerMessage{Payload: &pipelinev1.ServerMessage_Closed{Closed: &pipelinev1.Closed{
		SessionId:    sessionID,
		FinalMetrics: buildMetrics(snap, createdAt),
		Reason:       reason,
	}}}
}

func buildMetrics(snap metricsSnapshot, createdAt time.Time) *pipelinev1.Metrics {
	return &pipelinev1.Metrics{
		ChunksProcessed:   snap.chunksProcessed,
		AverageLatencyMs:  snap.averageLatencyMS,
		ChunksDropped:     snap.chunksDropped,
		PeakMemoryBytes:   snap.peakMemoryBytes,
		DataTypeBreakdown: snap.dataTypeBreakdown,
		CacheHits:         snap.cacheHits,
		CacheMisses:       snap.cacheMisses,
		CacheHitRate:      cacheHitRate(snap.cacheHits, snap.cacheMisses),
		Uptime:            durationpb.New(time.Since(createdAt)),
	}
}

func cacheHitRate(hits, misses uint64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

func errorMessage(err error, nodeID string) *pipelinev1.ServerMessage {
	kind := string(pipelineapi.KindInternal)
	reason := err.Error()
	if pe, ok := err.(*pipelineapi.Error); ok {
		kind = string(pe.Kind)
		reason = pe.Reason
		if pe.NodeID != "" {
			nodeID = pe.NodeID
		}
	}
	return &pipelinev1.ServerMessage{Payload: &pipelinev1.ServerMessage_Error{Error: &pipelinev1.Error{
		Kind:   kind,
		Reason: reason,
		NodeId: nodeID,
	}}}
}

func sendAndReturn(stream pipelinev1.PipelineService_StreamServer, msg *pipelinev1.ServerMessage) error {
	if err := stream.Send(msg); err != nil {
		return err
	}
	return nil
}
