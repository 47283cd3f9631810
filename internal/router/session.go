// Package router implements the per-session scheduler (spec §4.F): it
// spawns one cooperative task per graph node, maintains per-edge
// inbound queues with a configurable backpressure policy, fans out
// emitted packets via a broadcast table derived from the compiled
// graph's connections, and drives the router side of capability
// phase-2 re-validation for RuntimeDiscovered nodes. It is new relative
// to the teacher (tvarr schedules a linear stage pipeline, not a DAG),
// built in the teacher's idiom: explicit context cancellation, slog,
// and typed pipelineapi errors rather than panics.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mediarunner/pipelined/internal/capability"
	"github.com/mediarunner/pipelined/internal/graph"
	"github.com/mediarunner/pipelined/internal/media"
	"github.com/mediarunner/pipelined/internal/node"
	"github.com/mediarunner/pipelined/internal/nodecache"
	"github.com/mediarunner/pipelined/pkg/pipelineapi"
)

// NodeFactoryLookup is the registry surface the router needs: create a
// node and inspect its factory-level hosting/streaming flags. Both
// *node.Registry and *node.CompositeRegistry satisfy it.
type NodeFactoryLookup interface {
	Factory(nodeType string) (node.Factory, bool)
}

// Config bundles the router's tunables (spec §4.F, config.RouterConfig).
type Config struct {
	MaxBufferDepth  int
	DropPolicy      DropPolicy
	ShutdownBudget  time.Duration
}

// Session is one streaming session's runtime: the input channel, the
// per-node tasks, the broadcast table, and the shutdown machinery.
type Session struct {
	id      string
	cfg     Config
	graph   *graph.Graph
	capCtx  *capability.Context
	logger  *slog.Logger
	observer SessionObserver

	registry NodeFactoryLookup
	cache    *nodecache.Cache
	spawner  RemoteSpawner

	tasks      map[string]*nodeTask
	downstream map[string][]string // broadcast table: from_node -> [to_node]

	input    *edgeQueue
	outbound *edgeQueue

	group  *errgroup.Group
	gctx   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	firstErr error
	closed   chan struct{}
}

// NewSession compiles the router state for a single streaming session
// but does not start processing; call Initialize then Run.
func NewSession(id string, g *graph.Graph, capCtx *capability.Context, registry NodeFactoryLookup, cache *nodecache.Cache, spawner RemoteSpawner, observer SessionObserver, logger *slog.Logger, cfg Config) *Session {
	if observer == nil {
		observer = noopObserver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBufferDepth <= 0 {
		cfg.MaxBufferDepth = 10
	}
	if cfg.ShutdownBudget <= 0 {
		cfg.ShutdownBudget = 500 * time.Millisecond
	}

	downstream := make(map[string][]string, len(g.Nodes))
	for _, c := range g.Connections {
		downstream[c.From] = append(downstream[c.From], c.To)
	}

	return &Session{
		id:         id,
		cfg:        cfg,
		graph:      g,
		capCtx:     capCtx,
		logger:     logger,
		observer:   observer,
		registry:   registry,
		cache:      cache,
		spawner:    spawner,
		tasks:      make(map[string]*nodeTask, len(g.Nodes)),
		downstream: downstream,
		input:      newEdgeQueue(1<<20, Block, nil), // effectively unbounded MPSC
		outbound:   newEdgeQueue(1<<20, Block, nil),
		closed:     make(chan struct{}),
	}
}

// Initialize walks the graph's topological order, materializes (or
// reuses, via the node cache) every node instance, and runs the
// phase-2 capability recheck for RuntimeDiscovered nodes (spec §4.F
// "Pre-initialization").
func (s *Session) Initialize(ctx context.Context) error {
	for _, id := range s.graph.Order {
		n := s.graph.Nodes[id]
		factory, ok := s.registry.Factory(n.NodeType)
		if !ok {
			return pipelineapi.NewUnknownNodeType(id, n.NodeType)
		}

		resolution := s.resolveRuntime(n, factory)

		task := &nodeTask{
			id:            id,
			nodeType:      n.NodeType,
			factory:       factory,
			isMultiOutput: factory.IsMultiOutputStreaming(),
			queue:         newEdgeQueue(s.cfg.MaxBufferDepth, s.cfg.DropPolicy, s.onDrop(id)),
			logger:        s.logger,
		}

		if isRemote(resolution) {
			if s.spawner == nil {
				return pipelineapi.NewNodeInitFailed(id, nil)
			}
			handle, err := s.spawner.Spawn(ctx, s.id, n, s.graph.IsSource(id))
			if err != nil {
				return pipelineapi.NewNodeInitFailed(id, err)
			}
			handle.RegisterOutputCallback(func(pkt media.Packet) {
				s.broadcast(id, pkt, task.lastInputSeq.Load(), 0)
			})
			// Only ever invoked for a source node's clean exit (spec §4.G,
			// §5 item 2): end the session successfully rather than failing
			// it, the same teardown cascade fail uses but with no error.
			handle.RegisterCompletionCallback(func() {
				s.logger.Info("source node exited normally, ending session", slog.String("node_id", id))
				s.fail(nil)
			})
			task.remote = handle
		} else {
			key, err := nodecache.NewKey(n.NodeType, n.Params)
			if err != nil {
				return pipelineapi.NewNodeInitFailed(id, err)
			}
			sessionID := s.id
			nodeID := id
			params := n.Params
			inst, release, err := s.cache.GetOrCreate(ctx, key, n.NodeType, func() (node.Node, error) {
				return factory.Create(nodeID, params, sessionID)
			})
			if err != nil {
				return pipelineapi.NewNodeInitFailed(id, err)
			}
			task.instance = inst
			task.releaseCache = release

			if reporter, ok := inst.(node.ActualCapabilitiesReporter); ok {
				actual := reporter.ActualCapabilities()
				if actual != nil {
					if err := capability.Revalidate(s.graph, s.capCtx, id, actual); err != nil {
						release()
						return err
					}
					s.configureNeighbors(id, actual)
				}
			}
		}

		s.tasks[id] = task
	}
	return nil
}

// configureNeighbors calls ConfigureFromUpstream on every downstream
// neighbor that implements it, once a RuntimeDiscovered node's actual
// capabilities are known (spec §4.C phase 2, §4.F pre-init).
func (s *Session) configureNeighbors(nodeID string, actual *capability.MediaConstraints) {
	for _, downID := range s.graph.Downstream(nodeID) {
		task, ok := s.tasks[downID]
		if !ok || task.instance == nil {
			continue
		}
		if cfg, ok := task.instance.(node.UpstreamConfigurable); ok {
			if err := cfg.ConfigureFromUpstream(actual); err != nil {
				s.logger.Warn("configure_from_upstream failed", slog.String("node_id", downID), slog.Any("error", err))
			}
		}
	}
}

func (s *Session) resolveRuntime(n *graph.Node, f node.Factory) runtimeResolution {
	switch n.RuntimeHint {
	case "LocalSubprocess":
		return remoteSubprocess
	case "Container":
		return remoteContainer
	case "LocalInProc":
		return remoteNone
	default: // Auto or unset
		if f.IsSubprocessNode() {
			return remoteSubprocess
		}
		return remoteNone
	}
}

// Run starts the per-node tasks and the input-dispatch loop, blocking
// until the session is shut down or a node fails.
func (s *Session) Run(ctx context.Context) error {
	s.gctx, s.cancel = context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(s.gctx)
	s.group = group

	for id, task := range s.tasks {
		task := task
		id := id
		group.Go(func() error {
			task.run(gctx, s)
			s.logger.Debug("node task exited", slog.String("node_id", id))
			return nil
		})
	}

	group.Go(func() error {
		s.dispatchLoop(gctx)
		return nil
	})

	err := group.Wait()
	s.mu.Lock()
	if err == nil {
		err = s.firstErr
	}
	s.mu.Unlock()
	close(s.closed)
	return err
}

// dispatchLoop reads from the input queue and routes each packet to
// its target node's inbound queue (spec §4.F runtime loop, step 1-2).
func (s *Session) dispatchLoop(ctx context.Context) {
	for {
		item, ok := s.input.pop()
		if !ok {
			for _, task := range s.tasks {
				task.queue.close()
			}
			return
		}

		target := item.fromNodeTarget
		if target == "" {
			for _, srcID := range s.graph.Sources {
				s.enqueue(srcID, item.packet, item.fromNode, item.sequence, item.subSequence)
			}
			continue
		}
		s.enqueue(target, item.packet, item.fromNode, item.sequence, item.subSequence)
	}
}

// Push delivers a client DataPacket to the router's input channel
// (spec §4.F, §4.I). It never blocks past the input queue's own
// (effectively unbounded) capacity.
func (s *Session) Push(pkt DataPacket) {
	s.input.push(edgeItem{
		packet:         pkt.Payload,
		fromNode:       pkt.FromNode,
		fromNodeTarget: pkt.ToNode,
		sequence:       pkt.Sequence,
		subSequence:    pkt.SubSequence,
	})
}

// OutboundItem is one sink emission delivered to the RPC layer, keeping
// the (sequence, sub_sequence) pair a client needs to build a Result
// frame (spec §4.F "Ordering", §4.I Result message).
type OutboundItem struct {
	Packet      media.Packet
	FromNode    string
	Sequence    uint64
	SubSequence uint64
}

// Outbound blocks until the next sink-produced packet is available, or
// returns ok=false once the session has fully drained and closed.
func (s *Session) Outbound() (OutboundItem, bool) {
	item, ok := s.outbound.pop()
	return OutboundItem{Packet: item.packet, FromNode: item.fromNode, Sequence: item.sequence, SubSequence: item.subSequence}, ok
}

// broadcast fans an emitted packet out to every downstream node via
// the broadcast table and, if the emitting node is a sink, onto the
// client-facing outbound queue (spec §4.F step 3).
func (s *Session) broadcast(fromNode string, pkt media.Packet, sequence, subSequence uint64) {
	downs := s.downstream[fromNode]
	for _, to := range downs {
		s.enqueue(to, pkt, fromNode, sequence, subSequence)
	}
	if len(downs) == 0 {
		s.outbound.push(edgeItem{packet: pkt, fromNode: fromNode, sequence: sequence, subSequence: subSequence})
	}
}

func (s *Session) enqueue(nodeID string, pkt media.Packet, fromNode string, sequence, subSequence uint64) {
	task, ok := s.tasks[nodeID]
	if !ok {
		return
	}
	task.queue.push(edgeItem{packet: pkt, fromNode: fromNode, sequence: sequence, subSequence: subSequence})
	s.observer.ReportBufferDepth(s.id, nodeID, task.queue.depth())
}

func (s *Session) onDrop(nodeID string) func(string) {
	return func(fromNode string) {
		s.observer.ReportDrop(s.id, nodeID)
		s.logger.Debug("packet dropped by backpressure policy",
			slog.String("session_id", s.id), slog.String("node_id", nodeID), slog.String("from_node", fromNode))
	}
}

// fail records the session's terminal error and tears the session down.
// Cancelling s.gctx alone does not wake anything blocked in an
// edgeQueue, so fail also closes the input queue: dispatchLoop observes
// the close, closes every node task's queue in turn, and each blocked
// nodeTask.run/runRemote unblocks from queue.pop with ok=false and
// returns, letting errgroup.Wait in Run unblock (spec §7, §8 property 8).
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	s.input.close()
}

// Shutdown implements spec §4.F's shutdown sequence: stop accepting
// input, close every node's inbound queue, let per-node tasks flush
// and terminate, release cached node handles, and tear down remote
// node IPC threads — all within the configured shutdown budget.
func (s *Session) Shutdown(ctx context.Context) error {
	s.input.close()

	budgetCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownBudget)
	defer cancel()

	done := make(chan struct{})
	go func() {
		<-s.closed
		close(done)
	}()

	select {
	case <-done:
	case <-budgetCtx.Done():
		if s.cancel != nil {
			s.cancel()
		}
		<-s.closed
	}

	for _, task := range s.tasks {
		if task.remote != nil {
			if err := task.remote.Shutdown(ctx); err != nil {
				s.logger.Warn("remote node shutdown error", slog.String("node_id", task.id), slog.Any("error", err))
			}
		}
		if task.releaseCache != nil {
			task.releaseCache()
		}
	}
	s.outbound.close()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

// NodeParams returns the raw manifest params for a node id, used by
// callers that need to re-derive a nodecache.Key (e.g. admin
// introspection). Exposed mainly so tests can validate Initialize's
// cache-key derivation without reaching into graph internals.
func (s *Session) NodeParams(nodeID string) json.RawMessage {
	n, ok := s.graph.Nodes[nodeID]
	if !ok {
		return nil
	}
	return n.Params
}
