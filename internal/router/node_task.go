package router

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/mediarunner/pipelined/internal/media"
	"github.com/mediarunner/pipelined/internal/node"
	"github.com/mediarunner/pipelined/pkg/pipelineapi"
)

// nodeTask is the per-GraphNode cooperative task (spec §4.F): it owns
// the node handle, its inbound queue, and emits to downstream tasks via
// the session's broadcast table.
type nodeTask struct {
	id           string
	nodeType     string
	instance     node.Node
	factory      node.Factory
	releaseCache func() // nodecache handle release, called on teardown

	queue         *edgeQueue
	isMultiOutput bool

	remote RemoteHandle // non-nil when this node runs out-of-process

	lastInputSeq atomic.Uint64
	finishSub    atomic.Uint64

	logger *slog.Logger
}

// run drains the inbound queue until it is closed and drained, calling
// the node's processing hook for every packet and finish_streaming once
// on close (spec §4.F "Multi-yield streaming nodes", "Shutdown" step 3).
func (t *nodeTask) run(ctx context.Context, sess *Session) {
	if t.remote != nil {
		t.runRemote(ctx, sess)
		return
	}

	for {
		item, ok := t.queue.pop()
		if !ok {
			t.finish(ctx, sess)
			return
		}
		sess.observer.ReportBufferDepth(sess.id, t.id, t.queue.depth())
		sess.observer.ReportNodeActivity(sess.id, t.id, DirectionIn)

		if item.packet.Kind == media.KindControl {
			t.handleControl(ctx, sess, item)
			continue
		}

		t.lastInputSeq.Store(item.sequence)
		emit := t.emitFor(sess, item.sequence)

		switch {
		case t.isMultiOutput:
			if sp, ok := t.instance.(node.StreamProcessor); ok {
				if err := sp.ProcessStreaming(ctx, item.packet, sess.id, emit); err != nil {
					if !t.recoverable() {
						sess.fail(pipelineapi.NewInternal(err))
						return
					}
					t.logger.Warn("recoverable node error, dropping packet", slog.String("node_id", t.id), slog.Any("error", err))
				}
				continue
			}
			fallthrough
		default:
			if proc, ok := t.instance.(node.Processor); ok {
				out, err := proc.Process(ctx, item.packet)
				if err != nil {
					if !t.recoverable() {
						sess.fail(pipelineapi.NewInternal(err))
						return
					}
					t.logger.Warn("recoverable node error, dropping packet", slog.String("node_id", t.id), slog.Any("error", err))
					continue
				}
				sess.broadcast(t.id, out, item.sequence, 0)
				continue
			}
			if sp, ok := t.instance.(node.StreamProcessor); ok {
				if err := sp.ProcessStreaming(ctx, item.packet, sess.id, emit); err != nil {
					if !t.recoverable() {
						sess.fail(pipelineapi.NewInternal(err))
						return
					}
				}
				continue
			}
		}
	}
}

func (t *nodeTask) handleControl(ctx context.Context, sess *Session, item edgeItem) {
	if cp, ok := t.instance.(node.ControlProcessor); ok {
		handled, err := cp.ProcessControl(ctx, item.packet, sess.id)
		if err != nil {
			sess.fail(pipelineapi.NewInternal(err))
			return
		}
		if handled {
			return
		}
	}
	// Not handled (or the node declares no control support): forward
	// unchanged (spec §4.F "Control messages").
	sess.broadcast(t.id, item.packet, item.sequence, item.subSequence)
}

func (t *nodeTask) emitFor(sess *Session, sequence uint64) node.EmitFunc {
	var subSeq uint64
	return func(pkt media.Packet) {
		sess.observer.ReportNodeActivity(sess.id, t.id, DirectionOut)
		sess.broadcast(t.id, pkt, sequence, subSeq)
		subSeq++
	}
}

func (t *nodeTask) finish(ctx context.Context, sess *Session) {
	if fin, ok := t.instance.(node.StreamFinisher); ok {
		seq := t.lastInputSeq.Load()
		emit := func(pkt media.Packet) {
			sub := t.finishSub.Add(1) - 1
			sess.broadcast(t.id, pkt, seq, sub)
		}
		if err := fin.FinishStreaming(ctx, emit); err != nil {
			t.logger.Warn("finish_streaming error", slog.String("node_id", t.id), slog.Any("error", err))
		}
	}
}

func (t *nodeTask) recoverable() bool {
	if r, ok := t.instance.(node.RecoverableErrors); ok {
		return r.RecoverableErrors()
	}
	return false
}

// runRemote forwards queued packets to the remote worker via its IPC
// handle; outputs arrive asynchronously through the output callback
// registered in Session.preInitialize (spec §4.G).
func (t *nodeTask) runRemote(ctx context.Context, sess *Session) {
	for {
		item, ok := t.queue.pop()
		if !ok {
			return
		}
		sess.observer.ReportBufferDepth(sess.id, t.id, t.queue.depth())
		t.lastInputSeq.Store(item.sequence)
		if err := t.remote.Send(ctx, item.packet); err != nil {
			sess.fail(pipelineapi.NewRemoteNodeFailure(t.id, err.Error()))
			return
		}
	}
}
