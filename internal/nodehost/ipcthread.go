package nodehost

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/mediarunner/pipelined/internal/media"
	"github.com/mediarunner/pipelined/internal/shm"
)

// ipcThread is the dedicated OS thread spec §4.G and §5 require for
// each remote node: it owns the persistent input-channel publisher and
// output-channel subscriber, since shared-memory handles have affinity
// to the thread that created them and are not safely movable. It
// offers a command mailbox (send/registerOutputCallback/shutdown)
// serviced by a single goroutine pinned with runtime.LockOSThread,
// modeled on the teacher's per-job goroutine lifecycle
// (internal/relay/grpc_server.go's ActiveJobManager reference) but new
// in shape because the teacher has no thread-affinity requirement.
type ipcThread struct {
	nodeID    string
	inputPub  *shm.Publisher
	outputSub *shm.Subscriber
	w         worker
	isSource  bool
	logger    *slog.Logger

	sendCh               chan sendCmd
	registerCh           chan func(media.Packet)
	completionRegisterCh chan func()
	shutdownCh           chan chan struct{}

	mu       sync.Mutex
	exitedAs *ExitReason
}

type sendCmd struct {
	ctx  context.Context
	pkt  media.Packet
	done chan error
}

func newIPCThread(nodeID string, inputPub *shm.Publisher, outputSub *shm.Subscriber, w worker, isSource bool, logger *slog.Logger) *ipcThread {
	return &ipcThread{
		nodeID:               nodeID,
		inputPub:             inputPub,
		outputSub:            outputSub,
		w:                    w,
		isSource:             isSource,
		logger:               logger,
		sendCh:               make(chan sendCmd),
		registerCh:           make(chan func(media.Packet), 1),
		completionRegisterCh: make(chan func(), 1),
		shutdownCh:           make(chan chan struct{}),
	}
}

func (t *ipcThread) start() {
	go t.loop()
}

// loop is the thread body. It polls the output subscriber continuously
// (yielding on empty via a short ticker) rather than batching, so a
// multi-yield worker's N output chunks are drained with single-packet
// latency (spec §4.G).
func (t *ipcThread) loop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var outputCB func(media.Packet)
	var completionCB func()
	poll := time.NewTicker(time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case cmd := <-t.sendCh:
			if reason := t.exitReason(); reason != nil {
				if *reason == ExitNormal && t.isSource {
					// Graph completion, not a failed send: the source has
					// nothing left to publish (spec §4.G, §5 item 2).
					cmd.done <- nil
					continue
				}
				cmd.done <- fmt.Errorf("nodehost: node %s worker exited (%s)", t.nodeID, *reason)
				continue
			}
			_, err := t.inputPub.PublishBlocking(cmd.ctx, cmd.pkt)
			cmd.done <- err

		case cb := <-t.registerCh:
			outputCB = cb

		case cb := <-t.completionRegisterCh:
			completionCB = cb

		case ack := <-t.shutdownCh:
			t.drainOutput(outputCB)
			ack <- struct{}{}
			return

		case reason := <-t.w.wait():
			t.setExitReason(reason)
			t.logger.Log(context.Background(), logLevelForExit(reason), "remote node worker exited",
				slog.String("node_id", t.nodeID), slog.String("reason", reason.String()))
			if reason == ExitNormal && t.isSource && completionCB != nil {
				completionCB()
			}

		case <-poll.C:
			if pkt, ok, err := t.outputSub.Receive(); ok {
				if err != nil {
					t.logger.Warn("decoding output frame failed", slog.String("node_id", t.nodeID), slog.Any("error", err))
					continue
				}
				if outputCB != nil {
					outputCB(pkt)
				}
			}
		}
	}
}

func logLevelForExit(r ExitReason) slog.Level {
	if r == ExitNormal {
		return slog.LevelInfo
	}
	return slog.LevelWarn
}

// drainOutput flushes whatever output frames are already buffered
// before the thread exits, so a worker's final emissions aren't lost
// to the shutdown race.
func (t *ipcThread) drainOutput(cb func(media.Packet)) {
	if cb == nil {
		return
	}
	for {
		pkt, ok, err := t.outputSub.Receive()
		if !ok {
			return
		}
		if err == nil {
			cb(pkt)
		}
	}
}

func (t *ipcThread) exitReason() *ExitReason {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitedAs
}

func (t *ipcThread) setExitReason(r ExitReason) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.exitedAs == nil {
		t.exitedAs = &r
	}
}

func (t *ipcThread) send(ctx context.Context, pkt media.Packet) error {
	done := make(chan error, 1)
	select {
	case t.sendCh <- sendCmd{ctx: ctx, pkt: pkt, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *ipcThread) registerOutputCallback(cb func(media.Packet)) {
	t.registerCh <- cb
}

func (t *ipcThread) registerCompletionCallback(cb func()) {
	t.completionRegisterCh <- cb
}

// shutdown sends the mailbox's Shutdown command, joins the thread
// (bounded by ctx), then terminates the worker process/container and
// releases its OS-level resources (spec §4.G cleanup steps 1-2).
func (t *ipcThread) shutdown(ctx context.Context) error {
	ack := make(chan struct{}, 1)
	select {
	case t.shutdownCh <- ack:
		select {
		case <-ack:
		case <-ctx.Done():
		}
	case <-ctx.Done():
	}

	t.w.kill()
	select {
	case <-t.w.wait():
	case <-time.After(50 * time.Millisecond):
	}
	t.w.cleanup(ctx)

	if reason := t.exitReason(); reason != nil && *reason != ExitNormal {
		return fmt.Errorf("nodehost: node %s worker exited (%s) during shutdown", t.nodeID, *reason)
	}
	return nil
}
