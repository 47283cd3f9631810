// Package nodehost implements spec §4.G: when a node's runtime_hint
// requires out-of-process execution, the host spawns a worker (OS
// subprocess or container), names its three shared-memory channels,
// waits for the READY handshake, and hands the router a RemoteHandle
// backed by a dedicated IPC thread. It is grounded on
// internal/relay/ffmpegd_spawner.go (subprocess spawn/readiness/
// cleanup shape) and internal/relay/connection_pool.go (the
// spawn-concurrency limiter), generalized from "spawn a tvarr-ffmpegd
// daemon and wait for it to register over gRPC" to "spawn any worker
// and wait for it to publish READY over a control channel."
package nodehost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mediarunner/pipelined/internal/graph"
	"github.com/mediarunner/pipelined/internal/manifest"
	"github.com/mediarunner/pipelined/internal/media"
	"github.com/mediarunner/pipelined/internal/router"
	"github.com/mediarunner/pipelined/internal/shm"
	"github.com/mediarunner/pipelined/pkg/pipelineapi"
)

// ContainerProfile carries the hardened container security settings
// from config.ContainerConfig without coupling this package to
// internal/config (same narrow-injection convention as the rest of
// the tree).
type ContainerProfile struct {
	UID             int
	GID             int
	CapDrop         []string
	CapAdd          []string
	ReadOnlyRootFS  bool
	TmpfsSizeBytes  int64
	NoNewPrivileges bool
	MACProfile      string
	MemoryLimit     int64
	CPUQuota        float64
	GPUDevices      []string
}

// Config bundles nodehost's tunables (spec §4.G, config.NodeHostConfig
// + config.TransportConfig).
type Config struct {
	NodeInitTimeout     time.Duration
	ReadyHandshakeGrace time.Duration
	ShutdownGrace       time.Duration
	BinaryPath          string
	Env                 map[string]string
	Container           ContainerProfile

	BusDir       string
	BusSize      int
	Backpressure bool

	MaxConcurrentSpawns int

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.NodeInitTimeout <= 0 {
		c.NodeInitTimeout = 300 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 5 * time.Second
	}
	if c.BusSize <= 0 {
		c.BusSize = 64 * 1024 * 1024
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Host spawns and tears down out-of-process nodes for every session
// that needs them. It implements router.RemoteSpawner.
type Host struct {
	cfg      Config
	logger   *slog.Logger
	channels *shm.Registry

	dockerCli  *dockerClient
	dockerOnce sync.Once
	dockerErr  error

	spawnSem chan struct{} // nil when unlimited
	circuits *spawnCircuitRegistry
}

// NewHost creates a node host rooted at cfg.BusDir for its
// shared-memory channels.
func NewHost(cfg Config) *Host {
	cfg.applyDefaults()
	h := &Host{
		cfg:      cfg,
		logger:   cfg.Logger,
		channels: shm.NewRegistry(cfg.BusDir, cfg.BusSize, cfg.Backpressure),
		circuits: newSpawnCircuitRegistry(),
	}
	if cfg.MaxConcurrentSpawns > 0 {
		h.spawnSem = make(chan struct{}, cfg.MaxConcurrentSpawns)
	}
	return h
}

// Spawn places node n (of session sessionID) out-of-process, waits for
// its READY handshake, and returns the dedicated-IPC-thread handle the
// router drives it through (spec §4.G).
func (h *Host) Spawn(ctx context.Context, sessionID string, n *graph.Node, isSource bool) (router.RemoteHandle, error) {
	cb := h.circuits.get(n.NodeType)
	if !cb.allow() {
		return nil, pipelineapi.NewNodeInitFailed(n.ID, errSpawnCircuitOpen)
	}

	handle, err := h.spawn(ctx, sessionID, n, isSource)
	if err != nil {
		cb.recordFailure()
		return nil, err
	}
	cb.recordSuccess()
	return handle, nil
}

// spawn does the actual channel/worker/handshake work; Spawn wraps it
// with the per-node-type circuit breaker so a worker binary or image
// that keeps failing to come up stops being retried on every chunk
// that needs it (spec §4.G spawn failures propagate as session errors;
// the breaker only bounds how many times we re-attempt the spawn
// itself).
func (h *Host) spawn(ctx context.Context, sessionID string, n *graph.Node, isSource bool) (router.RemoteHandle, error) {
	if h.spawnSem != nil {
		select {
		case h.spawnSem <- struct{}{}:
			defer func() { <-h.spawnSem }()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	inputName := shm.InputChannelName(sessionID, n.ID)
	outputName := shm.OutputChannelName(sessionID, n.ID)
	controlName := shm.ControlChannelName(sessionID, n.ID)

	// Channels are created before the worker is spawned (spec §4.G
	// "Naming... All are created by the host before spawning the
	// worker"); the host holds the input publisher / output subscriber
	// pair, the worker the mirror.
	inputPub, err := h.channels.Publisher(inputName)
	if err != nil {
		return nil, pipelineapi.NewNodeInitFailed(n.ID, err)
	}
	outputSub, err := h.channels.Subscriber(outputName)
	if err != nil {
		h.releaseChannels(inputName)
		return nil, pipelineapi.NewNodeInitFailed(n.ID, err)
	}
	controlSub, err := h.channels.Subscriber(controlName)
	if err != nil {
		h.releaseChannels(inputName, outputName)
		return nil, pipelineapi.NewNodeInitFailed(n.ID, err)
	}

	env := h.workerEnv(sessionID, n)

	var w worker
	if n.RuntimeHint == manifest.RuntimeContainer {
		w, err = h.spawnContainer(ctx, sessionID, n, env)
	} else {
		w, err = h.spawnSubprocess(ctx, n, env)
	}
	if err != nil {
		h.releaseChannels(inputName, outputName, controlName)
		return nil, pipelineapi.NewNodeInitFailed(n.ID, err)
	}

	if err := h.awaitReady(ctx, controlSub, w); err != nil {
		w.kill()
		h.releaseChannels(inputName, outputName, controlName)
		return nil, pipelineapi.NewNodeInitFailed(n.ID, err)
	}

	thread := newIPCThread(n.ID, inputPub, outputSub, w, isSource, h.logger)
	thread.start()

	h.logger.Info("remote node ready",
		slog.String("session_id", sessionID), slog.String("node_id", n.ID),
		slog.String("runtime", string(n.RuntimeHint)))

	return &remoteNode{
		host:        h,
		thread:      thread,
		inputName:   inputName,
		outputName:  outputName,
		controlName: controlName,
	}, nil
}

// awaitReady blocks on the control channel's raw READY frame, the
// worker's exit, or the node-init timeout, whichever comes first
// (spec §4.G "READY handshake"; §5 "inherits initialize timeout").
func (h *Host) awaitReady(ctx context.Context, controlSub *shm.Subscriber, w worker) error {
	timeout := h.cfg.NodeInitTimeout
	if h.cfg.ReadyHandshakeGrace > 0 {
		timeout += h.cfg.ReadyHandshakeGrace
	}
	deadline := time.After(timeout)
	stop := make(chan struct{})
	defer close(stop)

	readyCh := make(chan []byte, 1)
	// READY is a raw (unframed) control message, so this polls
	// ReceiveRaw directly rather than Subscriber.PollUntil, which
	// decodes frames as media.Packet (spec §4.H "receive_raw()
	// bypasses framing").
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if raw, ok := controlSub.ReceiveRaw(); ok {
					readyCh <- raw
					return
				}
			}
		}
	}()

	select {
	case raw := <-readyCh:
		if string(raw) != "READY" {
			return fmt.Errorf("nodehost: unexpected control frame %q during handshake", raw)
		}
		return nil
	case reason := <-w.wait():
		return fmt.Errorf("nodehost: worker exited before READY (%s)", reason)
	case <-deadline:
		return errors.New("nodehost: READY handshake timed out")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Host) workerEnv(sessionID string, n *graph.Node) map[string]string {
	env := map[string]string{
		"NODE_ID":    n.ID,
		"SESSION_ID": sessionID,
	}
	for k, v := range h.cfg.Env {
		env[k] = v
	}
	if n.Host != nil {
		for k, v := range n.Host.Env {
			env[k] = v
		}
	}
	return env
}

// CleanupSession is the label-based container sweep from spec §4.G
// cleanup step 3, run as a safety net on top of each remoteNode's own
// per-worker Shutdown — it catches containers whose in-process handle
// was lost (e.g. the host itself restarted mid-session).
func (h *Host) CleanupSession(ctx context.Context, sessionID string) error {
	return h.cleanupContainers(ctx, sessionID)
}

func (h *Host) releaseChannels(names ...string) {
	for _, name := range names {
		if err := h.channels.Release(name); err != nil {
			h.logger.Warn("releasing shm channel failed", slog.String("channel", name), slog.Any("error", err))
		}
	}
}

// remoteNode adapts one spawned worker's ipcThread plus its three
// named channels into the router.RemoteHandle contract, including the
// channel teardown step (spec §4.G cleanup step 4) that ipcThread
// itself doesn't own.
type remoteNode struct {
	host   *Host
	thread *ipcThread

	inputName   string
	outputName  string
	controlName string
}

func (r *remoteNode) Send(ctx context.Context, pkt media.Packet) error {
	return r.thread.send(ctx, pkt)
}

func (r *remoteNode) RegisterOutputCallback(cb func(media.Packet)) {
	r.thread.registerOutputCallback(cb)
}

func (r *remoteNode) RegisterCompletionCallback(cb func()) {
	r.thread.registerCompletionCallback(cb)
}

// Shutdown implements spec §4.G's per-node cleanup: drain and join the
// IPC thread (which terminates the worker), then destroy the three
// named shared-memory channels.
func (r *remoteNode) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, r.host.cfg.ShutdownGrace)
	defer cancel()
	err := r.thread.shutdown(shutdownCtx)
	r.host.releaseChannels(r.inputName, r.outputName, r.controlName)
	return err
}
