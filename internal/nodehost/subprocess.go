package nodehost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/mediarunner/pipelined/internal/graph"
	"github.com/mediarunner/pipelined/internal/observability"
	"github.com/mediarunner/pipelined/internal/util"
)

// subprocessWorker wraps one spawned worker process, adapted nearly
// verbatim from internal/relay/ffmpegd_spawner.go's spawnedProcess:
// where that type tracked a tvarr-ffmpegd daemon connecting back over
// gRPC, this tracks any node worker communicating over shared memory.
type subprocessWorker struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	exitCh <-chan ExitReason
}

func (w *subprocessWorker) wait() <-chan ExitReason { return w.exitCh }

func (w *subprocessWorker) kill() {
	w.cancel()
	if w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
}

// cleanup is a no-op for subprocesses: watchProcessExit's cmd.Wait
// already reaps the process once it exits.
func (w *subprocessWorker) cleanup(context.Context) {}

// spawnSubprocess launches n's worker binary with the env vars the
// node worker protocol requires (spec §6: NODE_ID, SESSION_ID, plus
// factory-specific vars already folded into env).
func (h *Host) spawnSubprocess(ctx context.Context, n *graph.Node, env map[string]string) (*subprocessWorker, error) {
	binaryPath := h.cfg.BinaryPath
	if n.Host != nil && n.Host.BinaryPath != "" {
		binaryPath = n.Host.BinaryPath
	}
	if binaryPath == "" {
		found, err := util.FindBinary(n.NodeType, strings.ToUpper(n.NodeType)+"_BINARY")
		if err != nil {
			return nil, fmt.Errorf("nodehost: %w", err)
		}
		binaryPath = found
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, binaryPath)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	logCapture := &workerLogWriter{logger: h.logger, nodeID: n.ID}
	cmd.Stdout = logCapture
	cmd.Stderr = &workerLogWriter{logger: h.logger, nodeID: n.ID, isStderr: true}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("nodehost: starting worker for node %s: %w", n.ID, err)
	}

	h.logger.Debug("worker subprocess started",
		slog.String("node_id", n.ID), slog.String("binary", binaryPath), slog.Int("pid", cmd.Process.Pid))

	return &subprocessWorker{cmd: cmd, cancel: cancel, exitCh: watchProcessExit(cmd)}, nil
}

// workerLogWriter re-emits a worker's stdout/stderr as host log
// records, tagged with node_id and is_stderr (spec §4.J), adapted from
// internal/relay/ffmpegd_spawner.go's logWriter — the JSON-or-
// heuristic parsing it performs is exactly what spec §4.J describes,
// so it is kept nearly unchanged.
type workerLogWriter struct {
	logger   *slog.Logger
	nodeID   string
	isStderr bool
	buf      []byte
}

func (w *workerLogWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		line := w.buf[:idx]
		w.buf = w.buf[idx+1:]
		if len(line) > 0 {
			w.processLine(line)
		}
	}
	return len(p), nil
}

func (w *workerLogWriter) processLine(line []byte) {
	var entry map[string]any
	if err := json.Unmarshal(line, &entry); err != nil {
		w.logger.Info("worker output",
			slog.String("node_id", w.nodeID), slog.Bool("is_stderr", w.isStderr), slog.String("line", string(line)))
		return
	}

	level, _ := entry["level"].(string)
	msg, _ := entry["msg"].(string)
	if msg == "" {
		msg, _ = entry["message"].(string)
	}

	attrs := make([]any, 0, len(entry)*2+2)
	attrs = append(attrs, slog.String("node_id", w.nodeID), slog.Bool("is_stderr", w.isStderr))
	for k, v := range entry {
		switch k {
		case "time", "level", "msg", "message":
			continue
		}
		attrs = append(attrs, slog.Any(k, v))
	}

	switch strings.ToUpper(level) {
	case "TRACE":
		w.logger.Log(context.Background(), observability.LevelTrace, msg, attrs...)
	case "DEBUG":
		w.logger.Debug(msg, attrs...)
	case "WARN", "WARNING":
		w.logger.Warn(msg, attrs...)
	case "ERROR":
		w.logger.Error(msg, attrs...)
	default:
		w.logger.Info(msg, attrs...)
	}
}
