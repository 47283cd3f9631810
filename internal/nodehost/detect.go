package nodehost

import (
	"context"
	"strings"

	"github.com/mediarunner/pipelined/internal/util"
)

// RuntimeDetection is the result of probing this host's node-hosting
// capabilities, the nodehost analog of tvarr-ffmpegd's
// CapabilityDetector.Detect (spec §4.G, SPEC_FULL.md CLI "detect").
type RuntimeDetection struct {
	ContainerRuntimeAvailable bool
	ContainerRuntimeError     string
	Subprocesses              []SubprocessDetection
}

// SubprocessDetection reports whether a registered node type's worker
// binary was found, and where (spec §4.G subprocess spawn naming
// convention: "<NODE_TYPE>_BINARY" env var, then ./<type>, then PATH).
type SubprocessDetection struct {
	NodeType string
	Path     string
	Found    bool
}

// DetectRuntime probes Docker connectivity (lazily, same client the
// Host would use to spawn a container node) and resolves the worker
// binary for every node type the caller names.
func (h *Host) DetectRuntime(ctx context.Context, nodeTypes []string) RuntimeDetection {
	var det RuntimeDetection

	cli, err := h.docker()
	if err != nil {
		det.ContainerRuntimeError = err.Error()
	} else if _, err := cli.Ping(ctx); err != nil {
		det.ContainerRuntimeError = err.Error()
	} else {
		det.ContainerRuntimeAvailable = true
	}

	for _, nt := range nodeTypes {
		path, err := util.FindBinary(nt, strings.ToUpper(nt)+"_BINARY")
		det.Subprocesses = append(det.Subprocesses, SubprocessDetection{
			NodeType: nt,
			Path:     path,
			Found:    err == nil,
		})
	}
	return det
}
