package nodehost

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-units"

	"github.com/mediarunner/pipelined/internal/graph"
)

// labelNodeID and labelSessionID tag every container this host spawns
// so teardown can find them by label even if the in-memory handle was
// lost (spec §4.G cleanup step 3: "lists containers labeled with the
// session id and removes them with volumes").
const (
	labelNodeID    = "engine.node_id"
	labelSessionID = "engine.session_id"
)

// dockerClient is the narrow slice of *client.Client this package
// calls, named so containerWorker and Host.cleanupContainers don't
// need to know about the real SDK type directly.
type dockerClient = client.Client

// docker lazily dials the local Docker daemon the first time a
// container spawn is requested, so hosts that only ever run
// subprocess nodes never need a working Docker socket.
func (h *Host) docker() (*dockerClient, error) {
	h.dockerOnce.Do(func() {
		h.dockerCli, h.dockerErr = client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	})
	return h.dockerCli, h.dockerErr
}

// containerWorker wraps one spawned container.
type containerWorker struct {
	cli    *dockerClient
	id     string
	name   string
	exitCh <-chan ExitReason
}

func (w *containerWorker) wait() <-chan ExitReason { return w.exitCh }

func (w *containerWorker) kill() {
	_ = w.cli.ContainerKill(context.Background(), w.id, "SIGKILL")
}

// cleanup removes the container and its volumes (spec §4.G cleanup
// step 3, applied per-worker rather than waiting for the session-wide
// label sweep).
func (w *containerWorker) cleanup(ctx context.Context) {
	_ = w.cli.ContainerRemove(ctx, w.id, types.ContainerRemoveOptions{Force: true, RemoveVolumes: true})
}

// containerName derives a deterministic name from (session, node) so a
// session retry within the teardown budget can't leak an orphaned
// container under a randomly generated name (recovered from the
// original's docker_support.rs config-hash reuse, per SPEC_FULL.md).
func containerName(sessionID, nodeID string) string {
	return "pipelined-" + sessionID + "-" + nodeID
}

// spawnContainer launches n's worker image with the hardened security
// profile spec §4.G/§6 describes: capability drop-all plus a small
// allowlist, read-only rootfs with writable tmpfs mounts, a non-root
// uid/gid, no-new-privileges, and an optional MAC profile.
func (h *Host) spawnContainer(ctx context.Context, sessionID string, n *graph.Node, env map[string]string) (*containerWorker, error) {
	cli, err := h.docker()
	if err != nil {
		return nil, fmt.Errorf("nodehost: docker client: %w", err)
	}

	image := ""
	if n.Host != nil {
		image = n.Host.Image
	}
	if image == "" {
		return nil, fmt.Errorf("nodehost: node %s has runtime_hint=Container but no host.image", n.ID)
	}

	envList := make([]string, 0, len(env))
	for k, v := range env {
		envList = append(envList, k+"="+v)
	}

	profile := h.cfg.Container
	securityOpt := []string{}
	if profile.NoNewPrivileges {
		securityOpt = append(securityOpt, "no-new-privileges")
	}
	if profile.MACProfile != "" {
		securityOpt = append(securityOpt, "apparmor="+profile.MACProfile)
	}

	tmpfsSize := profile.TmpfsSizeBytes
	if tmpfsSize <= 0 {
		tmpfsSize = 64 * 1024 * 1024
	}
	tmpfsOpt := fmt.Sprintf("noexec,nosuid,size=%s", units.BytesSize(float64(tmpfsSize)))

	hostCfg := &container.HostConfig{
		CapDrop:        profile.CapDrop,
		CapAdd:         profile.CapAdd,
		ReadonlyRootfs: profile.ReadOnlyRootFS,
		SecurityOpt:    securityOpt,
		Tmpfs: map[string]string{
			"/tmp":     tmpfsOpt,
			"/var/tmp": tmpfsOpt,
			"/run":     tmpfsOpt,
		},
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: h.cfg.BusDir, Target: h.cfg.BusDir},
		},
	}
	if profile.MemoryLimit > 0 {
		hostCfg.Resources.Memory = profile.MemoryLimit
	}
	if profile.CPUQuota > 0 {
		const cpuPeriod = 100000
		hostCfg.Resources.CPUPeriod = cpuPeriod
		hostCfg.Resources.CPUQuota = int64(profile.CPUQuota * cpuPeriod)
	}
	for _, dev := range profile.GPUDevices {
		hostCfg.Resources.Devices = append(hostCfg.Resources.Devices, container.DeviceMapping{
			PathOnHost:        dev,
			PathInContainer:   dev,
			CgroupPermissions: "rwm",
		})
	}

	containerCfg := &container.Config{
		Image:  image,
		Env:    envList,
		User:   fmt.Sprintf("%d:%d", profile.UID, profile.GID),
		Labels: map[string]string{labelNodeID: n.ID, labelSessionID: sessionID},
	}

	name := containerName(sessionID, n.ID)
	resp, err := cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("nodehost: creating container for node %s: %w", n.ID, err)
	}

	if err := cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		_ = cli.ContainerRemove(context.Background(), resp.ID, types.ContainerRemoveOptions{Force: true})
		return nil, fmt.Errorf("nodehost: starting container for node %s: %w", n.ID, err)
	}

	h.logger.Debug("worker container started",
		slog.String("node_id", n.ID), slog.String("container_id", resp.ID), slog.String("image", image))

	return &containerWorker{cli: cli, id: resp.ID, name: name, exitCh: watchContainerExit(cli, resp.ID)}, nil
}

func watchContainerExit(cli *dockerClient, id string) <-chan ExitReason {
	done := make(chan ExitReason, 1)
	go func() {
		statusCh, errCh := cli.ContainerWait(context.Background(), id, container.WaitConditionNotRunning)
		select {
		case err := <-errCh:
			if err != nil {
				done <- ExitError
				return
			}
		case status := <-statusCh:
			done <- classifyContainerExit(cli, id, status)
			return
		}
	}()
	return done
}

func classifyContainerExit(cli *dockerClient, id string, status container.WaitResponse) ExitReason {
	if status.StatusCode == 0 {
		return ExitNormal
	}
	if inspect, err := cli.ContainerInspect(context.Background(), id); err == nil && inspect.State != nil {
		if inspect.State.OOMKilled {
			return ExitKilled
		}
		if inspect.State.Status == "exited" && status.StatusCode == 137 {
			return ExitKilled
		}
	}
	return ExitError
}

// cleanupContainers removes every container labeled with sessionID, a
// safety net for workers whose in-memory handle was already torn down
// (spec §4.G cleanup step 3).
func (h *Host) cleanupContainers(ctx context.Context, sessionID string) error {
	cli, err := h.docker()
	if err != nil {
		return nil // no docker client ever used for this process: nothing to clean up
	}

	args := filters.NewArgs(filters.Arg("label", labelSessionID+"="+sessionID))
	containers, err := cli.ContainerList(ctx, types.ContainerListOptions{All: true, Filters: args})
	if err != nil {
		return fmt.Errorf("nodehost: listing session %s containers: %w", sessionID, err)
	}

	var firstErr error
	for _, c := range containers {
		if err := cli.ContainerRemove(ctx, c.ID, types.ContainerRemoveOptions{Force: true, RemoveVolumes: true}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
