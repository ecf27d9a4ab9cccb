package dockerhost

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/hydralab/hydra/pkg/apperr"
	"github.com/hydralab/hydra/pkg/catalog"
	"github.com/hydralab/hydra/pkg/log"
	"github.com/hydralab/hydra/pkg/orchestrator"
	"github.com/hydralab/hydra/pkg/sshmux"
)

const homeMountPath = "/home/student"

// CreateWorkload creates and starts the user's container. If the
// container already exists it is started instead; create is get-or-start.
func (h *Host) CreateWorkload(ctx context.Context, spec *orchestrator.WorkloadSpec) error {
	cli, err := h.clientFor(spec.Node)
	if err != nil {
		return err
	}
	name := orchestrator.WorkloadName(spec.Username)

	insp, err := cli.ContainerInspect(ctx, name)
	if err == nil {
		if insp.State != nil && insp.State.Paused {
			if err := cli.ContainerUnpause(ctx, name); err != nil {
				return classify("workload_unpause", "failed to unpause workload", err)
			}
			return nil
		}
		if err := cli.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
			return classify("workload_start", "failed to start existing workload", err)
		}
		return nil
	}
	if !client.IsErrNotFound(err) {
		return classify("workload_inspect", "failed to inspect workload", err)
	}

	if err := h.ensureNetwork(ctx, cli); err != nil {
		return err
	}
	if err := h.ensureImage(ctx, cli, spec.Image); err != nil {
		return err
	}

	sshPort := nat.Port("22/tcp")
	forward := strconv.Itoa(sshmux.ForwardPort(spec.Username))

	env := append([]string{}, spec.Env...)
	env = append(env,
		"HYDRA_USERNAME="+spec.Username,
		"HYDRA_SSH_PUBLIC_KEY="+spec.PublicKey,
	)

	cfg := &container.Config{
		Image:    spec.Image,
		Hostname: name,
		Env:      env,
		ExposedPorts: nat.PortSet{
			sshPort: struct{}{},
		},
		Labels: map[string]string{
			LabelOwner: spec.Username,
		},
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeVolume,
			Source: spec.VolumeName,
			Target: homeMountPath,
		}},
		PortBindings: nat.PortMap{
			sshPort: []nat.PortBinding{{HostPort: forward}},
		},
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyUnlessStopped,
		},
		Resources: container.Resources{
			Memory:   catalog.GBToBytes(spec.MemoryGB),
			NanoCPUs: catalog.CPUsToNano(spec.CPUs),
		},
	}
	if spec.GPUCount > 0 {
		hostCfg.Resources.DeviceRequests = []container.DeviceRequest{{
			Driver:       "nvidia",
			Count:        spec.GPUCount,
			Capabilities: [][]string{{"gpu"}},
		}}
	}
	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			NetworkName: {},
		},
	}

	if _, err := cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, name); err != nil {
		if !errdefsConflict(err) {
			return classify("workload_create", "failed to create workload", err)
		}
	}
	if err := cli.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return classify("workload_start", "failed to start workload", err)
	}

	log.WithComponent("dockerhost").Info().
		Str("username", spec.Username).
		Str("node", spec.Node).
		Str("image", spec.Image).
		Msg("workload started")
	return nil
}

// GetWorkload locates the user's container on any node. A missing
// container is reported with Exists false, not an error.
func (h *Host) GetWorkload(ctx context.Context, username string) (*orchestrator.WorkloadStatus, error) {
	node, _, insp, found, err := h.findWorkload(ctx, username)
	if err != nil {
		return nil, err
	}
	if !found {
		return &orchestrator.WorkloadStatus{
			Name:     orchestrator.WorkloadName(username),
			Username: username,
			Exists:   false,
		}, nil
	}
	return statusFromInspect(username, node, insp), nil
}

// DeleteWorkload stops and removes the user's container wherever it
// runs. Deleting an absent workload is success.
func (h *Host) DeleteWorkload(ctx context.Context, username string) error {
	node, cli, _, found, err := h.findWorkload(ctx, username)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	name := orchestrator.WorkloadName(username)
	stopTimeout := 10
	if err := cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &stopTimeout}); err != nil && !client.IsErrNotFound(err) {
		log.WithComponent("dockerhost").Warn().
			Str("username", username).
			Err(err).
			Msg("stop before remove failed, forcing removal")
	}
	if err := cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		return classify("workload_remove", "failed to remove workload", err)
	}
	log.WithComponent("dockerhost").Info().
		Str("username", username).
		Str("node", node).
		Msg("workload removed")
	return nil
}

// WaitWorkloadReady polls until the container runs (and its health check
// passes, when the image defines one).
func (h *Host) WaitWorkloadReady(ctx context.Context, username string, timeout time.Duration) error {
	return h.pollWorkload(ctx, username, timeout, "workload_ready", func(st *orchestrator.WorkloadStatus) bool {
		return st.Exists && st.Ready
	})
}

// WaitWorkloadGone polls until the container no longer exists.
func (h *Host) WaitWorkloadGone(ctx context.Context, username string, timeout time.Duration) error {
	return h.pollWorkload(ctx, username, timeout, "workload_gone", func(st *orchestrator.WorkloadStatus) bool {
		return !st.Exists
	})
}

func (h *Host) pollWorkload(ctx context.Context, username string, timeout time.Duration, code string, done func(*orchestrator.WorkloadStatus) bool) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		st, err := h.GetWorkload(ctx, username)
		if err == nil && done(st) {
			return nil
		}
		if time.Now().After(deadline) {
			return apperr.Operation(code, fmt.Sprintf("workload %s did not reach desired state within %s", username, timeout), err)
		}
		select {
		case <-ctx.Done():
			return apperr.Wrap(apperr.KindOperation, code, "wait cancelled", ctx.Err())
		case <-ticker.C:
		}
	}
}

// WorkloadLogs returns the last tailLines of the container's output.
func (h *Host) WorkloadLogs(ctx context.Context, username string, tailLines int) ([]string, error) {
	_, cli, _, found, err := h.findWorkload(ctx, username)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apperr.Precondition("workload_not_found", "no workload for %s", username)
	}
	rc, err := cli.ContainerLogs(ctx, orchestrator.WorkloadName(username), container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tailLines),
	})
	if err != nil {
		return nil, classify("workload_logs", "failed to read workload logs", err)
	}
	defer rc.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return nil, classify("workload_logs", "failed to demultiplex workload logs", err)
	}
	var lines []string
	sc := bufio.NewScanner(&buf)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines, nil
}

// ListWorkloads returns every student container across all nodes.
func (h *Host) ListWorkloads(ctx context.Context) ([]*orchestrator.WorkloadStatus, error) {
	var out []*orchestrator.WorkloadStatus
	for node, cli := range h.clients {
		summaries, err := cli.ContainerList(ctx, container.ListOptions{
			All:     true,
			Filters: filters.NewArgs(filters.Arg("label", LabelOwner)),
		})
		if err != nil {
			return nil, classify("workload_list", fmt.Sprintf("failed to list workloads on node %s", node), err)
		}
		for _, s := range summaries {
			username := s.Labels[LabelOwner]
			if username == "" || username == "system" {
				continue
			}
			out = append(out, &orchestrator.WorkloadStatus{
				Name:     orchestrator.WorkloadName(username),
				Username: username,
				Node:     node,
				Exists:   true,
				Running:  s.State == "running",
				Ready:    s.State == "running",
				Paused:   s.State == "paused",
			})
		}
	}
	return out, nil
}

// PauseWorkload freezes the container's processes.
func (h *Host) PauseWorkload(ctx context.Context, username string) error {
	_, cli, _, found, err := h.findWorkload(ctx, username)
	if err != nil {
		return err
	}
	if !found {
		return apperr.Precondition("workload_not_found", "no workload for %s", username)
	}
	if err := cli.ContainerPause(ctx, orchestrator.WorkloadName(username)); err != nil {
		return classify("workload_pause", "failed to pause workload", err)
	}
	return nil
}

// ExecWorkload runs a command inside the container and returns its
// combined output. A nonzero exit is an operation error.
func (h *Host) ExecWorkload(ctx context.Context, username string, cmd []string) (string, error) {
	_, cli, _, found, err := h.findWorkload(ctx, username)
	if err != nil {
		return "", err
	}
	if !found {
		return "", apperr.Precondition("workload_not_found", "no workload for %s", username)
	}
	name := orchestrator.WorkloadName(username)

	exec, err := cli.ContainerExecCreate(ctx, name, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", classify("workload_exec", "failed to create exec", err)
	}
	attach, err := cli.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", classify("workload_exec", "failed to attach exec", err)
	}
	defer attach.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, attach.Reader); err != nil && err != io.EOF {
		return "", classify("workload_exec", "failed to read exec output", err)
	}
	insp, err := cli.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return "", classify("workload_exec", "failed to inspect exec", err)
	}
	if insp.ExitCode != 0 {
		return buf.String(), apperr.Newf(apperr.KindOperation, "workload_exec",
			"command %q exited %d: %s", strings.Join(cmd, " "), insp.ExitCode, strings.TrimSpace(buf.String()))
	}
	return buf.String(), nil
}

func (h *Host) findWorkload(ctx context.Context, username string) (string, *client.Client, container.InspectResponse, bool, error) {
	name := orchestrator.WorkloadName(username)
	var lastErr error
	for node, cli := range h.clients {
		insp, err := cli.ContainerInspect(ctx, name)
		if err == nil {
			return node, cli, insp, true, nil
		}
		if !client.IsErrNotFound(err) {
			lastErr = err
		}
	}
	if lastErr != nil {
		return "", nil, container.InspectResponse{}, false, classify("workload_inspect", "failed to inspect workload", lastErr)
	}
	return "", nil, container.InspectResponse{}, false, nil
}

func statusFromInspect(username, node string, insp container.InspectResponse) *orchestrator.WorkloadStatus {
	st := &orchestrator.WorkloadStatus{
		Name:         orchestrator.WorkloadName(username),
		Username:     username,
		Node:         node,
		Exists:       true,
		RestartCount: insp.RestartCount,
	}
	if insp.State != nil {
		st.Running = insp.State.Running
		st.Paused = insp.State.Paused
		st.Ready = insp.State.Running && !insp.State.Restarting
		if insp.State.Health != nil {
			st.Ready = st.Running && insp.State.Health.Status == "healthy"
		}
		if t, err := time.Parse(time.RFC3339Nano, insp.State.StartedAt); err == nil && !t.IsZero() {
			st.StartedAt = &t
		}
	}
	return st
}

func (h *Host) ensureImage(ctx context.Context, cli *client.Client, ref string) error {
	_, err := cli.ImageInspect(ctx, ref)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return classify("image_inspect", "failed to inspect image", err)
	}
	rc, err := cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return classify("image_pull", "failed to pull image", err)
	}
	defer rc.Close()
	_, err = io.Copy(io.Discard, rc)
	return classify("image_pull", "image pull interrupted", err)
}
