package dockerhost

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"

	"github.com/hydralab/hydra/pkg/log"
	"github.com/hydralab/hydra/pkg/orchestrator"
)

// Volumes are bind-backed: each storage class is a shared mount at
// <storageRoot>/<class> on every node that carries the class, and a
// volume is a subdirectory of it. Nodes sharing a class therefore see
// the same data, which is what lets a same-class migration rebind
// without copying.

func (h *Host) classDevice(class, name string) string {
	return path.Join(h.storageRoot, class, name)
}

// CreateVolume ensures the backing directory exists on the shared class
// mount and registers the volume with the node's engine.
func (h *Host) CreateVolume(ctx context.Context, spec *orchestrator.VolumeSpec) error {
	cli, err := h.clientFor(spec.Node)
	if err != nil {
		return err
	}
	return h.ensureVolume(ctx, cli, spec.Name, spec.StorageClass, spec.Annotations)
}

func (h *Host) ensureVolume(ctx context.Context, cli *client.Client, name, class string, labels map[string]string) error {
	if _, err := cli.VolumeInspect(ctx, name); err == nil {
		return nil
	} else if !client.IsErrNotFound(err) {
		return classify("volume_inspect", "failed to inspect volume", err)
	}

	// The local driver refuses a bind device that does not exist yet, so
	// the directory is created first through a helper container mounting
	// the class root.
	mkdir := []string{"sh", "-c", fmt.Sprintf("mkdir -p /mnt/%s && chmod 0700 /mnt/%s", name, name)}
	if err := h.runHelper(ctx, cli, "mkdir-"+name, mkdir, []string{path.Join(h.storageRoot, class) + ":/mnt"}, 2*time.Minute); err != nil {
		return err
	}

	all := map[string]string{LabelStorageClass: class}
	for k, v := range labels {
		all[k] = v
	}
	_, err := cli.VolumeCreate(ctx, volume.CreateOptions{
		Name:   name,
		Driver: "local",
		DriverOpts: map[string]string{
			"type":   "none",
			"o":      "bind",
			"device": h.classDevice(class, name),
		},
		Labels: all,
	})
	if err != nil && !errdefsConflict(err) {
		return classify("volume_create", "failed to create volume", err)
	}
	log.WithComponent("dockerhost").Info().
		Str("volume", name).
		Str("class", class).
		Msg("volume ready")
	return nil
}

// GetVolume inspects a volume on one node. Absence is reported with
// Exists false.
func (h *Host) GetVolume(ctx context.Context, node, name string) (*orchestrator.VolumeInfo, error) {
	cli, err := h.clientFor(node)
	if err != nil {
		return nil, err
	}
	vol, err := cli.VolumeInspect(ctx, name)
	if client.IsErrNotFound(err) {
		return &orchestrator.VolumeInfo{Name: name, Node: node, Exists: false}, nil
	}
	if err != nil {
		return nil, classify("volume_inspect", "failed to inspect volume", err)
	}
	return &orchestrator.VolumeInfo{
		Name:         vol.Name,
		Node:         node,
		StorageClass: vol.Labels[LabelStorageClass],
		Exists:       true,
	}, nil
}

// DeleteVolume removes the volume registration and its backing data.
// Deleting an absent volume is success.
func (h *Host) DeleteVolume(ctx context.Context, node, name string) error {
	cli, err := h.clientFor(node)
	if err != nil {
		return err
	}
	vol, err := cli.VolumeInspect(ctx, name)
	if client.IsErrNotFound(err) {
		return nil
	}
	if err != nil {
		return classify("volume_inspect", "failed to inspect volume", err)
	}

	if err := cli.VolumeRemove(ctx, name, true); err != nil && !client.IsErrNotFound(err) {
		return classify("volume_remove", "failed to remove volume", err)
	}

	class := vol.Labels[LabelStorageClass]
	if class != "" {
		rm := []string{"sh", "-c", fmt.Sprintf("rm -rf /mnt/%s", name)}
		if err := h.runHelper(ctx, cli, "rm-"+name, rm, []string{path.Join(h.storageRoot, class) + ":/mnt"}, 5*time.Minute); err != nil {
			return err
		}
	}
	log.WithComponent("dockerhost").Info().
		Str("volume", name).
		Str("node", node).
		Msg("volume deleted")
	return nil
}

// runHelper runs a short-lived utility container to completion and
// removes it. A nonzero exit surfaces the container's logs.
func (h *Host) runHelper(ctx context.Context, cli *client.Client, task string, cmd, binds []string, timeout time.Duration) error {
	if err := h.ensureImage(ctx, cli, helperImage); err != nil {
		return err
	}
	name := "hydra-helper-" + task
	cfg := &container.Config{
		Image:  helperImage,
		Cmd:    cmd,
		Labels: map[string]string{LabelOwner: "system"},
	}
	hostCfg := &container.HostConfig{
		Binds:      binds,
		AutoRemove: false,
	}

	// A leftover helper from a crashed run is replaced.
	_ = cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})

	created, err := cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return classify("helper_create", "failed to create helper container", err)
	}
	defer cli.ContainerRemove(context.WithoutCancel(ctx), created.ID, container.RemoveOptions{Force: true})

	if err := cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return classify("helper_start", "failed to start helper container", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	okCh, errCh := cli.ContainerWait(waitCtx, created.ID, container.WaitConditionNotRunning)
	select {
	case res := <-okCh:
		if res.StatusCode != 0 {
			return fmt.Errorf("helper %s exited %d", task, res.StatusCode)
		}
		return nil
	case err := <-errCh:
		return classify("helper_wait", fmt.Sprintf("helper %s did not complete", task), err)
	}
}
