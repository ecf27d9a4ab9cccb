package dockerhost

import (
	"context"
	"time"

	"github.com/hydralab/hydra/pkg/apperr"
	"github.com/hydralab/hydra/pkg/catalog"
	"github.com/hydralab/hydra/pkg/log"
)

// RunCopyJob copies the user's home data between volumes of different
// storage classes. The helper runs on whichever side holds the
// node-local class; the network class mount is reachable from there, so
// both volumes can be registered with that node's engine.
func (h *Host) RunCopyJob(ctx context.Context, username, sourceNode, sourceVolume, targetNode, targetVolume string, timeout time.Duration) error {
	srcClass, ok := h.catalog.StorageClassFor(sourceNode)
	if !ok {
		return apperr.Input("unknown_node", "unknown source node %s", sourceNode)
	}
	dstClass, ok := h.catalog.StorageClassFor(targetNode)
	if !ok {
		return apperr.Input("unknown_node", "unknown target node %s", targetNode)
	}

	// Run next to the local class; a network-backed class is visible
	// from every node.
	runNode := sourceNode
	if srcClass == catalog.StorageClassNFS {
		runNode = targetNode
	}
	cli, err := h.clientFor(runNode)
	if err != nil {
		return err
	}

	if err := h.ensureVolume(ctx, cli, sourceVolume, srcClass, map[string]string{LabelOwner: username}); err != nil {
		return err
	}
	if err := h.ensureVolume(ctx, cli, targetVolume, dstClass, map[string]string{LabelOwner: username}); err != nil {
		return err
	}

	log.WithComponent("dockerhost").Info().
		Str("username", username).
		Str("source", sourceVolume).
		Str("target", targetVolume).
		Str("run_node", runNode).
		Msg("starting data copy")

	cmd := []string{"sh", "-c", "cp -a /from/. /to/ && sync"}
	binds := []string{
		sourceVolume + ":/from:ro",
		targetVolume + ":/to",
	}
	if err := h.runHelper(ctx, cli, "copy-"+username, cmd, binds, timeout); err != nil {
		return apperr.Wrap(apperr.KindOperation, "copy_job", "data copy failed", err)
	}
	return nil
}
