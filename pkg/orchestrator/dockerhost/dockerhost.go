package dockerhost

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"

	"github.com/hydralab/hydra/pkg/apperr"
	"github.com/hydralab/hydra/pkg/catalog"
	"github.com/hydralab/hydra/pkg/config"
	"github.com/hydralab/hydra/pkg/log"
	"github.com/hydralab/hydra/pkg/proxycfg"
)

const (
	// LabelOwner marks every object the control plane creates with the
	// owning username.
	LabelOwner = "hydra.owner"
	// LabelStorageClass records which storage class backs a volume.
	LabelStorageClass = "hydra.storage-class"

	// NetworkName is the per-node bridge the proxy host has a route to.
	// Workloads get stable addresses on it, so HTTP endpoints need no
	// published host ports.
	NetworkName = "hydra"

	// helperImage runs volume preparation and data copies.
	helperImage = "docker.io/library/alpine:3.20"
)

// Host drives the container engines on each node directly over the
// engine API. One client per node, keyed by the catalog node name.
type Host struct {
	catalog     *catalog.Catalog
	clients     map[string]*client.Client
	routes      *proxycfg.FileWriter
	storageRoot string
	stateRoot   string
}

// New connects a client per catalog node. Nodes without a configured
// address are skipped; workload placement on them fails with a
// precondition error.
func New(cfg *config.Config, cat *catalog.Catalog, routes *proxycfg.FileWriter) (*Host, error) {
	h := &Host{
		catalog:     cat,
		clients:     make(map[string]*client.Client),
		routes:      routes,
		storageRoot: cfg.StorageRoot,
		stateRoot:   filepath.Join(cfg.DataDir, "hoststate"),
	}
	if err := os.MkdirAll(h.stateRoot, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create host state dir: %w", err)
	}

	for _, node := range cat.Nodes() {
		if node.Address == "" {
			log.WithComponent("dockerhost").Warn().
				Str("node", node.Name).
				Msg("node has no engine address, skipping")
			continue
		}
		cli, err := client.NewClientWithOpts(
			client.WithHost(node.Address),
			client.WithAPIVersionNegotiation(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create engine client for node %s: %w", node.Name, err)
		}
		h.clients[node.Name] = cli
	}
	if len(h.clients) == 0 {
		return nil, errors.New("no nodes with engine addresses configured")
	}
	return h, nil
}

// Close releases all engine clients.
func (h *Host) Close() error {
	var first error
	for _, cli := range h.clients {
		if err := cli.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (h *Host) clientFor(node string) (*client.Client, error) {
	cli, ok := h.clients[node]
	if !ok {
		return nil, apperr.Precondition("node_unavailable", "node %s has no engine connection", node)
	}
	return cli, nil
}

// ensureNetwork creates the workload bridge on a node if absent.
func (h *Host) ensureNetwork(ctx context.Context, cli *client.Client) error {
	_, err := cli.NetworkInspect(ctx, NetworkName, network.InspectOptions{})
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return classify("network_inspect", "failed to inspect workload network", err)
	}
	_, err = cli.NetworkCreate(ctx, NetworkName, network.CreateOptions{
		Labels: map[string]string{LabelOwner: "system"},
	})
	if err != nil && !errdefsConflict(err) {
		return classify("network_create", "failed to create workload network", err)
	}
	return nil
}

// classify maps engine errors onto the control plane's error kinds.
func classify(code, msg string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case client.IsErrNotFound(err):
		return apperr.Wrap(apperr.KindPrecondition, code+"_not_found", msg, err)
	case client.IsErrConnectionFailed(err),
		errors.Is(err, context.DeadlineExceeded):
		return apperr.Transient(code, msg, err)
	default:
		return apperr.Operation(code, msg, err)
	}
}

// errdefsConflict reports a name-already-taken response. Racing creates
// of the same object are benign.
func errdefsConflict(err error) bool {
	var conflict interface{ Conflict() }
	return errors.As(err, &conflict)
}
