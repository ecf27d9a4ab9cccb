package dockerhost

import (
	"context"

	"github.com/hydralab/hydra/pkg/apperr"
	"github.com/hydralab/hydra/pkg/proxycfg"
)

// ApplyRoutes renders the user's route document into the proxy's
// dynamic-configuration directory. When the caller leaves ServiceHost
// empty it is resolved to the workload's address on the hydra bridge.
func (h *Host) ApplyRoutes(ctx context.Context, rs *proxycfg.RouteSet) error {
	if rs.ServiceHost == "" {
		host, err := h.workloadAddress(ctx, rs.Username)
		if err != nil {
			return err
		}
		rs.ServiceHost = host
	}
	if err := h.writeStateFile(rs.Username, "routes.json", rs); err != nil {
		return apperr.Operation("routes_state", "failed to persist route state", err)
	}
	if err := h.routes.Apply(rs); err != nil {
		return apperr.Operation("routes_apply", "failed to write route document", err)
	}
	return nil
}

// GetRoutes returns the user's applied route set, or nil when none is
// applied.
func (h *Host) GetRoutes(ctx context.Context, username string) (*proxycfg.RouteSet, error) {
	var rs proxycfg.RouteSet
	ok, err := h.readStateFile(username, "routes.json", &rs)
	if err != nil {
		return nil, apperr.Operation("routes_state", "failed to read route state", err)
	}
	if !ok {
		return nil, nil
	}
	return &rs, nil
}

// DeleteRoutes removes the user's route document and state.
func (h *Host) DeleteRoutes(ctx context.Context, username string) error {
	if err := h.routes.Remove(username); err != nil {
		return apperr.Operation("routes_remove", "failed to remove route document", err)
	}
	return h.removeStateFile(username, "routes.json")
}

func (h *Host) workloadAddress(ctx context.Context, username string) (string, error) {
	_, _, insp, found, err := h.findWorkload(ctx, username)
	if err != nil {
		return "", err
	}
	if !found {
		return "", apperr.Precondition("workload_not_found", "no workload for %s", username)
	}
	if insp.NetworkSettings != nil {
		if ep := insp.NetworkSettings.Networks[NetworkName]; ep != nil && ep.IPAddress != "" {
			return ep.IPAddress, nil
		}
	}
	return "", apperr.Operation("workload_address", "workload has no address on the hydra network", nil)
}
