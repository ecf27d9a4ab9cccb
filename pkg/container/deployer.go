package container

import (
	"context"
	"time"

	"github.com/hydralab/hydra/pkg/apperr"
	"github.com/hydralab/hydra/pkg/catalog"
	"github.com/hydralab/hydra/pkg/events"
	"github.com/hydralab/hydra/pkg/orchestrator"
	"github.com/hydralab/hydra/pkg/proxycfg"
	"github.com/hydralab/hydra/pkg/types"
)

// The migration engine and the quota sweep drive these hooks while they
// hold the user serialization themselves; none of them takes the
// per-user lock.

// Halt deletes the workload and waits until it is gone.
func (s *Service) Halt(ctx context.Context, username string) error {
	if err := s.retry(ctx, "workload_delete", func() error {
		return s.orch.DeleteWorkload(ctx, username)
	}); err != nil {
		return err
	}
	return s.orch.WaitWorkloadGone(ctx, username, orchestrator.FastOpTimeout)
}

// Launch creates the workload and endpoint service for a config on its
// current node, bound to the given volume, and waits for readiness.
func (s *Service) Launch(ctx context.Context, cfg *types.ContainerConfig, volume string) error {
	username := cfg.Username
	_, pub, err := s.loadKeyPair(ctx, username)
	if err != nil {
		return err
	}
	if err := s.retry(ctx, "workload_create", func() error {
		return s.orch.CreateWorkload(ctx, &orchestrator.WorkloadSpec{
			Username:   username,
			Node:       cfg.CurrentNode,
			Image:      s.image(cfg),
			MemoryGB:   cfg.MemoryGB,
			CPUs:       cfg.CPUs,
			GPUCount:   cfg.GPUCount,
			Env:        workloadEnv(cfg),
			VolumeName: volume,
			PublicKey:  pub,
		})
	}); err != nil {
		return err
	}
	extras, err := s.currentExtras(ctx, username)
	if err != nil {
		return err
	}
	if err := s.retry(ctx, "endpoints_update", func() error {
		return s.orch.CreateEndpoints(ctx, username, cfg.CurrentNode, endpointPorts(extras))
	}); err != nil {
		return err
	}
	return s.orch.WaitWorkloadReady(ctx, username, orchestrator.FastOpTimeout)
}

// Reroute rewrites the route document and the mux upstream for the
// config's current node.
func (s *Service) Reroute(ctx context.Context, cfg *types.ContainerConfig) error {
	username := cfg.Username
	extras, err := s.currentExtras(ctx, username)
	if err != nil {
		return err
	}
	if err := s.retry(ctx, "routes_apply", func() error {
		return s.orch.ApplyRoutes(ctx, proxycfg.NewRouteSet(username, "", extras))
	}); err != nil {
		return err
	}
	host, port := s.sshUpstream(username, cfg.CurrentNode)
	if err := s.mux.WriteUpstream(username, host, port); err != nil {
		return apperr.Operation("sshmux_write", "failed to write mux upstream", err)
	}
	return nil
}

// ApplyPreset resets a user's workspace to the preset on the
// control-plane node and restarts the workload with the new limits. The
// quota sweep uses it for expired grants.
func (s *Service) ApplyPreset(ctx context.Context, username string, preset types.Preset) error {
	started := time.Now()
	err := s.locks.WithLock(username, func() error {
		cfg, err := s.store.GetContainerConfig(username)
		if err != nil {
			return err
		}
		cfg.CurrentNode = catalog.ControlPlaneNode
		cfg.PresetTier = preset.Tier
		cfg.MemoryGB = preset.MemoryGB
		cfg.CPUs = preset.CPUs
		cfg.StorageGB = preset.StorageGB
		cfg.GPUCount = preset.GPUCount
		cfg.ResourcesExpireAt = nil
		cfg.UpdatedAt = time.Now().UTC()
		if err := s.store.UpsertContainerConfig(cfg); err != nil {
			return err
		}

		if err := s.Halt(ctx, username); err != nil {
			return err
		}
		extras, err := s.currentExtras(ctx, username)
		if err != nil {
			return err
		}
		return s.bringUp(ctx, cfg, extras)
	})
	s.record(ctx, username, types.ActivityAccount, "resources_reset", preset.Tier, err == nil, started)
	if err == nil {
		s.publish(username, events.EventContainer, "resources reset to "+preset.Tier, map[string]string{"action": "resources_reset"})
	}
	return err
}
