package container

import (
	"context"
	"time"

	"github.com/hydralab/hydra/pkg/apperr"
	"github.com/hydralab/hydra/pkg/catalog"
	"github.com/hydralab/hydra/pkg/events"
	"github.com/hydralab/hydra/pkg/keys"
	"github.com/hydralab/hydra/pkg/log"
	"github.com/hydralab/hydra/pkg/orchestrator"
	"github.com/hydralab/hydra/pkg/proxycfg"
	"github.com/hydralab/hydra/pkg/types"
)

// InitRequest asks for a workspace. Either a preset tier or explicit
// resources; explicit zero values fall back to the default preset.
type InitRequest struct {
	PresetTier string
	MemoryGB   int
	CPUs       int
	StorageGB  int
	GPUCount   int
	TargetNode string
	ExpiresAt  *time.Time
}

// InitResult identifies the created or existing workspace. Credential
// is set only when the workspace was created by this call.
type InitResult struct {
	WorkloadName string
	URLs         map[string]string
	PublicKey    string
	Credential   string
	Created      bool
}

// Status is the merged view of stored config and live workload.
type Status struct {
	Exists       bool                   `json:"exists"`
	Running      bool                   `json:"running"`
	Ready        bool                   `json:"ready"`
	Node         string                 `json:"node"`
	RestartCount int                    `json:"restartCount"`
	StartedAt    *time.Time             `json:"startedAt,omitempty"`
	Config       *types.ContainerConfig `json:"config,omitempty"`
}

// Init creates every object for a user's workspace if absent. Repeat
// calls return the existing identity without the one-time credential.
func (s *Service) Init(ctx context.Context, username string, req *InitRequest) (*InitResult, error) {
	if err := ValidateUsername(username); err != nil {
		return nil, err
	}
	started := time.Now()

	var res *InitResult
	err := s.locks.WithLock(username, func() error {
		var err error
		res, err = s.initLocked(ctx, username, req)
		return err
	})
	s.record(ctx, username, types.ActivityContainer, "init", orchestrator.WorkloadName(username), err == nil, started)
	if err != nil {
		return nil, err
	}
	if res.Created {
		s.refreshWorkspaceGauge()
		s.publish(username, events.EventContainer, "workspace created", map[string]string{"action": "init"})
	}
	return res, nil
}

func (s *Service) initLocked(ctx context.Context, username string, req *InitRequest) (*InitResult, error) {
	existing, err := s.store.HasContainerConfig(username)
	if err != nil {
		return nil, err
	}
	if existing {
		stored, err := s.store.GetContainerConfig(username)
		if err != nil {
			return nil, err
		}
		wl, err := s.orch.GetWorkload(ctx, username)
		if err != nil {
			return nil, err
		}
		extras, err := s.currentExtras(ctx, username)
		if err != nil {
			return nil, err
		}
		if wl.Exists {
			_, pub, err := s.loadKeyPair(ctx, username)
			if err != nil {
				return nil, err
			}
			return &InitResult{
				WorkloadName: wl.Name,
				URLs:         s.AccessURLs(username, extras),
				PublicKey:    pub,
				Created:      false,
			}, nil
		}
		// Config without workload: bring it back up on the stored
		// placement rather than the requested one.
		if err := s.bringUp(ctx, stored, extras); err != nil {
			return nil, err
		}
		_, pub, err := s.loadKeyPair(ctx, username)
		if err != nil {
			return nil, err
		}
		return &InitResult{
			WorkloadName: orchestrator.WorkloadName(username),
			URLs:         s.AccessURLs(username, extras),
			PublicKey:    pub,
			Created:      false,
		}, nil
	}

	quota, err := s.store.GetQuota(username)
	if err != nil {
		return nil, err
	}
	cfg, err := s.resolveConfig(username, req, quota)
	if err != nil {
		return nil, err
	}

	// First creation: key pair, one-time credential, then the full
	// object set.
	pair, err := keys.GeneratePair(username + "@hydra")
	if err != nil {
		return nil, apperr.Operation("keygen", "failed to generate key pair", err)
	}
	credential, err := keys.OneTimeCredential()
	if err != nil {
		return nil, apperr.Operation("keygen", "failed to generate credential", err)
	}
	secret := map[string][]byte{
		secretKeyPrivate:    pair.PrivatePEM,
		secretKeyPublic:     []byte(pair.AuthorizedKey),
		secretKeyCredential: []byte(credential),
	}
	if err := s.retry(ctx, "secret_create", func() error {
		return s.orch.CreateCredentialSecret(ctx, username, secret)
	}); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	cfg.CreatedAt = now
	cfg.UpdatedAt = now
	if err := s.store.UpsertContainerConfig(cfg); err != nil {
		return nil, err
	}

	if err := s.bringUp(ctx, cfg, nil); err != nil {
		return nil, err
	}
	if err := s.mux.WriteKeys(username, pair); err != nil {
		return nil, apperr.Operation("sshmux_write", "failed to write mux key files", err)
	}

	log.WithUsername(username).Info().
		Str("node", cfg.CurrentNode).
		Str("preset", cfg.PresetTier).
		Msg("workspace initialized")

	return &InitResult{
		WorkloadName: orchestrator.WorkloadName(username),
		URLs:         s.AccessURLs(username, nil),
		PublicKey:    pair.PublicKey(),
		Credential:   credential,
		Created:      true,
	}, nil
}

// resolveConfig turns an init request into a concrete config, enforcing
// the preset catalog, node placement rules and the user's caps.
func (s *Service) resolveConfig(username string, req *InitRequest, quota *types.UserQuota) (*types.ContainerConfig, error) {
	if req == nil {
		req = &InitRequest{}
	}
	node := req.TargetNode
	if node == "" {
		node = catalog.ControlPlaneNode
	}
	desc, ok := s.catalog.Node(node)
	if !ok {
		return nil, apperr.Input("unknown_node", "unknown node %s", node)
	}

	cfg := &types.ContainerConfig{
		Username:          username,
		CurrentNode:       node,
		ResourcesExpireAt: req.ExpiresAt,
	}
	switch {
	case req.PresetTier != "":
		preset, ok := s.catalog.Preset(req.PresetTier)
		if !ok {
			return nil, apperr.Input("unknown_preset", "unknown preset %s", req.PresetTier)
		}
		if !catalog.PresetAllowsNode(preset, node) {
			return nil, apperr.Input("preset_node_mismatch", "preset %s does not allow node %s", preset.Tier, node)
		}
		cfg.PresetTier = preset.Tier
		cfg.MemoryGB = preset.MemoryGB
		cfg.CPUs = preset.CPUs
		cfg.StorageGB = preset.StorageGB
		cfg.GPUCount = preset.GPUCount
	case req.MemoryGB > 0 || req.CPUs > 0 || req.StorageGB > 0 || req.GPUCount > 0:
		if req.MemoryGB <= 0 || req.CPUs <= 0 || req.StorageGB <= 0 {
			return nil, apperr.Input("invalid_resources", "memory, cpus and storage must all be positive")
		}
		cfg.PresetTier = "custom"
		cfg.MemoryGB = req.MemoryGB
		cfg.CPUs = req.CPUs
		cfg.StorageGB = req.StorageGB
		cfg.GPUCount = req.GPUCount
	default:
		preset := s.catalog.DefaultPreset()
		cfg.PresetTier = preset.Tier
		cfg.MemoryGB = preset.MemoryGB
		cfg.CPUs = preset.CPUs
		cfg.StorageGB = preset.StorageGB
		cfg.GPUCount = preset.GPUCount
	}

	if cfg.GPUCount > 0 && !desc.GPUEnabled {
		return nil, apperr.Input("node_without_gpu", "node %s has no GPUs", node)
	}
	if cfg.MemoryGB > quota.MaxMemoryGB || cfg.CPUs > quota.MaxCPUs || cfg.StorageGB > quota.MaxStorageGB {
		return nil, apperr.Precondition("over_quota",
			"requested resources exceed the approved caps (%dGB/%dcpu/%dGB)",
			quota.MaxMemoryGB, quota.MaxCPUs, quota.MaxStorageGB)
	}
	if node != catalog.ControlPlaneNode && !quota.ApprovedForNode(node, time.Now().UTC()) {
		return nil, apperr.Precondition("node_not_approved", "no live approval for node %s", node)
	}
	return cfg, nil
}

// bringUp materializes volume, workload, endpoints, routes and the mux
// upstream for a stored config. Callers hold the user lock.
func (s *Service) bringUp(ctx context.Context, cfg *types.ContainerConfig, extras map[string]int) error {
	username := cfg.Username
	volume, err := s.volumeFor(cfg)
	if err != nil {
		return err
	}
	class, _ := s.catalog.StorageClassFor(cfg.CurrentNode)

	if err := s.retry(ctx, "volume_create", func() error {
		return s.orch.CreateVolume(ctx, &orchestrator.VolumeSpec{
			Name:         volume,
			Node:         cfg.CurrentNode,
			StorageClass: class,
			SizeGB:       cfg.StorageGB,
			Annotations:  map[string]string{"hydra.owner": username},
		})
	}); err != nil {
		return err
	}

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

	if err := s.retry(ctx, "endpoints_create", func() error {
		return s.orch.CreateEndpoints(ctx, username, cfg.CurrentNode, endpointPorts(extras))
	}); err != nil {
		return err
	}
	if err := s.orch.WaitWorkloadReady(ctx, username, orchestrator.FastOpTimeout); err != nil {
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

// currentExtras reads the applied non-default routes, if any.
func (s *Service) currentExtras(ctx context.Context, username string) (map[string]int, error) {
	rs, err := s.orch.GetRoutes(ctx, username)
	if err != nil || rs == nil {
		return nil, err
	}
	return rs.ExtraEndpoints(), nil
}

// GetStatus returns the merged stored and live state. Reads take no
// lock.
func (s *Service) GetStatus(ctx context.Context, username string) (*Status, error) {
	st := &Status{}
	cfg, err := s.store.GetContainerConfig(username)
	if err == nil {
		st.Config = cfg
		st.Node = cfg.CurrentNode
	} else if apperr.CodeOf(err) != "container_not_initialized" {
		return nil, err
	}

	wl, err := s.orch.GetWorkload(ctx, username)
	if err != nil {
		return nil, err
	}
	st.Exists = wl.Exists
	st.Running = wl.Running
	st.Ready = wl.Ready
	st.RestartCount = wl.RestartCount
	st.StartedAt = wl.StartedAt
	if wl.Exists && wl.Node != "" {
		st.Node = wl.Node
	}
	return st, nil
}

// Start recreates the workload from the stored config. A present but
// not-ready workload is deleted and recreated; the volume is preserved.
func (s *Service) Start(ctx context.Context, username string) error {
	started := time.Now()
	err := s.locks.WithLock(username, func() error {
		cfg, err := s.store.GetContainerConfig(username)
		if err != nil {
			return err
		}
		wl, err := s.orch.GetWorkload(ctx, username)
		if err != nil {
			return err
		}
		if wl.Exists && wl.Ready {
			return nil
		}
		if wl.Exists {
			if err := s.retry(ctx, "workload_delete", func() error {
				return s.orch.DeleteWorkload(ctx, username)
			}); err != nil {
				return err
			}
			if err := s.orch.WaitWorkloadGone(ctx, username, orchestrator.FastOpTimeout); err != nil {
				return err
			}
		}
		extras, err := s.currentExtras(ctx, username)
		if err != nil {
			return err
		}
		return s.bringUp(ctx, cfg, extras)
	})
	s.record(ctx, username, types.ActivityContainer, "start", orchestrator.WorkloadName(username), err == nil, started)
	if err == nil {
		s.publish(username, events.EventContainer, "workspace started", map[string]string{"action": "start"})
	}
	return err
}

// Stop deletes the workload; volume, routes and keys survive.
func (s *Service) Stop(ctx context.Context, username string) error {
	started := time.Now()
	err := s.locks.WithLock(username, func() error {
		if err := s.retry(ctx, "workload_delete", func() error {
			return s.orch.DeleteWorkload(ctx, username)
		}); err != nil {
			return err
		}
		return nil
	})
	s.record(ctx, username, types.ActivityContainer, "stop", orchestrator.WorkloadName(username), err == nil, started)
	if err == nil {
		s.publish(username, events.EventContainer, "workspace stopped", map[string]string{"action": "stop"})
	}
	return err
}

// Destroy removes workload, endpoints, routes and the mux directory.
// Volume and credential secret are retained for a later init.
func (s *Service) Destroy(ctx context.Context, username string) error {
	started := time.Now()
	err := s.locks.WithLock(username, func() error {
		return s.teardown(ctx, username)
	})
	s.record(ctx, username, types.ActivityContainer, "destroy", orchestrator.WorkloadName(username), err == nil, started)
	if err == nil {
		s.publish(username, events.EventContainer, "workspace destroyed", map[string]string{"action": "destroy"})
	}
	return err
}

func (s *Service) teardown(ctx context.Context, username string) error {
	if err := s.retry(ctx, "workload_delete", func() error {
		return s.orch.DeleteWorkload(ctx, username)
	}); err != nil {
		return err
	}
	if err := s.retry(ctx, "endpoints_delete", func() error {
		return s.orch.DeleteEndpoints(ctx, username)
	}); err != nil {
		return err
	}
	if err := s.retry(ctx, "routes_delete", func() error {
		return s.orch.DeleteRoutes(ctx, username)
	}); err != nil {
		return err
	}
	if err := s.mux.Remove(username); err != nil {
		return apperr.Operation("sshmux_remove", "failed to remove mux directory", err)
	}
	return nil
}

// Wipe is destroy plus removal of volume, credential secret and the
// stored config, after the workload is confirmed gone.
func (s *Service) Wipe(ctx context.Context, username string) error {
	started := time.Now()
	err := s.locks.WithLock(username, func() error {
		cfg, err := s.store.GetContainerConfig(username)
		if err != nil {
			return err
		}
		if err := s.teardown(ctx, username); err != nil {
			return err
		}
		if err := s.orch.WaitWorkloadGone(ctx, username, orchestrator.FastOpTimeout); err != nil {
			return err
		}
		volume, err := s.volumeFor(cfg)
		if err != nil {
			return err
		}
		if err := s.retry(ctx, "volume_delete", func() error {
			return s.orch.DeleteVolume(ctx, cfg.CurrentNode, volume)
		}); err != nil {
			return err
		}
		if err := s.retry(ctx, "secret_delete", func() error {
			return s.orch.DeleteCredentialSecret(ctx, username)
		}); err != nil {
			return err
		}
		return s.store.DeleteContainerConfig(username)
	})
	s.record(ctx, username, types.ActivityContainer, "wipe", orchestrator.WorkloadName(username), err == nil, started)
	if err == nil {
		s.refreshWorkspaceGauge()
		s.publish(username, events.EventContainer, "workspace wiped", map[string]string{"action": "wipe"})
	}
	return err
}

// Migrate validates the target and hands off to the migration engine.
func (s *Service) Migrate(ctx context.Context, username, targetNode, presetTier string) (*types.MigrationRecord, error) {
	if s.migrator == nil {
		return nil, apperr.New(apperr.KindOperation, "migration_unavailable", "migration engine not attached")
	}
	var preset *types.Preset
	if presetTier != "" {
		p, ok := s.catalog.Preset(presetTier)
		if !ok {
			return nil, apperr.Input("unknown_preset", "unknown preset %s", presetTier)
		}
		preset = &p
	}
	return s.migrator.Start(ctx, username, targetNode, preset)
}

// RegenerateKeys replaces the user's key pair. The workload keeps the
// old public key until it is restarted.
func (s *Service) RegenerateKeys(ctx context.Context, username string) (string, error) {
	started := time.Now()
	var publicKey string
	err := s.locks.WithLock(username, func() error {
		if _, err := s.store.GetContainerConfig(username); err != nil {
			return err
		}
		old, err := s.orch.GetCredentialSecret(ctx, username)
		if err != nil {
			return err
		}
		pair, err := keys.GeneratePair(username + "@hydra")
		if err != nil {
			return apperr.Operation("keygen", "failed to generate key pair", err)
		}
		next := map[string][]byte{
			secretKeyPrivate:    pair.PrivatePEM,
			secretKeyPublic:     []byte(pair.AuthorizedKey),
			secretKeyCredential: old[secretKeyCredential],
		}
		if err := s.retry(ctx, "secret_update", func() error {
			return s.orch.CreateCredentialSecret(ctx, username, next)
		}); err != nil {
			return err
		}
		if err := s.mux.WriteKeys(username, pair); err != nil {
			return apperr.Operation("sshmux_write", "failed to write mux key files", err)
		}
		publicKey = pair.PublicKey()
		return nil
	})
	s.record(ctx, username, types.ActivityAuth, "regenerate_keys", orchestrator.WorkloadName(username), err == nil, started)
	if err != nil {
		return "", err
	}
	return publicKey, nil
}
