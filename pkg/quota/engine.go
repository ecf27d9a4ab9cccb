package quota

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/hydralab/hydra/pkg/apperr"
	"github.com/hydralab/hydra/pkg/catalog"
	"github.com/hydralab/hydra/pkg/config"
	"github.com/hydralab/hydra/pkg/events"
	"github.com/hydralab/hydra/pkg/log"
	"github.com/hydralab/hydra/pkg/store"
	"github.com/hydralab/hydra/pkg/types"
)

// Resetter restarts a workspace with the given preset on the
// control-plane node. Implemented by the container service.
type Resetter interface {
	ApplyPreset(ctx context.Context, username string, preset types.Preset) error
}

// Migrator moves a workspace back to another node. Implemented by the
// migration engine.
type Migrator interface {
	Start(ctx context.Context, username, targetNode string, newPreset *types.Preset) (*types.MigrationRecord, error)
}

// ActivityRecorder appends account entries for sweep decisions.
type ActivityRecorder interface {
	Record(ctx context.Context, e *types.ActivityEntry)
}

// Request is a user's ask for resources or node access.
type Request struct {
	TargetNode string            `json:"targetNode"`
	PresetTier string            `json:"presetTier,omitempty"`
	MemoryGB   int               `json:"memoryGb"`
	CPUs       int               `json:"cpus"`
	StorageGB  int               `json:"storageGb"`
	GPUCount   int               `json:"gpuCount"`
	Type       types.RequestType `json:"requestType"`
	Reason     string            `json:"reason,omitempty"`
}

// Engine implements the approval workflow: synchronous auto-approval
// within thresholds, pending requests for everything else, and the
// periodic sweep that claws back expired grants.
type Engine struct {
	store    *store.Store
	catalog  *catalog.Catalog
	bus      *events.Broker
	resetter Resetter
	migrator Migrator
	activity ActivityRecorder
	interval time.Duration
}

func New(st *store.Store, cat *catalog.Catalog, bus *events.Broker, resetter Resetter, migrator Migrator, activity ActivityRecorder, cfg *config.Config) *Engine {
	return &Engine{
		store:    st,
		catalog:  cat,
		bus:      bus,
		resetter: resetter,
		migrator: migrator,
		activity: activity,
		interval: cfg.SweepInterval,
	}
}

// EnsureQuota returns the user's quota, creating a default one capped at
// the auto-approval thresholds on first contact.
func (e *Engine) EnsureQuota(username, email string, role types.Role) (*types.UserQuota, error) {
	q, err := e.store.GetQuota(username)
	if err == nil {
		return q, nil
	}
	if apperr.CodeOf(err) != "quota_not_found" {
		return nil, err
	}
	now := time.Now().UTC()
	t := e.catalog.Thresholds()
	q = &types.UserQuota{
		Username:      username,
		Email:         email,
		Role:          role,
		MaxMemoryGB:   t.MaxMemoryGB,
		MaxCPUs:       t.MaxCPUs,
		MaxStorageGB:  t.MaxStorageGB,
		NodeApprovals: map[string]*time.Time{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.store.UpsertQuota(q); err != nil {
		return nil, err
	}
	return q, nil
}

// Submit evaluates a request. Auto-approvable asks are granted
// synchronously and the caps bumped; everything else becomes a pending
// request awaiting a reviewer. One pending request per type.
func (e *Engine) Submit(ctx context.Context, username string, req *Request) (*types.ApprovalRequest, error) {
	node, ok := e.catalog.Node(req.TargetNode)
	if !ok {
		return nil, apperr.Input("unknown_node", "unknown node %s", req.TargetNode)
	}

	var preset *types.Preset
	if req.PresetTier != "" {
		p, ok := e.catalog.Preset(req.PresetTier)
		if !ok {
			return nil, apperr.Input("unknown_preset", "unknown preset %s", req.PresetTier)
		}
		if !catalog.PresetAllowsNode(p, req.TargetNode) {
			return nil, apperr.Input("preset_node_mismatch", "preset %s does not allow node %s", p.Tier, req.TargetNode)
		}
		preset = &p
		req.MemoryGB = p.MemoryGB
		req.CPUs = p.CPUs
		req.StorageGB = p.StorageGB
		req.GPUCount = p.GPUCount
	}
	if req.MemoryGB <= 0 || req.CPUs <= 0 || req.StorageGB <= 0 {
		return nil, apperr.Input("invalid_resources", "memory, cpus and storage must be positive")
	}
	if req.GPUCount > 0 && !node.GPUEnabled {
		return nil, apperr.Input("node_without_gpu", "node %s has no GPUs", req.TargetNode)
	}
	if req.Type == "" {
		req.Type = types.RequestTypeResources
	}

	now := time.Now().UTC()
	rec := &types.ApprovalRequest{
		ID:          uuid.NewString(),
		Username:    username,
		TargetNode:  req.TargetNode,
		MemoryGB:    req.MemoryGB,
		CPUs:        req.CPUs,
		StorageGB:   req.StorageGB,
		GPUCount:    req.GPUCount,
		RequestType: req.Type,
		Reason:      req.Reason,
		CreatedAt:   now,
	}

	if e.autoApprovable(req, preset) {
		rec.Status = types.RequestStatusAutoApproved
		rec.Reviewer = "system"
		rec.DecidedAt = &now
		if err := e.store.CreateApprovalRequest(rec); err != nil {
			return nil, err
		}
		if err := e.grant(rec, nil); err != nil {
			return nil, err
		}
		e.recordDecision(ctx, rec, "auto_approved")
		return rec, nil
	}

	if pending, err := e.store.GetPendingApprovalRequest(username, rec.RequestType); err == nil && pending != nil {
		return nil, apperr.Precondition("duplicate_pending_request", "a %s request is already pending", rec.RequestType)
	}

	rec.Status = types.RequestStatusPending
	if err := e.store.CreateApprovalRequest(rec); err != nil {
		return nil, err
	}
	log.WithUsername(username).Info().
		Str("request_id", rec.ID).
		Str("type", string(rec.RequestType)).
		Str("target_node", rec.TargetNode).
		Msg("approval request pending review")
	e.recordDecision(ctx, rec, "request_submitted")
	return rec, nil
}

// autoApprovable applies the synchronous grant rule. GPU asks never
// auto-approve.
func (e *Engine) autoApprovable(req *Request, preset *types.Preset) bool {
	if req.TargetNode != catalog.ControlPlaneNode || req.GPUCount != 0 {
		return false
	}
	if preset != nil && !preset.AutoApprove {
		return false
	}
	t := e.catalog.Thresholds()
	return req.MemoryGB <= t.MaxMemoryGB &&
		req.CPUs <= t.MaxCPUs &&
		req.StorageGB <= t.MaxStorageGB
}

// Approve grants a pending request. expiresAt bounds the grant; nil
// means it does not expire.
func (e *Engine) Approve(ctx context.Context, id, reviewer string, expiresAt *time.Time) (*types.ApprovalRequest, error) {
	rec, err := e.store.GetApprovalRequest(id)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		return nil, apperr.Precondition("request_decided", "request %s is already %s", id, rec.Status)
	}
	now := time.Now().UTC()
	rec.Status = types.RequestStatusApproved
	rec.Reviewer = reviewer
	rec.DecidedAt = &now
	rec.ExpiresAt = expiresAt
	if err := e.store.UpdateApprovalRequest(rec); err != nil {
		return nil, err
	}
	if err := e.grant(rec, expiresAt); err != nil {
		return nil, err
	}
	e.recordDecision(ctx, rec, "request_approved")
	return rec, nil
}

// Deny closes a pending request without granting anything.
func (e *Engine) Deny(ctx context.Context, id, reviewer, reason string) (*types.ApprovalRequest, error) {
	rec, err := e.store.GetApprovalRequest(id)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		return nil, apperr.Precondition("request_decided", "request %s is already %s", id, rec.Status)
	}
	now := time.Now().UTC()
	rec.Status = types.RequestStatusDenied
	rec.Reviewer = reviewer
	if reason != "" {
		rec.Reason = reason
	}
	rec.DecidedAt = &now
	if err := e.store.UpdateApprovalRequest(rec); err != nil {
		return nil, err
	}
	e.recordDecision(ctx, rec, "request_denied")
	return rec, nil
}

// grant applies an approved request to the user's quota: caps are
// raised to cover the ask, and off-control-plane targets get a node
// approval with the grant's expiry. A live config on the target node
// picks up the granted resources and the grant's expiry, so the sweep
// can claw the grant back once it lapses.
func (e *Engine) grant(rec *types.ApprovalRequest, expiresAt *time.Time) error {
	q, err := e.EnsureQuota(rec.Username, "", types.RoleStudent)
	if err != nil {
		return err
	}
	changed := false
	if rec.MemoryGB > q.MaxMemoryGB {
		q.MaxMemoryGB = rec.MemoryGB
		changed = true
	}
	if rec.CPUs > q.MaxCPUs {
		q.MaxCPUs = rec.CPUs
		changed = true
	}
	if rec.StorageGB > q.MaxStorageGB {
		q.MaxStorageGB = rec.StorageGB
		changed = true
	}
	if changed {
		q.UpdatedAt = time.Now().UTC()
		if err := e.store.UpsertQuota(q); err != nil {
			return err
		}
	}
	if rec.TargetNode != catalog.ControlPlaneNode {
		if err := e.store.SetNodeApproval(rec.Username, rec.TargetNode, expiresAt); err != nil {
			return err
		}
	}
	return e.applyToConfig(rec, expiresAt)
}

// applyToConfig writes granted resources into an existing config on the
// grant's target node. Any standing expiry is clamped to the grant's:
// a config may never outlive the approval backing it.
func (e *Engine) applyToConfig(rec *types.ApprovalRequest, expiresAt *time.Time) error {
	cfg, err := e.store.GetContainerConfig(rec.Username)
	if err != nil {
		if apperr.CodeOf(err) == "container_not_initialized" {
			return nil
		}
		return err
	}
	if cfg.CurrentNode != rec.TargetNode {
		// The grant takes effect on that node at migration time; the
		// node approval expiry covers the claw-back.
		return nil
	}
	cfg.MemoryGB = rec.MemoryGB
	cfg.CPUs = rec.CPUs
	cfg.StorageGB = rec.StorageGB
	cfg.GPUCount = rec.GPUCount
	if expiresAt != nil && (cfg.ResourcesExpireAt == nil || cfg.ResourcesExpireAt.After(*expiresAt)) {
		cfg.ResourcesExpireAt = expiresAt
	}
	cfg.UpdatedAt = time.Now().UTC()
	return e.store.UpsertContainerConfig(cfg)
}

// Get returns one request by id.
func (e *Engine) Get(id string) (*types.ApprovalRequest, error) {
	return e.store.GetApprovalRequest(id)
}

// List returns the user's requests, newest first.
func (e *Engine) List(username string) ([]*types.ApprovalRequest, error) {
	return e.store.ListApprovalRequests(username)
}

// ListPending returns all pending requests for the reviewer surface.
func (e *Engine) ListPending() ([]*types.ApprovalRequest, error) {
	return e.store.ListPendingApprovalRequests()
}

// Run drives the expiry sweep until the context ends.
func (e *Engine) Run(ctx context.Context) {
	interval := e.interval
	if interval <= 0 {
		interval = time.Hour
	}
	logger := log.WithComponent("quota-sweep")
	logger.Info().Dur("interval", interval).Msg("expiry sweep started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.SweepOnce(ctx, time.Now().UTC())
		}
	}
}

// SweepOnce expires stale approval requests and claws back expired
// grants: configs past resources_expire_at, and configs pinned to a
// node whose approval lapsed, are reset to the default preset on the
// control-plane node.
func (e *Engine) SweepOnce(ctx context.Context, now time.Time) {
	logger := log.WithComponent("quota-sweep")

	if n, err := e.store.ExpireApprovalRequests(now); err != nil {
		logger.Error().Err(err).Msg("failed to expire approval requests")
	} else if n > 0 {
		logger.Info().Int64("count", n).Msg("expired stale approval requests")
	}

	seen := map[string]bool{}

	expired, err := e.store.ListExpiredContainerConfigs(now)
	if err != nil {
		logger.Error().Err(err).Msg("failed to list expired container configs")
		return
	}
	for _, cfg := range expired {
		seen[cfg.Username] = true
		e.clawBack(ctx, cfg, "resource_expired")
	}

	configs, err := e.store.ListContainerConfigs()
	if err != nil {
		logger.Error().Err(err).Msg("failed to list container configs")
		return
	}
	for _, cfg := range configs {
		if seen[cfg.Username] || cfg.CurrentNode == catalog.ControlPlaneNode {
			continue
		}
		q, err := e.store.GetQuota(cfg.Username)
		if err != nil {
			logger.Error().Err(err).Str("username", cfg.Username).Msg("failed to load quota")
			continue
		}
		if !q.ApprovedForNode(cfg.CurrentNode, now) {
			e.clawBack(ctx, cfg, "node_approval_expired")
		}
	}
}

// clawBack resets one config to the default preset on the control-plane
// node. Off-control-plane workspaces migrate home so their data follows;
// local ones are restarted with the new limits.
func (e *Engine) clawBack(ctx context.Context, cfg *types.ContainerConfig, reason string) {
	logger := log.WithUsername(cfg.Username)
	preset := e.catalog.DefaultPreset()

	var err error
	if cfg.CurrentNode != catalog.ControlPlaneNode && e.migrator != nil {
		_, err = e.migrator.Start(ctx, cfg.Username, catalog.ControlPlaneNode, &preset)
	} else {
		err = e.resetter.ApplyPreset(ctx, cfg.Username, preset)
	}
	if err != nil {
		logger.Error().Err(err).Str("reason", reason).Msg("failed to claw back expired grant")
		return
	}

	logger.Info().
		Str("reason", reason).
		Str("from_node", cfg.CurrentNode).
		Str("preset", preset.Tier).
		Msg("expired grant clawed back")

	details, _ := json.Marshal(map[string]string{"reason": reason, "from_node": cfg.CurrentNode})
	e.activity.Record(ctx, &types.ActivityEntry{
		Username:  cfg.Username,
		Timestamp: time.Now().UTC(),
		Category:  types.ActivityAccount,
		Action:    reason,
		Target:    preset.Tier,
		Success:   true,
		Details:   details,
	})
	e.bus.Publish(&events.Event{
		Type:     events.EventWarning,
		Username: cfg.Username,
		Message:  "resource grant expired, workspace reset to " + preset.Tier,
		Data:     map[string]string{"reason": reason},
	})
}

func (e *Engine) recordDecision(ctx context.Context, rec *types.ApprovalRequest, action string) {
	details, _ := json.Marshal(map[string]string{
		"request_id": rec.ID,
		"type":       string(rec.RequestType),
		"status":     string(rec.Status),
	})
	e.activity.Record(ctx, &types.ActivityEntry{
		Username:  rec.Username,
		Timestamp: time.Now().UTC(),
		Category:  types.ActivityResource,
		Action:    action,
		Target:    rec.TargetNode,
		Success:   true,
		Details:   details,
	})
	e.bus.Publish(&events.Event{
		Type:     events.EventInfo,
		Username: rec.Username,
		Message:  "approval request " + string(rec.Status),
		Data:     map[string]string{"request_id": rec.ID, "status": string(rec.Status)},
	})
}
