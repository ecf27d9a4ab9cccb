package quota

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydralab/hydra/pkg/apperr"
	"github.com/hydralab/hydra/pkg/catalog"
	"github.com/hydralab/hydra/pkg/config"
	"github.com/hydralab/hydra/pkg/events"
	"github.com/hydralab/hydra/pkg/store"
	"github.com/hydralab/hydra/pkg/types"
)

type resetCall struct {
	Username string
	Tier     string
}

type fakeResetter struct {
	mu    sync.Mutex
	calls []resetCall
	err   error
}

func (r *fakeResetter) ApplyPreset(ctx context.Context, username string, preset types.Preset) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, resetCall{Username: username, Tier: preset.Tier})
	return r.err
}

type migrateCall struct {
	Username   string
	TargetNode string
	Tier       string
}

type fakeMigrator struct {
	mu    sync.Mutex
	calls []migrateCall
}

func (m *fakeMigrator) Start(ctx context.Context, username, targetNode string, newPreset *types.Preset) (*types.MigrationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	call := migrateCall{Username: username, TargetNode: targetNode}
	if newPreset != nil {
		call.Tier = newPreset.Tier
	}
	m.calls = append(m.calls, call)
	return &types.MigrationRecord{ID: "fake", Username: username, ToNode: targetNode}, nil
}

type fakeActivity struct {
	mu      sync.Mutex
	entries []*types.ActivityEntry
}

func (a *fakeActivity) Record(ctx context.Context, e *types.ActivityEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
}

func (a *fakeActivity) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.entries))
	for _, e := range a.entries {
		out = append(out, e.Action)
	}
	return out
}

type fixture struct {
	engine   *Engine
	store    *store.Store
	resetter *fakeResetter
	migrator *fakeMigrator
	activity *fakeActivity
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := &config.Config{
		ControlPlaneNodeAddress: "unix:///var/run/docker.sock",
		GPUNodeAAddress:         "tcp://gpu-a:2376",
		GPUNodeBAddress:         "tcp://gpu-b:2376",
		AutoApprove:             config.Thresholds{MaxMemoryGB: 4, MaxCPUs: 2, MaxStorageGB: 20},
		SweepInterval:           time.Hour,
	}
	cat, err := catalog.New(cfg)
	require.NoError(t, err)

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bus := events.NewBroker()
	bus.Start()
	t.Cleanup(bus.Stop)

	resetter := &fakeResetter{}
	migrator := &fakeMigrator{}
	activity := &fakeActivity{}
	return &fixture{
		engine:   New(st, cat, bus, resetter, migrator, activity, cfg),
		store:    st,
		resetter: resetter,
		migrator: migrator,
		activity: activity,
	}
}

func TestEnsureQuotaCreatesDefault(t *testing.T) {
	f := newFixture(t)

	q, err := f.engine.EnsureQuota("alice", "alice@example.edu", types.RoleStudent)
	require.NoError(t, err)
	assert.Equal(t, 4, q.MaxMemoryGB)
	assert.Equal(t, 2, q.MaxCPUs)
	assert.Equal(t, 20, q.MaxStorageGB)

	// Second call returns the stored quota unchanged.
	stored, err := f.engine.EnsureQuota("alice", "other@example.edu", types.RoleStudent)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.edu", stored.Email)
}

func TestSubmitAutoApprovesWithinThresholds(t *testing.T) {
	f := newFixture(t)

	rec, err := f.engine.Submit(context.Background(), "alice", &Request{
		TargetNode: catalog.ControlPlaneNode,
		MemoryGB:   4, CPUs: 2, StorageGB: 20,
	})
	require.NoError(t, err)
	assert.Equal(t, types.RequestStatusAutoApproved, rec.Status)
	assert.Equal(t, "system", rec.Reviewer)
	assert.NotNil(t, rec.DecidedAt)
	assert.Equal(t, types.RequestTypeResources, rec.RequestType)

	assert.Contains(t, f.activity.actions(), "auto_approved")
}

func TestSubmitOneUnitAboveThresholdGoesPending(t *testing.T) {
	f := newFixture(t)

	rec, err := f.engine.Submit(context.Background(), "alice", &Request{
		TargetNode: catalog.ControlPlaneNode,
		MemoryGB:   5, CPUs: 2, StorageGB: 20,
	})
	require.NoError(t, err)
	assert.Equal(t, types.RequestStatusPending, rec.Status)

	pending, err := f.engine.ListPending()
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestSubmitGPUNeverAutoApproves(t *testing.T) {
	f := newFixture(t)

	rec, err := f.engine.Submit(context.Background(), "alice", &Request{
		TargetNode: catalog.GPUNodeB, PresetTier: "gpu-inference",
	})
	require.NoError(t, err)
	assert.Equal(t, types.RequestStatusPending, rec.Status)
	assert.Equal(t, 16, rec.MemoryGB, "preset resources override the request")
	assert.Equal(t, 1, rec.GPUCount)
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		req  *Request
		code string
	}{
		{"unknown node", &Request{TargetNode: "gpu-z", MemoryGB: 1, CPUs: 1, StorageGB: 1}, "unknown_node"},
		{"unknown preset", &Request{TargetNode: catalog.ControlPlaneNode, PresetTier: "huge"}, "unknown_preset"},
		{"preset node mismatch", &Request{TargetNode: catalog.GPUNodeA, PresetTier: "gpu-inference"}, "preset_node_mismatch"},
		{"zero resources", &Request{TargetNode: catalog.ControlPlaneNode}, "invalid_resources"},
		{"gpu on control plane", &Request{TargetNode: catalog.ControlPlaneNode, MemoryGB: 1, CPUs: 1, StorageGB: 1, GPUCount: 1}, "node_without_gpu"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Submit(context.Background(), "alice", tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.code, apperr.CodeOf(err))
		})
	}
}

func TestSubmitDuplicatePending(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Submit(context.Background(), "alice", &Request{
		TargetNode: catalog.GPUNodeA, MemoryGB: 8, CPUs: 4, StorageGB: 50,
	})
	require.NoError(t, err)

	_, err = f.engine.Submit(context.Background(), "alice", &Request{
		TargetNode: catalog.GPUNodeB, MemoryGB: 8, CPUs: 4, StorageGB: 50,
	})
	require.Error(t, err)
	assert.Equal(t, apperr.KindPrecondition, apperr.KindOf(err))
	assert.Equal(t, "duplicate_pending_request", apperr.CodeOf(err))
}

func TestApproveBumpsCapsAndNodeApproval(t *testing.T) {
	f := newFixture(t)

	rec, err := f.engine.Submit(context.Background(), "alice", &Request{
		TargetNode: catalog.GPUNodeA, MemoryGB: 32, CPUs: 16, StorageGB: 200, GPUCount: 2,
	})
	require.NoError(t, err)

	expires := time.Now().UTC().Add(7 * 24 * time.Hour)
	approved, err := f.engine.Approve(context.Background(), rec.ID, "prof", &expires)
	require.NoError(t, err)
	assert.Equal(t, types.RequestStatusApproved, approved.Status)
	assert.Equal(t, "prof", approved.Reviewer)

	q, err := f.store.GetQuota("alice")
	require.NoError(t, err)
	assert.Equal(t, 32, q.MaxMemoryGB)
	assert.Equal(t, 16, q.MaxCPUs)
	assert.Equal(t, 200, q.MaxStorageGB)
	assert.True(t, q.ApprovedForNode(catalog.GPUNodeA, time.Now().UTC()))

	// A decided request admits no second decision.
	_, err = f.engine.Approve(context.Background(), rec.ID, "prof", nil)
	assert.Equal(t, "request_decided", apperr.CodeOf(err))
	_, err = f.engine.Deny(context.Background(), rec.ID, "prof", "")
	assert.Equal(t, "request_decided", apperr.CodeOf(err))
}

func TestDenyGrantsNothing(t *testing.T) {
	f := newFixture(t)
	f.engine.EnsureQuota("alice", "alice@example.edu", types.RoleStudent)

	rec, err := f.engine.Submit(context.Background(), "alice", &Request{
		TargetNode: catalog.GPUNodeA, MemoryGB: 32, CPUs: 16, StorageGB: 200,
	})
	require.NoError(t, err)

	denied, err := f.engine.Deny(context.Background(), rec.ID, "prof", "course is over")
	require.NoError(t, err)
	assert.Equal(t, types.RequestStatusDenied, denied.Status)
	assert.Equal(t, "course is over", denied.Reason)

	q, err := f.store.GetQuota("alice")
	require.NoError(t, err)
	assert.Equal(t, 4, q.MaxMemoryGB, "caps are unchanged by a denial")
	assert.False(t, q.ApprovedForNode(catalog.GPUNodeA, time.Now().UTC()))
}

func TestApproveAppliesGrantToLiveConfig(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()

	_, err := f.engine.EnsureQuota("alice", "alice@example.edu", types.RoleStudent)
	require.NoError(t, err)
	require.NoError(t, f.store.UpsertContainerConfig(&types.ContainerConfig{
		Username: "alice", CurrentNode: catalog.ControlPlaneNode, PresetTier: "basic",
		MemoryGB: 4, CPUs: 2, StorageGB: 20,
	}))

	rec, err := f.engine.Submit(context.Background(), "alice", &Request{
		TargetNode: catalog.ControlPlaneNode,
		MemoryGB:   8, CPUs: 4, StorageGB: 50,
	})
	require.NoError(t, err)
	require.Equal(t, types.RequestStatusPending, rec.Status)

	expires := now.Add(time.Minute)
	_, err = f.engine.Approve(context.Background(), rec.ID, "prof", &expires)
	require.NoError(t, err)

	cfg, err := f.store.GetContainerConfig("alice")
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.MemoryGB)
	assert.Equal(t, 4, cfg.CPUs)
	assert.Equal(t, 50, cfg.StorageGB)
	require.NotNil(t, cfg.ResourcesExpireAt, "grant expiry lands on the config")
	assert.WithinDuration(t, expires, *cfg.ResourcesExpireAt, time.Second)

	// Once the grant lapses the sweep resets the workspace.
	f.engine.SweepOnce(context.Background(), now.Add(time.Hour))
	require.Len(t, f.resetter.calls, 1)
	assert.Equal(t, catalog.DefaultPresetTier, f.resetter.calls[0].Tier)
	assert.Contains(t, f.activity.actions(), "resource_expired")
}

func TestAutoApproveUpdatesLiveConfig(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.EnsureQuota("alice", "alice@example.edu", types.RoleStudent)
	require.NoError(t, err)
	require.NoError(t, f.store.UpsertContainerConfig(&types.ContainerConfig{
		Username: "alice", CurrentNode: catalog.ControlPlaneNode, PresetTier: "basic",
		MemoryGB: 2, CPUs: 1, StorageGB: 10,
	}))

	rec, err := f.engine.Submit(context.Background(), "alice", &Request{
		TargetNode: catalog.ControlPlaneNode,
		MemoryGB:   4, CPUs: 2, StorageGB: 20,
	})
	require.NoError(t, err)
	require.Equal(t, types.RequestStatusAutoApproved, rec.Status)

	cfg, err := f.store.GetContainerConfig("alice")
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.MemoryGB)
	assert.Equal(t, 2, cfg.CPUs)
	assert.Equal(t, 20, cfg.StorageGB)
	assert.Nil(t, cfg.ResourcesExpireAt, "auto-approved grants do not expire")
}

func TestApproveOffNodeGrantLeavesLocalConfigAlone(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.EnsureQuota("alice", "alice@example.edu", types.RoleStudent)
	require.NoError(t, err)
	require.NoError(t, f.store.UpsertContainerConfig(&types.ContainerConfig{
		Username: "alice", CurrentNode: catalog.ControlPlaneNode, PresetTier: "basic",
		MemoryGB: 4, CPUs: 2, StorageGB: 20,
	}))

	rec, err := f.engine.Submit(context.Background(), "alice", &Request{
		TargetNode: catalog.GPUNodeA, MemoryGB: 32, CPUs: 16, StorageGB: 200, GPUCount: 2,
	})
	require.NoError(t, err)

	expires := time.Now().UTC().Add(7 * 24 * time.Hour)
	_, err = f.engine.Approve(context.Background(), rec.ID, "prof", &expires)
	require.NoError(t, err)

	cfg, err := f.store.GetContainerConfig("alice")
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.MemoryGB, "resources land at migration time, not approval time")
	assert.Zero(t, cfg.GPUCount)
	assert.Nil(t, cfg.ResourcesExpireAt)
}

func TestSweepExpiresStaleRequests(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()

	rec, err := f.engine.Submit(context.Background(), "alice", &Request{
		TargetNode: catalog.GPUNodeA, MemoryGB: 8, CPUs: 4, StorageGB: 50,
	})
	require.NoError(t, err)
	past := now.Add(-time.Hour)
	_, err = f.engine.Approve(context.Background(), rec.ID, "prof", &past)
	require.NoError(t, err)

	f.engine.SweepOnce(context.Background(), now)

	got, err := f.engine.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RequestStatusExpired, got.Status)
}

func TestSweepClawsBackExpiredResources(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	past := now.Add(-time.Hour)

	_, err := f.engine.EnsureQuota("alice", "alice@example.edu", types.RoleStudent)
	require.NoError(t, err)
	require.NoError(t, f.store.UpsertContainerConfig(&types.ContainerConfig{
		Username: "alice", CurrentNode: catalog.ControlPlaneNode, PresetTier: "enhanced",
		MemoryGB: 8, CPUs: 4, StorageGB: 50, ResourcesExpireAt: &past,
	}))

	f.engine.SweepOnce(context.Background(), now)

	require.Len(t, f.resetter.calls, 1)
	assert.Equal(t, "alice", f.resetter.calls[0].Username)
	assert.Equal(t, catalog.DefaultPresetTier, f.resetter.calls[0].Tier)
	assert.Empty(t, f.migrator.calls, "control-plane configs reset in place")

	actions := f.activity.actions()
	assert.Contains(t, actions, "resource_expired")
}

func TestSweepMigratesLapsedNodeApprovalHome(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	past := now.Add(-time.Hour)

	_, err := f.engine.EnsureQuota("alice", "alice@example.edu", types.RoleStudent)
	require.NoError(t, err)
	require.NoError(t, f.store.SetNodeApproval("alice", catalog.GPUNodeA, &past))
	require.NoError(t, f.store.UpsertContainerConfig(&types.ContainerConfig{
		Username: "alice", CurrentNode: catalog.GPUNodeA, PresetTier: "gpu-training",
		MemoryGB: 32, CPUs: 16, StorageGB: 200, GPUCount: 2,
	}))

	f.engine.SweepOnce(context.Background(), now)

	require.Len(t, f.migrator.calls, 1)
	assert.Equal(t, "alice", f.migrator.calls[0].Username)
	assert.Equal(t, catalog.ControlPlaneNode, f.migrator.calls[0].TargetNode)
	assert.Equal(t, catalog.DefaultPresetTier, f.migrator.calls[0].Tier)
	assert.Empty(t, f.resetter.calls)

	assert.Contains(t, f.activity.actions(), "node_approval_expired")
}

func TestSweepLeavesLiveGrantsAlone(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UTC()
	future := now.Add(time.Hour)

	_, err := f.engine.EnsureQuota("alice", "alice@example.edu", types.RoleStudent)
	require.NoError(t, err)
	require.NoError(t, f.store.SetNodeApproval("alice", catalog.GPUNodeA, &future))
	require.NoError(t, f.store.UpsertContainerConfig(&types.ContainerConfig{
		Username: "alice", CurrentNode: catalog.GPUNodeA, PresetTier: "gpu-training",
		MemoryGB: 32, CPUs: 16, StorageGB: 200, GPUCount: 2, ResourcesExpireAt: &future,
	}))

	f.engine.SweepOnce(context.Background(), now)

	assert.Empty(t, f.resetter.calls)
	assert.Empty(t, f.migrator.calls)
}
