package migration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hydralab/hydra/pkg/apperr"
	"github.com/hydralab/hydra/pkg/catalog"
	"github.com/hydralab/hydra/pkg/config"
	"github.com/hydralab/hydra/pkg/events"
	"github.com/hydralab/hydra/pkg/locker"
	"github.com/hydralab/hydra/pkg/log"
	"github.com/hydralab/hydra/pkg/metrics"
	"github.com/hydralab/hydra/pkg/orchestrator"
	"github.com/hydralab/hydra/pkg/store"
	"github.com/hydralab/hydra/pkg/types"
)

// activeRetention is how long a terminal record stays in the in-memory
// map for fast status lookups.
const activeRetention = 30 * time.Second

// Deployer is the slice of the container service the engine drives.
// The engine holds the user lock while calling these.
type Deployer interface {
	Halt(ctx context.Context, username string) error
	Launch(ctx context.Context, cfg *types.ContainerConfig, volume string) error
	Reroute(ctx context.Context, cfg *types.ContainerConfig) error
}

// Engine moves a user's workspace between nodes as a step machine with
// persisted progress. One active migration per user; different users
// migrate in parallel.
type Engine struct {
	store    *store.Store
	catalog  *catalog.Catalog
	orch     orchestrator.Orchestrator
	bus      *events.Broker
	locks    *locker.UserLocks
	deployer Deployer
	timeout  time.Duration

	mu     sync.Mutex
	active map[string]*types.MigrationRecord
}

// New wires the engine. timeout bounds the data-copy step.
func New(st *store.Store, cat *catalog.Catalog, orch orchestrator.Orchestrator, bus *events.Broker, locks *locker.UserLocks, deployer Deployer, cfg *config.Config) *Engine {
	return &Engine{
		store:    st,
		catalog:  cat,
		orch:     orch,
		bus:      bus,
		locks:    locks,
		deployer: deployer,
		timeout:  cfg.MigrationTimeout,
		active:   make(map[string]*types.MigrationRecord),
	}
}

// Start validates the move, persists the new record (superseding any
// in-progress one) and runs the migration in the background. The
// returned record is the initial snapshot.
func (e *Engine) Start(ctx context.Context, username, targetNode string, newPreset *types.Preset) (*types.MigrationRecord, error) {
	cfg, err := e.store.GetContainerConfig(username)
	if err != nil {
		return nil, err
	}
	target, ok := e.catalog.Node(targetNode)
	if !ok {
		return nil, apperr.Input("unknown_node", "unknown node %s", targetNode)
	}
	if cfg.CurrentNode == targetNode {
		return nil, apperr.Input("already_on_node", "workspace already on node %s", targetNode)
	}
	if newPreset != nil && !catalog.PresetAllowsNode(*newPreset, targetNode) {
		return nil, apperr.Input("preset_node_mismatch", "preset %s does not allow node %s", newPreset.Tier, targetNode)
	}

	if target.GPUEnabled {
		quota, err := e.store.GetQuota(username)
		if err != nil {
			return nil, err
		}
		if !quota.ApprovedForNode(targetNode, time.Now().UTC()) {
			return nil, apperr.Precondition("node_not_approved", "no live approval for node %s", targetNode)
		}
	}

	now := time.Now().UTC()
	rec := &types.MigrationRecord{
		ID:          uuid.NewString(),
		Username:    username,
		FromNode:    cfg.CurrentNode,
		ToNode:      targetNode,
		CurrentStep: types.StepInitiated,
		Status:      types.MigrationInProgress,
		StartedAt:   now,
		StepLog: []types.MigrationStepEntry{{
			Step:      types.StepInitiated,
			Timestamp: now,
			Message:   fmt.Sprintf("migration from %s to %s initiated", cfg.CurrentNode, targetNode),
		}},
	}
	if err := e.store.CreateMigrationRecord(rec); err != nil {
		return nil, err
	}
	e.setActive(rec)
	e.announce(rec, "migration initiated")

	go e.run(context.WithoutCancel(ctx), rec, cfg, newPreset)

	snapshot := *rec
	return &snapshot, nil
}

// Status returns the user's active record, falling back to the most
// recent persisted one. Nil when the user has never migrated.
func (e *Engine) Status(username string) (*types.MigrationRecord, error) {
	e.mu.Lock()
	if rec, ok := e.active[username]; ok {
		snapshot := *rec
		e.mu.Unlock()
		return &snapshot, nil
	}
	e.mu.Unlock()

	recs, err := e.store.ListMigrationRecords(username, 1)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return recs[0], nil
}

// Get returns one record by id.
func (e *Engine) Get(id string) (*types.MigrationRecord, error) {
	return e.store.GetMigrationRecord(id)
}

// List returns the user's recent records, newest first.
func (e *Engine) List(username string, limit int) ([]*types.MigrationRecord, error) {
	return e.store.ListMigrationRecords(username, limit)
}

func (e *Engine) run(ctx context.Context, rec *types.MigrationRecord, cfg *types.ContainerConfig, newPreset *types.Preset) {
	logger := log.WithMigrationID(rec.ID)

	e.locks.Lock(rec.Username)
	defer e.locks.Unlock(rec.Username)

	timer := metrics.NewTimer()
	err := e.execute(ctx, rec, cfg, newPreset)
	if err != nil {
		metrics.MigrationsTotal.WithLabelValues("failed").Inc()
		logger.Error().Err(err).
			Str("username", rec.Username).
			Int("step", rec.CurrentStep).
			Msg("migration failed")
	} else {
		metrics.MigrationsTotal.WithLabelValues("completed").Inc()
		timer.ObserveDuration(metrics.MigrationDuration)
		logger.Info().
			Str("username", rec.Username).
			Str("from", rec.FromNode).
			Str("to", rec.ToNode).
			Msg("migration completed")
	}

	time.AfterFunc(activeRetention, func() { e.clearActive(rec.Username, rec.ID) })
}

func (e *Engine) execute(ctx context.Context, rec *types.MigrationRecord, cfg *types.ContainerConfig, newPreset *types.Preset) error {
	username := rec.Username

	srcClass, ok := e.catalog.StorageClassFor(rec.FromNode)
	if !ok {
		return e.fail(rec, types.StepInitiated, fmt.Errorf("unknown source node %s", rec.FromNode))
	}
	dstClass, ok := e.catalog.StorageClassFor(rec.ToNode)
	if !ok {
		return e.fail(rec, types.StepInitiated, fmt.Errorf("unknown target node %s", rec.ToNode))
	}
	sourceVolume := orchestrator.VolumeName(username, srcClass)
	targetVolume := orchestrator.VolumeName(username, dstClass)
	rebind := srcClass == dstClass

	if err := e.step(rec, types.StepStopping, "stopping workload"); err != nil {
		return err
	}
	if err := e.deployer.Halt(ctx, username); err != nil {
		return e.fail(rec, types.StepStopping, err)
	}
	if err := e.step(rec, types.StepStopped, "workload stopped"); err != nil {
		return err
	}

	// With the same storage class on both nodes the volume is rebound as
	// is and the storage and copy steps are skipped entirely.
	if !rebind {
		if err := e.step(rec, types.StepCreatingTargetStorage, "creating storage on "+rec.ToNode); err != nil {
			return err
		}
		err := orchestrator.WithRetry(ctx, "volume_create", func() error {
			return e.orch.CreateVolume(ctx, &orchestrator.VolumeSpec{
				Name:         targetVolume,
				Node:         rec.ToNode,
				StorageClass: dstClass,
				SizeGB:       cfg.StorageGB,
				Annotations:  map[string]string{"hydra.owner": username},
			})
		})
		if err != nil {
			return e.failAndRestore(ctx, rec, types.StepCreatingTargetStorage, err, cfg, sourceVolume, targetVolume)
		}
		if err := e.step(rec, types.StepStorageReady, "target storage ready"); err != nil {
			return err
		}

		if err := e.step(rec, types.StepCopyingData, "copying home data"); err != nil {
			return err
		}
		if err := e.orch.RunCopyJob(ctx, username, rec.FromNode, sourceVolume, rec.ToNode, targetVolume, e.timeout); err != nil {
			return e.failAndRestore(ctx, rec, types.StepCopyingData, err, cfg, sourceVolume, targetVolume)
		}
		if err := e.step(rec, types.StepDataCopied, "home data copied"); err != nil {
			return err
		}
	}

	next := *cfg
	next.CurrentNode = rec.ToNode
	if newPreset != nil {
		next.PresetTier = newPreset.Tier
		next.MemoryGB = newPreset.MemoryGB
		next.CPUs = newPreset.CPUs
		next.StorageGB = newPreset.StorageGB
		next.GPUCount = newPreset.GPUCount
	}

	if err := e.step(rec, types.StepCreatingPod, "creating workload on "+rec.ToNode); err != nil {
		return err
	}
	if err := e.deployer.Launch(ctx, &next, targetVolume); err != nil {
		return e.failAndRestore(ctx, rec, types.StepCreatingPod, err, cfg, sourceVolume, targetVolume)
	}
	if err := e.step(rec, types.StepPodReady, "workload ready"); err != nil {
		return err
	}

	if err := e.step(rec, types.StepUpdatingRoutes, "updating routes and SSH upstream"); err != nil {
		return err
	}
	if err := e.deployer.Reroute(ctx, &next); err != nil {
		return e.failAndRestore(ctx, rec, types.StepUpdatingRoutes, err, cfg, sourceVolume, targetVolume)
	}

	now := time.Now().UTC()
	next.LastMigrationAt = &now
	next.UpdatedAt = now
	if err := e.store.UpsertContainerConfig(&next); err != nil {
		return e.fail(rec, types.StepUpdatingRoutes, err)
	}
	metrics.WorkspacesTotal.WithLabelValues(rec.ToNode).Inc()
	metrics.WorkspacesTotal.WithLabelValues(rec.FromNode).Dec()

	// The source data is disposable only once the copy landed and the
	// new workload serves from it.
	if !rebind {
		if err := e.orch.DeleteVolume(ctx, rec.FromNode, sourceVolume); err != nil {
			log.WithMigrationID(rec.ID).Warn().Err(err).
				Str("volume", sourceVolume).
				Msg("source volume cleanup failed")
		}
	}

	rec.Status = types.MigrationCompleted
	rec.CompletedAt = &now
	if err := e.step(rec, types.StepCompleted, "migration completed"); err != nil {
		return err
	}
	return nil
}

// step advances the record, persists it and announces the transition.
// A record superseded by a newer migration stops advancing.
func (e *Engine) step(rec *types.MigrationRecord, step int, msg string) error {
	current, err := e.store.GetMigrationRecord(rec.ID)
	if err != nil {
		return err
	}
	if current.Status == types.MigrationFailed && rec.Status != types.MigrationFailed {
		return apperr.New(apperr.KindOperation, "migration_superseded", "migration was superseded")
	}

	rec.CurrentStep = step
	rec.StepLog = append(rec.StepLog, types.MigrationStepEntry{
		Step:      step,
		Timestamp: time.Now().UTC(),
		Message:   msg,
	})
	if err := e.store.UpdateMigrationRecord(rec); err != nil {
		return err
	}
	e.setActive(rec)
	e.announce(rec, msg)
	return nil
}

func (e *Engine) fail(rec *types.MigrationRecord, failedStep int, cause error) error {
	now := time.Now().UTC()
	rec.Status = types.MigrationFailed
	rec.CurrentStep = types.StepFailed
	rec.ErrorMessage = fmt.Sprintf("%s: %v", types.StepLabel(failedStep), cause)
	rec.CompletedAt = &now
	rec.StepLog = append(rec.StepLog, types.MigrationStepEntry{
		Step:      types.StepFailed,
		Timestamp: now,
		Message:   rec.ErrorMessage,
	})
	if err := e.store.UpdateMigrationRecord(rec); err != nil {
		log.WithMigrationID(rec.ID).Error().Err(err).Msg("failed to persist failed migration record")
	}
	e.setActive(rec)
	e.announce(rec, rec.ErrorMessage)
	return cause
}

// failAndRestore marks the record failed and brings the original
// workload back up. The source volume is never touched; the staged
// target volume is removed only for failures before the copy landed.
func (e *Engine) failAndRestore(ctx context.Context, rec *types.MigrationRecord, failedStep int, cause error, cfg *types.ContainerConfig, sourceVolume, targetVolume string) error {
	err := e.fail(rec, failedStep, cause)

	if targetVolume != sourceVolume && failedStep <= types.StepStorageReady {
		if derr := e.orch.DeleteVolume(ctx, rec.ToNode, targetVolume); derr != nil {
			log.WithMigrationID(rec.ID).Warn().Err(derr).
				Str("volume", targetVolume).
				Msg("staged target volume cleanup failed")
		}
	}
	if lerr := e.deployer.Launch(ctx, cfg, sourceVolume); lerr != nil {
		log.WithMigrationID(rec.ID).Warn().Err(lerr).
			Str("username", rec.Username).
			Msg("failed to restore source workload after failed migration")
	}
	return err
}

func (e *Engine) announce(rec *types.MigrationRecord, msg string) {
	e.bus.Publish(&events.Event{
		Type:     events.EventMigrationStep,
		Username: rec.Username,
		Message:  msg,
		Data: map[string]string{
			"migration_id": rec.ID,
			"step":         fmt.Sprintf("%d", rec.CurrentStep),
			"label":        types.StepLabel(rec.CurrentStep),
			"from":         rec.FromNode,
			"to":           rec.ToNode,
			"status":       string(rec.Status),
		},
	})
}

func (e *Engine) setActive(rec *types.MigrationRecord) {
	e.mu.Lock()
	defer e.mu.Unlock()
	snapshot := *rec
	e.active[rec.Username] = &snapshot
}

func (e *Engine) clearActive(username, id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rec, ok := e.active[username]; ok && rec.ID == id {
		delete(e.active, username)
	}
}
