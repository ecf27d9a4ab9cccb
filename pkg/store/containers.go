package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/hydralab/hydra/pkg/apperr"
	"github.com/hydralab/hydra/pkg/types"
)

// UpsertContainerConfig creates or replaces a user's container config.
func (s *Store) UpsertContainerConfig(c *types.ContainerConfig) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	_, err := s.db.Exec(`INSERT INTO container_configs
		(username, current_node, preset_tier, memory_gb, cpus, storage_gb, gpu_count,
		 resources_expire_at, last_migration_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(username) DO UPDATE SET
			current_node = excluded.current_node,
			preset_tier = excluded.preset_tier,
			memory_gb = excluded.memory_gb,
			cpus = excluded.cpus,
			storage_gb = excluded.storage_gb,
			gpu_count = excluded.gpu_count,
			resources_expire_at = excluded.resources_expire_at,
			last_migration_at = excluded.last_migration_at,
			updated_at = excluded.updated_at`,
		c.Username, c.CurrentNode, c.PresetTier, c.MemoryGB, c.CPUs, c.StorageGB,
		c.GPUCount, c.ResourcesExpireAt, c.LastMigrationAt, c.CreatedAt, c.UpdatedAt)
	return err
}

// GetContainerConfig retrieves a user's container config.
func (s *Store) GetContainerConfig(username string) (*types.ContainerConfig, error) {
	var c types.ContainerConfig
	err := s.db.Get(&c, `SELECT * FROM container_configs WHERE username = ?`, username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Precondition("container_not_initialized",
			"no container config for user %s", username)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// HasContainerConfig reports whether a config row exists for the user.
func (s *Store) HasContainerConfig(username string) (bool, error) {
	var n int
	if err := s.db.Get(&n, `SELECT COUNT(*) FROM container_configs WHERE username = ?`, username); err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListContainerConfigs returns all container configs.
func (s *Store) ListContainerConfigs() ([]*types.ContainerConfig, error) {
	var configs []*types.ContainerConfig
	if err := s.db.Select(&configs, `SELECT * FROM container_configs ORDER BY username`); err != nil {
		return nil, err
	}
	return configs, nil
}

// ListExpiredContainerConfigs returns configs whose resources expired
// before now.
func (s *Store) ListExpiredContainerConfigs(now time.Time) ([]*types.ContainerConfig, error) {
	var configs []*types.ContainerConfig
	err := s.db.Select(&configs, `SELECT * FROM container_configs
		WHERE resources_expire_at IS NOT NULL AND resources_expire_at < ?`, now.UTC())
	if err != nil {
		return nil, err
	}
	return configs, nil
}

// ListContainerConfigsOnNode returns configs currently pinned to node.
func (s *Store) ListContainerConfigsOnNode(node string) ([]*types.ContainerConfig, error) {
	var configs []*types.ContainerConfig
	err := s.db.Select(&configs, `SELECT * FROM container_configs WHERE current_node = ?`, node)
	if err != nil {
		return nil, err
	}
	return configs, nil
}

// DeleteContainerConfig removes a user's container config.
func (s *Store) DeleteContainerConfig(username string) error {
	_, err := s.db.Exec(`DELETE FROM container_configs WHERE username = ?`, username)
	return err
}
