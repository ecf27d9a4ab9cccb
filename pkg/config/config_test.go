package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvDefaults(t *testing.T) {
	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, BackendDocker, cfg.Backend)
	assert.Equal(t, ":8000", cfg.ListenAddr)
	assert.Equal(t, "/var/lib/hydra", cfg.DataDir)
	assert.Equal(t, Thresholds{MaxMemoryGB: 4, MaxCPUs: 2, MaxStorageGB: 20}, cfg.AutoApprove)
	assert.Equal(t, 5*time.Minute, cfg.StatsInterval)
	assert.Equal(t, 5*time.Minute, cfg.MigrationTimeout)
	assert.Equal(t, time.Hour, cfg.SweepInterval)
	assert.Equal(t, int64(100*1024*1024), cfg.LogCapBytesPerUser)
	assert.True(t, cfg.MiningEnforcementEnabled)
	assert.Equal(t, []string{"hydra-admins"}, cfg.AdminGroupPatterns)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("HYDRA_ORCHESTRATOR", "cluster")
	t.Setenv("HYDRA_LISTEN_ADDR", ":9000")
	t.Setenv("HYDRA_AUTO_APPROVE_MAX_MEMORY_GB", "8")
	t.Setenv("HYDRA_MIGRATION_TIMEOUT_MS", "60000")
	t.Setenv("HYDRA_SECURITY_MINING_ENFORCEMENT_ENABLED", "false")
	t.Setenv("HYDRA_ADMIN_WHITELIST", "root@example.edu, ops@example.edu")

	cfg, err := FromEnv()
	require.NoError(t, err)

	assert.Equal(t, BackendCluster, cfg.Backend)
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, 8, cfg.AutoApprove.MaxMemoryGB)
	assert.Equal(t, time.Minute, cfg.MigrationTimeout)
	assert.False(t, cfg.MiningEnforcementEnabled)
	assert.Equal(t, []string{"root@example.edu", "ops@example.edu"}, cfg.AdminWhitelist)
}

func TestFromEnvRejectsBadValues(t *testing.T) {
	t.Setenv("HYDRA_AUTO_APPROVE_MAX_CPUS", "two")
	_, err := FromEnv()
	assert.Error(t, err)
}

func TestFromEnvRejectsUnknownBackend(t *testing.T) {
	t.Setenv("HYDRA_ORCHESTRATOR", "nomad")
	_, err := FromEnv()
	assert.Error(t, err)
}
