package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Backend selects the orchestrator implementation.
type Backend string

const (
	BackendDocker  Backend = "docker"
	BackendCluster Backend = "cluster"
)

// Thresholds are the auto-approval resource caps.
type Thresholds struct {
	MaxMemoryGB  int
	MaxCPUs      int
	MaxStorageGB int
}

// Config holds all environment-driven configuration. Every option has a
// working default so a bare `hydra server` starts against a local Docker
// daemon.
type Config struct {
	Backend Backend

	ListenAddr    string
	PublicBaseURL string

	DataDir string

	ControlPlaneNodeAddress string
	GPUNodeAAddress         string
	GPUNodeBAddress         string

	WorkspaceImage    string
	WorkspaceGPUImage string

	PresetsCatalogPath string
	AutoApprove        Thresholds
	ApprovalRecipients []string

	SSHMuxConfigRoot string
	ProxyDynamicRoot string

	// StorageRoot is where the host backend expects the shared storage
	// class mounts (<root>/<class>/<volume>). Unused by the cluster
	// backend.
	StorageRoot string

	Kubeconfig       string
	StudentNamespace string
	SystemNamespace  string

	ServerStatusCachePath string

	MiningEnforcementEnabled bool
	StatsInterval            time.Duration
	LogCapBytesPerUser       int64
	MigrationTimeout         time.Duration
	SweepInterval            time.Duration

	AdminWhitelist   []string
	FacultyWhitelist []string
	AdminGroupPatterns   []string
	FacultyGroupPatterns []string

	LogLevel string
	LogJSON  bool
}

// FromEnv builds a Config from HYDRA_* environment variables.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Backend:                 Backend(getenv("HYDRA_ORCHESTRATOR", string(BackendDocker))),
		ListenAddr:              getenv("HYDRA_LISTEN_ADDR", ":8000"),
		PublicBaseURL:           getenv("HYDRA_PUBLIC_BASE_URL", "http://localhost:8000"),
		DataDir:                 getenv("HYDRA_DATA_DIR", "/var/lib/hydra"),
		ControlPlaneNodeAddress: getenv("HYDRA_CONTROL_PLANE_NODE_ADDRESS", "unix:///var/run/docker.sock"),
		GPUNodeAAddress:         getenv("HYDRA_GPU_NODE_A_ADDRESS", ""),
		GPUNodeBAddress:         getenv("HYDRA_GPU_NODE_B_ADDRESS", ""),
		WorkspaceImage:          getenv("HYDRA_WORKSPACE_IMAGE", "ghcr.io/hydralab/workspace:latest"),
		WorkspaceGPUImage:       getenv("HYDRA_WORKSPACE_GPU_IMAGE", "ghcr.io/hydralab/workspace-cuda:latest"),
		PresetsCatalogPath:      getenv("HYDRA_RESOURCE_PRESETS_CATALOG", ""),
		SSHMuxConfigRoot:        getenv("HYDRA_SSH_MUX_CONFIG_ROOT", "/etc/hydra/sshmux"),
		StorageRoot:             getenv("HYDRA_STORAGE_ROOT", "/srv/hydra"),
		ProxyDynamicRoot:        getenv("HYDRA_PROXY_DYNAMIC_ROOT", "/etc/hydra/proxy"),
		Kubeconfig:              getenv("HYDRA_KUBECONFIG", ""),
		StudentNamespace:        getenv("HYDRA_STUDENT_NAMESPACE", "hydra-students"),
		SystemNamespace:         getenv("HYDRA_SYSTEM_NAMESPACE", "hydra-system"),
		ServerStatusCachePath:   getenv("HYDRA_SERVER_STATUS_CACHE", "/var/lib/hydra/server-status.json"),
		LogLevel:                getenv("HYDRA_LOG_LEVEL", "info"),
	}

	cfg.LogJSON = getbool("HYDRA_LOG_JSON", true)
	cfg.MiningEnforcementEnabled = getbool("HYDRA_SECURITY_MINING_ENFORCEMENT_ENABLED", true)

	var err error
	if cfg.AutoApprove.MaxMemoryGB, err = getint("HYDRA_AUTO_APPROVE_MAX_MEMORY_GB", 4); err != nil {
		return nil, err
	}
	if cfg.AutoApprove.MaxCPUs, err = getint("HYDRA_AUTO_APPROVE_MAX_CPUS", 2); err != nil {
		return nil, err
	}
	if cfg.AutoApprove.MaxStorageGB, err = getint("HYDRA_AUTO_APPROVE_MAX_STORAGE_GB", 20); err != nil {
		return nil, err
	}

	statsMS, err := getint("HYDRA_SECURITY_STATS_INTERVAL_MS", 300000)
	if err != nil {
		return nil, err
	}
	cfg.StatsInterval = time.Duration(statsMS) * time.Millisecond

	capBytes, err := getint("HYDRA_LOGS_CAP_BYTES_PER_USER", 100*1024*1024)
	if err != nil {
		return nil, err
	}
	cfg.LogCapBytesPerUser = int64(capBytes)

	migMS, err := getint("HYDRA_MIGRATION_TIMEOUT_MS", 300000)
	if err != nil {
		return nil, err
	}
	cfg.MigrationTimeout = time.Duration(migMS) * time.Millisecond

	sweepMS, err := getint("HYDRA_SWEEP_INTERVAL_MS", int(time.Hour/time.Millisecond))
	if err != nil {
		return nil, err
	}
	cfg.SweepInterval = time.Duration(sweepMS) * time.Millisecond

	cfg.ApprovalRecipients = getlist("HYDRA_APPROVAL_NOTIFICATION_RECIPIENTS")
	cfg.AdminWhitelist = getlist("HYDRA_ADMIN_WHITELIST")
	cfg.FacultyWhitelist = getlist("HYDRA_FACULTY_WHITELIST")
	cfg.AdminGroupPatterns = getlistDefault("HYDRA_ADMIN_GROUP_PATTERNS", []string{"hydra-admins"})
	cfg.FacultyGroupPatterns = getlistDefault("HYDRA_FACULTY_GROUP_PATTERNS", []string{"faculty-", "staff-"})

	if cfg.Backend != BackendDocker && cfg.Backend != BackendCluster {
		return nil, fmt.Errorf("unknown orchestrator backend %q", cfg.Backend)
	}

	return cfg, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getbool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getint(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q", key, v)
	}
	return n, nil
}

func getlist(key string) []string {
	return getlistDefault(key, nil)
}

func getlistDefault(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
