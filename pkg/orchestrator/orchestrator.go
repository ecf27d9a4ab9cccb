package orchestrator

import (
	"context"
	"time"

	"github.com/hydralab/hydra/pkg/proxycfg"
	"github.com/hydralab/hydra/pkg/types"
)

// WorkloadSpec describes a user's workspace container to a backend.
type WorkloadSpec struct {
	Username   string
	Node       string
	Image      string
	MemoryGB   int
	CPUs       int
	GPUCount   int
	Env        []string
	VolumeName string
	// PublicKey is injected into the workload environment so the image
	// entrypoint can install it for the SSH daemon.
	PublicKey string
}

// WorkloadStatus is a backend-neutral view of a workload.
type WorkloadStatus struct {
	Name         string
	Username     string
	Node         string
	Exists       bool
	Running      bool
	Ready        bool
	Paused       bool
	RestartCount int
	StartedAt    *time.Time
}

// VolumeSpec describes a persistent volume.
type VolumeSpec struct {
	Name         string
	Node         string
	StorageClass string
	SizeGB       int
	Annotations  map[string]string
}

// VolumeInfo is a backend-neutral view of a volume.
type VolumeInfo struct {
	Name         string
	Node         string
	StorageClass string
	Exists       bool
}

// EventType enumerates workload lifecycle events from the backend.
type EventType string

const (
	EventStarted EventType = "started"
	EventStopped EventType = "stopped"
	EventKilled  EventType = "killed"
	EventOOM     EventType = "oom"
	EventExited  EventType = "exited"
)

// Event is one workload lifecycle event.
type Event struct {
	Type      EventType
	Workload  string
	Username  string
	Node      string
	ExitCode  int
	Signal    string
	Timestamp time.Time
}

// Stats is a point-in-time resource usage sample for a workload.
type Stats struct {
	CPUPercent    float64
	MemoryPercent float64
}

// Orchestrator is the single capability set both backends implement.
// Every operation is idempotent on repeat with the same logical key
// (username): creates are get-or-create, deletes tolerate missing
// objects.
type Orchestrator interface {
	// Workloads.
	CreateWorkload(ctx context.Context, spec *WorkloadSpec) error
	GetWorkload(ctx context.Context, username string) (*WorkloadStatus, error)
	DeleteWorkload(ctx context.Context, username string) error
	WaitWorkloadReady(ctx context.Context, username string, timeout time.Duration) error
	WaitWorkloadGone(ctx context.Context, username string, timeout time.Duration) error
	WorkloadLogs(ctx context.Context, username string, tailLines int) ([]string, error)
	ListWorkloads(ctx context.Context) ([]*WorkloadStatus, error)
	PauseWorkload(ctx context.Context, username string) error
	ExecWorkload(ctx context.Context, username string, cmd []string) (string, error)

	// Volumes.
	CreateVolume(ctx context.Context, spec *VolumeSpec) error
	GetVolume(ctx context.Context, node, name string) (*VolumeInfo, error)
	DeleteVolume(ctx context.Context, node, name string) error

	// Credential secrets.
	CreateCredentialSecret(ctx context.Context, username string, data map[string][]byte) error
	GetCredentialSecret(ctx context.Context, username string) (map[string][]byte, error)
	DeleteCredentialSecret(ctx context.Context, username string) error

	// Service endpoints (names to ports).
	CreateEndpoints(ctx context.Context, username, node string, ports map[string]int) error
	DeleteEndpoints(ctx context.Context, username string) error

	// Route rules, always composed with the auth and strip-prefix
	// middlewares.
	ApplyRoutes(ctx context.Context, rs *proxycfg.RouteSet) error
	GetRoutes(ctx context.Context, username string) (*proxycfg.RouteSet, error)
	DeleteRoutes(ctx context.Context, username string) error

	// RunCopyJob copies sourceVolume on sourceNode into targetVolume on
	// targetNode and waits for completion within timeout.
	RunCopyJob(ctx context.Context, username, sourceNode, sourceVolume, targetNode, targetVolume string, timeout time.Duration) error

	// StreamEvents subscribes to workload lifecycle events. The channels
	// close when ctx is done or the backend stream fails; the error
	// channel carries at most one error.
	StreamEvents(ctx context.Context) (<-chan Event, <-chan error)

	// Behavior inspection for the security monitor.
	WorkloadStats(ctx context.Context, username string) (*Stats, error)
	WorkloadProcesses(ctx context.Context, username string) ([]string, error)

	// Nodes.
	NodeHealth(ctx context.Context, node string) (*types.NodeHealth, error)
}
