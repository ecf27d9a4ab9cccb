package types

import (
	"encoding/json"
	"time"
)

// Role classifies an authenticated principal.
type Role string

const (
	RoleStudent Role = "student"
	RoleFaculty Role = "faculty"
	RoleAdmin   Role = "admin"
)

// UserQuota holds a user's auto-approved resource caps and per-node
// approvals. Keyed by username, one-to-one with an identity principal.
type UserQuota struct {
	Username     string `db:"username" json:"username"`
	Email        string `db:"email" json:"email"`
	Role         Role   `db:"role" json:"role"`
	MaxMemoryGB  int    `db:"max_memory_gb" json:"maxMemoryGb"`
	MaxCPUs      int    `db:"max_cpus" json:"maxCpus"`
	MaxStorageGB int    `db:"max_storage_gb" json:"maxStorageGb"`

	// NodeApprovals maps node name to the approval expiry. A nil expiry
	// means the approval does not expire.
	NodeApprovals map[string]*time.Time `db:"-" json:"nodeApprovals"`

	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// ApprovedForNode reports whether the quota carries a live approval for node.
func (q *UserQuota) ApprovedForNode(node string, now time.Time) bool {
	until, ok := q.NodeApprovals[node]
	if !ok {
		return false
	}
	return until == nil || until.After(now)
}

// ContainerConfig is the desired state of a user's workspace container.
// Keyed by username, one-to-one with UserQuota, optional presence.
type ContainerConfig struct {
	Username          string     `db:"username" json:"username"`
	CurrentNode       string     `db:"current_node" json:"currentNode"`
	PresetTier        string     `db:"preset_tier" json:"presetTier"`
	MemoryGB          int        `db:"memory_gb" json:"memoryGb"`
	CPUs              int        `db:"cpus" json:"cpus"`
	StorageGB         int        `db:"storage_gb" json:"storageGb"`
	GPUCount          int        `db:"gpu_count" json:"gpuCount"`
	ResourcesExpireAt *time.Time `db:"resources_expire_at" json:"resourcesExpireAt,omitempty"`
	LastMigrationAt   *time.Time `db:"last_migration_at" json:"lastMigrationAt,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updatedAt"`
}

// RequestType identifies what an approval request asks for.
type RequestType string

const (
	RequestTypeResources        RequestType = "resources"
	RequestTypeNodeAccess       RequestType = "node_access"
	RequestTypeJupyterExecution RequestType = "jupyter_execution"
	RequestTypeGPUAccess        RequestType = "gpu_access"
)

// RequestStatus is the lifecycle state of an approval request.
type RequestStatus string

const (
	RequestStatusPending      RequestStatus = "pending"
	RequestStatusApproved     RequestStatus = "approved"
	RequestStatusDenied       RequestStatus = "denied"
	RequestStatusAutoApproved RequestStatus = "auto_approved"
	RequestStatusExpired      RequestStatus = "expired"
)

// Terminal reports whether the status admits no further transitions.
func (s RequestStatus) Terminal() bool {
	return s != RequestStatusPending
}

// ApprovalRequest records a user's ask for resources or node access.
type ApprovalRequest struct {
	ID          string        `db:"id" json:"id"`
	Username    string        `db:"username" json:"username"`
	TargetNode  string        `db:"target_node" json:"targetNode"`
	MemoryGB    int           `db:"memory_gb" json:"memoryGb"`
	CPUs        int           `db:"cpus" json:"cpus"`
	StorageGB   int           `db:"storage_gb" json:"storageGb"`
	GPUCount    int           `db:"gpu_count" json:"gpuCount"`
	RequestType RequestType   `db:"request_type" json:"requestType"`
	Status      RequestStatus `db:"status" json:"status"`
	Reason      string        `db:"reason" json:"reason"`
	Reviewer    string        `db:"reviewer" json:"reviewer"`
	CreatedAt   time.Time     `db:"created_at" json:"createdAt"`
	DecidedAt   *time.Time    `db:"decided_at" json:"decidedAt,omitempty"`
	ExpiresAt   *time.Time    `db:"expires_at" json:"expiresAt,omitempty"`
}

// ShareAccess is the scope a share link grants.
type ShareAccess string

const (
	ShareAccessReadOnly ShareAccess = "readonly"
	ShareAccessFull     ShareAccess = "full"
)

// ShareLink grants time-limited access to one endpoint of a container.
type ShareLink struct {
	Token         string      `db:"token" json:"token"`
	OwnerUsername string      `db:"owner_username" json:"ownerUsername"`
	ContainerName string      `db:"container_name" json:"containerName"`
	Endpoint      string      `db:"endpoint" json:"endpoint"`
	Access        ShareAccess `db:"access" json:"access"`
	ExpiresAt     time.Time   `db:"expires_at" json:"expiresAt"`
	ViewCount     int64       `db:"view_count" json:"viewCount"`
	LastAccessed  *time.Time  `db:"last_accessed" json:"lastAccessed,omitempty"`
	CreatedAt     time.Time   `db:"created_at" json:"createdAt"`
}

// MigrationStatus is the lifecycle state of a migration record.
type MigrationStatus string

const (
	MigrationInProgress MigrationStatus = "in_progress"
	MigrationCompleted  MigrationStatus = "completed"
	MigrationFailed     MigrationStatus = "failed"
)

// Migration steps, ordinal 0..10; -1 marks failure.
const (
	StepInitiated             = 0
	StepStopping              = 1
	StepStopped               = 2
	StepCreatingTargetStorage = 3
	StepStorageReady          = 4
	StepCopyingData           = 5
	StepDataCopied            = 6
	StepCreatingPod           = 7
	StepPodReady              = 8
	StepUpdatingRoutes        = 9
	StepCompleted             = 10
	StepFailed                = -1
)

// StepLabel returns the human label for a migration step ordinal.
func StepLabel(step int) string {
	switch step {
	case StepInitiated:
		return "INITIATED"
	case StepStopping:
		return "STOPPING"
	case StepStopped:
		return "STOPPED"
	case StepCreatingTargetStorage:
		return "CREATING_TARGET_STORAGE"
	case StepStorageReady:
		return "STORAGE_READY"
	case StepCopyingData:
		return "COPYING_DATA"
	case StepDataCopied:
		return "DATA_COPIED"
	case StepCreatingPod:
		return "CREATING_POD"
	case StepPodReady:
		return "POD_READY"
	case StepUpdatingRoutes:
		return "UPDATING_ROUTES"
	case StepCompleted:
		return "COMPLETED"
	case StepFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// MigrationStepEntry is one line of a migration's step log.
type MigrationStepEntry struct {
	Step      int       `json:"step"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// MigrationRecord tracks a cross-node move of a user's workload.
// At most one in_progress record exists per user.
type MigrationRecord struct {
	ID           string               `db:"id" json:"id"`
	Username     string               `db:"username" json:"username"`
	FromNode     string               `db:"from_node" json:"fromNode"`
	ToNode       string               `db:"to_node" json:"toNode"`
	CurrentStep  int                  `db:"current_step" json:"currentStep"`
	Status       MigrationStatus      `db:"status" json:"status"`
	StartedAt    time.Time            `db:"started_at" json:"startedAt"`
	CompletedAt  *time.Time           `db:"completed_at" json:"completedAt,omitempty"`
	ErrorMessage string               `db:"error_message" json:"errorMessage,omitempty"`
	StepLog      []MigrationStepEntry `db:"-" json:"stepLog"`
}

// ActivityCategory groups activity log entries.
type ActivityCategory string

const (
	ActivityContainer ActivityCategory = "container"
	ActivityService   ActivityCategory = "service"
	ActivityRoute     ActivityCategory = "route"
	ActivityAuth      ActivityCategory = "auth"
	ActivityResource  ActivityCategory = "resource"
	ActivityAccount   ActivityCategory = "account"
	ActivitySystem    ActivityCategory = "system"
	ActivityError     ActivityCategory = "error"
)

// ActivityEntry is one append-only activity log row.
type ActivityEntry struct {
	ID         int64            `db:"id" json:"id"`
	Username   string           `db:"username" json:"username"`
	Timestamp  time.Time        `db:"timestamp" json:"timestamp"`
	Category   ActivityCategory `db:"category" json:"category"`
	Action     string           `db:"action" json:"action"`
	Target     string           `db:"target" json:"target"`
	Success    bool             `db:"success" json:"success"`
	DurationMS int64            `db:"duration_ms" json:"durationMs"`
	Details    json.RawMessage  `db:"details" json:"details,omitempty"`
	IPAddress  string           `db:"ip_address" json:"ipAddress,omitempty"`
	UserAgent  string           `db:"user_agent" json:"userAgent,omitempty"`
	SessionID  string           `db:"session_id" json:"sessionId,omitempty"`
	RequestID  string           `db:"request_id" json:"requestId,omitempty"`
}

// EstimatedSize approximates the storage footprint of the entry in bytes.
// Field lengths plus a fixed per-row overhead.
func (e *ActivityEntry) EstimatedSize() int64 {
	n := len(e.Username) + len(e.Category) + len(e.Action) + len(e.Target) +
		len(e.Details) + len(e.IPAddress) + len(e.UserAgent) +
		len(e.SessionID) + len(e.RequestID)
	return int64(n) + 256
}

// Severity grades a security event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// SecurityAction records what the monitor did about an event.
type SecurityAction string

const (
	ActionLogged          SecurityAction = "logged"
	ActionAlerted         SecurityAction = "alerted"
	ActionContainerPaused SecurityAction = "container_paused"
	ActionPauseFailed     SecurityAction = "pause_failed"
)

// SecurityEvent is a recorded observation from the security monitor.
type SecurityEvent struct {
	ID            int64           `db:"id" json:"id"`
	Timestamp     time.Time       `db:"timestamp" json:"timestamp"`
	Username      string          `db:"username" json:"username"`
	ContainerName string          `db:"container_name" json:"containerName"`
	EventType     string          `db:"event_type" json:"eventType"`
	Severity      Severity        `db:"severity" json:"severity"`
	Description   string          `db:"description" json:"description"`
	Metrics       json.RawMessage `db:"metrics" json:"metrics,omitempty"`
	ActionTaken   SecurityAction  `db:"action_taken" json:"actionTaken"`
}

// Preset is a named resource bundle from the catalog.
type Preset struct {
	Tier         string   `yaml:"tier" json:"tier"`
	MemoryGB     int      `yaml:"memoryGb" json:"memoryGb"`
	CPUs         int      `yaml:"cpus" json:"cpus"`
	StorageGB    int      `yaml:"storageGb" json:"storageGb"`
	GPUCount     int      `yaml:"gpuCount" json:"gpuCount"`
	AutoApprove  bool     `yaml:"autoApprove" json:"autoApprove"`
	AllowedNodes []string `yaml:"allowedNodes" json:"allowedNodes"`
}

// NodeRole classifies a node in the fleet.
type NodeRole string

const (
	NodeRoleControlPlane NodeRole = "control-plane"
	NodeRoleInference    NodeRole = "inference"
	NodeRoleTraining     NodeRole = "training"
)

// NodeDescriptor describes a node the control plane can place workloads on.
type NodeDescriptor struct {
	Name         string   `yaml:"name" json:"name"`
	Address      string   `yaml:"address" json:"address"`
	Role         NodeRole `yaml:"role" json:"role"`
	GPUEnabled   bool     `yaml:"gpuEnabled" json:"gpuEnabled"`
	StorageClass string   `yaml:"storageClass" json:"storageClass"`
}

// NodeHealth is a point-in-time view of a node's condition.
type NodeHealth struct {
	Name         string            `json:"name"`
	Reachable    bool              `json:"reachable"`
	Ready        bool              `json:"ready"`
	GPUAvailable bool              `json:"gpuAvailable"`
	Labels       map[string]string `json:"labels"`
	Error        string            `json:"error,omitempty"`
}
