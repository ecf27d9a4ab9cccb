package container

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/hydralab/hydra/pkg/apperr"
	"github.com/hydralab/hydra/pkg/catalog"
	"github.com/hydralab/hydra/pkg/config"
	"github.com/hydralab/hydra/pkg/events"
	"github.com/hydralab/hydra/pkg/locker"
	"github.com/hydralab/hydra/pkg/metrics"
	"github.com/hydralab/hydra/pkg/orchestrator"
	"github.com/hydralab/hydra/pkg/proxycfg"
	"github.com/hydralab/hydra/pkg/sshmux"
	"github.com/hydralab/hydra/pkg/store"
	"github.com/hydralab/hydra/pkg/types"
)

// Secret data keys for the per-user credential secret.
const (
	secretKeyPrivate    = "id_ed25519"
	secretKeyPublic     = "id_ed25519.pub"
	secretKeyCredential = "credential"
)

// Migrator hands a cross-node move off to the migration engine.
type Migrator interface {
	Start(ctx context.Context, username, targetNode string, newPreset *types.Preset) (*types.MigrationRecord, error)
}

// ActivityRecorder accepts activity entries. Recording must never fail
// a container operation; implementations swallow and log errors.
type ActivityRecorder interface {
	Record(ctx context.Context, entry *types.ActivityEntry)
}

// Service implements the container business rules on top of the
// orchestrator: lifecycle, key material, default routes, per-user
// serialization.
type Service struct {
	store    *store.Store
	catalog  *catalog.Catalog
	orch     orchestrator.Orchestrator
	locks    *locker.UserLocks
	mux      *sshmux.Writer
	bus      *events.Broker
	activity ActivityRecorder
	cfg      *config.Config

	migrator Migrator
}

// New wires the service. The migrator is attached afterwards with
// SetMigrator because the migration engine needs the service as its
// deployer.
func New(st *store.Store, cat *catalog.Catalog, orch orchestrator.Orchestrator, locks *locker.UserLocks, mux *sshmux.Writer, bus *events.Broker, activity ActivityRecorder, cfg *config.Config) *Service {
	return &Service{
		store:    st,
		catalog:  cat,
		orch:     orch,
		locks:    locks,
		mux:      mux,
		bus:      bus,
		activity: activity,
		cfg:      cfg,
	}
}

// SetMigrator attaches the migration engine.
func (s *Service) SetMigrator(m Migrator) { s.migrator = m }

var usernamePattern = regexp.MustCompile(`^[a-z][a-z0-9._-]{1,31}$`)

// ValidateUsername rejects names that cannot become object and file
// names.
func ValidateUsername(username string) error {
	if !usernamePattern.MatchString(username) {
		return apperr.Input("invalid_username", "invalid username %q", username)
	}
	return nil
}

// image picks the workspace image for a config.
func (s *Service) image(cfg *types.ContainerConfig) string {
	if cfg.GPUCount > 0 {
		return s.cfg.WorkspaceGPUImage
	}
	return s.cfg.WorkspaceImage
}

// sshUpstream returns the address the SSH multiplexer should dial for a
// user's workload: the workload hostname for a control-plane home, the
// node's forwarded port for remote nodes, the endpoint service on the
// cluster backend.
func (s *Service) sshUpstream(username, node string) (string, int) {
	if s.cfg.Backend == config.BackendCluster {
		return orchestrator.ServiceName(username) + "." + s.cfg.StudentNamespace, 22
	}
	if node == catalog.ControlPlaneNode {
		return orchestrator.WorkloadName(username), 22
	}
	return node, sshmux.ForwardPort(username)
}

// AccessURLs returns the user-facing endpoint URLs.
func (s *Service) AccessURLs(username string, extras map[string]int) map[string]string {
	rs := proxycfg.NewRouteSet(username, "", extras)
	urls := make(map[string]string, len(rs.Routes))
	for _, r := range rs.Routes {
		urls[r.Endpoint] = s.cfg.PublicBaseURL + rs.PathPrefix(r.Endpoint)
	}
	return urls
}

// endpointPorts is the full name→port map for the user's service.
func endpointPorts(extras map[string]int) map[string]int {
	ports := map[string]int{
		"ssh":                     22,
		proxycfg.EndpointEditor:   proxycfg.PortEditor,
		proxycfg.EndpointNotebook: proxycfg.PortNotebook,
	}
	for name, port := range extras {
		ports[name] = port
	}
	return ports
}

// retry wraps an orchestrator call with the transient-retry policy and
// converts an exhausted retry budget into an operation error.
func (s *Service) retry(ctx context.Context, op string, fn func() error) error {
	return apperr.AsOperation(orchestrator.WithRetry(ctx, op, fn))
}

func (s *Service) publish(username string, typ events.EventType, msg string, data map[string]string) {
	s.bus.Publish(&events.Event{
		Type:     typ,
		Username: username,
		Message:  msg,
		Data:     data,
	})
}

func (s *Service) record(ctx context.Context, username string, category types.ActivityCategory, action, target string, success bool, started time.Time) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	metrics.WorkspaceOperationsTotal.WithLabelValues(action, outcome).Inc()
	metrics.WorkspaceOperationDuration.WithLabelValues(action).Observe(time.Since(started).Seconds())

	if s.activity == nil {
		return
	}
	s.activity.Record(ctx, &types.ActivityEntry{
		Username:   username,
		Timestamp:  time.Now().UTC(),
		Category:   category,
		Action:     action,
		Target:     target,
		Success:    success,
		DurationMS: time.Since(started).Milliseconds(),
	})
}

// refreshWorkspaceGauge recounts stored configs per node. Called after
// operations that create or remove a workspace.
func (s *Service) refreshWorkspaceGauge() {
	configs, err := s.store.ListContainerConfigs()
	if err != nil {
		return
	}
	counts := make(map[string]int)
	for _, cfg := range configs {
		counts[cfg.CurrentNode]++
	}
	for _, node := range s.catalog.Nodes() {
		metrics.WorkspacesTotal.WithLabelValues(node.Name).Set(float64(counts[node.Name]))
	}
}

// volumeFor returns the home volume name for a config's current
// placement.
func (s *Service) volumeFor(cfg *types.ContainerConfig) (string, error) {
	class, ok := s.catalog.StorageClassFor(cfg.CurrentNode)
	if !ok {
		return "", apperr.Input("unknown_node", "unknown node %s", cfg.CurrentNode)
	}
	return orchestrator.VolumeName(cfg.Username, class), nil
}

func (s *Service) loadKeyPair(ctx context.Context, username string) (private, public string, err error) {
	data, err := s.orch.GetCredentialSecret(ctx, username)
	if err != nil {
		return "", "", err
	}
	if len(data[secretKeyPrivate]) == 0 || len(data[secretKeyPublic]) == 0 {
		return "", "", apperr.Precondition("credentials_incomplete", "credential secret for %s lacks key material", username)
	}
	return string(data[secretKeyPrivate]), string(data[secretKeyPublic]), nil
}

func workloadEnv(cfg *types.ContainerConfig) []string {
	return []string{
		fmt.Sprintf("HYDRA_MEMORY_GB=%d", cfg.MemoryGB),
		fmt.Sprintf("HYDRA_CPUS=%d", cfg.CPUs),
		fmt.Sprintf("HYDRA_GPU_COUNT=%d", cfg.GPUCount),
	}
}
