// Package orchestratortest provides an in-memory Orchestrator for tests.
package orchestratortest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hydralab/hydra/pkg/apperr"
	"github.com/hydralab/hydra/pkg/orchestrator"
	"github.com/hydralab/hydra/pkg/proxycfg"
	"github.com/hydralab/hydra/pkg/types"
)

// CopyJob records one RunCopyJob invocation.
type CopyJob struct {
	Username     string
	SourceNode   string
	SourceVolume string
	TargetNode   string
	TargetVolume string
}

// Fake is an in-memory Orchestrator. All state is exported so tests can
// seed and inspect it. Inject failures per operation name via Fail.
type Fake struct {
	mu sync.Mutex

	Workloads map[string]*orchestrator.WorkloadStatus
	Volumes   map[string]*orchestrator.VolumeInfo
	Secrets   map[string]map[string][]byte
	Endpoints map[string]map[string]int
	Routes    map[string]*proxycfg.RouteSet
	Stats     map[string]*orchestrator.Stats
	Processes map[string][]string
	Logs      map[string][]string
	Health    map[string]*types.NodeHealth

	CopyJobs []CopyJob
	Paused   map[string]bool

	ExecOutput string

	// Fail maps an operation name (CreateWorkload, RunCopyJob, ...) to
	// the error its next calls return.
	Fail map[string]error

	events chan orchestrator.Event
}

// New returns an empty fake.
func New() *Fake {
	return &Fake{
		Workloads: make(map[string]*orchestrator.WorkloadStatus),
		Volumes:   make(map[string]*orchestrator.VolumeInfo),
		Secrets:   make(map[string]map[string][]byte),
		Endpoints: make(map[string]map[string]int),
		Routes:    make(map[string]*proxycfg.RouteSet),
		Stats:     make(map[string]*orchestrator.Stats),
		Processes: make(map[string][]string),
		Logs:      make(map[string][]string),
		Health:    make(map[string]*types.NodeHealth),
		Paused:    make(map[string]bool),
		Fail:      make(map[string]error),
		events:    make(chan orchestrator.Event, 32),
	}
}

func (f *Fake) failure(op string) error {
	if err, ok := f.Fail[op]; ok {
		return err
	}
	return nil
}

func volumeKey(node, name string) string { return node + "/" + name }

func (f *Fake) CreateWorkload(ctx context.Context, spec *orchestrator.WorkloadSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("CreateWorkload"); err != nil {
		return err
	}
	now := time.Now().UTC()
	f.Workloads[spec.Username] = &orchestrator.WorkloadStatus{
		Name:      orchestrator.WorkloadName(spec.Username),
		Username:  spec.Username,
		Node:      spec.Node,
		Exists:    true,
		Running:   true,
		Ready:     true,
		StartedAt: &now,
	}
	return nil
}

func (f *Fake) GetWorkload(ctx context.Context, username string) (*orchestrator.WorkloadStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("GetWorkload"); err != nil {
		return nil, err
	}
	if wl, ok := f.Workloads[username]; ok {
		cp := *wl
		return &cp, nil
	}
	return &orchestrator.WorkloadStatus{
		Name:     orchestrator.WorkloadName(username),
		Username: username,
	}, nil
}

func (f *Fake) DeleteWorkload(ctx context.Context, username string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("DeleteWorkload"); err != nil {
		return err
	}
	delete(f.Workloads, username)
	delete(f.Paused, username)
	return nil
}

func (f *Fake) WaitWorkloadReady(ctx context.Context, username string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("WaitWorkloadReady"); err != nil {
		return err
	}
	wl, ok := f.Workloads[username]
	if !ok {
		return apperr.Operation("workload_wait", "workload never appeared", nil)
	}
	wl.Ready = true
	return nil
}

func (f *Fake) WaitWorkloadGone(ctx context.Context, username string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("WaitWorkloadGone"); err != nil {
		return err
	}
	if _, ok := f.Workloads[username]; ok {
		return apperr.Operation("workload_wait", "workload still present", nil)
	}
	return nil
}

func (f *Fake) WorkloadLogs(ctx context.Context, username string, tailLines int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("WorkloadLogs"); err != nil {
		return nil, err
	}
	lines := f.Logs[username]
	if tailLines > 0 && len(lines) > tailLines {
		lines = lines[len(lines)-tailLines:]
	}
	return lines, nil
}

func (f *Fake) ListWorkloads(ctx context.Context) ([]*orchestrator.WorkloadStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("ListWorkloads"); err != nil {
		return nil, err
	}
	out := make([]*orchestrator.WorkloadStatus, 0, len(f.Workloads))
	for _, wl := range f.Workloads {
		cp := *wl
		out = append(out, &cp)
	}
	return out, nil
}

func (f *Fake) PauseWorkload(ctx context.Context, username string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("PauseWorkload"); err != nil {
		return err
	}
	if _, ok := f.Workloads[username]; !ok {
		return apperr.Operation("workload_pause", fmt.Sprintf("no workload for %s", username), nil)
	}
	f.Paused[username] = true
	return nil
}

func (f *Fake) ExecWorkload(ctx context.Context, username string, cmd []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("ExecWorkload"); err != nil {
		return "", err
	}
	if _, ok := f.Workloads[username]; !ok {
		return "", apperr.Operation("workload_exec", "exec in absent workload", nil)
	}
	return f.ExecOutput, nil
}

func (f *Fake) CreateVolume(ctx context.Context, spec *orchestrator.VolumeSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("CreateVolume"); err != nil {
		return err
	}
	f.Volumes[volumeKey(spec.Node, spec.Name)] = &orchestrator.VolumeInfo{
		Name:         spec.Name,
		Node:         spec.Node,
		StorageClass: spec.StorageClass,
		Exists:       true,
	}
	return nil
}

func (f *Fake) GetVolume(ctx context.Context, node, name string) (*orchestrator.VolumeInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("GetVolume"); err != nil {
		return nil, err
	}
	if v, ok := f.Volumes[volumeKey(node, name)]; ok {
		cp := *v
		return &cp, nil
	}
	return &orchestrator.VolumeInfo{Name: name, Node: node}, nil
}

func (f *Fake) DeleteVolume(ctx context.Context, node, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("DeleteVolume"); err != nil {
		return err
	}
	delete(f.Volumes, volumeKey(node, name))
	return nil
}

func (f *Fake) CreateCredentialSecret(ctx context.Context, username string, data map[string][]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("CreateCredentialSecret"); err != nil {
		return err
	}
	cp := make(map[string][]byte, len(data))
	for k, v := range data {
		cp[k] = append([]byte(nil), v...)
	}
	f.Secrets[username] = cp
	return nil
}

func (f *Fake) GetCredentialSecret(ctx context.Context, username string) (map[string][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("GetCredentialSecret"); err != nil {
		return nil, err
	}
	data, ok := f.Secrets[username]
	if !ok {
		return nil, apperr.Precondition("secret_not_found", "no credential secret for %s", username)
	}
	return data, nil
}

func (f *Fake) DeleteCredentialSecret(ctx context.Context, username string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("DeleteCredentialSecret"); err != nil {
		return err
	}
	delete(f.Secrets, username)
	return nil
}

func (f *Fake) CreateEndpoints(ctx context.Context, username, node string, ports map[string]int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("CreateEndpoints"); err != nil {
		return err
	}
	cp := make(map[string]int, len(ports))
	for k, v := range ports {
		cp[k] = v
	}
	f.Endpoints[username] = cp
	return nil
}

func (f *Fake) DeleteEndpoints(ctx context.Context, username string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("DeleteEndpoints"); err != nil {
		return err
	}
	delete(f.Endpoints, username)
	return nil
}

func (f *Fake) ApplyRoutes(ctx context.Context, rs *proxycfg.RouteSet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("ApplyRoutes"); err != nil {
		return err
	}
	f.Routes[rs.Username] = rs
	return nil
}

func (f *Fake) GetRoutes(ctx context.Context, username string) (*proxycfg.RouteSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("GetRoutes"); err != nil {
		return nil, err
	}
	return f.Routes[username], nil
}

func (f *Fake) DeleteRoutes(ctx context.Context, username string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("DeleteRoutes"); err != nil {
		return err
	}
	delete(f.Routes, username)
	return nil
}

func (f *Fake) RunCopyJob(ctx context.Context, username, sourceNode, sourceVolume, targetNode, targetVolume string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("RunCopyJob"); err != nil {
		return err
	}
	f.CopyJobs = append(f.CopyJobs, CopyJob{
		Username:     username,
		SourceNode:   sourceNode,
		SourceVolume: sourceVolume,
		TargetNode:   targetNode,
		TargetVolume: targetVolume,
	})
	return nil
}

func (f *Fake) StreamEvents(ctx context.Context) (<-chan orchestrator.Event, <-chan error) {
	errCh := make(chan error, 1)
	out := make(chan orchestrator.Event)
	go func() {
		defer close(out)
		defer close(errCh)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-f.events:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, errCh
}

// Emit feeds one event to StreamEvents consumers.
func (f *Fake) Emit(ev orchestrator.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	f.events <- ev
}

func (f *Fake) WorkloadStats(ctx context.Context, username string) (*orchestrator.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("WorkloadStats"); err != nil {
		return nil, err
	}
	if s, ok := f.Stats[username]; ok {
		cp := *s
		return &cp, nil
	}
	return &orchestrator.Stats{}, nil
}

func (f *Fake) WorkloadProcesses(ctx context.Context, username string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("WorkloadProcesses"); err != nil {
		return nil, err
	}
	return f.Processes[username], nil
}

func (f *Fake) NodeHealth(ctx context.Context, node string) (*types.NodeHealth, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failure("NodeHealth"); err != nil {
		return nil, err
	}
	if h, ok := f.Health[node]; ok {
		cp := *h
		return &cp, nil
	}
	return &types.NodeHealth{Name: node, Reachable: true, Ready: true}, nil
}

var _ orchestrator.Orchestrator = (*Fake)(nil)
