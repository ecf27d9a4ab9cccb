package container

import (
	"context"
	"regexp"
	"time"

	"github.com/hydralab/hydra/pkg/apperr"
	"github.com/hydralab/hydra/pkg/events"
	"github.com/hydralab/hydra/pkg/proxycfg"
	"github.com/hydralab/hydra/pkg/types"
)

var endpointPattern = regexp.MustCompile(`^[a-z][a-z0-9-]{0,31}$`)

// reservedPorts cannot be claimed by user routes: the SSH port and the
// default endpoint ports.
var reservedPorts = map[int]bool{
	22:                    true,
	proxycfg.PortEditor:   true,
	proxycfg.PortNotebook: true,
}

func validateRoute(endpoint string, port int) error {
	if !endpointPattern.MatchString(endpoint) {
		return apperr.Input("invalid_endpoint", "invalid endpoint name %q", endpoint)
	}
	if endpoint == proxycfg.EndpointEditor || endpoint == proxycfg.EndpointNotebook {
		return apperr.Input("reserved_endpoint", "endpoint %s is reserved", endpoint)
	}
	if port < 1024 || port > 65535 || reservedPorts[port] {
		return apperr.Input("reserved_port", "port %d is not allowed", port)
	}
	return nil
}

// AddRoute registers an extra HTTP endpoint for the user's workload and
// rewrites the route document and endpoint service.
func (s *Service) AddRoute(ctx context.Context, username, endpoint string, port int) error {
	if err := validateRoute(endpoint, port); err != nil {
		return err
	}
	started := time.Now()
	err := s.locks.WithLock(username, func() error {
		rs, err := s.orch.GetRoutes(ctx, username)
		if err != nil {
			return err
		}
		if rs == nil {
			return apperr.Precondition("routes_not_applied", "no routes applied for %s", username)
		}
		if rs.HasEndpoint(endpoint) {
			return apperr.Input("duplicate_endpoint", "endpoint %s already registered", endpoint)
		}
		extras := rs.ExtraEndpoints()
		extras[endpoint] = port
		return s.applyExtras(ctx, username, rs.ServiceHost, extras)
	})
	s.record(ctx, username, types.ActivityRoute, "add_route", endpoint, err == nil, started)
	if err == nil {
		s.publish(username, events.EventContainer, "route added", map[string]string{"endpoint": endpoint})
	}
	return err
}

// RemoveRoute drops an extra endpoint. The default endpoints are
// refused.
func (s *Service) RemoveRoute(ctx context.Context, username, endpoint string) error {
	if endpoint == proxycfg.EndpointEditor || endpoint == proxycfg.EndpointNotebook {
		return apperr.Input("reserved_endpoint", "endpoint %s is reserved", endpoint)
	}
	started := time.Now()
	err := s.locks.WithLock(username, func() error {
		rs, err := s.orch.GetRoutes(ctx, username)
		if err != nil {
			return err
		}
		if rs == nil || !rs.HasEndpoint(endpoint) {
			return apperr.Input("unknown_endpoint", "endpoint %s is not registered", endpoint)
		}
		extras := rs.ExtraEndpoints()
		delete(extras, endpoint)
		return s.applyExtras(ctx, username, rs.ServiceHost, extras)
	})
	s.record(ctx, username, types.ActivityRoute, "remove_route", endpoint, err == nil, started)
	if err == nil {
		s.publish(username, events.EventContainer, "route removed", map[string]string{"endpoint": endpoint})
	}
	return err
}

func (s *Service) applyExtras(ctx context.Context, username, serviceHost string, extras map[string]int) error {
	cfg, err := s.store.GetContainerConfig(username)
	if err != nil {
		return err
	}
	if err := s.retry(ctx, "endpoints_update", func() error {
		return s.orch.CreateEndpoints(ctx, username, cfg.CurrentNode, endpointPorts(extras))
	}); err != nil {
		return err
	}
	return s.retry(ctx, "routes_apply", func() error {
		return s.orch.ApplyRoutes(ctx, proxycfg.NewRouteSet(username, serviceHost, extras))
	})
}

// ListRoutes returns the applied route set, which may be nil.
func (s *Service) ListRoutes(ctx context.Context, username string) (*proxycfg.RouteSet, error) {
	return s.orch.GetRoutes(ctx, username)
}

var servicePattern = regexp.MustCompile(`^[a-z][a-z0-9-]{0,31}$`)

// ControlService drives the workload's process supervisor for one of
// the in-container services. Workloads without a supervisor yield a
// precondition error.
func (s *Service) ControlService(ctx context.Context, username, service, action string) (string, error) {
	if !servicePattern.MatchString(service) {
		return "", apperr.Input("invalid_service", "invalid service name %q", service)
	}
	if action != "start" && action != "stop" && action != "restart" {
		return "", apperr.Input("invalid_action", "invalid service action %q", action)
	}
	started := time.Now()
	out, err := s.orch.ExecWorkload(ctx, username, []string{"supervisorctl", action, service})
	s.record(ctx, username, types.ActivityService, action, service, err == nil, started)
	if err != nil {
		if apperr.CodeOf(err) == "workload_exec" {
			return "", apperr.Precondition("supervisor_unavailable", "workload has no process supervisor")
		}
		return "", err
	}
	return out, nil
}

// WorkloadLogs tails the workload's output.
func (s *Service) WorkloadLogs(ctx context.Context, username string, tailLines int) ([]string, error) {
	if tailLines <= 0 || tailLines > 1000 {
		tailLines = 200
	}
	return s.orch.WorkloadLogs(ctx, username, tailLines)
}
