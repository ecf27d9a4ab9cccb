package proxycfg

import (
	"fmt"
	"sort"
)

const (
	// EndpointEditor and EndpointNotebook are the two default routes
	// every workspace container registers. They are reserved: users
	// cannot add or remove them directly.
	EndpointEditor   = "vscode"
	EndpointNotebook = "jupyter"

	// PortEditor and PortNotebook are the in-container ports the
	// default endpoints bind.
	PortEditor   = 8080
	PortNotebook = 8888

	// AuthMiddlewareName is the shared forward-auth middleware checked
	// on every student route.
	AuthMiddlewareName = "hydra-auth"
)

// Route is one HTTP endpoint exposed through the reverse proxy.
type Route struct {
	Endpoint string
	Port     int
	// StripPrefix removes the /students/<u>/<endpoint> prefix before
	// proxying. The notebook app requires the original path, so its
	// route keeps the prefix.
	StripPrefix bool
}

// RouteSet is a user's complete routing state: the default endpoints plus
// any user-registered extras, all pointing at the workload's service.
type RouteSet struct {
	Username string
	// ServiceHost is the backend host the proxy dials: the per-user
	// service name (cluster) or the node address (host backend).
	ServiceHost string
	Routes      []Route
}

// DefaultRoutes returns the editor and notebook routes.
func DefaultRoutes() []Route {
	return []Route{
		{Endpoint: EndpointEditor, Port: PortEditor, StripPrefix: true},
		{Endpoint: EndpointNotebook, Port: PortNotebook, StripPrefix: false},
	}
}

// NewRouteSet builds a route set from the defaults plus extra endpoints.
// Extra endpoints always strip their prefix.
func NewRouteSet(username, serviceHost string, extras map[string]int) *RouteSet {
	rs := &RouteSet{
		Username:    username,
		ServiceHost: serviceHost,
		Routes:      DefaultRoutes(),
	}
	names := make([]string, 0, len(extras))
	for name := range extras {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		rs.Routes = append(rs.Routes, Route{Endpoint: name, Port: extras[name], StripPrefix: true})
	}
	return rs
}

// PathPrefix returns the external path prefix for one endpoint.
func (rs *RouteSet) PathPrefix(endpoint string) string {
	return fmt.Sprintf("/students/%s/%s", rs.Username, endpoint)
}

// RouterName returns the proxy router/service name for one endpoint.
func (rs *RouteSet) RouterName(endpoint string) string {
	return fmt.Sprintf("student-%s-%s", rs.Username, endpoint)
}

// HasEndpoint reports whether the set contains endpoint.
func (rs *RouteSet) HasEndpoint(endpoint string) bool {
	for _, r := range rs.Routes {
		if r.Endpoint == endpoint {
			return true
		}
	}
	return false
}

// ExtraEndpoints returns the non-default endpoints as a name→port map.
func (rs *RouteSet) ExtraEndpoints() map[string]int {
	extras := make(map[string]int)
	for _, r := range rs.Routes {
		if r.Endpoint == EndpointEditor || r.Endpoint == EndpointNotebook {
			continue
		}
		extras[r.Endpoint] = r.Port
	}
	return extras
}
