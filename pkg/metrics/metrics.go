package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Workspace metrics
	WorkspacesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hydra_workspaces_total",
			Help: "Total number of workspaces by node",
		},
		[]string{"node"},
	)

	WorkspaceOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hydra_workspace_operations_total",
			Help: "Total number of workspace operations by action and outcome",
		},
		[]string{"action", "outcome"},
	)

	WorkspaceOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hydra_workspace_operation_duration_seconds",
			Help:    "Workspace operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	// Migration metrics
	MigrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hydra_migrations_total",
			Help: "Total number of migrations by outcome",
		},
		[]string{"outcome"},
	)

	MigrationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hydra_migration_duration_seconds",
			Help:    "End-to-end migration duration in seconds",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600},
		},
	)

	// Approval metrics
	ApprovalRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hydra_approval_requests_total",
			Help: "Total number of approval requests by status",
		},
		[]string{"status"},
	)

	// Security metrics
	SecurityEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hydra_security_events_total",
			Help: "Total number of security events by type and severity",
		},
		[]string{"event_type", "severity"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hydra_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hydra_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path"},
	)

	// Event bus metrics
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hydra_events_published_total",
			Help: "Total number of bus events published by type",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(WorkspacesTotal)
	prometheus.MustRegister(WorkspaceOperationsTotal)
	prometheus.MustRegister(WorkspaceOperationDuration)
	prometheus.MustRegister(MigrationsTotal)
	prometheus.MustRegister(MigrationDuration)
	prometheus.MustRegister(ApprovalRequestsTotal)
	prometheus.MustRegister(SecurityEventsTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(EventsPublished)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
