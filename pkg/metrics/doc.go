// Package metrics defines and registers the Prometheus metrics exposed
// on /metrics: workspace counts and operation latency, migration
// outcomes, approval decisions, security events and API traffic.
package metrics
