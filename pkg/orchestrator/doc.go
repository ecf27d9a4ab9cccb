// Package orchestrator defines the backend-neutral contract the control
// plane programs workloads through. Two implementations exist: dockerhost
// drives per-node container engines directly, cluster drives a scheduler
// API. Higher layers never import a backend package; they hold the
// Orchestrator interface and let the process entrypoint pick the
// implementation.
package orchestrator
