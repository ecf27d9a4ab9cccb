// Package cluster implements the orchestrator contract on a scheduler
// API: workspaces are pods pinned to their node, home directories are
// claims on the node's storage class, credentials are secrets, named
// endpoints are services, and routes are proxy custom resources guarded
// by a shared forward-auth middleware.
package cluster
