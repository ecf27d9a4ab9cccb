// Package dockerhost implements the orchestrator contract against plain
// container engines, one per node, over the engine API. Storage classes
// are shared mounts bound into local volumes, SSH is published at the
// user's forward port, and HTTP routes are written as proxy
// file-provider documents pointing at workload bridge addresses.
package dockerhost
