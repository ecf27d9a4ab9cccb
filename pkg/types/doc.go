// Package types defines the Hydra domain model: user quotas, container
// configs, approval requests, share links, migration records, activity log
// entries, security events and the resource catalog shapes.
package types
