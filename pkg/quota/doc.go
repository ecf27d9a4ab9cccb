// Package quota implements the approval workflow for workspace
// resources: synchronous auto-approval inside configured thresholds,
// pending requests with a reviewer decision surface, and the periodic
// sweep that resets expired grants back to the default preset.
package quota
