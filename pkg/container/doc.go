// Package container holds the business rules of workspace lifecycle on
// top of the orchestrator: init with key and credential generation,
// start/stop/destroy/wipe with data preservation, route registration,
// and the hooks the migration engine and quota sweep drive. Mutating
// operations on one username are serialized by a per-user lock.
package container
