// Package migration moves a user's workspace between nodes through a
// persisted step machine: stop, stage storage, copy data when the
// storage classes differ, recreate the workload, update routing. Every
// transition lands in the record's step log and on the event bus.
package migration
