// Package locker provides per-username mutual exclusion for workspace
// operations. Lifecycle changes and migrations for the same student must
// not interleave, while unrelated students proceed in parallel.
package locker
