// Package activity is the bounded per-user audit log: appends with
// size accounting, archival of the oldest entries past the threshold,
// a yearly rollover job, and publication on the event bus for the live
// log streams.
package activity
