// Package monitor watches student workloads for abuse: it consumes the
// orchestrator event stream (OOM kills, abnormal exits) and runs a
// periodic scan of process tables and resource usage, recording
// security events and optionally pausing offenders.
package monitor
