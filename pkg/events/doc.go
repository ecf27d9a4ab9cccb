// Package events implements the in-process pub-sub bus connecting the
// migration engine, security monitor and activity log to dashboard SSE
// streams. Slow subscribers drop events rather than block publishers.
package events
