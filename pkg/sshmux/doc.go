// Package sshmux writes the per-user configuration consumed by the
// external SSH multiplexer: a one-line upstream record plus the user's
// key pair. The multiplexer routes incoming student connections by
// reading <root>/student-<username>/upstream.
package sshmux
