// Package log provides structured logging for Hydra components built on
// zerolog. Components obtain child loggers via WithComponent and attach
// request-scoped fields (username, node, migration id) as needed.
package log
