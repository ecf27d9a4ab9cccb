// Package apperr defines Hydra's error taxonomy: input, precondition,
// transient and operation errors. Transient errors are retried by the
// orchestrator layer; the other kinds surface to clients with a stable
// short code.
package apperr
