// Package keys generates per-user Ed25519 SSH key pairs, one-time
// credentials and share tokens from the system entropy source.
package keys
