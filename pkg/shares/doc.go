// Package shares issues time-limited tokens that grant access to one
// endpoint of a user's workspace, validated by the auth-verify callback.
package shares
