// Package auth turns identity-middleware headers into a principal with
// a derived role and answers the proxy's forward-auth callback.
package auth
