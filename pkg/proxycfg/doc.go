// Package proxycfg models per-user reverse-proxy route documents and
// renders them for the proxy's file provider. Each user gets routers for
// the editor and notebook endpoints plus any registered extras, all
// guarded by the forward-auth middleware. The cluster backend maps the
// same route set onto proxy custom resources instead of files.
package proxycfg
