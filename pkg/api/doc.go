// Package api is the REST surface of the control plane: workspace
// lifecycle, routes, migrations, approvals, quotas, share links, the
// proxy's auth-verify callback, activity queries and SSE streams.
// Authentication is delegated to the identity middleware in front.
package api
