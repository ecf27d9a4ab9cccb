package auth

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/hydralab/hydra/pkg/apperr"
	"github.com/hydralab/hydra/pkg/shares"
	"github.com/hydralab/hydra/pkg/types"
)

// HeaderForwardedURI carries the original request path on forward-auth
// callbacks.
const HeaderForwardedURI = "X-Forwarded-Uri"

// ShareTokenParam is the query parameter carrying a share token.
const ShareTokenParam = "share_token"

// Verifier answers the proxy's forward-auth callback: may this caller
// reach this per-student path.
type Verifier struct {
	resolver *Resolver
	shares   *shares.Service
}

func NewVerifier(resolver *Resolver, sh *shares.Service) *Verifier {
	return &Verifier{resolver: resolver, shares: sh}
}

// Verify allows the request when the caller owns the path's username
// segment, holds a faculty or admin role, or presents a live share
// token for that owner and endpoint.
func (v *Verifier) Verify(req *http.Request) (*Principal, error) {
	owner, endpoint, token, err := parseForwardedTarget(req)
	if err != nil {
		return nil, err
	}

	if token != "" {
		if _, err := v.shares.Validate(token, owner, endpoint); err == nil {
			return &Principal{Username: owner, Role: types.RoleStudent}, nil
		}
	}

	principal, err := v.resolver.FromRequest(req)
	if err != nil {
		return nil, err
	}
	if principal.Username == owner {
		return principal, nil
	}
	if principal.Role == types.RoleFaculty || principal.Role == types.RoleAdmin {
		return principal, nil
	}
	return nil, apperr.Precondition("access_denied", "%s may not access %s's workspace", principal.Username, owner)
}

// parseForwardedTarget extracts (owner, endpoint, share token) from the
// forwarded URI, expected shaped /students/{username}/{endpoint}/...
func parseForwardedTarget(req *http.Request) (owner, endpoint, token string, err error) {
	raw := req.Header.Get(HeaderForwardedURI)
	if raw == "" {
		raw = req.URL.RequestURI()
	}
	u, perr := url.ParseRequestURI(raw)
	if perr != nil {
		return "", "", "", apperr.Input("invalid_uri", "unparseable forwarded uri %q", raw)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "students" {
		return "", "", "", apperr.Input("invalid_uri", "path %q is not a student endpoint", u.Path)
	}
	owner = parts[1]
	if len(parts) > 2 {
		endpoint = parts[2]
	}
	return owner, endpoint, u.Query().Get(ShareTokenParam), nil
}
