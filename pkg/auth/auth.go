package auth

import (
	"net/http"
	"path"
	"strings"

	"github.com/hydralab/hydra/pkg/apperr"
	"github.com/hydralab/hydra/pkg/config"
	"github.com/hydralab/hydra/pkg/types"
)

// Headers set by the external identity middleware. The core never sees
// raw credentials.
const (
	HeaderUser   = "X-Forwarded-User"
	HeaderEmail  = "X-Forwarded-Email"
	HeaderGroups = "X-Forwarded-Groups"
)

// Principal is the authenticated caller as asserted by the identity
// middleware.
type Principal struct {
	Username string     `json:"username"`
	Email    string     `json:"email"`
	Groups   []string   `json:"groups,omitempty"`
	Role     types.Role `json:"role"`
}

// Resolver derives a role from whitelists and group-name patterns.
// Non-matching principals are students.
type Resolver struct {
	adminEmails     map[string]bool
	facultyEmails   map[string]bool
	adminPatterns   []string
	facultyPatterns []string
}

func NewResolver(cfg *config.Config) *Resolver {
	return &Resolver{
		adminEmails:     toSet(cfg.AdminWhitelist),
		facultyEmails:   toSet(cfg.FacultyWhitelist),
		adminPatterns:   cfg.AdminGroupPatterns,
		facultyPatterns: cfg.FacultyGroupPatterns,
	}
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, it := range items {
		set[strings.ToLower(strings.TrimSpace(it))] = true
	}
	return set
}

// Resolve classifies a principal. Whitelists match on email, patterns
// on declared group names; admin wins over faculty.
func (r *Resolver) Resolve(email string, groups []string) types.Role {
	lower := strings.ToLower(email)
	if r.adminEmails[lower] || matchAny(groups, r.adminPatterns) {
		return types.RoleAdmin
	}
	if r.facultyEmails[lower] || matchAny(groups, r.facultyPatterns) {
		return types.RoleFaculty
	}
	return types.RoleStudent
}

func matchAny(groups, patterns []string) bool {
	for _, g := range groups {
		lower := strings.ToLower(g)
		for _, p := range patterns {
			if ok, err := path.Match(strings.ToLower(p), lower); err == nil && ok {
				return true
			}
		}
	}
	return false
}

// FromRequest builds the principal from the identity headers. Requests
// without an email never made it through the middleware.
func (r *Resolver) FromRequest(req *http.Request) (*Principal, error) {
	email := strings.TrimSpace(req.Header.Get(HeaderEmail))
	if email == "" {
		return nil, apperr.Precondition("unauthenticated", "no identity on request")
	}
	username := strings.TrimSpace(req.Header.Get(HeaderUser))
	if username == "" {
		username = UsernameFromEmail(email)
	}
	var groups []string
	if raw := req.Header.Get(HeaderGroups); raw != "" {
		for _, g := range strings.Split(raw, ",") {
			if g = strings.TrimSpace(g); g != "" {
				groups = append(groups, g)
			}
		}
	}
	return &Principal{
		Username: strings.ToLower(username),
		Email:    email,
		Groups:   groups,
		Role:     r.Resolve(email, groups),
	}, nil
}

// UsernameFromEmail maps an email to the workspace username: the
// lowercased local part with unsupported characters collapsed.
func UsernameFromEmail(email string) string {
	local := email
	if i := strings.IndexByte(email, '@'); i >= 0 {
		local = email[:i]
	}
	local = strings.ToLower(local)
	var b strings.Builder
	for _, c := range local {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '.', c == '_', c == '-':
			b.WriteRune(c)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}
