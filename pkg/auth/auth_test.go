package auth

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydralab/hydra/pkg/apperr"
	"github.com/hydralab/hydra/pkg/config"
	"github.com/hydralab/hydra/pkg/shares"
	"github.com/hydralab/hydra/pkg/store"
	"github.com/hydralab/hydra/pkg/types"
)

func testResolver() *Resolver {
	return NewResolver(&config.Config{
		AdminWhitelist:       []string{"root@example.edu"},
		FacultyWhitelist:     []string{"Prof@Example.edu"},
		AdminGroupPatterns:   []string{"infra-admins"},
		FacultyGroupPatterns: []string{"cs-*-staff"},
	})
}

func TestResolve(t *testing.T) {
	r := testResolver()

	tests := []struct {
		name   string
		email  string
		groups []string
		want   types.Role
	}{
		{"admin whitelist", "root@example.edu", nil, types.RoleAdmin},
		{"admin whitelist case", "ROOT@example.edu", nil, types.RoleAdmin},
		{"faculty whitelist case", "prof@example.edu", nil, types.RoleFaculty},
		{"faculty group pattern", "bob@example.edu", []string{"cs-101-staff"}, types.RoleFaculty},
		{"admin group", "bob@example.edu", []string{"infra-admins"}, types.RoleAdmin},
		{"admin wins over faculty", "prof@example.edu", []string{"infra-admins"}, types.RoleAdmin},
		{"default student", "alice@example.edu", []string{"cs-101-students"}, types.RoleStudent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Resolve(tt.email, tt.groups))
		})
	}
}

func TestUsernameFromEmail(t *testing.T) {
	tests := []struct {
		email string
		want  string
	}{
		{"alice@example.edu", "alice"},
		{"Alice.Smith@example.edu", "alice.smith"},
		{"j+lab@example.edu", "j-lab"},
		{"no-at-sign", "no-at-sign"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, UsernameFromEmail(tt.email))
	}
}

func TestFromRequest(t *testing.T) {
	r := testResolver()

	req := httptest.NewRequest("GET", "/api/containers", nil)
	req.Header.Set(HeaderEmail, "Alice@example.edu")
	req.Header.Set(HeaderGroups, "cs-101-students, misc")

	p, err := r.FromRequest(req)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Username)
	assert.Equal(t, types.RoleStudent, p.Role)
	assert.Equal(t, []string{"cs-101-students", "misc"}, p.Groups)

	req.Header.Set(HeaderUser, "ASmith")
	p, err = r.FromRequest(req)
	require.NoError(t, err)
	assert.Equal(t, "asmith", p.Username, "explicit user header beats the email local part")
}

func TestFromRequestUnauthenticated(t *testing.T) {
	r := testResolver()
	req := httptest.NewRequest("GET", "/api/containers", nil)

	_, err := r.FromRequest(req)
	require.Error(t, err)
	assert.Equal(t, "unauthenticated", apperr.CodeOf(err))
}

func newVerifier(t *testing.T) (*Verifier, *shares.Service) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	sh := shares.New(st)
	return NewVerifier(testResolver(), sh), sh
}

func TestVerifyOwner(t *testing.T) {
	v, _ := newVerifier(t)

	req := httptest.NewRequest("GET", "/verify", nil)
	req.Header.Set(HeaderEmail, "alice@example.edu")
	req.Header.Set(HeaderForwardedURI, "/students/alice/jupyter/lab")

	p, err := v.Verify(req)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Username)
}

func TestVerifyFacultyAndAdmin(t *testing.T) {
	v, _ := newVerifier(t)

	req := httptest.NewRequest("GET", "/verify", nil)
	req.Header.Set(HeaderEmail, "prof@example.edu")
	req.Header.Set(HeaderForwardedURI, "/students/alice/vscode/")
	p, err := v.Verify(req)
	require.NoError(t, err)
	assert.Equal(t, types.RoleFaculty, p.Role)

	req.Header.Set(HeaderEmail, "root@example.edu")
	p, err = v.Verify(req)
	require.NoError(t, err)
	assert.Equal(t, types.RoleAdmin, p.Role)
}

func TestVerifyDeniesOtherStudents(t *testing.T) {
	v, _ := newVerifier(t)

	req := httptest.NewRequest("GET", "/verify", nil)
	req.Header.Set(HeaderEmail, "bob@example.edu")
	req.Header.Set(HeaderForwardedURI, "/students/alice/jupyter")

	_, err := v.Verify(req)
	require.Error(t, err)
	assert.Equal(t, "access_denied", apperr.CodeOf(err))
}

func TestVerifyShareToken(t *testing.T) {
	v, sh := newVerifier(t)

	link, err := sh.Create("alice", "jupyter", types.ShareAccessReadOnly, 7)
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/verify", nil)
	req.Header.Set(HeaderForwardedURI, "/students/alice/jupyter/lab?share_token="+link.Token)

	p, err := v.Verify(req)
	require.NoError(t, err)
	assert.Equal(t, "alice", p.Username, "token grants an anonymous principal scoped to the owner")

	// Token for another endpoint does not carry over, and there is no
	// identity header to fall back on.
	req.Header.Set(HeaderForwardedURI, "/students/alice/vscode/?share_token="+link.Token)
	_, err = v.Verify(req)
	assert.Equal(t, "unauthenticated", apperr.CodeOf(err))
}

func TestVerifyRejectsBadURI(t *testing.T) {
	v, _ := newVerifier(t)

	tests := []string{"/admin/panel", "/students", "%%%"}
	for _, uri := range tests {
		req := httptest.NewRequest("GET", "/verify", nil)
		req.Header.Set(HeaderEmail, "alice@example.edu")
		req.Header.Set(HeaderForwardedURI, uri)

		_, err := v.Verify(req)
		assert.Equal(t, "invalid_uri", apperr.CodeOf(err), uri)
	}
}
