package shares

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydralab/hydra/pkg/apperr"
	"github.com/hydralab/hydra/pkg/store"
	"github.com/hydralab/hydra/pkg/types"
)

func newService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st), st
}

func TestCreateDefaultsAndClamp(t *testing.T) {
	svc, _ := newService(t)
	now := time.Now().UTC()

	link, err := svc.Create("alice", "jupyter", types.ShareAccessReadOnly, 0)
	require.NoError(t, err)
	assert.Equal(t, "student-alice", link.ContainerName)
	assert.NotEmpty(t, link.Token)
	assert.WithinDuration(t, now.AddDate(0, 0, 7), link.ExpiresAt, time.Minute, "zero days defaults to a week")

	long, err := svc.Create("alice", "vscode", types.ShareAccessFull, 365)
	require.NoError(t, err)
	assert.WithinDuration(t, now.AddDate(0, 0, MaxExpirationDays), long.ExpiresAt, time.Minute)
}

func TestCreateValidation(t *testing.T) {
	svc, _ := newService(t)

	_, err := svc.Create("alice", "", types.ShareAccessReadOnly, 7)
	assert.Equal(t, "invalid_endpoint", apperr.CodeOf(err))

	_, err = svc.Create("alice", "jupyter", types.ShareAccess("admin"), 7)
	assert.Equal(t, "invalid_access", apperr.CodeOf(err))
}

func TestValidate(t *testing.T) {
	svc, _ := newService(t)

	link, err := svc.Create("alice", "jupyter", types.ShareAccessReadOnly, 7)
	require.NoError(t, err)

	got, err := svc.Validate(link.Token, "alice", "jupyter")
	require.NoError(t, err)
	assert.Equal(t, link.Token, got.Token)

	// View accounting is stamped on each validation.
	_, err = svc.Validate(link.Token, "alice", "jupyter")
	require.NoError(t, err)
	links, err := svc.List("alice")
	require.NoError(t, err)
	require.Len(t, links, 1)
	assert.Equal(t, int64(2), links[0].ViewCount)
	assert.NotNil(t, links[0].LastAccessed)
}

func TestValidateMismatch(t *testing.T) {
	svc, _ := newService(t)

	link, err := svc.Create("alice", "jupyter", types.ShareAccessReadOnly, 7)
	require.NoError(t, err)

	_, err = svc.Validate(link.Token, "bob", "jupyter")
	assert.Equal(t, "share_mismatch", apperr.CodeOf(err))

	_, err = svc.Validate(link.Token, "alice", "vscode")
	assert.Equal(t, "share_mismatch", apperr.CodeOf(err))

	_, err = svc.Validate("no-such-token", "alice", "jupyter")
	assert.Equal(t, "share_not_found", apperr.CodeOf(err))
}

func TestValidateExpired(t *testing.T) {
	svc, st := newService(t)

	link := &types.ShareLink{
		Token: "stale", OwnerUsername: "alice", ContainerName: "student-alice",
		Endpoint: "jupyter", Access: types.ShareAccessReadOnly,
		ExpiresAt: time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, st.CreateShareLink(link))

	_, err := svc.Validate("stale", "alice", "jupyter")
	require.Error(t, err)
	assert.Equal(t, apperr.KindPrecondition, apperr.KindOf(err))
	assert.Equal(t, "share_expired", apperr.CodeOf(err))
}

func TestDeleteOwnerOnly(t *testing.T) {
	svc, _ := newService(t)

	link, err := svc.Create("alice", "jupyter", types.ShareAccessReadOnly, 7)
	require.NoError(t, err)

	err = svc.Delete("bob", link.Token)
	assert.Equal(t, "not_share_owner", apperr.CodeOf(err))

	require.NoError(t, svc.Delete("alice", link.Token))
	links, err := svc.List("alice")
	require.NoError(t, err)
	assert.Empty(t, links)
}
