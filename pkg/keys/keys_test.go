package keys

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func TestGeneratePair(t *testing.T) {
	pair, err := GeneratePair("alice@hydra")
	require.NoError(t, err)

	assert.Contains(t, string(pair.PrivatePEM), "OPENSSH PRIVATE KEY")

	pub := string(pair.AuthorizedKey)
	assert.True(t, strings.HasPrefix(pub, "ssh-ed25519 "))
	assert.Contains(t, pub, "alice@hydra")

	// The authorized key must round-trip through the ssh parser.
	_, comment, _, _, err := ssh.ParseAuthorizedKey(pair.AuthorizedKey)
	require.NoError(t, err)
	assert.Equal(t, "alice@hydra", comment)
}

func TestGeneratePairUnique(t *testing.T) {
	a, err := GeneratePair("x")
	require.NoError(t, err)
	b, err := GeneratePair("x")
	require.NoError(t, err)
	assert.NotEqual(t, a.AuthorizedKey, b.AuthorizedKey)
}

func TestOneTimeCredential(t *testing.T) {
	c1, err := OneTimeCredential()
	require.NoError(t, err)
	c2, err := OneTimeCredential()
	require.NoError(t, err)

	assert.NotEmpty(t, c1)
	assert.NotEqual(t, c1, c2)
}

func TestShareToken(t *testing.T) {
	t1, err := ShareToken()
	require.NoError(t, err)
	t2, err := ShareToken()
	require.NoError(t, err)

	assert.NotEmpty(t, t1)
	assert.NotEqual(t, t1, t2)
	// Tokens end up in URLs; they must stay URL-safe.
	assert.NotContains(t, t1, "/")
	assert.NotContains(t, t1, "+")
}
