package sshmux

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydralab/hydra/pkg/keys"
)

func TestForwardPortDeterministic(t *testing.T) {
	p1 := ForwardPort("alice")
	p2 := ForwardPort("alice")
	assert.Equal(t, p1, p2)

	assert.GreaterOrEqual(t, p1, 22000)
	assert.Less(t, p1, 32000)

	assert.NotEqual(t, ForwardPort("alice"), ForwardPort("bob"))
}

func TestWriteAll(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)

	pair, err := keys.GeneratePair("alice@hydra")
	require.NoError(t, err)

	require.NoError(t, w.WriteAll("alice", "gpu-a", 23456, pair))

	dir := w.UserDir("alice")
	assert.Equal(t, "student-alice", filepath.Base(dir))

	upstream, err := w.ReadUpstream("alice")
	require.NoError(t, err)
	assert.Equal(t, "gpu-a:23456", upstream)

	authInfo, err := os.Stat(filepath.Join(dir, "authorized_keys"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), authInfo.Mode().Perm())

	keyInfo, err := os.Stat(filepath.Join(dir, "id_ed25519"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), keyInfo.Mode().Perm())

	private, err := os.ReadFile(filepath.Join(dir, "id_ed25519"))
	require.NoError(t, err)
	assert.Contains(t, string(private), "PRIVATE KEY")
}

func TestWriteUpstreamRewrites(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, w.WriteUpstream("bob", "student-bob", 22))
	require.NoError(t, w.WriteUpstream("bob", "gpu-b", ForwardPort("bob")))

	upstream, err := w.ReadUpstream("bob")
	require.NoError(t, err)
	assert.NotEqual(t, "student-bob:22", upstream)
	assert.Contains(t, upstream, "gpu-b:")
}

func TestRemove(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, w.WriteUpstream("carol", "student-carol", 22))
	require.NoError(t, w.Remove("carol"))

	_, err = os.Stat(w.UserDir("carol"))
	assert.True(t, os.IsNotExist(err))

	// Removing again is still success.
	assert.NoError(t, w.Remove("carol"))
}

func TestAtomicWriteLeavesNoTempFiles(t *testing.T) {
	root := t.TempDir()
	w, err := NewWriter(root)
	require.NoError(t, err)

	require.NoError(t, w.WriteUpstream("dave", "host", 22))

	entries, err := os.ReadDir(w.UserDir("dave"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-")
	}
}
