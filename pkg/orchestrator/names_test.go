package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydralab/hydra/pkg/apperr"
)

func TestNames(t *testing.T) {
	assert.Equal(t, "student-alice", WorkloadName("alice"))
	assert.Equal(t, "student-alice-home-hot", VolumeName("alice", "hot"))
	assert.Equal(t, "student-alice-credentials", SecretName("alice"))
	assert.Equal(t, "student-alice", ServiceName("alice"))
	assert.Equal(t, "student-alice-datacopy", CopyJobName("alice"))
}

func TestUsernameFromWorkload(t *testing.T) {
	assert.Equal(t, "alice", UsernameFromWorkload("student-alice"))
	assert.Empty(t, UsernameFromWorkload("traefik"), "foreign containers are not ours")
	assert.Empty(t, UsernameFromWorkload(""))
}

func TestWithRetryTransient(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), "test", func() error {
		attempts++
		if attempts < 3 {
			return apperr.Transient("node_unreachable", "flaky", errors.New("connection reset"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestWithRetryGivesUpOnPermanentErrors(t *testing.T) {
	attempts := 0
	cause := apperr.Input("bad_name", "no such workload")
	err := WithRetry(context.Background(), "test", func() error {
		attempts++
		return cause
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts, "non-transient failures are not retried")
	assert.True(t, errors.Is(err, cause))
}
