package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind Kind
		code string
	}{
		{"input", Input("bad_port", "port %d is reserved", 22), KindInput, "bad_port"},
		{"precondition", Precondition("access_denied", "no"), KindPrecondition, "access_denied"},
		{"transient", Transient("backend_busy", "node unreachable", errors.New("dial")), KindTransient, "backend_busy"},
		{"operation", Operation("copy_failed", "rsync exited", errors.New("exit 1")), KindOperation, "copy_failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, KindOf(tt.err))
			assert.Equal(t, tt.code, CodeOf(tt.err))
		})
	}
}

func TestUnclassifiedDefaults(t *testing.T) {
	err := errors.New("plain")
	assert.Equal(t, KindOperation, KindOf(err))
	assert.Equal(t, "internal", CodeOf(err))
	assert.False(t, IsTransient(err))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(KindOperation, "storage_failed", "creating volume", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "creating volume")
	assert.Contains(t, err.Error(), "disk full")
}

func TestClassificationSurvivesWrapping(t *testing.T) {
	inner := Precondition("node_not_approved", "gpu-a needs approval")
	outer := fmt.Errorf("starting migration: %w", inner)

	assert.Equal(t, KindPrecondition, KindOf(outer))
	assert.Equal(t, "node_not_approved", CodeOf(outer))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(Transient("busy", "retry me", nil)))
	assert.False(t, IsTransient(Input("bad", "no")))
}

func TestAsOperation(t *testing.T) {
	cause := errors.New("timeout")
	converted := AsOperation(Transient("copy_running", "copy job not done", cause))

	require.Equal(t, KindOperation, KindOf(converted))
	assert.Equal(t, "copy_running", CodeOf(converted))
	assert.ErrorIs(t, converted, cause)

	// Non-transient errors pass through untouched.
	in := Input("bad", "no")
	assert.Same(t, in, AsOperation(in).(*Error))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "input", KindInput.String())
	assert.Equal(t, "transient", KindTransient.String())
	assert.Equal(t, "unknown", Kind(99).String())
}
