package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})
	return &buf
}

func lastLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.NotEmpty(t, lines)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &entry))
	return entry
}

func TestChainedChildLoggers(t *testing.T) {
	buf := capture(t)

	WithComponent("api").Info().Str("path", "/health").Msg("request")
	entry := lastLine(t, buf)
	assert.Equal(t, "api", entry["component"])
	assert.Equal(t, "/health", entry["path"])
	assert.Equal(t, "request", entry["message"])

	WithUsername("alice").Warn().Msg("over quota")
	entry = lastLine(t, buf)
	assert.Equal(t, "alice", entry["username"])
	assert.Equal(t, "warn", entry["level"])

	WithNode("gpu-a").Debug().Msg("probing")
	entry = lastLine(t, buf)
	assert.Equal(t, "gpu-a", entry["node"])

	WithMigrationID("mig-1").Error().Msg("boom")
	entry = lastLine(t, buf)
	assert.Equal(t, "mig-1", entry["migration_id"])
}

func TestBoundChildLogger(t *testing.T) {
	buf := capture(t)

	logger := WithComponent("sweep")
	logger.Info().Int("count", 3).Msg("done")

	entry := lastLine(t, buf)
	assert.Equal(t, "sweep", entry["component"])
	assert.Equal(t, float64(3), entry["count"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, JSONOutput: true, Output: &buf})

	WithComponent("quiet").Info().Msg("dropped")
	assert.Zero(t, buf.Len())

	WithComponent("quiet").Error().Msg("kept")
	assert.NotZero(t, buf.Len())
}
