package proxycfg

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestNewRouteSetDefaults(t *testing.T) {
	rs := NewRouteSet("alice", "student-alice", nil)

	require.Len(t, rs.Routes, 2)
	assert.True(t, rs.HasEndpoint(EndpointEditor))
	assert.True(t, rs.HasEndpoint(EndpointNotebook))
	assert.Empty(t, rs.ExtraEndpoints())

	assert.Equal(t, "/students/alice/vscode", rs.PathPrefix(EndpointEditor))
	assert.Equal(t, "student-alice-jupyter", rs.RouterName(EndpointNotebook))
}

func TestNewRouteSetExtrasSorted(t *testing.T) {
	rs := NewRouteSet("bob", "", map[string]int{"tensorboard": 6006, "api": 3000})

	require.Len(t, rs.Routes, 4)
	assert.Equal(t, "api", rs.Routes[2].Endpoint)
	assert.Equal(t, "tensorboard", rs.Routes[3].Endpoint)
	assert.True(t, rs.Routes[2].StripPrefix)

	extras := rs.ExtraEndpoints()
	assert.Equal(t, map[string]int{"api": 3000, "tensorboard": 6006}, extras)
}

func TestNotebookKeepsPrefix(t *testing.T) {
	for _, r := range DefaultRoutes() {
		switch r.Endpoint {
		case EndpointNotebook:
			assert.False(t, r.StripPrefix)
		case EndpointEditor:
			assert.True(t, r.StripPrefix)
		}
	}
}

func TestFileWriterApply(t *testing.T) {
	w, err := NewFileWriter(t.TempDir(), "http://hydra:8000/auth/verify")
	require.NoError(t, err)

	rs := NewRouteSet("alice", "10.10.0.5", map[string]int{"api": 3000})
	require.NoError(t, w.Apply(rs))

	raw, err := w.Read("alice")
	require.NoError(t, err)
	require.NotNil(t, raw)

	var doc struct {
		HTTP struct {
			Routers map[string]struct {
				Rule        string   `yaml:"rule"`
				Service     string   `yaml:"service"`
				Middlewares []string `yaml:"middlewares"`
			} `yaml:"routers"`
			Services map[string]struct {
				LoadBalancer struct {
					Servers []struct {
						URL string `yaml:"url"`
					} `yaml:"servers"`
				} `yaml:"loadBalancer"`
			} `yaml:"services"`
			Middlewares map[string]map[string]any `yaml:"middlewares"`
		} `yaml:"http"`
	}
	require.NoError(t, yaml.Unmarshal(raw, &doc))

	editor, ok := doc.HTTP.Routers["student-alice-vscode"]
	require.True(t, ok)
	assert.Equal(t, "PathPrefix(`/students/alice/vscode`)", editor.Rule)
	assert.Contains(t, editor.Middlewares, AuthMiddlewareName)
	assert.Contains(t, editor.Middlewares, "student-alice-vscode-strip")

	notebook, ok := doc.HTTP.Routers["student-alice-jupyter"]
	require.True(t, ok)
	assert.NotContains(t, notebook.Middlewares, "student-alice-jupyter-strip")

	api, ok := doc.HTTP.Services["student-alice-api"]
	require.True(t, ok)
	require.Len(t, api.LoadBalancer.Servers, 1)
	assert.Equal(t, "http://10.10.0.5:3000", api.LoadBalancer.Servers[0].URL)

	_, ok = doc.HTTP.Middlewares[AuthMiddlewareName]
	assert.True(t, ok)
}

func TestFileWriterRewriteReplacesDocument(t *testing.T) {
	w, err := NewFileWriter(t.TempDir(), "http://hydra:8000/auth/verify")
	require.NoError(t, err)

	require.NoError(t, w.Apply(NewRouteSet("bob", "host", map[string]int{"api": 3000})))
	require.NoError(t, w.Apply(NewRouteSet("bob", "host", nil)))

	raw, err := w.Read("bob")
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "student-bob-api")
}

func TestFileWriterRemove(t *testing.T) {
	w, err := NewFileWriter(t.TempDir(), "http://hydra:8000/auth/verify")
	require.NoError(t, err)

	require.NoError(t, w.Apply(NewRouteSet("carol", "host", nil)))
	require.NoError(t, w.Remove("carol"))

	_, err = os.Stat(w.Path("carol"))
	assert.True(t, os.IsNotExist(err))

	raw, err := w.Read("carol")
	require.NoError(t, err)
	assert.Nil(t, raw)

	// Removing again is still success.
	assert.NoError(t, w.Remove("carol"))
}
