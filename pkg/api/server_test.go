package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hydralab/hydra/pkg/activity"
	"github.com/hydralab/hydra/pkg/auth"
	"github.com/hydralab/hydra/pkg/catalog"
	"github.com/hydralab/hydra/pkg/config"
	"github.com/hydralab/hydra/pkg/container"
	"github.com/hydralab/hydra/pkg/events"
	"github.com/hydralab/hydra/pkg/locker"
	"github.com/hydralab/hydra/pkg/migration"
	"github.com/hydralab/hydra/pkg/orchestrator/orchestratortest"
	"github.com/hydralab/hydra/pkg/quota"
	"github.com/hydralab/hydra/pkg/shares"
	"github.com/hydralab/hydra/pkg/sshmux"
	"github.com/hydralab/hydra/pkg/store"
	"github.com/hydralab/hydra/pkg/types"
)

type fixture struct {
	handler http.Handler
	store   *store.Store
	orch    *orchestratortest.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := &config.Config{
		Backend:                 config.BackendDocker,
		ListenAddr:              "127.0.0.1:0",
		PublicBaseURL:           "https://hydra.example.edu",
		ControlPlaneNodeAddress: "unix:///var/run/docker.sock",
		GPUNodeAAddress:         "tcp://gpu-a:2376",
		GPUNodeBAddress:         "tcp://gpu-b:2376",
		WorkspaceImage:          "hydra/workspace:test",
		WorkspaceGPUImage:       "hydra/workspace-cuda:test",
		AutoApprove:             config.Thresholds{MaxMemoryGB: 4, MaxCPUs: 2, MaxStorageGB: 20},
		AdminWhitelist:          []string{"root@example.edu"},
		FacultyWhitelist:        []string{"prof@example.edu"},
		MigrationTimeout:        time.Minute,
	}
	cat, err := catalog.New(cfg)
	require.NoError(t, err)

	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	mux, err := sshmux.NewWriter(t.TempDir())
	require.NoError(t, err)

	bus := events.NewBroker()
	bus.Start()
	t.Cleanup(bus.Stop)

	orch := orchestratortest.New()
	locks := locker.New()
	acts := activity.New(st, bus, cfg.LogCapBytesPerUser)
	containers := container.New(st, cat, orch, locks, mux, bus, acts, cfg)
	migrations := migration.New(st, cat, orch, bus, locks, containers, cfg)
	containers.SetMigrator(migrations)
	quotas := quota.New(st, cat, bus, containers, migrations, acts, cfg)
	shareSvc := shares.New(st)
	resolver := auth.NewResolver(cfg)

	srv := NewServer(cfg, Deps{
		Catalog:    cat,
		Store:      st,
		Orch:       orch,
		Containers: containers,
		Migrations: migrations,
		Quotas:     quotas,
		Activity:   acts,
		Shares:     shareSvc,
		Bus:        bus,
		Resolver:   resolver,
		Verifier:   auth.NewVerifier(resolver, shareSvc),
	})
	return &fixture{handler: srv.Handler(), store: st, orch: orch}
}

func (f *fixture) do(t *testing.T, method, path, email string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if email != "" {
		req.Header.Set(auth.HeaderEmail, email)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) seedQuota(t *testing.T, username string) {
	t.Helper()
	require.NoError(t, f.store.UpsertQuota(&types.UserQuota{
		Username: username, Email: username + "@example.edu", Role: types.RoleStudent,
		MaxMemoryGB: 4, MaxCPUs: 2, MaxStorageGB: 20,
	}))
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUnauthenticatedRequest(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, "GET", "/containers/alice/status", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var body struct {
		Code string `json:"code"`
	}
	decode(t, rec, &body)
	assert.Equal(t, "unauthenticated", body.Code)
}

func TestInitAsOwner(t *testing.T) {
	f := newFixture(t)
	f.seedQuota(t, "alice")

	rec := f.do(t, "POST", "/containers/alice/init", "alice@example.edu", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var body initResponse
	decode(t, rec, &body)
	assert.Equal(t, "student-alice", body.WorkloadName)
	assert.True(t, body.Created)
	assert.NotEmpty(t, body.Credential)
	assert.Contains(t, body.URLs, "jupyter")

	rec = f.do(t, "POST", "/containers/alice/init", "alice@example.edu", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "repeat init reports the existing workspace")
}

func TestInitDeniedForOtherStudent(t *testing.T) {
	f := newFixture(t)
	f.seedQuota(t, "alice")

	rec := f.do(t, "POST", "/containers/alice/init", "bob@example.edu", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestStatusReadableByFaculty(t *testing.T) {
	f := newFixture(t)
	f.seedQuota(t, "alice")
	require.Equal(t, http.StatusCreated, f.do(t, "POST", "/containers/alice/init", "alice@example.edu", nil).Code)

	rec := f.do(t, "GET", "/containers/alice/status", "prof@example.edu", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, "POST", "/containers/alice/stop", "prof@example.edu", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code, "faculty access is read only")
}

func TestMalformedBody(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest("POST", "/containers/alice/migrate", bytes.NewBufferString("{not json"))
	req.Header.Set(auth.HeaderEmail, "alice@example.edu")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body struct {
		Code string `json:"code"`
	}
	decode(t, rec, &body)
	assert.Equal(t, "invalid_body", body.Code)
}

func TestAuthVerify(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest("GET", "/auth/verify", nil)
	req.Header.Set(auth.HeaderEmail, "alice@example.edu")
	req.Header.Set(auth.HeaderForwardedURI, "/students/alice/jupyter/lab")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", rec.Header().Get("X-Hydra-User"))

	req = httptest.NewRequest("GET", "/auth/verify", nil)
	req.Header.Set(auth.HeaderEmail, "bob@example.edu")
	req.Header.Set(auth.HeaderForwardedURI, "/students/alice/jupyter/lab")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestApprovalFlow(t *testing.T) {
	f := newFixture(t)

	// Within the auto-approve thresholds on the control plane.
	rec := f.do(t, "POST", "/approvals/", "alice@example.edu", submitRequest{
		TargetNode: catalog.ControlPlaneNode, MemoryGB: 2, CPUs: 1, StorageGB: 10,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var auto submitResponse
	decode(t, rec, &auto)
	assert.True(t, auto.AutoApproved)

	// GPU access always waits for a human.
	rec = f.do(t, "POST", "/approvals/", "alice@example.edu", submitRequest{
		TargetNode: "gpu-a", MemoryGB: 16, CPUs: 4, StorageGB: 50, GPUCount: 1,
		Type: types.RequestTypeNodeAccess, Reason: "training run",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var pending submitResponse
	decode(t, rec, &pending)
	require.True(t, pending.Pending)

	rec = f.do(t, "GET", "/approvals/pending", "alice@example.edu", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code, "pending queue is admin only")

	rec = f.do(t, "POST", "/approvals/"+pending.Request.ID+"/approve", "root@example.edu", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var decided types.ApprovalRequest
	decode(t, rec, &decided)
	assert.Equal(t, types.RequestStatusApproved, decided.Status)
	assert.Equal(t, "root", decided.Reviewer)

	q, err := f.store.GetQuota("alice")
	require.NoError(t, err)
	assert.True(t, q.ApprovedForNode("gpu-a", time.Now().UTC()))
}

func TestQuotaSurfacesAdminOnly(t *testing.T) {
	f := newFixture(t)
	f.seedQuota(t, "alice")

	rec := f.do(t, "GET", "/quotas/", "alice@example.edu", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, "GET", "/quotas/alice", "alice@example.edu", nil)
	assert.Equal(t, http.StatusOK, rec.Code, "owners may read their own quota")

	rec = f.do(t, "PUT", "/quotas/alice", "root@example.edu", types.UserQuota{
		Email: "alice@example.edu", Role: types.RoleStudent,
		MaxMemoryGB: 8, MaxCPUs: 4, MaxStorageGB: 40,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	q, err := f.store.GetQuota("alice")
	require.NoError(t, err)
	assert.Equal(t, 8, q.MaxMemoryGB)
}

func TestShareLifecycle(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "POST", "/shares/", "alice@example.edu", createShareRequest{Endpoint: "jupyter"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var link types.ShareLink
	decode(t, rec, &link)
	require.NotEmpty(t, link.Token)

	rec = f.do(t, "DELETE", "/shares/"+link.Token, "bob@example.edu", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, "DELETE", "/shares/"+link.Token, "alice@example.edu", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, "GET", "/shares/", "alice@example.edu", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var links []types.ShareLink
	decode(t, rec, &links)
	assert.Empty(t, links)
}

func TestMigrationStatusNotFound(t *testing.T) {
	f := newFixture(t)
	f.seedQuota(t, "alice")

	rec := f.do(t, "GET", "/containers/alice/migration", "alice@example.edu", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServersStatus(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, "GET", "/servers/status", "alice@example.edu", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body serversStatusResponse
	decode(t, rec, &body)
	assert.Len(t, body.Nodes, 3)
	for _, h := range body.Nodes {
		assert.True(t, h.Reachable)
	}
}
