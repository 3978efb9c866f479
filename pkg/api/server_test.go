package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuemby/drillmaster/pkg/events"
	"github.com/cuemby/drillmaster/pkg/health"
	"github.com/cuemby/drillmaster/pkg/payload"
	"github.com/cuemby/drillmaster/pkg/protolog"
	"github.com/cuemby/drillmaster/pkg/release"
	"github.com/cuemby/drillmaster/pkg/scheduler"
	"github.com/cuemby/drillmaster/pkg/security"
	"github.com/cuemby/drillmaster/pkg/selfheal"
	"github.com/cuemby/drillmaster/pkg/store"
	"github.com/cuemby/drillmaster/pkg/types"
	"github.com/stretchr/testify/require"
)

const testAdminKey = "test-admin-key"

func newTestServer(t *testing.T) (*Server, store.Store) {
	t.Helper()
	s, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	b := events.NewBroker(s)
	b.Start()
	t.Cleanup(b.Stop)

	h := health.NewMonitor(s, b, health.DefaultMonitorConfig())
	t.Cleanup(h.Stop)

	sched := scheduler.NewScheduler(s, b, h, scheduler.DefaultConfig())

	sh := selfheal.NewMonitor(s, b, selfheal.DefaultConfig(), selfheal.Actions{}, 0)

	payloads, err := payload.NewRegistry(s, t.TempDir())
	require.NoError(t, err)

	releases := release.NewRegistry(s, b)
	recorder := protolog.NewRecorder(s)

	secrets, err := security.NewSecretsManagerFromPassword("test-only")
	require.NoError(t, err)

	srv := NewServer(Config{
		PublicAddr:       "unused:0",
		AdminAddr:        "unused:0",
		AdminKey:         testAdminKey,
		OrchestratorName: "test-farm",
	}, Deps{
		Store:     s,
		Broker:    b,
		Scheduler: sched,
		Health:    h,
		SelfHeal:  sh,
		Payloads:  payloads,
		Releases:  releases,
		ProtoLog:  recorder,
		Secrets:   secrets,
	})
	return srv, s
}

func seedDrone(t *testing.T, s store.Store, id string) *types.Drone {
	t.Helper()
	d := &types.Drone{ID: id, Name: id, Address: "127.0.0.1", LastSeen: time.Now(), Status: types.DroneOnline, CreatedAt: time.Now()}
	require.NoError(t, s.CreateOrUpdateDrone(d))
	return d
}

func doRequest(t *testing.T, h http.Handler, method, path string, body any, adminKey string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if adminKey != "" {
		req.Header.Set("X-Admin-Key", adminKey)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func publicMux(srv *Server) http.Handler {
	mux := http.NewServeMux()
	srv.registerPublicRoutes(mux)
	return mux
}

func adminMux(srv *Server) http.Handler {
	mux := http.NewServeMux()
	srv.registerAdminRoutes(mux)
	return mux
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestRegisterCreatesNewDrone(t *testing.T) {
	srv, s := newTestServer(t)
	mux := publicMux(srv)

	rec := doRequest(t, mux, http.MethodPost, "/api/v1/register", registerRequest{
		Name:    "drone-a",
		IP:      "10.0.0.5",
		Version: "1.0.0",
	}, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp registerResponse
	decodeJSON(t, rec, &resp)
	require.Equal(t, "registered", resp.Status)
	require.Equal(t, srv.cfg.OrchestratorName, resp.Orchestrator)
	require.Equal(t, srv.cfg.OrchestratorName, resp.OrchestratorName)
	require.False(t, resp.Paused)

	drones, err := s.ListDrones()
	require.NoError(t, err)
	require.Len(t, drones, 1)
	require.Equal(t, "drone-a", drones[0].Name)
	require.Equal(t, "10.0.0.5", drones[0].Address)
	require.Equal(t, types.DroneOnline, drones[0].Status)
}

func TestRegisterRequiresNameAndAddress(t *testing.T) {
	srv, _ := newTestServer(t)
	mux := publicMux(srv)

	rec := doRequest(t, mux, http.MethodPost, "/api/v1/register", registerRequest{Name: "only-name"}, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegisterPreservesPauseAcrossReregistration(t *testing.T) {
	srv, s := newTestServer(t)
	mux := publicMux(srv)
	d := seedDrone(t, s, "drone-a")
	d.Paused = true
	require.NoError(t, s.CreateOrUpdateDrone(d))

	rec := doRequest(t, mux, http.MethodPost, "/api/v1/register", registerRequest{
		ID: d.ID, Name: "drone-a", IP: "10.0.0.5",
	}, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp registerResponse
	decodeJSON(t, rec, &resp)
	require.True(t, resp.Paused)
}

func TestWorkRequiresDroneID(t *testing.T) {
	srv, _ := newTestServer(t)
	mux := publicMux(srv)

	rec := doRequest(t, mux, http.MethodGet, "/api/v1/work", nil, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWorkUnknownDrone(t *testing.T) {
	srv, _ := newTestServer(t)
	mux := publicMux(srv)

	rec := doRequest(t, mux, http.MethodGet, "/api/v1/work?id=nope", nil, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWorkReturnsNilPackageWhenQueueEmpty(t *testing.T) {
	srv, s := newTestServer(t)
	mux := publicMux(srv)
	d := seedDrone(t, s, "drone-a")

	rec := doRequest(t, mux, http.MethodGet, "/api/v1/work?id="+d.ID, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	decodeJSON(t, rec, &body)
	require.Nil(t, body["package"])
}

func TestWorkAssignsQueuedPackage(t *testing.T) {
	srv, s := newTestServer(t)
	mux := publicMux(srv)
	d := seedDrone(t, s, "drone-a")
	require.NoError(t, s.CreateQueueItem(&types.QueueItem{ID: "q1", Package: "app-foo", Status: types.QueueNeeded, CreatedAt: time.Now()}))

	rec := doRequest(t, mux, http.MethodGet, "/api/v1/work?id="+d.ID, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var item types.QueueItem
	decodeJSON(t, rec, &item)
	require.Equal(t, "app-foo", item.Package)
	require.Equal(t, types.QueueDelegated, item.Status)
}

func TestCompleteRejectsUnknownStatus(t *testing.T) {
	srv, s := newTestServer(t)
	mux := publicMux(srv)
	d := seedDrone(t, s, "drone-a")

	rec := doRequest(t, mux, http.MethodPost, "/api/v1/complete", completeRequest{
		ID: d.ID, Package: "app-foo", Status: "bogus",
	}, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCompleteSuccessAcceptsAssignedPackage(t *testing.T) {
	srv, s := newTestServer(t)
	mux := publicMux(srv)
	d := seedDrone(t, s, "drone-a")
	require.NoError(t, s.CreateQueueItem(&types.QueueItem{ID: "q1", Package: "app-foo", Status: types.QueueDelegated, AssignedTo: d.ID, CreatedAt: time.Now()}))

	rec := doRequest(t, mux, http.MethodPost, "/api/v1/complete", completeRequest{
		ID: d.ID, Package: "app-foo", Status: string(scheduler.CompletionSuccess), DurationS: 1.5,
	}, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	decodeJSON(t, rec, &body)
	require.Equal(t, "ok", body["status"])
	require.Equal(t, "app-foo", body["package"])
}

func TestStatusReportsDroneAndQueueCounts(t *testing.T) {
	srv, s := newTestServer(t)
	mux := publicMux(srv)
	seedDrone(t, s, "drone-a")
	require.NoError(t, s.CreateQueueItem(&types.QueueItem{ID: "q1", Package: "app-foo", Status: types.QueueNeeded, CreatedAt: time.Now()}))

	rec := doRequest(t, mux, http.MethodGet, "/api/v1/status", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	decodeJSON(t, rec, &body)
	require.Equal(t, "test-farm", body["orchestrator"])
	require.EqualValues(t, 1, body["drones_total"])
}

func TestAdminRoutesRejectMissingKey(t *testing.T) {
	srv, _ := newTestServer(t)
	m := http.NewServeMux()
	srv.registerAdminRoutes(m)
	h := srv.wrap(m, true)

	rec := doRequest(t, h, http.MethodPost, "/api/v1/control", controlRequest{Action: "pause"}, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminRoutesRejectWhenAdminKeyUnconfigured(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.cfg.AdminKey = ""
	m := http.NewServeMux()
	srv.registerAdminRoutes(m)
	h := srv.wrap(m, true)

	rec := doRequest(t, h, http.MethodPost, "/api/v1/control", controlRequest{Action: "pause"}, "whatever")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestControlPauseAndResume(t *testing.T) {
	srv, _ := newTestServer(t)
	mux := adminMux(srv)

	rec := doRequest(t, mux, http.MethodPost, "/api/v1/control", controlRequest{Action: "pause"}, testAdminKey)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, srv.scheduler.IsQueuePaused())

	rec = doRequest(t, mux, http.MethodPost, "/api/v1/control", controlRequest{Action: "resume"}, testAdminKey)
	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, srv.scheduler.IsQueuePaused())
}

func TestControlUnknownActionRejected(t *testing.T) {
	srv, _ := newTestServer(t)
	mux := adminMux(srv)

	rec := doRequest(t, mux, http.MethodPost, "/api/v1/control", controlRequest{Action: "nonsense"}, testAdminKey)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestControlUnblockLiftsBlockWithoutClearingFailCount(t *testing.T) {
	srv, s := newTestServer(t)
	mux := adminMux(srv)
	require.NoError(t, s.CreateQueueItem(&types.QueueItem{ID: "q1", Package: "app-foo", Status: types.QueueBlocked, FailCount: 3, CreatedAt: time.Now()}))

	rec := doRequest(t, mux, http.MethodPost, "/api/v1/control", controlRequest{Action: "unblock"}, testAdminKey)
	require.Equal(t, http.StatusOK, rec.Code)

	item, err := s.GetQueueItem("q1")
	require.NoError(t, err)
	require.Equal(t, types.QueueNeeded, item.Status)
	require.Equal(t, 3, item.FailCount)
}

func TestControlRetryFailuresClearsFailCount(t *testing.T) {
	srv, s := newTestServer(t)
	mux := adminMux(srv)
	require.NoError(t, s.CreateQueueItem(&types.QueueItem{ID: "q1", Package: "app-foo", Status: types.QueueBlocked, FailCount: 3, CreatedAt: time.Now()}))

	rec := doRequest(t, mux, http.MethodPost, "/api/v1/control", controlRequest{Action: "retry_failures"}, testAdminKey)
	require.Equal(t, http.StatusOK, rec.Code)

	item, err := s.GetQueueItem("q1")
	require.NoError(t, err)
	require.Equal(t, types.QueueNeeded, item.Status)
	require.Equal(t, 0, item.FailCount)
}

func TestQueueSubmitCreatesSessionAndItems(t *testing.T) {
	srv, s := newTestServer(t)
	mux := adminMux(srv)

	rec := doRequest(t, mux, http.MethodPost, "/api/v1/queue", queueSubmitRequest{
		Packages: []string{"app-a", "app-b"}, SessionName: "nightly",
	}, testAdminKey)
	require.Equal(t, http.StatusOK, rec.Code)

	var sess types.Session
	decodeJSON(t, rec, &sess)
	require.Equal(t, 2, sess.Total)

	items, err := s.ListQueueItems()
	require.NoError(t, err)
	require.Len(t, items, 2)
}

func TestQueueSubmitRejectsEmptyPackages(t *testing.T) {
	srv, _ := newTestServer(t)
	mux := adminMux(srv)

	rec := doRequest(t, mux, http.MethodPost, "/api/v1/queue", queueSubmitRequest{SessionName: "nightly"}, testAdminKey)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNodePauseAndResume(t *testing.T) {
	srv, s := newTestServer(t)
	mux := adminMux(srv)
	seedDrone(t, s, "drone-a")

	rec := doRequest(t, mux, http.MethodPost, "/api/v1/nodes/drone-a/pause", nil, testAdminKey)
	require.Equal(t, http.StatusOK, rec.Code)
	d, err := s.GetDrone("drone-a")
	require.NoError(t, err)
	require.True(t, d.Paused)

	rec = doRequest(t, mux, http.MethodPost, "/api/v1/nodes/drone-a/resume", nil, testAdminKey)
	require.Equal(t, http.StatusOK, rec.Code)
	d, err = s.GetDrone("drone-a")
	require.NoError(t, err)
	require.False(t, d.Paused)
}

func TestNodeSetTypeRejectsUnknownKind(t *testing.T) {
	srv, s := newTestServer(t)
	mux := adminMux(srv)
	seedDrone(t, s, "drone-a")

	rec := doRequest(t, mux, http.MethodPost, "/api/v1/nodes/drone-a/set-type", setTypeRequest{Kind: "spaceship"}, testAdminKey)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestNodeSetTypeAccepted(t *testing.T) {
	srv, s := newTestServer(t)
	mux := adminMux(srv)
	seedDrone(t, s, "drone-a")

	rec := doRequest(t, mux, http.MethodPost, "/api/v1/nodes/drone-a/set-type", setTypeRequest{Kind: types.DroneKindVM}, testAdminKey)
	require.Equal(t, http.StatusOK, rec.Code)

	d, err := s.GetDrone("drone-a")
	require.NoError(t, err)
	require.Equal(t, types.DroneKindVM, d.Kind)
}

func TestNodePingWithoutSSHConfigReportsUnhealthy(t *testing.T) {
	srv, s := newTestServer(t)
	mux := adminMux(srv)
	seedDrone(t, s, "drone-a")

	rec := doRequest(t, mux, http.MethodPost, "/api/v1/nodes/drone-a/ping", nil, testAdminKey)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	decodeJSON(t, rec, &body)
	require.Equal(t, false, body["healthy"])
}

func TestPayloadRegisterAndList(t *testing.T) {
	srv, _ := newTestServer(t)
	mux := adminMux(srv)

	rec := doRequest(t, mux, http.MethodPost, "/admin/api/payloads", payloadRegisterRequest{
		Kind: "compiler", Version: "1.2.3", Content: []byte("binary-bytes"),
	}, testAdminKey)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, mux, http.MethodGet, "/admin/api/payloads?kind=compiler", nil, testAdminKey)
	require.Equal(t, http.StatusOK, rec.Code)

	var versions []map[string]any
	decodeJSON(t, rec, &versions)
	require.Len(t, versions, 1)
}

func TestReleaseStagePromoteArchiveLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)
	mux := adminMux(srv)

	rec := doRequest(t, mux, http.MethodPost, "/admin/api/releases", releaseStageRequest{
		Version: "v1.0.0", Name: "first", Packages: []string{"app-a"}, SizeBytes: 10, Path: "/tmp/v1",
	}, testAdminKey)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, mux, http.MethodPost, "/admin/api/releases/v1.0.0/promote", nil, testAdminKey)
	require.Equal(t, http.StatusOK, rec.Code)

	var rel types.Release
	decodeJSON(t, rec, &rel)
	require.Equal(t, types.ReleaseActive, rel.Status)

	rec = doRequest(t, mux, http.MethodPost, "/admin/api/releases/v1.0.0/archive", nil, testAdminKey)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeJSON(t, rec, &rel)
	require.Equal(t, types.ReleaseArchived, rel.Status)
}

func TestSQLTablesListsKnownTables(t *testing.T) {
	srv, _ := newTestServer(t)
	mux := adminMux(srv)

	rec := doRequest(t, mux, http.MethodGet, "/api/v1/sql/tables", nil, testAdminKey)
	require.Equal(t, http.StatusOK, rec.Code)

	var tables []string
	decodeJSON(t, rec, &tables)
	require.Contains(t, tables, "drones")
}

func TestSQLQueryRequiresQParam(t *testing.T) {
	srv, _ := newTestServer(t)
	mux := adminMux(srv)

	rec := doRequest(t, mux, http.MethodGet, "/api/v1/sql/query", nil, testAdminKey)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
