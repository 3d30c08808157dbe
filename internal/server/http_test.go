package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/NVIDIA/OSMO-sub002/internal/cluster"
	"github.com/NVIDIA/OSMO-sub002/internal/controller"
	"github.com/NVIDIA/OSMO-sub002/internal/engine"
	"github.com/NVIDIA/OSMO-sub002/internal/metrics"
	"github.com/NVIDIA/OSMO-sub002/internal/pkg/security"
	"github.com/NVIDIA/OSMO-sub002/internal/pkg/smartql"
	"github.com/NVIDIA/OSMO-sub002/internal/registry"
)

const tasksJSON = `[
 {"workflow_id":"wf-1","name":"train-a","status":"COMPLETED","node_name":"dgx-01","start_time":"2024-01-05T12:00:00Z","end_time":"2024-01-05T12:30:00Z","duration":1800},
 {"workflow_id":"wf-1","name":"train-b","status":"COMPLETED","node_name":"dgx-01","start_time":1704459600000,"duration":600},
 {"workflow_id":"wf-1","name":"eval","status":"running","node_name":"dgx-02","pod_ip":"10.0.0.5","start_time":1704463200},
 {"workflow_id":"wf-1","name":"export","status":"FAILED","node_name":"dgx-02","exit_code":137,"retry_id":1}
]`

type testEnv struct {
	t     *testing.T
	srv   *Server
	ts    *httptest.Server
	qe    *engine.QueryEngine
	meta  *controller.Store
	reg   *prometheus.Registry
	token string
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	resolver := smartql.NewResolver(nil, smartql.WithLocation(time.UTC))
	qe, err := engine.NewQueryEngine(engine.Options{Resolver: resolver, Logger: logger})
	require.NoError(t, err)

	kr, err := security.NewKeyring(bytes.Repeat([]byte{3}, 32))
	require.NoError(t, err)
	meta := controller.NewStore(filepath.Join(t.TempDir(), "meta.dat"), kr)
	require.NoError(t, meta.Load())

	reg := prometheus.NewRegistry()
	opts.Engine = qe
	opts.Meta = meta
	opts.Clients = registry.NewServer(registry.NewStore(), registry.BatchConfig{BatchSize: 50, FlushIntervalMs: 200})
	opts.Metrics = metrics.NewPrometheusRecorder(reg)
	opts.Gatherer = reg
	opts.Logger = logger

	srv := New(opts)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{t: t, srv: srv, ts: ts, qe: qe, meta: meta, reg: reg}
}

func (e *testEnv) do(method, path, token string, body string) *http.Response {
	e.t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rd)
	require.NoError(e.t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(e.t, err)
	e.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

// initAdmin initializes the system and ingests the fixture tasks.
func (e *testEnv) initAdmin() {
	e.t.Helper()
	resp := e.do(http.MethodPost, "/api/system/init", "", `{"username":"admin","password":"secret"}`)
	require.Equal(e.t, http.StatusOK, resp.StatusCode)
	e.token = decode[map[string]any](e.t, resp)["token"].(string)

	resp = e.do(http.MethodPost, "/api/ingest", e.token, tasksJSON)
	require.Equal(e.t, http.StatusOK, resp.StatusCode)
	assert.Equal(e.t, 4, decode[map[string]int](e.t, resp)["accepted"])
}

func TestAuthFlow(t *testing.T) {
	e := newTestEnv(t, Options{})

	resp := e.do(http.MethodGet, "/api/system/status", "", "")
	assert.Equal(t, false, decode[map[string]bool](t, resp)["initialized"])

	resp = e.do(http.MethodGet, "/api/search", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	e.initAdmin()
	resp = e.do(http.MethodPost, "/api/system/init", "", `{"username":"x","password":"y"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(http.MethodPost, "/api/login", "", `{"username":"admin","password":"nope"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = e.do(http.MethodPost, "/api/login", "", `{"username":"admin","password":"secret"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	session := decode[map[string]any](t, resp)
	assert.Equal(t, controller.RoleSuperAdmin, session["role"])

	resp = e.do(http.MethodGet, "/api/search", "forged.jwt.value", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = e.do(http.MethodGet, "/api/search", session["token"].(string), "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRolesAndTokens(t *testing.T) {
	e := newTestEnv(t, Options{})
	e.initAdmin()

	resp := e.do(http.MethodPost, "/api/users", e.token, `{"username":"viewer","password":"pw","role":"viewer"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp = e.do(http.MethodPost, "/api/login", "", `{"username":"viewer","password":"pw"}`)
	viewer := decode[map[string]any](t, resp)["token"].(string)

	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, "/api/stats", viewer, "").StatusCode)
	assert.Equal(t, http.StatusForbidden, e.do(http.MethodPost, "/api/ingest", viewer, `[]`).StatusCode)
	assert.Equal(t, http.StatusForbidden, e.do(http.MethodGet, "/api/users", viewer, "").StatusCode)

	resp = e.do(http.MethodPost, "/api/tokens", e.token, `{"name":"grafana","type":"read"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	readToken := decode[map[string]string](t, resp)["token"]
	resp = e.do(http.MethodPost, "/api/tokens", e.token, `{"name":"loader","type":"write"}`)
	writeToken := decode[map[string]string](t, resp)["token"]

	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, "/api/search", readToken, "").StatusCode)
	assert.Equal(t, http.StatusForbidden, e.do(http.MethodPost, "/api/ingest", readToken, `[]`).StatusCode)
	assert.Equal(t, http.StatusOK, e.do(http.MethodPost, "/api/ingest", writeToken,
		`{"name":"late","status":"WAITING"}`).StatusCode)
	assert.Equal(t, http.StatusUnauthorized, e.do(http.MethodGet, "/api/search", "sk-unknown", "").StatusCode)

	resp = e.do(http.MethodDelete, "/api/users/viewer", e.token, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, http.StatusUnauthorized, e.do(http.MethodGet, "/api/stats", viewer, "").StatusCode)
}

func TestTokenListHidesSecrets(t *testing.T) {
	e := newTestEnv(t, Options{})
	e.initAdmin()

	resp := e.do(http.MethodPost, "/api/tokens", e.token, `{"name":"grafana","type":"read"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[map[string]string](t, resp)
	secret := created["token"]
	require.True(t, strings.HasPrefix(secret, "sk-"))

	resp = e.do(http.MethodGet, "/api/tokens", e.token, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	listed := decode[[]controller.APIToken](t, resp)
	require.Len(t, listed, 1)
	assert.Equal(t, created["id"], listed[0].ID)
	assert.NotEqual(t, secret, listed[0].Token)
	assert.True(t, strings.HasPrefix(listed[0].Token, "sk-****"))
	assert.True(t, strings.HasSuffix(listed[0].Token, secret[len(secret)-4:]))

	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, "/api/search", secret, "").StatusCode)
	assert.Equal(t, http.StatusUnauthorized, e.do(http.MethodGet, "/api/search", listed[0].Token, "").StatusCode)
}

func TestCannotDeleteSelfAnyCase(t *testing.T) {
	e := newTestEnv(t, Options{})
	e.initAdmin()

	for _, name := range []string{"admin", "ADMIN", "Admin"} {
		assert.Equal(t, http.StatusBadRequest, e.do(http.MethodDelete, "/api/users/"+name, e.token, "").StatusCode, name)
	}
	_, ok := e.meta.GetUser("admin")
	assert.True(t, ok)
	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, "/api/stats", e.token, "").StatusCode)
}

func TestFederatedSearchPageDepth(t *testing.T) {
	e := newTestEnv(t, Options{})
	e.initAdmin()
	e.srv.backend = cluster.NewAggregator(slog.New(slog.NewTextHandler(io.Discard, nil)),
		cluster.Node{Name: "local", Backend: cluster.Local{Engine: e.qe}})

	resp := e.do(http.MethodGet, "/api/search?limit=2", e.token, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 4, decode[searchResponse](t, resp).Total)

	q := url.Values{"offset": {"5000"}}
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodGet, "/api/search?"+q.Encode(), e.token, "").StatusCode)
}

func TestIngestValidation(t *testing.T) {
	e := newTestEnv(t, Options{})
	e.initAdmin()

	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/api/ingest", e.token, `{"name":`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/api/ingest", e.token, `[1]`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/api/ingest", e.token,
		`{"name":"x","status":"RUNNING","start_time":"soon"}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/api/ingest", e.token,
		`{"name":"","status":"RUNNING"}`).StatusCode)
	assert.Equal(t, 4, e.qe.Table().Len())

	got, ok := e.qe.Table().Get("wf-1/train-b/0")
	require.True(t, ok)
	start, _ := got.GetStartTime()
	assert.Equal(t, time.Date(2024, 1, 5, 13, 0, 0, 0, time.UTC), start)
	got, _ = e.qe.Table().Get("wf-1/eval/0")
	assert.EqualValues(t, "RUNNING", got.Status)
}

func TestSearchAndSuggest(t *testing.T) {
	e := newTestEnv(t, Options{})
	e.initAdmin()

	q := url.Values{}
	q.Add("f", "state:completed")
	q.Add("f", "state:failed")
	resp := e.do(http.MethodGet, "/api/search?"+q.Encode(), e.token, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decode[searchResponse](t, resp)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, "train-b", res.Tasks[0].Name)
	assert.Equal(t, "f=state%3Acompleted&f=state%3Afailed", res.Query)

	q = url.Values{"q": {`node:dgx-02 duration:<1h`}, "limit": {"1"}}
	resp = e.do(http.MethodGet, "/api/search?"+q.Encode(), e.token, "")
	res = decode[searchResponse](t, resp)
	assert.Equal(t, 0, res.Total)
	require.Len(t, res.Chips, 2)

	q = url.Values{"f": {"bogus:1"}}
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodGet, "/api/search?"+q.Encode(), e.token, "").StatusCode)
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodGet, "/api/search?limit=-1", e.token, "").StatusCode)

	q = url.Values{"input": {"node:"}, "f": {"state:completed"}}
	resp = e.do(http.MethodGet, "/api/suggest?"+q.Encode(), e.token, "")
	sugg := decode[[]smartql.Suggestion](t, resp)
	require.Len(t, sugg, 1)
	assert.Equal(t, "dgx-01", sugg[0].Value)
	assert.Equal(t, 2, sugg[0].Count)

	resp = e.do(http.MethodGet, "/api/fields", e.token, "")
	fields := decode[[]fieldInfo](t, resp)
	require.Len(t, fields, 10)
	assert.Equal(t, "name", fields[0].ID)
}

func TestChipActions(t *testing.T) {
	e := newTestEnv(t, Options{})
	e.initAdmin()

	post := func(body string) chipResponse {
		resp := e.do(http.MethodPost, "/api/chips", e.token, body)
		require.Equal(t, http.StatusOK, resp.StatusCode, body)
		return decode[chipResponse](t, resp)
	}

	got := post(`{"action":"input","input":"status:failed"}`)
	require.True(t, got.Accepted)
	assert.Equal(t, "FAILED", got.Chips[0].Value)

	got = post(`{"action":"input","input":"duration:abc","chips":[{"field":"status","value":"FAILED"}]}`)
	assert.False(t, got.Accepted)
	assert.Len(t, got.Chips, 1)

	got = post(`{"action":"parse","input":"node:dgx-01 duration:>1m duration:<1h"}`)
	require.Len(t, got.Chips, 2)
	assert.Equal(t, "<1h", got.Chips[1].Value)

	got = post(`{"action":"pop","chips":[{"field":"node","value":"a"},{"field":"node","value":"b"}]}`)
	require.Len(t, got.Chips, 1)
	assert.Equal(t, "a", got.Chips[0].Value)

	got = post(`{"action":"suggestion","suggestion":{"kind":"state","field":"state","value":"running"}}`)
	assert.True(t, got.Accepted)
	assert.Equal(t, "f=state%3Arunning", got.Query)

	got = post(`{"action":"decode","input":"f=node%3Adgx-01"}`)
	require.Len(t, got.Chips, 1)
	assert.Equal(t, "node:dgx-01", got.Chips[0].Label)

	assert.Equal(t, http.StatusBadRequest,
		e.do(http.MethodPost, "/api/chips", e.token, `{"action":"remove","index":3}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest,
		e.do(http.MethodPost, "/api/chips", e.token, `{"action":"explode"}`).StatusCode)
}

func TestHistogramStatsExport(t *testing.T) {
	e := newTestEnv(t, Options{})
	e.initAdmin()

	resp := e.do(http.MethodGet, "/api/histogram?interval=1h", e.token, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	points := decode[[]engine.HistogramPoint](t, resp)
	require.Len(t, points, 3)
	assert.Equal(t, time.Date(2024, 1, 5, 12, 0, 0, 0, time.UTC).UnixMilli(), points[0].Time)
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodGet, "/api/histogram?interval=soon", e.token, "").StatusCode)

	resp = e.do(http.MethodGet, "/api/stats?f=node%3Adgx-02", e.token, "")
	stats := decode[engine.SystemStats](t, resp)
	assert.Equal(t, 2, stats.TotalTasks)
	assert.Equal(t, 1, stats.StateCounts["failed"])

	resp = e.do(http.MethodGet, "/api/export.xlsx?f=state%3Acompleted", e.token, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "tasks.xlsx")
	f, err := excelize.OpenReader(resp.Body)
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows("Tasks")
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestSavedViews(t *testing.T) {
	e := newTestEnv(t, Options{})
	e.initAdmin()

	resp := e.do(http.MethodPost, "/api/views", e.token, `{"name":"gpu failures","query":"state:failed node:dgx-02"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	view := decode[viewResponse](t, resp)
	assert.Equal(t, "f=state%3Afailed&f=node%3Adgx-02", view.Query)

	resp = e.do(http.MethodGet, "/api/views", e.token, "")
	assert.Len(t, decode[[]viewResponse](t, resp), 1)

	resp = e.do(http.MethodGet, "/api/views/"+view.ID, e.token, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, http.StatusBadRequest,
		e.do(http.MethodPost, "/api/views", e.token, `{"name":"bad","chips":[{"field":"nope","value":"1"}]}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest,
		e.do(http.MethodPost, "/api/views", e.token, `{"name":"empty"}`).StatusCode)

	assert.Equal(t, http.StatusNoContent, e.do(http.MethodDelete, "/api/views/"+view.ID, e.token, "").StatusCode)
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodGet, "/api/views/"+view.ID, e.token, "").StatusCode)
}

func TestConfigUpdatesRetention(t *testing.T) {
	e := newTestEnv(t, Options{})
	e.initAdmin()

	assert.Equal(t, http.StatusBadRequest,
		e.do(http.MethodPost, "/api/system/config", e.token, `{"retention":"soon"}`).StatusCode)
	require.Equal(t, http.StatusOK,
		e.do(http.MethodPost, "/api/system/config", e.token, `{"retention":"72h"}`).StatusCode)
	assert.Equal(t, 72*time.Hour, e.qe.Retention())

	resp := e.do(http.MethodGet, "/api/system/config", e.token, "")
	assert.Equal(t, "72h", decode[controller.Config](t, resp).Retention)
}

func TestKeystrokeThrottle(t *testing.T) {
	e := newTestEnv(t, Options{RateLimit: 0.001, RateBurst: 1})
	e.initAdmin()

	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, "/api/suggest?input=tr", e.token, "").StatusCode)
	resp := e.do(http.MethodGet, "/api/suggest?input=tra", e.token, "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))

	// Search is not throttled.
	assert.Equal(t, http.StatusOK, e.do(http.MethodGet, "/api/search", e.token, "").StatusCode)

	resp = e.do(http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `smartsearch_throttled_requests_total{route="suggest"} 1`)
}

func TestClientRegistry(t *testing.T) {
	e := newTestEnv(t, Options{})
	e.initAdmin()

	resp := e.do(http.MethodPost, "/api/clients/handshake", e.token, `{"client_id":"c-1","name":"exporter"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 50, decode[registry.BatchConfig](t, resp).BatchSize)

	req, err := http.NewRequest(http.MethodPost, e.ts.URL+"/api/ingest", strings.NewReader(`{"name":"n","status":"WAITING"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+e.token)
	req.Header.Set(clientIDHeader, "c-1")
	ingest, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	ingest.Body.Close()

	resp = e.do(http.MethodGet, "/api/clients", e.token, "")
	clients := decode[[]registry.Client](t, resp)
	require.Len(t, clients, 1)
	assert.Equal(t, int64(1), clients[0].TasksSent)
}
