package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"governor/internal/config"
	"governor/internal/db"
	"governor/internal/engine"
	"governor/internal/governance"
	"governor/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	reg := prometheus.NewRegistry()
	e := engine.New(conn, cfg)
	e.Metrics = governance.NewMetrics(reg)
	handler, err := New(Config{
		Engine:   e,
		Auth:     AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true},
		Registry: reg,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func bearer(t *testing.T, actor string, roles ...string) map[string]string {
	t.Helper()
	token, err := SignToken(testSecret, actor, roles, nil, time.Hour)
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestHealthIsPublicAndAPIRequiresAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks", nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode, string(body))

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks", nil, map[string]string{"Authorization": "Bearer not-a-jwt"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestViewerCannotWrite(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	viewer := bearer(t, "alice", "viewer")

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks", nil, viewer)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	assert.JSONEq(t, `[]`, string(body))

	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks", map[string]any{
		"name": "hourly rebalance", "command": "rebalance",
	}, viewer)
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(body))
	assert.Contains(t, string(body), "governance.write")

	// The legacy actor header is read-only.
	legacy := map[string]string{"X-Actor-Id": "bob"}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/kpis", nil, legacy)
	require.Equal(t, http.StatusOK, res.StatusCode)
	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/governance/tick", nil, legacy)
	require.Equal(t, http.StatusForbidden, res.StatusCode)
}

func TestMeReportsResolvedPermissions(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, bearer(t, "alice", "viewer"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var me WhoAmIResponse
	require.NoError(t, json.Unmarshal(body, &me))
	assert.Equal(t, "alice", me.ActorID)
	assert.Equal(t, "jwt", me.Source)
	assert.Equal(t, []string{"governance.read"}, me.Permissions)
}

func TestTaskLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	admin := bearer(t, "alice", "admin")

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks", map[string]any{
		"id":              "hourly-rebalance",
		"name":            "hourly rebalance",
		"command":         "rebalance",
		"payload":         map[string]any{"reason": "hourly"},
		"cron_expression": "0 * * * *",
	}, admin)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(body))
	var created TaskResponse
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Equal(t, "execution", created.Channel)
	assert.Equal(t, 100, created.Priority)
	assert.True(t, created.IsActive)
	require.NotNil(t, created.NextRunAt)
	assert.Zero(t, created.NextRunAt.Minute())

	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks", map[string]any{
		"id": "hourly-rebalance", "name": "dup", "command": "rebalance",
	}, admin)
	require.Equal(t, http.StatusConflict, res.StatusCode, string(body))

	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks", map[string]any{
		"name": "broken", "command": "rebalance", "cron_expression": "not a cron",
	}, admin)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(body))
	assert.Contains(t, string(body), "cron_expression")

	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks/hourly-rebalance/deactivate", nil, admin)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var toggled TaskResponse
	require.NoError(t, json.Unmarshal(body, &toggled))
	assert.False(t, toggled.IsActive)

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks?active=true", nil, admin)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	assert.JSONEq(t, `[]`, string(body))

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks/missing", nil, admin)
	require.Equal(t, http.StatusNotFound, res.StatusCode)

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/events?entity_kind=task&entity_id=hourly-rebalance", nil, admin)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var evts []EventResponse
	require.NoError(t, json.Unmarshal(body, &evts))
	require.Len(t, evts, 2)
	assert.Equal(t, "alice", evts[0].ActorID)
}

func TestPlaybookCreateAndTest(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	admin := bearer(t, "alice", "admin")

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/playbooks", map[string]any{
		"id":               "dd-guard",
		"name":             "drawdown guard",
		"trigger_spec":     map[string]any{"kind": "metric", "name": "global_drawdown_pct", "op": ">=", "value": 0.05},
		"steps":            []map[string]any{{"command": "set-risk", "payload": map[string]any{"max_leverage": 0.5}}},
		"cooldown_seconds": 300,
	}, admin)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(body))
	var pb PlaybookResponse
	require.NoError(t, json.Unmarshal(body, &pb))
	assert.Equal(t, "armed", pb.State)

	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/playbooks", map[string]any{
		"name":         "bad",
		"trigger_spec": map[string]any{"kind": "metric", "name": "sharpe", "op": ">", "value": 1},
		"steps":        []map[string]any{{"command": "noop"}},
	}, admin)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(body))

	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/metrics/drawdown", map[string]any{"global_drawdown_pct": 0.052}, admin)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(body))

	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/playbooks/dd-guard/test", nil, admin)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var result TriggerResultResponse
	require.NoError(t, json.Unmarshal(body, &result))
	assert.True(t, result.Fired)
	assert.InDelta(t, 0.052, result.Observed, 1e-9)

	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/playbooks/test-trigger", map[string]any{
		"trigger_spec": map[string]any{"kind": "agent_errors", "agent": "momentum", "op": ">", "value": 3},
	}, admin)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &result))
	assert.False(t, result.Fired)

	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/playbooks/dd-guard/toggle", map[string]any{"is_active": false}, admin)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &pb))
	assert.False(t, pb.IsActive)
}

func TestTickEmitsKillSwitch(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	admin := bearer(t, "alice", "admin")

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/metrics/drawdown", map[string]any{"global_drawdown_pct": 0.07}, admin)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(body))

	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/governance/tick", nil, admin)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/commands?issued_by=scaling&channel=execution", nil, admin)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var cmds []CommandResponse
	require.NoError(t, json.Unmarshal(body, &cmds))
	var kinds []string
	for _, c := range cmds {
		kinds = append(kinds, c.Command)
		assert.Equal(t, "queued", c.Status)
	}
	assert.Contains(t, kinds, governance.CommandKillSwitch)

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/kpis", nil, admin)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var kpis []KPIResponse
	require.NoError(t, json.Unmarshal(body, &kpis))
	require.Len(t, kpis, 1)
	assert.Equal(t, governance.SeedNote, kpis[0].Notes)

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.True(t, strings.Contains(string(body), "governor_ticks_total 1"), "ticks counter missing")
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	plain, _, err := srv.Engine.CreateAPIKey(context.Background(), "risk-bot", "bot", "operator")
	require.NoError(t, err)

	key := map[string]string{"X-Api-Key": plain}
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/metrics/agent-errors", map[string]any{
		"agent": "momentum", "error_count_1h": 4,
	}, key)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks", nil, map[string]string{"X-Api-Key": "gov_wrong"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestOpenAPIDocumentsSecurity(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(body, &doc))
	paths, ok := doc["paths"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, paths, "/v1/governance/tick")
	assert.Contains(t, string(body), "bearerAuth")
}
