package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuemby/drover/pkg/audit"
	"github.com/cuemby/drover/pkg/breaker"
	"github.com/cuemby/drover/pkg/budget"
	"github.com/cuemby/drover/pkg/config"
	"github.com/cuemby/drover/pkg/events"
	"github.com/cuemby/drover/pkg/fallback"
	"github.com/cuemby/drover/pkg/lifecycle"
	"github.com/cuemby/drover/pkg/policy"
	"github.com/cuemby/drover/pkg/registry"
	"github.com/cuemby/drover/pkg/router"
	"github.com/cuemby/drover/pkg/runtime"
	"github.com/cuemby/drover/pkg/storage"
	"github.com/cuemby/drover/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type okDispatcher struct{}

func (okDispatcher) Dispatch(ctx context.Context, inst *types.Instance, task *types.Task, kind types.RuntimeKind) (*runtime.ExecResult, error) {
	return &runtime.ExecResult{ExitCode: 0, Cost: 1}, nil
}

type apiFixture struct {
	server   *Server
	ts       *httptest.Server
	store    storage.Store
	registry *registry.Registry
	bus      *events.Bus
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	cfg := *config.DefaultConfig()
	cfg.Drain.AdmissionDrainWindow = 50 * time.Millisecond
	cfg.Drain.RunningDrainWindow = 50 * time.Millisecond

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := events.NewBus()
	t.Cleanup(bus.Close)

	reg, err := registry.NewRegistry(store, bus, time.Minute)
	require.NoError(t, err)

	auditLog, err := audit.NewLog(store)
	require.NoError(t, err)

	brk := breaker.New(breaker.DefaultConfig())
	gate := budget.NewGate(cfg.Budget, bus, budget.WithAuditor(auditLog))
	gate.SetBudget(&types.TenantBudget{TenantID: "acme", Scope: types.BudgetScopeDaily, Limit: 100})

	engine := lifecycle.NewEngine(cfg, lifecycle.Deps{
		Store:      store,
		Router:     router.NewRouter(cfg.Router, reg, brk, bus),
		Ladder:     fallback.NewLadder(policy.AllowAll(), bus),
		Breaker:    brk,
		Gate:       gate,
		Bus:        bus,
		Dispatcher: okDispatcher{},
	})
	require.NoError(t, engine.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		engine.Shutdown(ctx)
	})

	server, err := NewServer(cfg.API, Deps{
		Engine:   engine,
		Registry: reg,
		Gate:     gate,
		Audit:    auditLog,
		Bus:      bus,
		Store:    store,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return &apiFixture{server: server, ts: ts, store: store, registry: reg, bus: bus}
}

func (f *apiFixture) post(t *testing.T, path string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.ts.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func (f *apiFixture) addInstance(t *testing.T) {
	t.Helper()
	resp := f.post(t, "/v1/instances", registerInstanceRequest{
		ID:           "i-1",
		Endpoint:     "http://worker-1:8080",
		RuntimeKinds: []string{"remote-sandbox", "host-sandbox"},
		Resources:    &resources{MaxConcurrentSessions: 10},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, f.registry.SetHealth("i-1", &types.HealthState{Status: types.HealthHealthy}))
}

func decodeTask(t *testing.T, resp *http.Response) taskView {
	t.Helper()
	defer resp.Body.Close()
	var view taskView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	return view
}

func TestSubmitRunsTask(t *testing.T) {
	f := newAPIFixture(t)
	f.addInstance(t)

	resp := f.post(t, "/v1/tasks", submitTaskRequest{
		ID:       "t-1",
		TenantID: "acme",
		Payload:  "echo hello",
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	view := decodeTask(t, resp)
	assert.Equal(t, "t-1", view.ID)

	require.Eventually(t, func() bool {
		res, err := http.Get(f.ts.URL + "/v1/tasks/t-1")
		if err != nil {
			return false
		}
		defer res.Body.Close()
		var got taskView
		if json.NewDecoder(res.Body).Decode(&got) != nil {
			return false
		}
		return got.State == types.TaskSucceeded
	}, 3*time.Second, 20*time.Millisecond)
}

func TestSubmitRejectsSchemaViolations(t *testing.T) {
	f := newAPIFixture(t)

	for name, body := range map[string]string{
		"missing tenant":  `{"payload": "x"}`,
		"empty payload":   `{"tenantId": "acme", "payload": ""}`,
		"bad priority":    `{"tenantId": "acme", "payload": "x", "priority": "urgent"}`,
		"unknown runtime": `{"tenantId": "acme", "payload": "x", "runtimeKinds": ["bare-metal"]}`,
		"unknown field":   `{"tenantId": "acme", "payload": "x", "color": "red"}`,
	} {
		resp, err := http.Post(f.ts.URL+"/v1/tasks", "application/json", bytes.NewReader([]byte(body)))
		require.NoError(t, err, name)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, name)
	}
}

func TestSubmitRejectsOverBudget(t *testing.T) {
	f := newAPIFixture(t)
	f.addInstance(t)

	resp := f.post(t, "/v1/tasks", submitTaskRequest{
		TenantID: "no-budget",
		Payload:  "echo hello",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	var body errorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "budget-exceeded", body.Kind)
}

func TestCancelTask(t *testing.T) {
	f := newAPIFixture(t)
	f.addInstance(t)

	resp := f.post(t, "/v1/tasks", submitTaskRequest{ID: "t-1", TenantID: "acme", Payload: "echo"})
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	req, err := http.NewRequest(http.MethodDelete, f.ts.URL+"/v1/tasks/t-1", nil)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusAccepted, res.StatusCode)
}

func TestInstanceLifecycleOverHTTP(t *testing.T) {
	f := newAPIFixture(t)
	f.addInstance(t)

	resp := f.post(t, "/v1/instances/i-1/heartbeat", heartbeatRequest{
		CPUUtil: 0.4, ActiveSessions: 3,
	})
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	res, err := http.Get(f.ts.URL + "/v1/instances")
	require.NoError(t, err)
	defer res.Body.Close()
	var instances []*types.Instance
	require.NoError(t, json.NewDecoder(res.Body).Decode(&instances))
	require.Len(t, instances, 1)
	assert.Equal(t, 3, instances[0].Load.ActiveSessions)

	req, err := http.NewRequest(http.MethodDelete, f.ts.URL+"/v1/instances/i-1", nil)
	require.NoError(t, err)
	dres, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	dres.Body.Close()
	assert.Equal(t, http.StatusAccepted, dres.StatusCode)

	inst, ok := f.registry.Get("i-1")
	require.True(t, ok)
	assert.Equal(t, types.InstanceDraining, inst.Status)
}

func TestBudgetEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	data, _ := json.Marshal(map[string]interface{}{"scope": "daily", "limit": 42.0})
	req, err := http.NewRequest(http.MethodPut, f.ts.URL+"/v1/tenants/globex/budget", bytes.NewReader(data))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	res, err := http.Get(f.ts.URL + "/v1/tenants/globex/budget")
	require.NoError(t, err)
	defer res.Body.Close()
	var b types.TenantBudget
	require.NoError(t, json.NewDecoder(res.Body).Decode(&b))
	assert.Equal(t, 42.0, b.Limit)

	// Budgets survive in the store too.
	stored, err := f.store.GetBudget("globex", types.BudgetScopeDaily)
	require.NoError(t, err)
	assert.Equal(t, 42.0, stored.Limit)
}

func TestBudgetRollbackOverHTTP(t *testing.T) {
	f := newAPIFixture(t)

	// The fixture installs acme/daily with limit 100, audited as the first
	// entry. Replace it, then roll back to the original.
	data, _ := json.Marshal(map[string]interface{}{"scope": "daily", "limit": 42.0})
	req, err := http.NewRequest(http.MethodPut, f.ts.URL+"/v1/tenants/acme/budget", bytes.NewReader(data))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	res, err := http.Get(f.ts.URL + "/v1/audit/budget/acme/daily")
	require.NoError(t, err)
	defer res.Body.Close()
	var entries []*types.AuditEntry
	require.NoError(t, json.NewDecoder(res.Body).Decode(&entries))
	require.Len(t, entries, 2)

	rb := f.post(t, "/v1/audit/rollback", map[string]interface{}{
		"kind":      "budget",
		"entityId":  "acme/daily",
		"targetSeq": entries[0].Seq,
	})
	defer rb.Body.Close()
	require.Equal(t, http.StatusOK, rb.StatusCode)

	var restored types.TenantBudget
	require.NoError(t, json.NewDecoder(rb.Body).Decode(&restored))
	assert.Equal(t, 100.0, restored.Limit)

	// The gate and the store both carry the rolled-back budget.
	b, err := f.store.GetBudget("acme", types.BudgetScopeDaily)
	require.NoError(t, err)
	assert.Equal(t, 100.0, b.Limit)
}

func TestRollbackRejectsNonBudgetEntities(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.post(t, "/v1/audit/rollback", map[string]interface{}{
		"kind":      "task",
		"entityId":  "t-1",
		"targetSeq": 1,
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRateLimitExhaustsBurst(t *testing.T) {
	f := newAPIFixture(t)
	f.server.limiter = newTenantLimiter(1, 2)
	f.addInstance(t)

	var limited bool
	for i := 0; i < 5; i++ {
		resp := f.post(t, "/v1/tasks", submitTaskRequest{TenantID: "acme", Payload: "echo"})
		if resp.StatusCode == http.StatusServiceUnavailable {
			limited = true
		}
		resp.Body.Close()
	}
	assert.True(t, limited)
}

func TestEventStreamDeliversTaskEvents(t *testing.T) {
	f := newAPIFixture(t)
	f.addInstance(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.ts.URL+"/v1/events?tenant=acme", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	sub := f.post(t, "/v1/tasks", submitTaskRequest{ID: "t-1", TenantID: "acme", Payload: "echo"})
	sub.Body.Close()

	buf := make([]byte, 4096)
	n, err := resp.Body.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), "task.")
}

func TestHealthAndReady(t *testing.T) {
	f := newAPIFixture(t)

	res, err := http.Get(f.ts.URL + "/health")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, err = http.Get(f.ts.URL + "/ready")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	var body struct {
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Equal(t, "standalone", body.Checks["raft"])
}
