package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/drover/pkg/audit"
	"github.com/cuemby/drover/pkg/budget"
	"github.com/cuemby/drover/pkg/config"
	"github.com/cuemby/drover/pkg/controlplane"
	"github.com/cuemby/drover/pkg/events"
	"github.com/cuemby/drover/pkg/faults"
	"github.com/cuemby/drover/pkg/lifecycle"
	"github.com/cuemby/drover/pkg/log"
	"github.com/cuemby/drover/pkg/metrics"
	"github.com/cuemby/drover/pkg/registry"
	"github.com/cuemby/drover/pkg/storage"
	"github.com/cuemby/drover/pkg/types"
	"github.com/rs/zerolog"
)

// Server is the HTTP/JSON control-plane API: task submission and
// cancellation for clients, registration and heartbeats for workers,
// event streaming, audit history and cluster membership.
type Server struct {
	cfg       config.APIConfig
	engine    *lifecycle.Engine
	registry  *registry.Registry
	gate      *budget.Gate
	auditLog  *audit.Log
	bus       *events.Bus
	store     storage.Store
	node      *controlplane.Node // nil when running without replication
	limiter   *tenantLimiter
	validator *SubmitValidator
	logger    zerolog.Logger

	http *http.Server
}

// Deps collects the server's collaborators. Node may be nil.
type Deps struct {
	Engine   *lifecycle.Engine
	Registry *registry.Registry
	Gate     *budget.Gate
	Audit    *audit.Log
	Bus      *events.Bus
	Store    storage.Store
	Node     *controlplane.Node
}

// NewServer creates the API server
func NewServer(cfg config.APIConfig, deps Deps) (*Server, error) {
	validator, err := NewSubmitValidator()
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		engine:    deps.Engine,
		registry:  deps.Registry,
		gate:      deps.Gate,
		auditLog:  deps.Audit,
		bus:       deps.Bus,
		store:     deps.Store,
		node:      deps.Node,
		limiter:   newTenantLimiter(cfg.SubmitRatePerSecond, cfg.SubmitBurst),
		validator: validator,
		logger:    log.WithComponent("api"),
	}
	return s, nil
}

// Handler returns the routed HTTP handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/tasks", s.submitTask)
	mux.HandleFunc("GET /v1/tasks/{id}", s.getTask)
	mux.HandleFunc("GET /v1/tasks", s.listTasks)
	mux.HandleFunc("DELETE /v1/tasks/{id}", s.cancelTask)
	mux.HandleFunc("GET /v1/tasks/{id}/attempts", s.listAttempts)

	mux.HandleFunc("POST /v1/instances", s.registerInstance)
	mux.HandleFunc("GET /v1/instances", s.listInstances)
	mux.HandleFunc("POST /v1/instances/{id}/heartbeat", s.heartbeat)
	mux.HandleFunc("DELETE /v1/instances/{id}", s.deregisterInstance)

	mux.HandleFunc("PUT /v1/tenants/{tenant}/budget", s.putBudget)
	mux.HandleFunc("GET /v1/tenants/{tenant}/budget", s.getBudget)
	mux.HandleFunc("PUT /v1/tenants/{tenant}/quota", s.putQuota)

	mux.HandleFunc("GET /v1/audit/{kind}/{id...}", s.auditHistory)
	mux.HandleFunc("POST /v1/audit/rollback", s.auditRollback)
	mux.HandleFunc("GET /v1/events", s.streamEvents)

	mux.HandleFunc("POST /v1/cluster/join", s.clusterJoin)
	mux.HandleFunc("GET /v1/cluster/servers", s.clusterServers)

	mux.HandleFunc("GET /health", s.health)
	mux.HandleFunc("GET /ready", s.ready)
	mux.Handle("GET /metrics", metrics.Handler())

	return s.instrument(mux)
}

// instrument records per-method request counts and latency. Event streams
// are passed through untouched; they stay open for the client's lifetime.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/events" {
			next.ServeHTTP(w, r)
			return
		}
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		timer.ObserveDuration(metrics.APIRequestDuration.WithLabelValues(r.Method))
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Start serves the API until Shutdown
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 0, // SSE streams stay open
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info().Str("addr", addr).Msg("API listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// errorResponse is the JSON body of every non-200 response
type errorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// writeError maps fault kinds to HTTP status codes. Unclassified errors
// surface as 500 without internals.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := faults.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case faults.KindInvalidInput:
		status = http.StatusBadRequest
	case faults.KindPolicyDenied:
		status = http.StatusForbidden
	case faults.KindBudgetExceeded:
		status = http.StatusTooManyRequests
	case faults.KindFederationCapacity:
		status = http.StatusServiceUnavailable
	case faults.KindInstanceLost, faults.KindNoEligibleInstance:
		status = http.StatusNotFound
	}

	message := err.Error()
	var fe *faults.Error
	if errors.As(err, &fe) {
		message = fe.ClientMessage()
	}
	writeJSON(w, status, errorResponse{Kind: string(kind), Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	ready := true

	if s.node != nil {
		if s.node.IsLeader() {
			checks["raft"] = "leader"
		} else if leader := s.node.LeaderAddr(); leader != "" {
			checks["raft"] = "follower (leader: " + leader + ")"
		} else {
			checks["raft"] = "no leader elected"
			ready = false
		}
	} else {
		checks["raft"] = "standalone"
	}

	if _, err := s.store.ListInstances(); err != nil {
		checks["storage"] = "error: " + err.Error()
		ready = false
	} else {
		checks["storage"] = "ok"
	}

	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "not ready"
	}
	writeJSON(w, status, map[string]interface{}{
		"status":    state,
		"timestamp": time.Now().UTC(),
		"checks":    checks,
	})
}

func (s *Server) clusterJoin(w http.ResponseWriter, r *http.Request) {
	if s.node == nil {
		s.writeError(w, faults.New(faults.KindInvalidInput, "replication is not enabled"))
		return
	}

	var req struct {
		NodeID  string `json:"nodeId"`
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, faults.Wrap(faults.KindInvalidInput, err, "malformed join request"))
		return
	}
	if err := s.node.AddVoter(req.NodeID, req.Address); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "joined"})
}

func (s *Server) clusterServers(w http.ResponseWriter, r *http.Request) {
	if s.node == nil {
		writeJSON(w, http.StatusOK, []interface{}{})
		return
	}
	servers, err := s.node.Servers()
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]map[string]string, 0, len(servers))
	for _, server := range servers {
		out = append(out, map[string]string{
			"id":      string(server.ID),
			"address": string(server.Address),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// taskView is the wire shape of a task in responses
type taskView struct {
	ID           string              `json:"id"`
	TenantID     string              `json:"tenantId"`
	SessionID    string              `json:"sessionId,omitempty"`
	Priority     types.Priority      `json:"priority"`
	State        types.TaskState     `json:"state"`
	FailureKind  string              `json:"failureKind,omitempty"`
	Message      string              `json:"message,omitempty"`
	InstanceID   string              `json:"instanceId,omitempty"`
	Attempts     int                 `json:"attempts"`
	SubmittedAt  time.Time           `json:"submittedAt"`
	FinishedAt   *time.Time          `json:"finishedAt,omitempty"`
	RuntimeKinds []types.RuntimeKind `json:"runtimeKinds,omitempty"`
}

func viewOf(task *types.Task) taskView {
	v := taskView{
		ID:           task.ID,
		TenantID:     task.TenantID,
		SessionID:    task.SessionID,
		Priority:     task.Priority,
		State:        task.State,
		FailureKind:  task.FailureKind,
		Message:      task.Message,
		InstanceID:   task.InstanceID,
		Attempts:     len(task.Attempts),
		SubmittedAt:  task.SubmittedAt,
		RuntimeKinds: task.RuntimeKinds,
	}
	if !task.FinishedAt.IsZero() {
		finished := task.FinishedAt
		v.FinishedAt = &finished
	}
	return v
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.engine.GetTask(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Kind: "not-found", Message: "task not found"})
		return
	}
	writeJSON(w, http.StatusOK, viewOf(task))
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	var tasks []*types.Task
	var err error
	if tenant != "" {
		tasks, err = s.store.ListTasksByTenant(tenant)
	} else {
		tasks, err = s.store.ListTasks()
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	views := make([]taskView, 0, len(tasks))
	for _, task := range tasks {
		views = append(views, viewOf(task))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Cancel(r.PathValue("id")); err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Kind: "not-found", Message: "task not found"})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (s *Server) listAttempts(w http.ResponseWriter, r *http.Request) {
	attempts, err := s.store.ListAttemptsByTask(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, attempts)
}

func (s *Server) putBudget(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")
	var req struct {
		Scope types.BudgetScope `json:"scope"`
		Limit float64           `json:"limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, faults.Wrap(faults.KindInvalidInput, err, "malformed budget"))
		return
	}
	if req.Scope == "" {
		req.Scope = types.BudgetScopeDaily
	}
	if req.Limit <= 0 {
		s.writeError(w, faults.New(faults.KindInvalidInput, "budget limit must be positive"))
		return
	}

	b := &types.TenantBudget{
		TenantID:      tenant,
		Scope:         req.Scope,
		Limit:         req.Limit,
		SchemaVersion: types.SchemaVersion,
	}
	s.gate.SetBudget(b)
	if err := s.store.UpsertBudget(b); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) getBudget(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")
	scope := types.BudgetScope(r.URL.Query().Get("scope"))
	if scope == "" {
		scope = types.BudgetScopeDaily
	}
	b, ok := s.gate.Budget(tenant, scope)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Kind: "not-found", Message: "no budget for tenant"})
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) putQuota(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("tenant")
	var req struct {
		MaxActiveTasks int `json:"maxActiveTasks"`
		MaxInstances   int `json:"maxInstances"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, faults.Wrap(faults.KindInvalidInput, err, "malformed quota"))
		return
	}

	q := &types.Quota{
		TenantID:       tenant,
		MaxActiveTasks: req.MaxActiveTasks,
		MaxInstances:   req.MaxInstances,
		SchemaVersion:  types.SchemaVersion,
	}
	s.gate.SetQuota(q)
	if err := s.store.UpsertQuota(q); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) auditHistory(w http.ResponseWriter, r *http.Request) {
	kind := types.EntityKind(r.PathValue("kind"))
	entries, err := s.auditLog.History(kind, r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// auditRollback restores a tenant budget to the state recorded at an
// earlier audit entry. The reconstructed snapshot is applied through the
// gate and the store, and the rollback is announced on the bus. Only
// budgets are rollback targets: task and instance state is owned by their
// live components and reconverges through the lifecycle and health loops.
func (s *Server) auditRollback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind      types.EntityKind `json:"kind"`
		EntityID  string           `json:"entityId"`
		TargetSeq uint64           `json:"targetSeq"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, faults.Wrap(faults.KindInvalidInput, err, "malformed rollback request"))
		return
	}
	if req.Kind != types.EntityBudget {
		s.writeError(w, faults.New(faults.KindInvalidInput, "rollback supports budget entities only"))
		return
	}
	tenant, scope, ok := strings.Cut(req.EntityID, "/")
	if !ok {
		s.writeError(w, faults.New(faults.KindInvalidInput, "budget entity id must be tenant/scope"))
		return
	}
	current, ok := s.gate.Budget(tenant, types.BudgetScope(scope))
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Kind: "not-found", Message: "no budget for tenant"})
		return
	}

	snapshot, err := s.auditLog.Rollback(req.Kind, req.EntityID, req.TargetSeq, current)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var restored types.TenantBudget
	if err := json.Unmarshal(snapshot, &restored); err != nil {
		s.writeError(w, err)
		return
	}
	s.gate.Restore([]*types.TenantBudget{&restored}, nil)
	if err := s.store.UpsertBudget(&restored); err != nil {
		s.writeError(w, err)
		return
	}

	if s.bus != nil {
		s.bus.Publish(&events.Event{
			Type:     events.EventAuditRollback,
			TenantID: restored.TenantID,
			Message:  fmt.Sprintf("budget %s rolled back to seq %d", req.EntityID, req.TargetSeq),
		})
	}
	writeJSON(w, http.StatusOK, &restored)
}
