package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/cuemby/drover/pkg/faults"
	"github.com/cuemby/drover/pkg/types"
)

// submitTaskRequest is the wire form of a task submission
type submitTaskRequest struct {
	ID             string           `json:"id,omitempty"`
	TenantID       string           `json:"tenantId"`
	SessionID      string           `json:"sessionId,omitempty"`
	Payload        string           `json:"payload"`
	Priority       string           `json:"priority,omitempty"`
	Deadline       string           `json:"deadline,omitempty"` // RFC 3339
	Capabilities   []string         `json:"capabilities,omitempty"`
	Region         string           `json:"region,omitempty"`
	RuntimeKinds   []string         `json:"runtimeKinds,omitempty"`
	BudgetCeiling  float64          `json:"budgetCeiling,omitempty"`
	BudgetOverride bool             `json:"budgetOverride,omitempty"`
	CorrelationID  string           `json:"correlationId,omitempty"`
	RetryPolicy    *retryPolicyWire `json:"retryPolicy,omitempty"`
}

type retryPolicyWire struct {
	MaxAttempts int     `json:"maxAttempts"`
	BaseDelayMS int64   `json:"baseDelayMs,omitempty"`
	MaxDelayMS  int64   `json:"maxDelayMs,omitempty"`
	Backoff     string  `json:"backoff,omitempty"`
	JitterPct   float64 `json:"jitterPct,omitempty"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.writeError(w, faults.Wrap(faults.KindInvalidInput, err, "failed to read request"))
		return
	}

	// Validate the raw envelope before decoding so malformed submissions
	// fail with the schema violation, not a decoder error.
	if err := s.validator.Validate(body); err != nil {
		s.writeError(w, err)
		return
	}

	var req submitTaskRequest
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&req); err != nil {
		s.writeError(w, faults.Wrap(faults.KindInvalidInput, err, "malformed submission"))
		return
	}

	if !s.limiter.Allow(req.TenantID) {
		s.writeError(w, faults.New(faults.KindFederationCapacity, "tenant %s exceeded submission rate", req.TenantID))
		return
	}

	task, err := req.toTask()
	if err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.engine.Submit(r.Context(), task); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, viewOf(task))
}

func (r *submitTaskRequest) toTask() (*types.Task, error) {
	task := &types.Task{
		ID:             r.ID,
		TenantID:       r.TenantID,
		SessionID:      r.SessionID,
		Payload:        []byte(r.Payload),
		Priority:       types.Priority(r.Priority),
		Capabilities:   r.Capabilities,
		Region:         r.Region,
		BudgetCeiling:  r.BudgetCeiling,
		BudgetOverride: r.BudgetOverride,
		CorrelationID:  r.CorrelationID,
	}

	if r.Deadline != "" {
		deadline, err := time.Parse(time.RFC3339, r.Deadline)
		if err != nil {
			return nil, faults.Wrap(faults.KindInvalidInput, err, "malformed deadline")
		}
		task.Deadline = deadline
	}

	for _, kind := range r.RuntimeKinds {
		task.RuntimeKinds = append(task.RuntimeKinds, types.RuntimeKind(kind))
	}

	if r.RetryPolicy != nil {
		task.RetryPolicy = &types.RetryPolicy{
			MaxAttempts: r.RetryPolicy.MaxAttempts,
			BaseDelay:   time.Duration(r.RetryPolicy.BaseDelayMS) * time.Millisecond,
			MaxDelay:    time.Duration(r.RetryPolicy.MaxDelayMS) * time.Millisecond,
			Backoff:     types.BackoffKind(r.RetryPolicy.Backoff),
			JitterPct:   r.RetryPolicy.JitterPct,
		}
	}

	return task, nil
}
