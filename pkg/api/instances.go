package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cuemby/drover/pkg/faults"
	"github.com/cuemby/drover/pkg/types"
)

// registerInstanceRequest is the wire form of a worker registration
type registerInstanceRequest struct {
	ID           string    `json:"id"`
	Endpoint     string    `json:"endpoint"`
	Capabilities []string  `json:"capabilities,omitempty"`
	Region       string    `json:"region,omitempty"`
	RuntimeKinds []string  `json:"runtimeKinds"`
	Resources    *resources `json:"resources,omitempty"`
}

type resources struct {
	CPUCores              int   `json:"cpuCores,omitempty"`
	MemoryBytes           int64 `json:"memoryBytes,omitempty"`
	DiskBytes             int64 `json:"diskBytes,omitempty"`
	MaxConcurrentSessions int   `json:"maxConcurrentSessions"`
	MaxQueuedTasks        int   `json:"maxQueuedTasks,omitempty"`
}

func (s *Server) registerInstance(w http.ResponseWriter, r *http.Request) {
	var req registerInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, faults.Wrap(faults.KindInvalidInput, err, "malformed registration"))
		return
	}

	inst := &types.Instance{
		ID:           req.ID,
		Endpoint:     req.Endpoint,
		Capabilities: req.Capabilities,
		Region:       req.Region,
	}
	for _, kind := range req.RuntimeKinds {
		inst.RuntimeKinds = append(inst.RuntimeKinds, types.RuntimeKind(kind))
	}
	if req.Resources != nil {
		inst.Resources = &types.ResourceCeilings{
			CPUCores:              req.Resources.CPUCores,
			MemoryBytes:           req.Resources.MemoryBytes,
			DiskBytes:             req.Resources.DiskBytes,
			MaxConcurrentSessions: req.Resources.MaxConcurrentSessions,
			MaxQueuedTasks:        req.Resources.MaxQueuedTasks,
		}
	}

	if err := s.registry.Register(inst); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "registered", "id": inst.ID})
}

// heartbeatRequest carries the worker's load snapshot
type heartbeatRequest struct {
	CPUUtil        float64 `json:"cpuUtil"`
	MemUtil        float64 `json:"memUtil"`
	ActiveSessions int     `json:"activeSessions"`
	QueuedTasks    int     `json:"queuedTasks"`
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, faults.Wrap(faults.KindInvalidInput, err, "malformed heartbeat"))
		return
	}

	err := s.registry.Heartbeat(r.PathValue("id"), &types.LoadSnapshot{
		CPUUtil:        req.CPUUtil,
		MemUtil:        req.MemUtil,
		ActiveSessions: req.ActiveSessions,
		QueuedTasks:    req.QueuedTasks,
		LastUpdated:    time.Now().UTC(),
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) deregisterInstance(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Deregister(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "draining"})
}

func (s *Server) listInstances(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.List())
}
