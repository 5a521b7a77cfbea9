package health

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/cuemby/drover/pkg/faults"
	"github.com/cuemby/drover/pkg/types"
)

// HTTPProber probes worker instances over their /healthz endpoint.
// Latency is measured wall-clock; the response body carries the load
// snapshot workers also report on heartbeats.
type HTTPProber struct {
	client *http.Client
	token  string
}

// NewHTTPProber creates the default prober
func NewHTTPProber(timeout time.Duration, token string) *HTTPProber {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProber{
		client: &http.Client{Timeout: timeout},
		token:  token,
	}
}

type healthzResponse struct {
	CPUUtil        float64 `json:"cpuUtil"`
	MemUtil        float64 `json:"memUtil"`
	ActiveSessions int     `json:"activeSessions"`
	QueuedTasks    int     `json:"queuedTasks"`
}

func (p *HTTPProber) Probe(ctx context.Context, inst *types.Instance) (*ProbeResult, error) {
	url := strings.TrimRight(inst.Endpoint, "/") + "/healthz"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, faults.Wrap(faults.KindInvalidInput, err, "failed to build probe")
	}
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, faults.Wrap(faults.KindTransientRemote, err, "instance %s unreachable", inst.ID)
	}
	defer resp.Body.Close()
	latency := time.Since(start)

	if resp.StatusCode != http.StatusOK {
		return nil, faults.New(faults.KindTransientRemote, "instance %s returned %d", inst.ID, resp.StatusCode)
	}

	var body healthzResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, faults.Wrap(faults.KindTransientRemote, err, "malformed health response from %s", inst.ID)
	}

	return &ProbeResult{
		Latency: latency,
		Load: &types.LoadSnapshot{
			CPUUtil:        body.CPUUtil,
			MemUtil:        body.MemUtil,
			ActiveSessions: body.ActiveSessions,
			QueuedTasks:    body.QueuedTasks,
			LastUpdated:    time.Now().UTC(),
		},
	}, nil
}
