package lifecycle

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuemby/drover/pkg/faults"
	"github.com/cuemby/drover/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stalledWorker accepts the dispatch and never answers until the caller
// gives up.
func stalledWorker(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server notices when the client hangs up;
		// otherwise r.Context() is never cancelled and Close hangs.
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dispatchTask() *types.Task {
	return &types.Task{ID: "t-1", TenantID: "acme", Payload: []byte("x")}
}

func TestDispatchCancelledCallerIsCancelled(t *testing.T) {
	srv := stalledWorker(t)
	d := NewHTTPDispatcher("")
	inst := &types.Instance{ID: "i-1", Endpoint: srv.URL}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := d.Dispatch(ctx, inst, dispatchTask(), types.RuntimeRemoteSandbox)
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindCancelled))
	assert.False(t, faults.Is(err, faults.KindDeadlineExceeded))
}

func TestDispatchExpiredDeadlineIsDeadlineExceeded(t *testing.T) {
	srv := stalledWorker(t)
	d := NewHTTPDispatcher("")
	inst := &types.Instance{ID: "i-1", Endpoint: srv.URL}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := d.Dispatch(ctx, inst, dispatchTask(), types.RuntimeRemoteSandbox)
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindDeadlineExceeded))
}

func TestDispatchUnreachableInstanceIsInstanceLost(t *testing.T) {
	d := NewHTTPDispatcher("")
	inst := &types.Instance{ID: "i-1", Endpoint: "http://127.0.0.1:1"}

	_, err := d.Dispatch(context.Background(), inst, dispatchTask(), types.RuntimeRemoteSandbox)
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindInstanceLost))
}
