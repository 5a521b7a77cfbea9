package runtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cuemby/drover/pkg/faults"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRemoteFixture(t *testing.T, handler http.Handler) *RemoteSandbox {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	r, err := NewRemoteSandbox(Options{RemoteEndpoint: server.URL, RemoteToken: "secret"})
	require.NoError(t, err)
	return r
}

func TestRemoteSpawnAndExecute(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sessions", func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "Bearer secret", req.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(remoteSpawnResponse{Handle: "h-1"})
	})
	mux.HandleFunc("POST /v1/sessions/h-1/exec", func(w http.ResponseWriter, req *http.Request) {
		var in remoteExecRequest
		require.NoError(t, json.NewDecoder(req.Body).Decode(&in))
		assert.Equal(t, "t-1", in.TaskID)
		json.NewEncoder(w).Encode(remoteExecResponse{
			Output:   []byte("done"),
			ExitCode: 0,
			Cost:     1.5,
		})
	})

	r := newRemoteFixture(t, mux)
	ctx := context.Background()

	session, err := r.Spawn(ctx, "s-1", SpawnOptions{})
	require.NoError(t, err)
	assert.Equal(t, "h-1", session.Handle)

	result, err := r.Execute(ctx, session, &ExecRequest{TaskID: "t-1", Payload: []byte("work")})
	require.NoError(t, err)
	assert.Equal(t, "done", string(result.Output))
	assert.Equal(t, 1.5, result.Cost)
}

func TestRemoteServerErrorIsTransient(t *testing.T) {
	r := newRemoteFixture(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))

	err := r.HealthCheck(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindTransientRemote))
}

func TestRemoteSessionHealthChecksSessionEndpoint(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/sessions/h-1", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r := newRemoteFixture(t, mux)
	assert.NoError(t, r.HealthCheck(context.Background(), &Session{Handle: "h-1"}))

	_, err := r.Execute(context.Background(), &Session{Handle: "h-2"}, &ExecRequest{})
	require.Error(t, err)
}

func TestRemoteClientErrorIsPermanent(t *testing.T) {
	r := newRemoteFixture(t, http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "bad payload", http.StatusBadRequest)
	}))

	_, err := r.Execute(context.Background(), &Session{Handle: "h-1"}, &ExecRequest{})
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindPermanentProvider))
}

func TestRemoteUnreachableIsTransient(t *testing.T) {
	r, err := NewRemoteSandbox(Options{RemoteEndpoint: "http://127.0.0.1:1"})
	require.NoError(t, err)

	err = r.HealthCheck(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.KindTransientRemote))
}

func TestRemoteExecuteStream(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sessions/h-1/exec/stream", func(w http.ResponseWriter, req *http.Request) {
		enc := json.NewEncoder(w)
		enc.Encode(StreamChunk{Data: []byte("partial ")})
		enc.Encode(StreamChunk{Data: []byte("output")})
		enc.Encode(StreamChunk{Final: true, ExitCode: 0})
	})

	r := newRemoteFixture(t, mux)
	stream, err := r.ExecuteStream(context.Background(), &Session{Handle: "h-1"}, &ExecRequest{})
	require.NoError(t, err)

	var output []byte
	sawFinal := false
	for chunk := range stream.Chunks() {
		if chunk.Final {
			sawFinal = true
			continue
		}
		output = append(output, chunk.Data...)
	}
	assert.Equal(t, "partial output", string(output))
	assert.True(t, sawFinal)
}

func TestRemoteRequiresEndpoint(t *testing.T) {
	_, err := NewRemoteSandbox(Options{})
	assert.Error(t, err)
}
