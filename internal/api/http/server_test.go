package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CopperlineOS/exec-rt/internal/infrastructure/config"
	"github.com/CopperlineOS/exec-rt/internal/kernel"
	"github.com/CopperlineOS/exec-rt/internal/sched"
	"github.com/CopperlineOS/exec-rt/internal/task"
)

func newTestServer(t *testing.T) (*Server, *kernel.Kernel) {
	t.Helper()
	k, err := kernel.New(kernel.Config{Sched: sched.Config{Cores: 1}}, nil, nil)
	require.NoError(t, err)
	return NewServer(config.Default(), k, nil, nil), k
}

func get(t *testing.T, s *Server, path string) (int, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	s.Router().ServeHTTP(w, req)
	var body map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w.Code, body
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	code, body := get(t, s, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 1, body["tasks"])
}

func TestRootListsOps(t *testing.T) {
	s, k := newTestServer(t)
	code, body := get(t, s, "/")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, k.BootID.String(), body["boot_id"])
	assert.Len(t, body["ops"], 20)
}

func TestStats(t *testing.T) {
	s, k := newTestServer(t)
	code, body := get(t, s, "/telemetry/stats")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, k.BootID.String(), body["boot_id"])
	require.Contains(t, body, "sched")
}

func TestTasksListing(t *testing.T) {
	s, k := newTestServer(t)
	_, _, err := k.TaskCreate(k.Root(), "worker", sched.ClassRT,
		sched.Params{Priority: 3}, task.Quotas{}, nil)
	require.NoError(t, err)

	code, body := get(t, s, "/telemetry/tasks")
	assert.Equal(t, http.StatusOK, code)
	tasks := body["tasks"].([]any)
	require.Len(t, tasks, 2)
	worker := tasks[1].(map[string]any)
	assert.Equal(t, "worker", worker["name"])
	threads := worker["threads"].([]any)
	require.Len(t, threads, 1)
	assert.Equal(t, "rt", threads[0].(map[string]any)["class"])
}

func TestRingAndLatencyEmpty(t *testing.T) {
	s, _ := newTestServer(t)

	code, body := get(t, s, "/telemetry/ring?limit=16")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "total")

	code, body = get(t, s, "/telemetry/latency")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "classes")
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
