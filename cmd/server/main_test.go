package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/kiranshivaraju/jobdeck/internal/api"
	"github.com/kiranshivaraju/jobdeck/internal/archive"
	"github.com/kiranshivaraju/jobdeck/internal/config"
	"github.com/kiranshivaraju/jobdeck/internal/live"
	"github.com/kiranshivaraju/jobdeck/internal/queue"
	"github.com/kiranshivaraju/jobdeck/internal/statusstore/storetest"
	"github.com/kiranshivaraju/jobdeck/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ─── in-memory queue ─────────────────────────────────────────────────────────

type memQueue struct {
	mu     sync.Mutex
	states map[string]queue.State
}

func newMemQueue() *memQueue {
	return &memQueue{states: make(map[string]queue.State)}
}

func (q *memQueue) Enqueue(ctx context.Context, taskType string, payload any) (string, error) {
	id := uuid.NewString()
	return id, q.EnqueueID(ctx, id, taskType, payload)
}

func (q *memQueue) EnqueueID(_ context.Context, id, _ string, _ any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.states[id] = queue.StatePending
	return nil
}

func (q *memQueue) State(_ context.Context, id string) (queue.State, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	s, ok := q.states[id]
	return s, ok, nil
}

// Revoke succeeds for anything still pending, like the Redis queue.
func (q *memQueue) Revoke(_ context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.states[id] != queue.StatePending {
		return false, nil
	}
	q.states[id] = queue.StateRevoked
	return true, nil
}

// ─── harness ─────────────────────────────────────────────────────────────────

type testApp struct {
	server *httptest.Server
	hub    *live.Hub
	store  *storetest.Memory
	upload string
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	store := storetest.NewMemory()
	hub := live.NewHub(0)
	uploadDir := t.TempDir()

	cfg := &config.Config{}
	cfg.Files.UploadDir = uploadDir
	cfg.Security.WebhookRatePerMinute = 100

	w := assemble(components{
		cfg:         cfg,
		store:       store,
		queue:       newMemQueue(),
		publisher:   hub,
		hub:         hub,
		archive:     archive.Nop{},
		definitions: workflow.Builtin(),
	})

	srv := httptest.NewServer(api.NewRouter(w.deps))
	t.Cleanup(srv.Close)
	return &testApp{server: srv, hub: hub, store: store, upload: uploadDir}
}

func (a *testApp) post(t *testing.T, path string, body any) (int, map[string]any) {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(a.server.URL+path, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (a *testApp) get(t *testing.T, path string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(a.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

// ─── tests ───────────────────────────────────────────────────────────────────

func TestAssemble_EveryRouteWired(t *testing.T) {
	w := assemble(components{
		cfg:         &config.Config{},
		store:       storetest.NewMemory(),
		queue:       newMemQueue(),
		publisher:   live.Discard{},
		hub:         live.NewHub(0),
		archive:     archive.Nop{},
		definitions: workflow.Builtin(),
	})

	handlers := map[string]http.HandlerFunc{
		"HealthHandler": w.deps.HealthHandler,
		"LiveHandler":   w.deps.LiveHandler,
		"ListJobs":      w.deps.ListJobs,
		"GetJob":        w.deps.GetJob,
		"CreateJob":     w.deps.CreateJob,
		"UpdateJob":     w.deps.UpdateJob,
		"CancelJob":     w.deps.CancelJob,
		"DeleteJob":     w.deps.DeleteJob,
		"JobHistory":    w.deps.JobHistory,
		"StartBatch":    w.deps.StartBatch,
		"BatchStatus":   w.deps.BatchStatus,
		"StartBlob":     w.deps.StartBlob,
		"StartWorkflow": w.deps.StartWorkflow,
		"StepEvent":     w.deps.StepEvent,
		"WorkflowSteps": w.deps.WorkflowSteps,
		"GetStatus":     w.deps.GetStatus,
		"SetStatus":     w.deps.SetStatus,
	}
	for name, h := range handlers {
		assert.NotNil(t, h, name)
	}
	assert.NotNil(t, w.deps.OperatorAuth)
	assert.NotNil(t, w.deps.RateLimit)
}

func TestHealth_OK(t *testing.T) {
	app := newTestApp(t)

	code, body := app.get(t, "/health")
	require.Equal(t, http.StatusOK, code)
	data := body["data"].(map[string]any)
	assert.Equal(t, "ok", data["status"])
}

func TestCancelQueuedBatch_FreesTheSlot(t *testing.T) {
	app := newTestApp(t)
	require.NoError(t, os.WriteFile(filepath.Join(app.upload, "stock.csv"), []byte("sku\nA\n"), 0o644))

	code, body := app.post(t, "/jobs/batch/start", map[string]string{"filename": "stock.csv"})
	require.Equal(t, http.StatusAccepted, code)
	jobID := body["data"].(map[string]any)["job_id"].(string)

	code, body = app.post(t, "/jobs/"+jobID+"/cancel", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "cancelled", body["data"].(map[string]any)["status"])

	_, body = app.get(t, "/jobs/batch/status")
	assert.Equal(t, false, body["data"].(map[string]any)["is_running"])
}

func TestLiveChannel_ReceivesGlobalStatusThroughMiddleware(t *testing.T) {
	app := newTestApp(t)

	url := "ws" + strings.TrimPrefix(app.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]string{"action": "join", "room": "dashboard"}))
	require.Eventually(t, func() bool { return app.hub.RoomSize("dashboard") > 0 }, 2*time.Second, 10*time.Millisecond)

	code, _ := app.post(t, "/status", map[string]string{"status": "Processing CSV file..."})
	require.Equal(t, http.StatusOK, code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame struct {
		Event string         `json:"event"`
		Data  map[string]any `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, live.EventGlobalStatus, frame.Event)
	assert.Equal(t, "Processing CSV file...", frame.Data["status"])
}
