package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	artifactmem "github.com/madiyarbolatuly/browserd/internal/artifact/memory"
	"github.com/madiyarbolatuly/browserd/internal/browser"
	"github.com/madiyarbolatuly/browserd/internal/config"
	"github.com/madiyarbolatuly/browserd/internal/dispatcher"
	"github.com/madiyarbolatuly/browserd/internal/executor"
	"github.com/madiyarbolatuly/browserd/internal/hash/sha256"
	"github.com/madiyarbolatuly/browserd/internal/pool"
	queuemem "github.com/madiyarbolatuly/browserd/internal/queue/memory"
	storemem "github.com/madiyarbolatuly/browserd/internal/store/memory"
)

type fakeDriver struct{}

func (fakeDriver) Start(ctx context.Context) error { return nil }
func (fakeDriver) Execute(ctx context.Context, task browser.Task) (browser.ExecOutput, error) {
	return browser.ExecOutput{Payload: []byte("rendered")}, nil
}
func (fakeDriver) HealthCheck(ctx context.Context) error { return nil }
func (fakeDriver) Stop(ctx context.Context) error        { return nil }

type fakeFactory struct{}

func (fakeFactory) NewDriver(id string) browser.Driver { return fakeDriver{} }

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("id-%d", s.n), nil
}

type sysClock struct{}

func (sysClock) Now() time.Time { return time.Now().UTC() }

type testServer struct {
	server   *Server
	store    *storemem.TaskStore
	queue    *queuemem.Queue
	inbound  *artifactmem.Store
	outbound *artifactmem.Store
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()

	cfg := config.Config{}
	cfg.Server.Port = 8080
	cfg.Executor.DefaultTimeoutSeconds = 5
	cfg.Executor.MaxTimeoutSeconds = 10
	if mutate != nil {
		mutate(&cfg)
	}

	p, err := pool.New(pool.Config{
		Capacity:      1,
		StartTimeout:  time.Second,
		HealthTimeout: time.Second,
		StopGrace:     time.Second,
	}, fakeFactory{}, &seqIDs{}, sysClock{}, zap.NewNop())
	require.NoError(t, err)

	store := storemem.NewTaskStore(sysClock{})
	exec := executor.New(executor.Config{
		AcquireTimeout: time.Second,
		DefaultTimeout: time.Second,
		MaxTimeout:     2 * time.Second,
	}, p, store, sha256.New(), sysClock{}, zap.NewNop())

	queue := queuemem.NewQueue(2)
	d := dispatcher.New(dispatcher.Config{Concurrency: 1}, queue, exec, store, nil, sysClock{}, zap.NewNop())

	inbound := artifactmem.New()
	outbound := artifactmem.New()
	srv := NewServer(store, d, p, inbound, outbound, &seqIDs{}, sysClock{}, cfg, zap.NewNop())
	return &testServer{server: srv, store: store, queue: queue, inbound: inbound, outbound: outbound}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/healthz", nil).Code)

	rec := ts.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ready", body["status"])
}

func TestSubmitTask(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodPost, "/v1/tasks", map[string]any{
		"kind": "render",
		"url":  "https://example.com",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeBody(t, rec)
	taskID, _ := body["task_id"].(string)
	require.NotEmpty(t, taskID)
	assert.Equal(t, "queued", body["status"])

	status := ts.do(t, http.MethodGet, "/v1/tasks/"+taskID+"/status", nil)
	require.Equal(t, http.StatusOK, status.Code)
	statusBody := decodeBody(t, status)
	assert.Equal(t, "queued", statusBody["status"])
}

func TestSubmitTaskValidation(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)

	tests := []struct {
		name string
		body any
	}{
		{name: "unknown kind", body: map[string]any{"kind": "screenshot", "url": "https://x"}},
		{name: "render without url", body: map[string]any{"kind": "render"}},
		{name: "scrape without queries", body: map[string]any{"kind": "scrape"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/v1/tasks", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitTaskQueueFull(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	for i := 0; i < 2; i++ {
		rec := ts.do(t, http.MethodPost, "/v1/tasks", map[string]any{"kind": "render", "url": "https://example.com"})
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	rec := ts.do(t, http.MethodPost, "/v1/tasks", map[string]any{"kind": "render", "url": "https://example.com"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestGetTaskStatusNotFound(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodGet, "/v1/tasks/ghost/status", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetTaskResult(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	ctx := context.Background()
	require.NoError(t, ts.store.CreateTask(ctx, browser.TaskRecord{ID: "t1"}))

	// Result before the task finishes conflicts.
	rec := ts.do(t, http.MethodGet, "/v1/tasks/t1/result", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	require.NoError(t, ts.store.RecordResult(ctx, browser.Result{
		TaskID: "t1", Status: browser.TaskStatusSucceeded, ContentHash: "abc",
	}))
	rec = ts.do(t, http.MethodGet, "/v1/tasks/t1/result", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "abc", body["content_hash"])

	rec = ts.do(t, http.MethodGet, "/v1/tasks/ghost/result", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelTask(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodPost, "/v1/tasks", map[string]any{"kind": "render", "url": "https://example.com"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	taskID := decodeBody(t, rec)["task_id"].(string)

	rec = ts.do(t, http.MethodPost, "/v1/tasks/"+taskID+"/cancel", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	// Second cancel conflicts, the task is already terminal.
	rec = ts.do(t, http.MethodPost, "/v1/tasks/"+taskID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/tasks/ghost/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFileUploadAndDownload(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "products.csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte("query\nконтактор\n"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/files", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	fileID := decodeBody(t, rec)["file_id"].(string)
	assert.True(t, strings.HasSuffix(fileID, ".csv"))

	down := ts.do(t, http.MethodGet, "/v1/files/"+fileID, nil)
	require.Equal(t, http.StatusOK, down.Code)
	assert.Equal(t, "text/csv", down.Header().Get("Content-Type"))
	assert.Contains(t, down.Body.String(), "контактор")

	missing := ts.do(t, http.MethodGet, "/v1/files/nope.csv", nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestArtifactDownload(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)
	_, err := ts.outbound.Put(context.Background(), "t1.pdf", "application/pdf", []byte("%PDF-1.7"))
	require.NoError(t, err)

	rec := ts.do(t, http.MethodGet, "/v1/artifacts/t1.pdf", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Equal(t, "%PDF-1.7", rec.Body.String())
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, func(cfg *config.Config) {
		cfg.Auth.Enabled = true
		cfg.Auth.APIKey = "sekret"
	})

	rec := ts.do(t, http.MethodGet, "/v1/tasks/ghost/status", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/tasks/ghost/status", nil)
	req.Header.Set("X-API-Key", "sekret")
	auth := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(auth, req)
	assert.Equal(t, http.StatusNotFound, auth.Code)

	// Health endpoints stay open.
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/healthz", nil).Code)
}

func TestSubmitScrapeFromUploadedFile(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "queries.csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte("query\nконтактор\nреле\n"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	upload := httptest.NewRequest(http.MethodPost, "/v1/files", &buf)
	upload.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, upload)
	require.Equal(t, http.StatusCreated, rec.Code)
	fileID := decodeBody(t, rec)["file_id"].(string)

	submit := ts.do(t, http.MethodPost, "/v1/tasks", map[string]any{
		"kind":      "scrape",
		"input_key": fileID,
	})
	require.Equal(t, http.StatusAccepted, submit.Code)

	missing := ts.do(t, http.MethodPost, "/v1/tasks", map[string]any{
		"kind":      "scrape",
		"input_key": "missing.csv",
	})
	assert.Equal(t, http.StatusBadRequest, missing.Code)
}
