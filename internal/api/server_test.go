package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-relay/internal/backup"
	"github.com/JakeFAU/scrape-relay/internal/config"
	"github.com/JakeFAU/scrape-relay/internal/relay"
	"github.com/JakeFAU/scrape-relay/internal/storage"
	"github.com/JakeFAU/scrape-relay/internal/storage/local"
	"github.com/JakeFAU/scrape-relay/internal/storage/memory"
	"github.com/JakeFAU/scrape-relay/internal/trigger"
	"github.com/JakeFAU/scrape-relay/internal/webhook"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time {
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

type fakeLauncher struct {
	got    trigger.Request
	result trigger.Result
	err    error
}

func (f *fakeLauncher) Launch(_ context.Context, req trigger.Request) (trigger.Result, error) {
	f.got = req
	return f.result, f.err
}

type testServer struct {
	server    *Server
	store     relay.JobStore
	backupDir string
}

func newTestServer(t *testing.T, store relay.JobStore, launcher Launcher, cfg config.Config) testServer {
	t.Helper()
	if store == nil {
		store = memory.NewJobStore(nil)
	}
	dir := t.TempDir()
	blobs, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	clock := &fakeClock{now: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)}
	receiver := webhook.NewReceiver(webhook.Config{Secret: cfg.Webhook.Secret}, store,
		backup.NewWriter(blobs, nil, clock, nil), nil, clock, nil)
	return testServer{
		server:    NewServer(receiver, launcher, store, clock, cfg, zap.NewNop()),
		store:     store,
		backupDir: dir,
	}
}

func (ts testServer) do(t *testing.T, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

const delivery = `{"snapshot_id":"s_1","data":[
	{"job_posting_id":"1","url":"https://www.linkedin.com/jobs/view/1"},
	{"job_posting_id":"2","url":"https://www.linkedin.com/jobs/view/2"}
]}`

func TestServer_Health(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil, nil, config.Config{})
	rec := ts.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = ts.do(t, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ready", decodeBody(t, rec)["status"])
}

func TestServer_ReadyzStoreDown(t *testing.T) {
	t.Parallel()

	store := &storage.MockJobStore{}
	store.On("ListAll", mock.Anything, 1).Return(nil, errors.New("connection refused"))
	ts := newTestServer(t, store, nil, config.Config{})

	rec := ts.do(t, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_Metrics(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil, nil, config.Config{})
	ts.do(t, http.MethodGet, "/healthz", "", nil)
	rec := ts.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_RequestIDPropagates(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil, nil, config.Config{})
	rec := ts.do(t, http.MethodGet, "/healthz", "", map[string]string{"X-Request-ID": "req-1"})
	require.Equal(t, "req-1", rec.Header().Get("X-Request-ID"))
}

func TestServer_WebhookStoresDelivery(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil, nil, config.Config{})
	rec := ts.do(t, http.MethodPost, "/webhook", delivery, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "s_1", body["batchId"])
	assert.Equal(t, float64(2), body["resultCount"])
	assert.Equal(t, true, body["stored"])

	stored, err := ts.store.FindByBatchID(context.Background(), "s_1")
	require.NoError(t, err)
	assert.Equal(t, relay.CategoryLinkedInJobs, stored.Category)
}

func TestServer_WebhookRejectsUnrecognizedShape(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil, nil, config.Config{})
	rec := ts.do(t, http.MethodPost, "/webhook", `{}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, decodeBody(t, rec), "error")

	entries, err := os.ReadDir(ts.backupDir)
	require.NoError(t, err)
	require.Empty(t, entries)

	rec = ts.do(t, http.MethodPost, "/webhook", `{not json`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_WebhookUnauthorized(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Webhook: config.WebhookConfig{Secret: "s3cret"}}
	ts := newTestServer(t, nil, nil, cfg)

	rec := ts.do(t, http.MethodPost, "/webhook", delivery, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "unauthorized", decodeBody(t, rec)["error"])

	rec = ts.do(t, http.MethodPost, "/webhook?secret=s3cret", delivery, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_WebhookMethodNotAllowed(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil, nil, config.Config{})
	rec := ts.do(t, http.MethodPut, "/webhook", delivery, nil)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestServer_WebhookUnknownCategoryIsServerError(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil, nil, config.Config{})
	rec := ts.do(t, http.MethodPost, "/webhook", `{"snapshot_id":"odd","data":[{"foo":"bar"}]}`, nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_WebhookStoreFailureStill200(t *testing.T) {
	t.Parallel()

	store := &storage.MockJobStore{}
	store.On("FindByBatchID", mock.Anything, "s_1").Return(relay.JobRecord{}, relay.ErrNotFound)
	store.On("Insert", mock.Anything, mock.Anything).Return("", errors.New("disk full"))
	ts := newTestServer(t, store, nil, config.Config{})

	rec := ts.do(t, http.MethodPost, "/webhook", delivery, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, false, body["stored"])
	assert.Equal(t, true, body["backedUp"])
	assert.Equal(t, true, body["success"])
}

func TestServer_WebhookLookup(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil, nil, config.Config{})

	rec := ts.do(t, http.MethodGet, "/webhook", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/webhook?batchId=missing", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	ts.do(t, http.MethodPost, "/webhook", delivery, nil)
	rec = ts.do(t, http.MethodGet, "/webhook?batchId=s_1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "store", body["source"])
	assert.Equal(t, "linkedin_jobs", body["category"])
	assert.Equal(t, float64(2), body["resultCount"])
}

func TestServer_TriggerSingle(t *testing.T) {
	t.Parallel()

	launcher := &fakeLauncher{result: trigger.Result{BatchID: "s_9", Status: relay.StatusTriggered, Stored: true}}
	ts := newTestServer(t, nil, launcher, config.Config{})

	rec := ts.do(t, http.MethodPost, "/trigger", `{"keyword":"go","location":"Berlin","platform":"Indeed"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "s_9", body["batchId"])
	assert.Equal(t, "triggered", body["status"])
	assert.Equal(t, trigger.PlatformIndeed, launcher.got.Platform)
	assert.Equal(t, "Berlin", launcher.got.Location)
}

func TestServer_TriggerErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		body string
		want int
	}{
		{"invalid json", nil, `{`, http.StatusBadRequest},
		{"empty request", trigger.ErrEmptyRequest, `{}`, http.StatusBadRequest},
		{"unknown platform", trigger.ErrUnknownPlatform, `{"keyword":"go","platform":"monster"}`, http.StatusBadRequest},
		{"upstream", errors.New("collection API returned 503"), `{"keyword":"go"}`, http.StatusBadGateway},
		{"no batch id", trigger.ErrInvalidTriggerResponse, `{"keyword":"go"}`, http.StatusBadGateway},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ts := newTestServer(t, nil, &fakeLauncher{err: tt.err}, config.Config{})
			rec := ts.do(t, http.MethodPost, "/trigger", tt.body, nil)
			require.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestServer_TriggerNotConfigured(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, nil, nil, config.Config{})
	rec := ts.do(t, http.MethodPost, "/trigger", `{"keyword":"go"}`, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_APIKeyGuardsOperatorRoutes(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Auth: config.AuthConfig{Enabled: true, APIKey: "k"}}
	ts := newTestServer(t, nil, &fakeLauncher{result: trigger.Result{BatchID: "b"}}, cfg)

	require.Equal(t, http.StatusForbidden, ts.do(t, http.MethodGet, "/jobs", "", nil).Code)
	require.Equal(t, http.StatusForbidden, ts.do(t, http.MethodPost, "/trigger", `{"keyword":"go"}`, nil).Code)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/jobs", "", map[string]string{"X-API-Key": "k"}).Code)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/jobs?api_key=k", "", nil).Code)

	// The webhook has its own secret and stays reachable.
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/webhook", delivery, nil).Code)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/healthz", "", nil).Code)
}

func TestServer_RecoversFromPanic(t *testing.T) {
	t.Parallel()

	store := &storage.MockJobStore{}
	store.On("ListAll", mock.Anything, 1).Run(func(mock.Arguments) { panic("boom") })
	ts := newTestServer(t, store, nil, config.Config{})

	rec := ts.do(t, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func configWithoutAuth() config.Config {
	return config.Config{Auth: config.AuthConfig{Enabled: false}}
}
