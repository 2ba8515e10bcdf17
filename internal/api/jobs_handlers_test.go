package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-relay/internal/relay"
	"github.com/JakeFAU/scrape-relay/internal/storage"
	"github.com/JakeFAU/scrape-relay/internal/storage/memory"
)

func seedStore(t *testing.T) *memory.JobStore {
	t.Helper()
	store := memory.NewJobStore(nil)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, c := range []relay.Category{relay.CategoryGeneric, relay.CategoryIndeedJobs, relay.CategoryGeneric} {
		_, err := store.Insert(context.Background(), relay.JobRecord{
			DocID:     "doc-" + string(rune('a'+i)),
			BatchID:   "batch-" + string(rune('a'+i)),
			Category:  c,
			Results:   []relay.Record{{"title": "x"}},
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		})
		require.NoError(t, err)
	}
	return store
}

func newJobsHandler(store relay.JobStore) *JobsHandler {
	return NewJobsHandler(store, &fakeClock{now: time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)}, zap.NewNop())
}

type listBody struct {
	Records []relay.JobRecord `json:"records"`
	Count   int               `json:"count"`
}

func TestJobsHandlerList(t *testing.T) {
	t.Parallel()

	h := newJobsHandler(seedStore(t))

	rec := httptest.NewRecorder()
	h.List(rec, httptest.NewRequest(http.MethodGet, "/jobs?limit=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body listBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 2, body.Count)
	assert.Equal(t, "batch-c", body.Records[0].BatchID)
	assert.Equal(t, "batch-b", body.Records[1].BatchID)

	rec = httptest.NewRecorder()
	h.List(rec, httptest.NewRequest(http.MethodGet, "/jobs?category=GENERIC", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 2, body.Count)
	for _, r := range body.Records {
		assert.Equal(t, relay.CategoryGeneric, r.Category)
	}
}

func TestJobsHandlerListEmptyIsArray(t *testing.T) {
	t.Parallel()

	h := newJobsHandler(memory.NewJobStore(nil))
	rec := httptest.NewRecorder()
	h.List(rec, httptest.NewRequest(http.MethodGet, "/jobs", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"records":[]`)
}

func TestJobsHandlerListBadInput(t *testing.T) {
	t.Parallel()

	h := newJobsHandler(memory.NewJobStore(nil))
	for _, target := range []string{"/jobs?limit=0", "/jobs?limit=abc", "/jobs?category=unknown", "/jobs?category=monster"} {
		rec := httptest.NewRecorder()
		h.List(rec, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestJobsHandlerListStoreError(t *testing.T) {
	t.Parallel()

	store := &storage.MockJobStore{}
	store.On("ListAll", mock.Anything, defaultJobLimit).Return(nil, errors.New("timeout"))
	h := newJobsHandler(store)

	rec := httptest.NewRecorder()
	h.List(rec, httptest.NewRequest(http.MethodGet, "/jobs", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	store.AssertExpectations(t)
}

func TestJobsHandlerCreate(t *testing.T) {
	t.Parallel()

	store := memory.NewJobStore(nil)
	h := newJobsHandler(store)

	rec := httptest.NewRecorder()
	body := `{"batchId":"manual","category":"indeed_jobs","status":"triggered","results":[{"jobid":"1"},{"jobid":"2"}]}`
	h.Create(rec, httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(body)))
	require.Equal(t, http.StatusCreated, rec.Code)

	got, err := store.FindByBatchID(context.Background(), "manual")
	require.NoError(t, err)
	assert.Equal(t, relay.SourceAPI, got.Source)
	assert.Equal(t, 2, got.Counters.ResultCount)
	assert.Contains(t, rec.Body.String(), got.DocID)
}

func TestJobsHandlerCreateBadInput(t *testing.T) {
	t.Parallel()

	h := newJobsHandler(memory.NewJobStore(nil))
	for _, body := range []string{`{`, `{"batchId":"x","category":"unknown"}`, `{"category":"generic"}`} {
		rec := httptest.NewRecorder()
		h.Create(rec, httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(body)))
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestJobsHandlerUpdate(t *testing.T) {
	t.Parallel()

	store := seedStore(t)
	h := newJobsHandler(store)

	rec := httptest.NewRecorder()
	h.Update(rec, httptest.NewRequest(http.MethodPut, "/jobs?id=doc-b", strings.NewReader(`{"status":"processed"}`)))
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := store.FindByBatchID(context.Background(), "batch-b")
	require.NoError(t, err)
	assert.Equal(t, relay.Status("processed"), got.Status)
	assert.Equal(t, relay.CategoryIndeedJobs, got.Category)

	rec = httptest.NewRecorder()
	h.Update(rec, httptest.NewRequest(http.MethodPut, "/jobs?id=doc-b&category=generic", strings.NewReader(`{"status":"x"}`)))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	h.Update(rec, httptest.NewRequest(http.MethodPut, "/jobs?id=nope", strings.NewReader(`{"status":"x"}`)))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobsHandlerUpdateBadInput(t *testing.T) {
	t.Parallel()

	h := newJobsHandler(seedStore(t))
	for _, target := range []string{"/jobs", "/jobs?id=doc-a&category=bogus"} {
		rec := httptest.NewRecorder()
		h.Update(rec, httptest.NewRequest(http.MethodPut, target, strings.NewReader(`{"status":"x"}`)))
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
	rec := httptest.NewRecorder()
	h.Update(rec, httptest.NewRequest(http.MethodPut, "/jobs?id=doc-a", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobsHandlerDelete(t *testing.T) {
	t.Parallel()

	store := seedStore(t)
	h := newJobsHandler(store)

	rec := httptest.NewRecorder()
	h.Delete(rec, httptest.NewRequest(http.MethodDelete, "/jobs?id=doc-a", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	_, err := store.FindByBatchID(context.Background(), "batch-a")
	require.ErrorIs(t, err, relay.ErrNotFound)

	rec = httptest.NewRecorder()
	h.Delete(rec, httptest.NewRequest(http.MethodDelete, "/jobs?id=doc-a", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	h.Delete(rec, httptest.NewRequest(http.MethodDelete, "/jobs", nil))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobsHandlerRepair(t *testing.T) {
	t.Parallel()

	store := seedStore(t)
	require.NoError(t, store.UpdateByDocID(context.Background(), "doc-a", relay.Fields{
		relay.FieldResults: []relay.Record{{"title": "x"}, {"title": "y"}},
	}, relay.CategoryGeneric))
	h := newJobsHandler(store)

	rec := httptest.NewRecorder()
	h.Repair(rec, httptest.NewRequest(http.MethodPost, "/jobs/repair", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"scanned":3,"repaired":1}`, rec.Body.String())
}

func TestJobsRoutesThroughServer(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, seedStore(t), nil, configWithoutAuth())
	rec := ts.do(t, http.MethodGet, "/jobs?category=indeed_jobs", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "batch-b")

	rec = ts.do(t, http.MethodPost, "/jobs/repair", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
