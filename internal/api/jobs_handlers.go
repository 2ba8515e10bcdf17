package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-relay/internal/maintenance"
	"github.com/JakeFAU/scrape-relay/internal/relay"
)

const (
	defaultJobLimit = 100
	maxJobLimit     = 1000
	jobsTimeout     = 10 * time.Second
)

// JobsHandler exposes operator CRUD over stored job records.
type JobsHandler struct {
	store   relay.JobStore
	clock   relay.Clock
	timeout time.Duration
	logger  *zap.Logger
}

// NewJobsHandler wires the store, clock and logger.
func NewJobsHandler(store relay.JobStore, clock relay.Clock, logger *zap.Logger) *JobsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobsHandler{
		store:   store,
		clock:   clock,
		timeout: jobsTimeout,
		logger:  logger,
	}
}

// List handles GET /jobs?category=&limit=. It returns {"records": [...],
// "count": n}, 400 for an invalid limit or category, or 500 on store errors.
func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultJobLimit, maxJobLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	category, err := parseCategory(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var records []relay.JobRecord
	if category == "" {
		records, err = h.store.ListAll(ctx, limit)
	} else {
		records, err = h.store.ListByCategory(ctx, category, limit)
	}
	if err != nil {
		h.logger.Error("list records failed", zap.String("category", string(category)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list records")
		return
	}
	if records == nil {
		records = []relay.JobRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"records": records,
		"count":   len(records),
	})
}

// Create handles POST /jobs. The body is a job record; category is required.
func (h *JobsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var rec relay.JobRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := relay.ValidateCategory(rec.Category); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(rec.BatchID) == "" {
		writeError(w, http.StatusBadRequest, "batchId is required")
		return
	}
	if rec.Source == "" {
		rec.Source = relay.SourceAPI
	}
	now := h.clock.Now()
	rec.CreatedAt, rec.UpdatedAt = now, now

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	docID, err := h.store.Insert(ctx, rec)
	if err != nil {
		h.logger.Error("create record failed", zap.String("batch_id", rec.BatchID), zap.Error(err))
		writeError(w, statusForStoreError(err), "failed to create record")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"docId": docID})
}

// Update handles PUT /jobs?id=X[&category=C]. The body is a shallow patch.
// Without a category every partition is tried in scan order.
func (h *JobsHandler) Update(w http.ResponseWriter, r *http.Request) {
	docID := strings.TrimSpace(r.URL.Query().Get("id"))
	if docID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	category, err := parseCategory(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var fields relay.Fields
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil || len(fields) == 0 {
		writeError(w, http.StatusBadRequest, "invalid JSON patch")
		return
	}
	if _, ok := fields[relay.FieldUpdatedAt]; !ok {
		fields[relay.FieldUpdatedAt] = h.clock.Now()
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	candidates := relay.Partitions
	if category != "" {
		candidates = []relay.Category{category}
	}
	err = relay.ErrNotFound
	for _, c := range candidates {
		err = h.store.UpdateByDocID(ctx, docID, fields, c)
		if !errors.Is(err, relay.ErrNotFound) {
			break
		}
	}
	if err != nil {
		if !errors.Is(err, relay.ErrNotFound) {
			h.logger.Error("update record failed", zap.String("doc_id", docID), zap.Error(err))
		}
		writeError(w, statusForStoreError(err), "failed to update record")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"docId": docID})
}

// Delete handles DELETE /jobs?id=X.
func (h *JobsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	docID := strings.TrimSpace(r.URL.Query().Get("id"))
	if docID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	if err := h.store.DeleteByDocID(ctx, docID); err != nil {
		if !errors.Is(err, relay.ErrNotFound) {
			h.logger.Error("delete record failed", zap.String("doc_id", docID), zap.Error(err))
		}
		writeError(w, statusForStoreError(err), "failed to delete record")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": docID})
}

// Repair handles POST /jobs/repair and returns {"scanned", "repaired"}.
// It scans every record so it runs on the request context without a timeout.
func (h *JobsHandler) Repair(w http.ResponseWriter, r *http.Request) {
	report, err := maintenance.RepairCounts(r.Context(), h.store, h.clock, h.logger)
	if err != nil {
		h.logger.Error("count repair failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "count repair failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	limit := def
	if limStr := r.URL.Query().Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	return limit, nil
}

func parseCategory(r *http.Request) (relay.Category, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("category"))
	if raw == "" {
		return "", nil
	}
	c := relay.Category(strings.ToLower(raw))
	if err := relay.ValidateCategory(c); err != nil {
		return "", errors.New("invalid category")
	}
	return c, nil
}

func statusForStoreError(err error) int {
	if errors.Is(err, relay.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
