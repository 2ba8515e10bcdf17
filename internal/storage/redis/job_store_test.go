package redis

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-relay/internal/relay"
)

// setupTestStore connects to RELAY_TEST_REDIS_ADDR and namespaces keys per
// test. Tests are skipped if Redis is not available.
func setupTestStore(t *testing.T) *JobStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	addr := os.Getenv("RELAY_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("RELAY_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("Redis not available for testing at %s: %v", addr, err)
	}
	prefix := fmt.Sprintf("relaytest:%d", time.Now().UnixNano())
	t.Cleanup(func() {
		iter := client.Scan(context.Background(), 0, prefix+":*", 100).Iterator()
		for iter.Next(context.Background()) {
			client.Del(context.Background(), iter.Val())
		}
		_ = client.Close()
	})
	return NewJobStore(client, prefix, nil)
}

func TestRedisJobStoreLifecycle(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	docID, err := store.Insert(ctx, relay.JobRecord{
		BatchID:   "s_1",
		Status:    relay.StatusTriggered,
		Category:  relay.CategoryLinkedInJobs,
		CreatedAt: created,
	})
	require.NoError(t, err)
	require.NotEmpty(t, docID)

	t.Run("find by batch", func(t *testing.T) {
		rec, err := store.FindByBatchID(ctx, "s_1")
		require.NoError(t, err)
		assert.Equal(t, docID, rec.DocID)
		assert.Equal(t, relay.StatusTriggered, rec.Status)
		assert.True(t, rec.CreatedAt.Equal(created))
	})

	t.Run("update merges", func(t *testing.T) {
		err := store.UpdateByDocID(ctx, docID, relay.Fields{
			relay.FieldStatus:   relay.StatusCompleted,
			relay.FieldResults:  []relay.Record{{"job_posting_id": "1"}},
			relay.FieldCounters: relay.Counters{ResultCount: 1},
		}, relay.CategoryLinkedInJobs)
		require.NoError(t, err)

		rec, err := store.FindByBatchID(ctx, "s_1")
		require.NoError(t, err)
		assert.Equal(t, relay.StatusCompleted, rec.Status)
		assert.Equal(t, 1, rec.Counters.ResultCount)
		assert.Equal(t, "s_1", rec.BatchID)
	})

	t.Run("update wrong partition", func(t *testing.T) {
		err := store.UpdateByDocID(ctx, docID, relay.Fields{relay.FieldStatus: "x"}, relay.CategoryGeneric)
		require.ErrorIs(t, err, relay.ErrNotFound)
	})

	t.Run("list", func(t *testing.T) {
		_, err := store.Insert(ctx, relay.JobRecord{
			BatchID:   "s_2",
			Category:  relay.CategoryGeneric,
			CreatedAt: created.Add(time.Hour),
		})
		require.NoError(t, err)

		all, err := store.ListAll(ctx, 0)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "s_2", all[0].BatchID)

		one, err := store.ListByCategory(ctx, relay.CategoryLinkedInJobs, 1)
		require.NoError(t, err)
		require.Len(t, one, 1)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, store.DeleteByDocID(ctx, docID))
		_, err := store.FindByBatchID(ctx, "s_1")
		require.ErrorIs(t, err, relay.ErrNotFound)
		require.ErrorIs(t, store.DeleteByDocID(ctx, docID), relay.ErrNotFound)
	})
}

func TestRedisJobStoreDeleteKeepsBatchSiblingsFindable(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	first, err := store.Insert(ctx, relay.JobRecord{BatchID: "dup", Category: relay.CategoryGeneric, CreatedAt: created})
	require.NoError(t, err)
	second, err := store.Insert(ctx, relay.JobRecord{BatchID: "dup", Category: relay.CategoryGeneric, CreatedAt: created.Add(time.Minute)})
	require.NoError(t, err)

	rec, err := store.FindByBatchID(ctx, "dup")
	require.NoError(t, err)
	assert.Equal(t, first, rec.DocID)

	require.NoError(t, store.DeleteByDocID(ctx, first))
	rec, err = store.FindByBatchID(ctx, "dup")
	require.NoError(t, err)
	assert.Equal(t, second, rec.DocID)

	require.NoError(t, store.DeleteByDocID(ctx, second))
	_, err = store.FindByBatchID(ctx, "dup")
	require.ErrorIs(t, err, relay.ErrNotFound)
}

func TestRedisJobStoreInsertDuplicateDocID(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	rec := relay.JobRecord{DocID: "fixed", BatchID: "b", Category: relay.CategoryGeneric}

	_, err := store.Insert(ctx, rec)
	require.NoError(t, err)
	_, err = store.Insert(ctx, relay.JobRecord{DocID: "fixed", BatchID: "other", Category: relay.CategoryGeneric})
	require.ErrorContains(t, err, "already exists")

	all, err := store.ListByCategory(ctx, relay.CategoryGeneric, 0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "b", all[0].BatchID)
	_, err = store.FindByBatchID(ctx, "other")
	require.ErrorIs(t, err, relay.ErrNotFound)
}

func TestFirstWithBatch(t *testing.T) {
	t.Parallel()

	values := []any{
		nil,
		`{"docId":"a","batchId":"other","category":"generic"}`,
		`{"docId":"b","batchId":"dup","category":"generic"}`,
		`{"docId":"c","batchId":"dup","category":"generic"}`,
	}
	got, err := firstWithBatch(values, "dup")
	require.NoError(t, err)
	assert.Equal(t, "b", got)

	got, err = firstWithBatch(values, "missing")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = firstWithBatch([]any{`{not json`}, "dup")
	require.Error(t, err)
}

func TestRedisJobStoreRejectsUnknownCategory(t *testing.T) {
	t.Parallel()

	// Validation happens before any Redis call, so a nil client is never touched.
	store := NewJobStore(nil, "", nil)
	_, err := store.Insert(context.Background(), relay.JobRecord{BatchID: "x", Category: relay.CategoryUnknown})
	require.ErrorIs(t, err, relay.ErrUnknownCategory)

	err = store.UpdateByDocID(context.Background(), "d", relay.Fields{}, relay.CategoryUnknown)
	require.ErrorIs(t, err, relay.ErrUnknownCategory)
}

func TestKeyLayout(t *testing.T) {
	t.Parallel()

	store := NewJobStore(nil, "", nil)
	assert.Equal(t, "relay:generic:doc:abc", store.docKey(relay.CategoryGeneric, "abc"))
	assert.Equal(t, "relay:indeed_jobs:index", store.indexKey(relay.CategoryIndeedJobs))
	assert.Equal(t, "relay:linkedin_companies:batch", store.batchKey(relay.CategoryLinkedInCompanies))
}
