package backup

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-relay/internal/relay"
	"github.com/JakeFAU/scrape-relay/internal/storage/local"
	"github.com/JakeFAU/scrape-relay/internal/storage/memory"
)

type stepClock struct{ ms int64 }

func (c *stepClock) Now() time.Time {
	c.ms++
	return time.UnixMilli(c.ms)
}

type failingMirror struct{}

func (failingMirror) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("mirror down")
}

func newTestWriter(t *testing.T, mirror relay.BlobStore) (*Writer, *local.BlobStore) {
	t.Helper()
	store, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	return NewWriter(store, mirror, &stepClock{ms: 1000}, nil), store
}

func TestFileNameEncodesBatchID(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "data_s_1_42.json", FileName(KindData, "s_1", 42))
	assert.Equal(t, "webhook_a~2Fb~2Ec_7.json", FileName(KindWebhook, "a/b.c", 7))
	assert.Equal(t, "data_a~7Eb_3.json", FileName(KindData, "a~b", 3))
	assert.Equal(t, "data_~C3~A9_5.json", FileName(KindData, "\u00e9", 5))
	assert.Equal(t, "data_~_1.json", FileName(KindData, "", 1))
}

func TestEncodeBatchIDIsInjective(t *testing.T) {
	t.Parallel()

	ids := []string{"a.b", "a_b", "a/b", "a~2Eb", "a~5Fb", "", "~", "unknown", "a b", "a_2Eb"}
	seen := make(map[string]string, len(ids))
	for _, id := range ids {
		enc := EncodeBatchID(id)
		prev, dup := seen[enc]
		require.Falsef(t, dup, "%q and %q both encode to %q", prev, id, enc)
		seen[enc] = id
	}
}

func TestReadLatestDoesNotCrossBatches(t *testing.T) {
	t.Parallel()

	w, _ := newTestWriter(t, nil)
	ctx := context.Background()

	_, err := w.WriteRaw(ctx, "a.b", []byte(`{"snapshot_id":"a.b","data":[{"title":"from a.b"}]}`))
	require.NoError(t, err)
	_, err = w.WriteRecords(ctx, "a.b", []relay.Record{{"title": "from a.b"}})
	require.NoError(t, err)

	_, err = w.ReadLatest(ctx, "a_b")
	require.ErrorIs(t, err, ErrNoBackup)

	records, err := w.ReadLatest(ctx, "a.b")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "from a.b", records[0]["title"])
}

func TestWriteAndReadLatestPrefersData(t *testing.T) {
	t.Parallel()

	w, store := newTestWriter(t, nil)
	ctx := context.Background()

	_, err := w.WriteRaw(ctx, "s_1", []byte(`{"data":[{"a":1},{"a":2}],"snapshot_id":"s_1"}`))
	require.NoError(t, err)
	_, err = w.WriteRecords(ctx, "s_1", []relay.Record{{"title": "old"}})
	require.NoError(t, err)
	_, err = w.WriteRecords(ctx, "s_1", []relay.Record{{"title": "new"}, {"title": "newer"}})
	require.NoError(t, err)

	records, err := w.ReadLatest(ctx, "s_1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "new", records[0]["title"])

	names, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, names, 3)
}

func TestReadLatestFallsBackToWebhook(t *testing.T) {
	t.Parallel()

	w, _ := newTestWriter(t, nil)
	ctx := context.Background()

	_, err := w.WriteRaw(ctx, "s_2", []byte(`{"results":[{"a":1}],"snapshot_id":"s_2"}`))
	require.NoError(t, err)

	records, err := w.ReadLatest(ctx, "s_2")
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestReadLatestIgnoresPrefixSiblings(t *testing.T) {
	t.Parallel()

	w, _ := newTestWriter(t, nil)
	ctx := context.Background()

	_, err := w.WriteRecords(ctx, "s_1_2", []relay.Record{{"title": "other batch"}})
	require.NoError(t, err)

	_, err = w.ReadLatest(ctx, "s_1")
	require.ErrorIs(t, err, ErrNoBackup)
}

func TestReadLatestMissing(t *testing.T) {
	t.Parallel()

	w, _ := newTestWriter(t, nil)
	_, err := w.ReadLatest(context.Background(), "nothing")
	require.ErrorIs(t, err, ErrNoBackup)
}

func TestMirrorReceivesSameBytes(t *testing.T) {
	t.Parallel()

	mirror := memory.NewBlobStore()
	w, _ := newTestWriter(t, mirror)

	uri, err := w.WriteRaw(context.Background(), "s_3", []byte(`[1]`))
	require.NoError(t, err)

	paths := mirror.Paths()
	require.Len(t, paths, 1)
	data, ok := mirror.Object(paths[0])
	require.True(t, ok)
	assert.Equal(t, `[1]`, string(data))
	assert.Contains(t, uri, paths[0])
}

func TestMirrorFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	w, _ := newTestWriter(t, failingMirror{})
	uri, err := w.WriteRaw(context.Background(), "s_4", []byte(`[]`))
	require.NoError(t, err)
	_, statErr := os.Stat(uri[len("file://"):])
	require.NoError(t, statErr)
}
