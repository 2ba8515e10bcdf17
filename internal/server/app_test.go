package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-relay/internal/config"
	"github.com/JakeFAU/scrape-relay/internal/relay"
	"github.com/JakeFAU/scrape-relay/internal/trigger"
)

func baseConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Server:  config.ServerConfig{Port: 8080},
		Store:   config.StoreConfig{Backend: config.StoreMemory},
		Backup:  config.BackupConfig{Enabled: true, Dir: t.TempDir(), Mirror: config.MirrorNone},
		Webhook: config.WebhookConfig{Secret: "shh"},
	}
}

func serve(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestBuildTriggerThenDeliver(t *testing.T) {
	t.Parallel()

	queries := make(chan string, 1)
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queries <- r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"snapshot_id":"s_e2e"}`))
	}))
	t.Cleanup(collector.Close)

	cfg := baseConfig(t)
	cfg.Collector = config.CollectorConfig{
		BaseURL:     collector.URL,
		APIToken:    "tok",
		CallbackURL: "https://relay.example.com/webhook",
		Datasets:    configDatasets(),
	}
	app, err := BuildWithLogger(context.Background(), &cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	rec := serve(t, app.Handler(), http.MethodPost, "/trigger", `{"keyword":"golang","location":"Remote"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"batchId":"s_e2e"`)
	assert.Contains(t, <-queries, "dataset_id=gd_li")

	placeholder, err := app.JobStore().FindByBatchID(context.Background(), "s_e2e")
	require.NoError(t, err)
	assert.Equal(t, relay.StatusTriggered, placeholder.Status)

	delivery := `{"snapshot_id":"s_e2e","data":[
		{"job_posting_id":"1","url":"https://www.linkedin.com/jobs/view/1"},
		{"job_posting_id":"2","url":"https://www.linkedin.com/jobs/view/2"},
		{"job_posting_id":"3","url":"https://www.linkedin.com/jobs/view/3"}
	]}`
	rec = serve(t, app.Handler(), http.MethodPost, "/webhook", delivery)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = serve(t, app.Handler(), http.MethodPost, "/webhook?secret=shh", delivery)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["updated"])
	assert.Equal(t, float64(3), resp["resultCount"])

	done, err := app.JobStore().FindByBatchID(context.Background(), "s_e2e")
	require.NoError(t, err)
	assert.Equal(t, placeholder.DocID, done.DocID)
	assert.Len(t, done.Results, 3)
	assert.Equal(t, 3, done.Counters.ResultCount)

	entries, err := os.ReadDir(cfg.Backup.Dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestBuildWithoutCollectorDisablesTrigger(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(t)
	cfg.Backup.Enabled = false
	app, err := BuildWithLogger(context.Background(), &cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close(context.Background()) })

	rec := serve(t, app.Handler(), http.MethodPost, "/trigger", `{"keyword":"go"}`)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = serve(t, app.Handler(), http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestBuildFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{
			name: "bad postgres dsn",
			mutate: func(c *config.Config) {
				c.Store.Backend = config.StorePostgres
				c.Database.DSN = "postgres://%zz"
			},
			want: "postgres job store init failed",
		},
		{
			name: "unreachable redis",
			mutate: func(c *config.Config) {
				c.Store.Backend = config.StoreRedis
				c.Redis.Addrs = []string{"127.0.0.1:1"}
			},
			want: "redis ping failed",
		},
		{
			name: "s3 mirror without endpoint",
			mutate: func(c *config.Config) {
				c.Backup.Mirror = config.MirrorS3
				c.S3.Bucket = "b"
			},
			want: "s3 mirror init failed",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := baseConfig(t)
			tt.mutate(&cfg)
			_, err := BuildWithLogger(context.Background(), &cfg, zap.NewNop())
			require.ErrorContains(t, err, tt.want)
		})
	}
}

func configDatasets() trigger.Datasets {
	return trigger.Datasets{LinkedInJobs: "gd_li", IndeedJobs: "gd_in", LinkedInCompanies: "gd_co"}
}
