// Package server builds the relay's dependencies and runs the HTTP server.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-relay/internal/api"
	"github.com/JakeFAU/scrape-relay/internal/backup"
	"github.com/JakeFAU/scrape-relay/internal/clock/system"
	"github.com/JakeFAU/scrape-relay/internal/config"
	"github.com/JakeFAU/scrape-relay/internal/id/uuid"
	"github.com/JakeFAU/scrape-relay/internal/logging"
	"github.com/JakeFAU/scrape-relay/internal/metrics"
	memorypublisher "github.com/JakeFAU/scrape-relay/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/scrape-relay/internal/publisher/pubsub"
	"github.com/JakeFAU/scrape-relay/internal/relay"
	gcsstorage "github.com/JakeFAU/scrape-relay/internal/storage/gcs"
	localstorage "github.com/JakeFAU/scrape-relay/internal/storage/local"
	memorystorage "github.com/JakeFAU/scrape-relay/internal/storage/memory"
	pgstore "github.com/JakeFAU/scrape-relay/internal/storage/postgres"
	redisstore "github.com/JakeFAU/scrape-relay/internal/storage/redis"
	s3storage "github.com/JakeFAU/scrape-relay/internal/storage/s3"
	"github.com/JakeFAU/scrape-relay/internal/trigger"
	"github.com/JakeFAU/scrape-relay/internal/webhook"
)

const pingTimeout = 5 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg          *config.Config
	logger       *zap.Logger
	clock        relay.Clock
	store        relay.JobStore
	apiServer    *api.Server
	pgStore      *pgstore.JobStore
	redisClient  goredis.UniversalClient
	gcsMirror    *gcsstorage.BlobStore
	pubsubClient *pubsub.Client
	publisher    *gcppublisher.Publisher
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	// Only non-sensitive fields are logged.
	type SanitizedConfig struct {
		ServerPort   int    `json:"server_port"`
		StoreBackend string `json:"store_backend"`
		BackupMirror string `json:"backup_mirror"`
		Collector    bool   `json:"collector"`
		SecretSet    bool   `json:"webhook_secret_set"`
	}
	safeCfg := SanitizedConfig{
		ServerPort:   cfg.Server.Port,
		StoreBackend: cfg.Store.Backend,
		BackupMirror: cfg.Backup.Mirror,
		Collector:    cfg.Collector.Enabled(),
		SecretSet:    cfg.Webhook.Secret != "",
	}
	logger.Info("Creating application", zap.Any("config", safeCfg))
	return &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
	}, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Clock returns the application clock.
func (a *App) Clock() relay.Clock {
	return a.clock
}

// JobStore returns the configured job store.
func (a *App) JobStore() relay.JobStore {
	return a.store
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the HTTP server and blocks until the context is canceled or a
// termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

// Close releases every client the App opened.
func (a *App) Close(_ context.Context) error {
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsMirror != nil {
		if err := a.gcsMirror.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	a.logger.Info("shutdown complete")
	if err := a.logger.Sync(); err != nil {
		// Sync on stdout/stderr reports EINVAL on some platforms.
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	return nil
}

// Build creates the application's dependencies. On error every client opened
// so far is closed.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return BuildWithLogger(ctx, cfg, logger)
}

// BuildWithLogger is Build with a caller-supplied logger.
func BuildWithLogger(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}
	if err := app.build(ctx); err != nil {
		_ = app.Close(ctx)
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	metrics.Init()
	otel.SetTextMapPropagator(propagation.TraceContext{})

	a.logger.Info("building application dependencies")
	var err error
	if a.store, err = setupStore(ctx, a); err != nil {
		return err
	}
	backupWriter, err := setupBackup(ctx, a)
	if err != nil {
		return err
	}
	publisher, err := setupPublisher(ctx, a)
	if err != nil {
		return err
	}
	launcher, err := setupLauncher(a)
	if err != nil {
		return err
	}

	receiver := webhook.NewReceiver(webhook.Config{
		Secret:          a.cfg.Webhook.Secret,
		SecretHeader:    a.cfg.Webhook.SecretHeader,
		SecretQuery:     a.cfg.Webhook.SecretQuery,
		CompletionTopic: a.cfg.Webhook.CompletionTopic,
	}, a.store, backupWriter, publisher, a.clock, a.logger)

	var apiLauncher api.Launcher
	if launcher != nil {
		apiLauncher = launcher
	}
	a.apiServer = api.NewServer(receiver, apiLauncher, a.store, a.clock, *a.cfg, a.logger.Named("api"))
	return nil
}

func setupStore(ctx context.Context, app *App) (relay.JobStore, error) {
	idGen := uuid.NewUUIDGenerator()
	switch app.cfg.Store.Backend {
	case config.StorePostgres:
		app.logger.Info("using postgres job store", zap.String("table_prefix", app.cfg.Database.TablePrefix))
		store, err := pgstore.NewJobStore(ctx, pgstore.JobStoreConfig{
			DSN:             app.cfg.Database.DSN,
			TablePrefix:     app.cfg.Database.TablePrefix,
			MaxConns:        app.cfg.Database.MaxConns,
			MinConns:        app.cfg.Database.MinConns,
			MaxConnLifetime: app.cfg.Database.MaxConnLifetime,
		}, idGen)
		if err != nil {
			return nil, fmt.Errorf("postgres job store init failed: %w", err)
		}
		app.pgStore = store
		if app.cfg.Database.AutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				return nil, fmt.Errorf("postgres schema init failed: %w", err)
			}
		}
		return store, nil
	case config.StoreRedis:
		app.logger.Info("using redis job store", zap.Strings("addrs", app.cfg.Redis.Addrs))
		client := goredis.NewUniversalClient(&goredis.UniversalOptions{
			Addrs:    app.cfg.Redis.Addrs,
			Username: app.cfg.Redis.Username,
			Password: app.cfg.Redis.Password,
			DB:       app.cfg.Redis.DB,
		})
		app.redisClient = client
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping failed: %w", err)
		}
		return redisstore.NewJobStore(client, app.cfg.Redis.KeyPrefix, idGen), nil
	default:
		app.logger.Warn("using in-memory job store; records are lost on restart")
		return memorystorage.NewJobStore(idGen), nil
	}
}

func setupBackup(ctx context.Context, app *App) (*backup.Writer, error) {
	if !app.cfg.Backup.Enabled {
		app.logger.Warn("local backups disabled")
		return nil, nil
	}
	local, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Backup.Dir})
	if err != nil {
		return nil, fmt.Errorf("backup dir init failed: %w", err)
	}
	mirror, err := setupMirror(ctx, app)
	if err != nil {
		return nil, err
	}
	app.logger.Info("local backups enabled",
		zap.String("dir", local.BaseDir()),
		zap.String("mirror", app.cfg.Backup.Mirror),
	)
	return backup.NewWriter(local, mirror, app.clock, app.logger), nil
}

func setupMirror(ctx context.Context, app *App) (relay.BlobStore, error) {
	switch app.cfg.Backup.Mirror {
	case config.MirrorGCS:
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{
			Bucket:   app.cfg.Storage.Bucket,
			Prefix:   app.cfg.Storage.Prefix,
			Endpoint: app.cfg.Storage.Endpoint,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs mirror init failed: %w", err)
		}
		app.gcsMirror = store
		app.logger.Debug("GCS backup mirror", zap.String("bucket", app.cfg.Storage.Bucket))
		return store, nil
	case config.MirrorS3:
		store, err := s3storage.New(s3storage.Config{
			Endpoint:        app.cfg.S3.Endpoint,
			Region:          app.cfg.S3.Region,
			Bucket:          app.cfg.S3.Bucket,
			Prefix:          app.cfg.S3.Prefix,
			AccessKeyID:     app.cfg.S3.AccessKeyID,
			SecretAccessKey: app.cfg.S3.SecretAccessKey,
			UseSSL:          app.cfg.S3.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 mirror init failed: %w", err)
		}
		app.logger.Debug("S3 backup mirror", zap.String("bucket", app.cfg.S3.Bucket))
		return store, nil
	default:
		return nil, nil
	}
}

func setupPublisher(ctx context.Context, app *App) (relay.Publisher, error) {
	if !app.cfg.PubSub.Enabled {
		if app.cfg.Webhook.CompletionTopic != "" {
			app.logger.Warn("Pub/Sub disabled, completion notices stay in memory")
		}
		return memorypublisher.New(), nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.publisher = gcppublisher.New(app.pubsubClient)
	app.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.Webhook.CompletionTopic),
	)
	return app.publisher, nil
}

func setupLauncher(app *App) (*trigger.Launcher, error) {
	if !app.cfg.Collector.Enabled() {
		app.logger.Warn("collector not configured, /trigger is disabled")
		return nil, nil
	}
	client, err := trigger.NewClient(app.cfg.TriggerConfig(), nil, app.logger)
	if err != nil {
		return nil, fmt.Errorf("trigger client init failed: %w", err)
	}
	app.logger.Info("collector configured",
		zap.String("base_url", app.cfg.Collector.BaseURL),
		zap.String("callback_url", app.cfg.Collector.CallbackURL),
		zap.Duration("timeout", app.cfg.Collector.Timeout),
	)
	return trigger.NewLauncher(client, app.store, app.clock, app.logger), nil
}
