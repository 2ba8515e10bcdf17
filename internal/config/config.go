// Package config loads and validates relay configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/scrape-relay/internal/trigger"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreRedis    = "redis"
)

// Backup mirror targets.
const (
	MirrorNone = "none"
	MirrorGCS  = "gcs"
	MirrorS3   = "s3"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Collector CollectorConfig `mapstructure:"collector"`
	Store     StoreConfig     `mapstructure:"store"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Backup    BackupConfig    `mapstructure:"backup"`
	Storage   StorageConfig   `mapstructure:"storage"`
	S3        S3Config        `mapstructure:"s3"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig guards the operator routes (/trigger, /jobs).
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// WebhookConfig configures delivery authorization and completion notices.
type WebhookConfig struct {
	Secret          string `mapstructure:"secret"`
	SecretHeader    string `mapstructure:"secret_header"`
	SecretQuery     string `mapstructure:"secret_query"`
	CompletionTopic string `mapstructure:"completion_topic"`
}

// CollectorConfig describes the upstream collection API.
type CollectorConfig struct {
	BaseURL     string           `mapstructure:"base_url"`
	APIToken    string           `mapstructure:"api_token"`
	CallbackURL string           `mapstructure:"callback_url"`
	Datasets    trigger.Datasets `mapstructure:"datasets"`
	Timeout     time.Duration    `mapstructure:"timeout"`
}

// Enabled reports whether triggering is configured.
func (c CollectorConfig) Enabled() bool {
	return c.BaseURL != ""
}

// StoreConfig selects the job store backend.
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
}

// DatabaseConfig controls the Postgres job store.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	TablePrefix     string        `mapstructure:"table_prefix"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig controls the Redis job store.
type RedisConfig struct {
	Addrs     []string `mapstructure:"addrs"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	DB        int      `mapstructure:"db"`
	KeyPrefix string   `mapstructure:"key_prefix"`
}

// BackupConfig controls local delivery backups and their optional mirror.
type BackupConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Dir     string `mapstructure:"dir"`
	Mirror  string `mapstructure:"mirror"`
}

// StorageConfig sets the GCS mirror bucket.
type StorageConfig struct {
	Bucket   string `mapstructure:"bucket"`
	Prefix   string `mapstructure:"prefix"`
	Endpoint string `mapstructure:"endpoint"`
}

// S3Config sets the S3-compatible mirror bucket.
type S3Config struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
}

// PubSubConfig holds metadata for completion notices.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.secret_header", "X-Webhook-Secret")
	v.SetDefault("webhook.secret_query", "secret")
	v.SetDefault("webhook.completion_topic", "")
	v.SetDefault("collector.base_url", "")
	v.SetDefault("collector.api_token", "")
	v.SetDefault("collector.callback_url", "")
	v.SetDefault("collector.datasets.linkedin_jobs", "")
	v.SetDefault("collector.datasets.indeed_jobs", "")
	v.SetDefault("collector.datasets.linkedin_companies", "")
	v.SetDefault("collector.timeout", trigger.DefaultTimeout)
	v.SetDefault("store.backend", StoreMemory)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.table_prefix", "relay_")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("redis.addrs", []string{"localhost:6379"})
	v.SetDefault("redis.username", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "relay")
	v.SetDefault("backup.enabled", true)
	v.SetDefault("backup.dir", "webhook-backups")
	v.SetDefault("backup.mirror", MirrorNone)
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.prefix", "webhook-backups")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.bucket", "")
	v.SetDefault("s3.prefix", "webhook-backups")
	v.SetDefault("s3.access_key_id", "")
	v.SetDefault("s3.secret_access_key", "")
	v.SetDefault("s3.use_ssl", true)
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Store.Backend {
	case StoreMemory:
	case StorePostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn must be set for the postgres store")
		}
	case StoreRedis:
		if len(c.Redis.Addrs) == 0 {
			return fmt.Errorf("redis.addrs must be set for the redis store")
		}
	default:
		return fmt.Errorf("store.backend %q must be one of memory, postgres, redis", c.Store.Backend)
	}
	if c.Backup.Enabled && c.Backup.Dir == "" {
		return fmt.Errorf("backup.dir must be set when backups are enabled")
	}
	switch c.Backup.Mirror {
	case "", MirrorNone:
	case MirrorGCS:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set for the gcs mirror")
		}
	case MirrorS3:
		if c.S3.Bucket == "" || c.S3.Endpoint == "" {
			return fmt.Errorf("s3.bucket and s3.endpoint must be set for the s3 mirror")
		}
	default:
		return fmt.Errorf("backup.mirror %q must be one of none, gcs, s3", c.Backup.Mirror)
	}
	if c.Collector.Enabled() {
		if c.Collector.APIToken == "" {
			return fmt.Errorf("collector.api_token must be set when collector.base_url is set")
		}
		if c.Collector.CallbackURL == "" {
			return fmt.Errorf("collector.callback_url must be set when collector.base_url is set")
		}
		if c.Collector.Timeout <= 0 {
			return fmt.Errorf("collector.timeout must be > 0")
		}
	}
	if c.PubSub.Enabled && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub is enabled")
	}
	if c.Webhook.CompletionTopic != "" && !c.PubSub.Enabled {
		return fmt.Errorf("webhook.completion_topic requires pubsub.enabled")
	}
	return nil
}

// TriggerConfig converts the collector section into a trigger client config.
func (c Config) TriggerConfig() trigger.Config {
	return trigger.Config{
		BaseURL:       c.Collector.BaseURL,
		APIToken:      c.Collector.APIToken,
		CallbackURL:   c.Collector.CallbackURL,
		WebhookSecret: c.Webhook.Secret,
		Datasets:      c.Collector.Datasets,
		Timeout:       c.Collector.Timeout,
	}
}
