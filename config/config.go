// Package config loads the service configuration from the environment.
package config

import (
	"errors"
	"io/fs"
	"net/url"
	"time"

	"github.com/Gobusters/ectoenv"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/httpclient"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/orchestrator"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/scheduler"
	"github.com/Ramsey-B/fern/pkg/selection"
	"github.com/Ramsey-B/fern/pkg/syncerr"
	"github.com/Ramsey-B/fern/pkg/tracing/exporters"
)

type Config struct {
	AppName    string `env:"APP_NAME" env-default:"fern"`
	Port       int    `env:"PORT" env-default:"3000" validate:"min=1,max=65535"`
	LogLevel   string `env:"LOG_LEVEL" env-default:"info" validate:"oneof=debug info warn error"`
	PrettyLogs bool   `env:"PRETTY_LOGS" env-default:"false"`

	HttpServerWriteTimeout time.Duration `env:"HTTP_SERVER_WRITE_TIMEOUT" env-default:"15m"`
	HttpServerReadTimeout  time.Duration `env:"HTTP_SERVER_READ_TIMEOUT" env-default:"10s"`
	HttpServerIdleTimeout  time.Duration `env:"HTTP_SERVER_IDLE_TIMEOUT" env-default:"60s"`
	StartupMaxAttempts     int           `env:"STARTUP_MAX_ATTEMPTS" env-default:"5" validate:"min=1"`

	// postgres or sqlite3
	DatabaseDriver          string        `env:"DB_DRIVER" env-default:"postgres" validate:"oneof=postgres sqlite3"`
	DatabaseHost            string        `env:"DB_HOST" env-default:"localhost"`
	DatabasePort            string        `env:"DB_PORT" env-default:"5432"`
	DatabaseUserName        string        `env:"DB_USER_NAME" env-default:""`
	DatabasePassword        string        `env:"DB_PASSWORD" env-default:""`
	DatabaseName            string        `env:"DB_NAME" env-default:"fern"`
	DatabaseSSLMode         string        `env:"DB_SSL_MODE" env-default:"disable"`
	DatabasePath            string        `env:"DB_PATH" env-default:"fern.db"`
	DatabaseMaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS" env-default:"10"`
	DatabaseMaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS" env-default:"5"`
	DatabaseConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" env-default:"5m"`
	// Migration version to force; zero migrates to the latest version.
	DatabaseMigrationVersion      int  `env:"DB_MIGRATION_VERSION" env-default:"0"`
	DatabaseMigrationForce        int  `env:"DB_MIGRATION_FORCE" env-default:"0"`
	DatabaseMigrationAutoRollback bool `env:"DB_MIGRATION_AUTO_ROLLBACK" env-default:"true"`

	// Upstream reference-data API
	UpstreamBaseURL           string        `env:"UPSTREAM_BASE_URL" env-default:"https://equinor.pipespec-api.presight.com"`
	UpstreamTimeout           time.Duration `env:"UPSTREAM_TIMEOUT" env-default:"3m"`
	UpstreamRequestsPerSecond float64       `env:"UPSTREAM_REQUESTS_PER_SECOND" env-default:"5"`
	UpstreamBurst             int           `env:"UPSTREAM_BURST" env-default:"5"`

	FetchConcurrency            int  `env:"FETCH_CONCURRENCY" env-default:"4" validate:"min=1,max=64"`
	BackfillEnabled             bool `env:"BACKFILL_ENABLED" env-default:"true"`
	DuplicateSuppressionEnabled bool `env:"DUPLICATE_SUPPRESSION_ENABLED" env-default:"true"`
	MaxActivePlants             int  `env:"MAX_ACTIVE_PLANTS" env-default:"10" validate:"min=0"`

	RetentionKeepRuns          int           `env:"RETENTION_KEEP_RUNS" env-default:"1000" validate:"min=0"`
	RetentionErrorMaxAge       time.Duration `env:"RETENTION_ERROR_MAX_AGE" env-default:"720h"`
	RetentionRawResponseMaxAge time.Duration `env:"RETENTION_RAW_RESPONSE_MAX_AGE" env-default:"720h"`

	SchedulerEnabled          bool          `env:"SCHEDULER_ENABLED" env-default:"false"`
	SchedulerInterval         time.Duration `env:"SCHEDULER_INTERVAL" env-default:"1h"`
	SchedulerFullRefreshEvery int           `env:"SCHEDULER_FULL_REFRESH_EVERY" env-default:"24"`
	SchedulerRunOnStart       bool          `env:"SCHEDULER_RUN_ON_START" env-default:"false"`

	// Redis backs the per-entity-type lock and the scheduler lock when enabled.
	RedisEnabled  bool          `env:"REDIS_ENABLED" env-default:"false"`
	RedisHost     string        `env:"REDIS_HOST" env-default:"localhost"`
	RedisPort     int           `env:"REDIS_PORT" env-default:"6379"`
	RedisPassword string        `env:"REDIS_PASSWORD" env-default:""`
	RedisDB       int           `env:"REDIS_DB" env-default:"0"`
	RedisLockTTL  time.Duration `env:"REDIS_LOCK_TTL" env-default:"2m"`

	KafkaEnabled bool   `env:"KAFKA_ENABLED" env-default:"false"`
	KafkaBrokers string `env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	KafkaTopic   string `env:"KAFKA_TOPIC" env-default:"fern.runs"`

	AuthEnabled   bool   `env:"AUTH_ENABLED" env-default:"false"`
	AuthIssuerURL string `env:"AUTH_ISSUER_URL" env-default:""`
	AuthClientID  string `env:"AUTH_CLIENT_ID" env-default:""`

	OTLPEnabled  bool   `env:"OTLP_ENABLED" env-default:"false"`
	OTLPEndpoint string `env:"OTLP_ENDPOINT" env-default:"localhost:4317"`
	OTLPProtocol string `env:"OTLP_PROTOCOL" env-default:"grpc" validate:"oneof=grpc http"`
	OTLPInsecure bool   `env:"OTLP_INSECURE" env-default:"true"`
}

var validate = validator.New()

// Load reads an optional .env file, binds the environment and validates the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, syncerr.Configuration("dotenv", err, "failed to read .env")
	}

	var cfg Config
	if err := ectoenv.BindEnv(&cfg); err != nil {
		return nil, syncerr.Configuration("environment", err, "failed to bind environment")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return syncerr.Configuration("invalid_config", err, "invalid configuration")
	}
	if u, err := url.Parse(c.UpstreamBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return syncerr.Configuration("invalid_config", err, "UPSTREAM_BASE_URL %q is not an absolute URL", c.UpstreamBaseURL)
	}
	if c.UpstreamTimeout <= 0 {
		return syncerr.Configuration("invalid_config", nil, "UPSTREAM_TIMEOUT must be positive")
	}
	if c.DatabaseDriver == database.DriverPostgres && c.DatabaseUserName == "" {
		return syncerr.Configuration("invalid_config", nil, "DB_USER_NAME is required for postgres")
	}
	if c.AuthEnabled && (c.AuthIssuerURL == "" || c.AuthClientID == "") {
		return syncerr.Configuration("invalid_config", nil, "AUTH_ISSUER_URL and AUTH_CLIENT_ID are required when auth is enabled")
	}
	if c.KafkaEnabled && len(kafka.ParseBrokers(c.KafkaBrokers)) == 0 {
		return syncerr.Configuration("invalid_config", nil, "KAFKA_BROKERS is required when kafka is enabled")
	}
	return nil
}

func (c *Config) Database() database.ConnectionConfig {
	return database.ConnectionConfig{
		Driver:          c.DatabaseDriver,
		Host:            c.DatabaseHost,
		Port:            c.DatabasePort,
		User:            c.DatabaseUserName,
		Password:        c.DatabasePassword,
		Name:            c.DatabaseName,
		SSLMode:         c.DatabaseSSLMode,
		Path:            c.DatabasePath,
		MaxOpenConns:    c.DatabaseMaxOpenConns,
		MaxIdleConns:    c.DatabaseMaxIdleConns,
		ConnMaxLifetime: c.DatabaseConnMaxLifetime,
	}
}

func (c *Config) Migration(migrations fs.FS) *database.MigrationConfig {
	return &database.MigrationConfig{
		Migrations:   migrations,
		Version:      uint(max(c.DatabaseMigrationVersion, 0)),
		Force:        c.DatabaseMigrationForce,
		AutoRollback: c.DatabaseMigrationAutoRollback,
	}
}

func (c *Config) HTTPClient() httpclient.Config {
	cfg := httpclient.DefaultConfig()
	cfg.Timeout = c.UpstreamTimeout
	return cfg
}

func (c *Config) Fetcher() httpclient.FetcherConfig {
	return httpclient.FetcherConfig{
		BaseURL:           c.UpstreamBaseURL,
		RequestsPerSecond: c.UpstreamRequestsPerSecond,
		Burst:             c.UpstreamBurst,
	}
}

func (c *Config) Orchestrator() orchestrator.Config {
	return orchestrator.Config{
		FetchConcurrency: c.FetchConcurrency,
		Backfill:         c.BackfillEnabled,
		Retention: orchestrator.RetentionConfig{
			KeepRuns:          c.RetentionKeepRuns,
			ErrorMaxAge:       c.RetentionErrorMaxAge,
			RawResponseMaxAge: c.RetentionRawResponseMaxAge,
		},
	}
}

func (c *Config) Selection() selection.Config {
	return selection.Config{MaxActivePlants: c.MaxActivePlants}
}

func (c *Config) Scheduler() scheduler.Config {
	return scheduler.Config{
		Interval:         c.SchedulerInterval,
		FullRefreshEvery: c.SchedulerFullRefreshEvery,
		RunOnStart:       c.SchedulerRunOnStart,
	}
}

func (c *Config) Redis() redis.Config {
	return redis.Config{
		Host:     c.RedisHost,
		Port:     c.RedisPort,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
	}
}

func (c *Config) Kafka() kafka.ProducerConfig {
	return kafka.ProducerConfig{
		Brokers: kafka.ParseBrokers(c.KafkaBrokers),
		Topic:   c.KafkaTopic,
	}
}

func (c *Config) OTLP() exporters.OTLPConfig {
	cfg := exporters.DefaultOTLPConfig()
	cfg.Endpoint = c.OTLPEndpoint
	cfg.Protocol = c.OTLPProtocol
	cfg.Insecure = c.OTLPInsecure
	return cfg
}
