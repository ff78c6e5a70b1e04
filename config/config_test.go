package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Ramsey-B/fern/pkg/syncerr"
)

func validConfig() Config {
	return Config{
		AppName:            "fern",
		Port:               3000,
		LogLevel:           "info",
		StartupMaxAttempts: 1,
		DatabaseDriver:     "sqlite3",
		DatabasePath:       ":memory:",
		UpstreamBaseURL:    "https://api.example.com",
		UpstreamTimeout:    time.Minute,
		FetchConcurrency:   4,
		OTLPProtocol:       "grpc",
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		ok     bool
	}{
		{name: "valid", modify: func(*Config) {}, ok: true},
		{name: "bad driver", modify: func(c *Config) { c.DatabaseDriver = "mysql" }},
		{name: "relative base url", modify: func(c *Config) { c.UpstreamBaseURL = "/api" }},
		{name: "no timeout", modify: func(c *Config) { c.UpstreamTimeout = 0 }},
		{name: "postgres without user", modify: func(c *Config) { c.DatabaseDriver = "postgres" }},
		{name: "auth without issuer", modify: func(c *Config) { c.AuthEnabled = true }},
		{name: "kafka without brokers", modify: func(c *Config) { c.KafkaEnabled = true }},
		{name: "zero concurrency", modify: func(c *Config) { c.FetchConcurrency = 0 }},
		{name: "log level", modify: func(c *Config) { c.LogLevel = "loud" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.Equal(t, syncerr.TypeConfiguration, syncerr.Classify(err))
		})
	}
}

func TestConfig_Conversions(t *testing.T) {
	cfg := validConfig()
	cfg.BackfillEnabled = true
	cfg.RetentionKeepRuns = 50
	cfg.KafkaBrokers = "a:9092, b:9092"
	cfg.UpstreamRequestsPerSecond = 2

	assert.Equal(t, ":memory:", cfg.Database().DSN())
	assert.True(t, cfg.Orchestrator().Backfill)
	assert.Equal(t, 50, cfg.Orchestrator().Retention.KeepRuns)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka().Brokers)
	assert.Equal(t, time.Minute, cfg.HTTPClient().Timeout)
	assert.Equal(t, 2.0, cfg.Fetcher().RequestsPerSecond)
}
