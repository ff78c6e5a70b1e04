package testutil

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/redis"
)

// RequireDocker skips container-backed tests in -short mode and when no Docker provider is reachable.
func RequireDocker(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("container test skipped in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
}

// StartPostgres runs a throwaway postgres container for the test and returns its connection settings.
func StartPostgres(t *testing.T) database.ConnectionConfig {
	t.Helper()
	RequireDocker(t)
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:15-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "fern",
				"POSTGRES_PASSWORD": "password",
				"POSTGRES_DB":       "fern",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	return database.ConnectionConfig{
		Driver:          database.DriverPostgres,
		Host:            host,
		Port:            port.Port(),
		User:            "fern",
		Password:        "password",
		Name:            "fern",
		SSLMode:         "disable",
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Minute,
	}
}

// StartRedis runs a throwaway redis container for the test.
func StartRedis(t *testing.T) redis.Config {
	t.Helper()
	RequireDocker(t)
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor: wait.ForLog("Ready to accept connections").
				WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)
	n, err := strconv.Atoi(port.Port())
	require.NoError(t, err)

	return redis.Config{Host: host, Port: n}
}
