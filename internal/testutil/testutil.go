// Package testutil builds the in-memory store and quiet logger shared by package tests.
package testutil

import (
	"context"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/db"
	"github.com/Ramsey-B/fern/pkg/database"
)

// Logger returns a logger that drops every message.
func Logger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

// NewDB opens a migrated in-memory SQLite store that is closed when the test ends.
func NewDB(t testing.TB) database.DB {
	t.Helper()

	logger := Logger()
	store, err := database.OpenSQLite(context.Background(), ":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	migrations := database.NewMigrationService(logger, &database.MigrationConfig{Migrations: db.Migrations})
	require.NoError(t, migrations.Migrate("fern", store))
	return store
}
