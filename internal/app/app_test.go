package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/internal/testutil"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/health"
	"github.com/Ramsey-B/fern/pkg/models"
)

func sqliteConfig() *config.Config {
	return &config.Config{
		AppName:                       "fern",
		StartupMaxAttempts:            1,
		DatabaseDriver:                database.DriverSQLite,
		DatabaseName:                  "fern",
		DatabasePath:                  ":memory:",
		DatabaseMigrationAutoRollback: true,
		UpstreamBaseURL:               "http://localhost:1",
		UpstreamTimeout:               time.Second,
		FetchConcurrency:              2,
		MaxActivePlants:               3,
		SchedulerInterval:             time.Hour,
	}
}

func TestApp_OpenClose(t *testing.T) {
	ctx := context.Background()
	a := New(sqliteConfig(), testutil.Logger(), "test")

	require.NoError(t, a.Open(ctx))
	assert.NotNil(t, a.DB)
	assert.NotNil(t, a.Orchestrator)
	assert.NotNil(t, a.Selections)
	assert.NotNil(t, a.Query)
	assert.NotNil(t, a.Scheduler)
	assert.Nil(t, a.Redis)
	assert.Nil(t, a.Producer)

	checks := a.Health.Check(ctx)
	assert.Equal(t, health.StatusHealthy, checks["database"].Status)
	assert.True(t, a.Health.IsReady())

	runs, err := a.Runs.List(ctx, models.RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, runs)

	a.Orchestrator.Wait()
	require.NoError(t, a.Close(ctx))
}

func TestApp_FailsAbandonedRunsOnOpen(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewDB(t)

	first := New(sqliteConfig(), testutil.Logger(), "test")
	first.DB = store
	require.NoError(t, first.Open(ctx))

	run, err := first.Runs.Create(ctx, models.RunRecord{
		EntityType: "operators",
		ScopeKey:   "global",
		Endpoint:   "operators",
		RunType:    models.RunTypeManual,
		StartedAt:  time.Now(),
	})
	require.NoError(t, err)

	// a second process over the same store sees the run as abandoned
	second := New(sqliteConfig(), testutil.Logger(), "test")
	second.DB = store
	require.NoError(t, second.Open(ctx))

	got, err := second.Runs.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, got.Status)
	assert.NotNil(t, got.EndedAt)
}
