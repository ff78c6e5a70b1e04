package runrecord

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/internal/testutil"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/syncerr"
)

func newRun(entityType string, started time.Time) models.RunRecord {
	return models.RunRecord{
		RunType:     models.RunTypeManual,
		EntityType:  entityType,
		Endpoint:    entityType,
		StartedAt:   started,
		InitiatedBy: "test",
	}
}

func TestRepository_CreateAndFinish(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(testutil.NewDB(t), testutil.Logger())
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	run, err := repo.Create(ctx, newRun("operators", start))
	require.NoError(t, err)
	require.NotEmpty(t, run.ID)
	assert.Equal(t, models.RunStatusRunning, run.Status)

	err = repo.Finish(ctx, run.ID, models.RunFinish{
		Status:       models.RunStatusSuccess,
		Stats:        models.MergeStats{Inserted: 3, Unchanged: 2},
		APICallCount: 1,
		Comments:     "ok",
		EndedAt:      start.Add(1500 * time.Millisecond),
	})
	require.NoError(t, err)

	got, err := repo.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuccess, got.Status)
	assert.Equal(t, 3, got.RecordsInserted)
	assert.Equal(t, 2, got.RecordsUnchanged)
	assert.Equal(t, int64(1500), got.DurationMS)
	require.NotNil(t, got.Comments)
	assert.Equal(t, "ok", *got.Comments)
	require.NotNil(t, got.EndedAt)

	err = repo.Finish(ctx, run.ID, models.RunFinish{Status: models.RunStatusFailed})
	require.Error(t, err)
	assert.Equal(t, http.StatusConflict, httperror.GetStatusCode(err))

	err = repo.Finish(ctx, run.ID, models.RunFinish{Status: models.RunStatusRunning})
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, httperror.GetStatusCode(err))
}

func TestRepository_GetNotFound(t *testing.T) {
	repo := NewRepository(testutil.NewDB(t), testutil.Logger())

	_, err := repo.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, httperror.IsHTTPError(err))
	assert.Equal(t, http.StatusNotFound, httperror.GetStatusCode(err))
}

func TestRepository_ListAndPrune(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(testutil.NewDB(t), testutil.Logger())
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	var ids []string
	for i := 0; i < 5; i++ {
		entityType := "operators"
		if i%2 == 1 {
			entityType = "plants"
		}
		run, err := repo.Create(ctx, newRun(entityType, base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
		if i < 4 {
			require.NoError(t, repo.Finish(ctx, run.ID, models.RunFinish{Status: models.RunStatusNoData, EndedAt: run.StartedAt.Add(time.Second)}))
		}
		ids = append(ids, run.ID)
	}

	all, err := repo.List(ctx, models.RunFilter{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, ids[4], all[0].ID)

	plants, err := repo.List(ctx, models.RunFilter{EntityType: "plants"})
	require.NoError(t, err)
	assert.Len(t, plants, 2)

	running, err := repo.List(ctx, models.RunFilter{Status: "running"})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, ids[4], running[0].ID)

	n, err := repo.Prune(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	left, err := repo.List(ctx, models.RunFilter{})
	require.NoError(t, err)
	assert.Len(t, left, 2)
}

func TestRepository_FailAbandoned(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(testutil.NewDB(t), testutil.Logger())

	run, err := repo.Create(ctx, newRun("issues", time.Now()))
	require.NoError(t, err)

	n, err := repo.FailAbandoned(ctx, "abandoned at startup")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := repo.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, got.Status)
	assert.Equal(t, 1, got.ErrorCount)

	n, err = repo.FailAbandoned(ctx, "again")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRepository_StoreErrorKeepsCancellation(t *testing.T) {
	repo := NewRepository(testutil.NewDB(t), testutil.Logger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := repo.Create(ctx, newRun("operators", time.Now().UTC()))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, syncerr.TypeCancelled, syncerr.Classify(err))

	var httperr *httperror.HTTPError
	require.True(t, errors.As(err, &httperr))
	assert.Equal(t, http.StatusInternalServerError, httperr.Code)
	assert.Equal(t, "failed to create run record", httperr.Message)

	_, err = repo.List(ctx, models.RunFilter{})
	assert.ErrorIs(t, err, context.Canceled)
}
