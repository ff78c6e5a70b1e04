package rawresponse

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/internal/testutil"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
)

func response(endpoint, hash string, at time.Time) models.RawResponse {
	return models.RawResponse{
		RunID:       "run-" + hash,
		EntityType:  "operators",
		Endpoint:    endpoint,
		Payload:     `[{"OperatorID":1}]`,
		PayloadHash: hash,
		HTTPStatus:  200,
		Headers:     database.NewJSONB(map[string]string{"Content-Type": "application/json"}),
		FetchedAt:   at,
	}
}

func TestRepository_Latest(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(testutil.NewDB(t), testutil.Logger())
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	latest, err := repo.Latest(ctx, "operators")
	require.NoError(t, err)
	assert.Nil(t, latest)

	_, err = repo.Create(ctx, response("operators", "a", base))
	require.NoError(t, err)
	_, err = repo.Create(ctx, response("operators", "b", base.Add(time.Minute)))
	require.NoError(t, err)
	_, err = repo.Create(ctx, response("plants", "c", base.Add(time.Hour)))
	require.NoError(t, err)

	latest, err = repo.Latest(ctx, "operators")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "b", latest.PayloadHash)
	assert.Equal(t, "application/json", latest.Headers.Data["Content-Type"])

	byRun, err := repo.ListByRun(ctx, "run-a")
	require.NoError(t, err)
	require.Len(t, byRun, 1)
	assert.Equal(t, `[{"OperatorID":1}]`, byRun[0].Payload)
}

func TestRepository_PurgeKeepsLatestPerEndpoint(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(testutil.NewDB(t), testutil.Logger())
	old := time.Now().UTC().AddDate(0, 0, -60)

	_, err := repo.Create(ctx, response("operators", "a", old))
	require.NoError(t, err)
	_, err = repo.Create(ctx, response("operators", "b", old.Add(time.Hour)))
	require.NoError(t, err)
	_, err = repo.Create(ctx, response("plants", "c", old))
	require.NoError(t, err)

	n, err := repo.PurgeOlderThan(ctx, time.Now().AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	latest, err := repo.Latest(ctx, "operators")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "b", latest.PayloadHash)

	latest, err = repo.Latest(ctx, "plants")
	require.NoError(t, err)
	assert.NotNil(t, latest)
}

func TestRepository_Invalidate(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(testutil.NewDB(t), testutil.Logger())
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	plant := func(endpoint, scopeKey, hash string) {
		rr := response(endpoint, hash, base)
		rr.EntityType = "plants"
		rr.ScopeKey = scopeKey
		_, err := repo.Create(ctx, rr)
		require.NoError(t, err)
	}
	plant("plants", "", "list")
	plant("plants/P1", "P1", "p1")
	plant("plants/P2", "P2", "p2")
	_, err := repo.Create(ctx, response("operators", "ops", base))
	require.NoError(t, err)

	invalid := func(endpoint string) bool {
		latest, err := repo.Latest(ctx, endpoint)
		require.NoError(t, err)
		require.NotNil(t, latest)
		return latest.InvalidatedAt != nil
	}

	p1 := "P1"
	n, err := repo.Invalidate(ctx, models.Invalidation{EntityType: "plants", ScopeKey: &p1})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, invalid("plants/P1"))
	assert.False(t, invalid("plants/P2"))

	n, err = repo.Invalidate(ctx, models.Invalidation{EntityType: "plants", ExceptEndpoint: "plants/P2"})
	require.NoError(t, err)
	assert.Equal(t, 1, n, "already invalidated rows are left alone")
	assert.True(t, invalid("plants"))
	assert.False(t, invalid("plants/P2"))
	assert.False(t, invalid("operators"))

	_, err = repo.Invalidate(ctx, models.Invalidation{})
	assert.Error(t, err)
}
