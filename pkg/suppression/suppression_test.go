package suppression

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/internal/repositories/rawresponse"
	"github.com/Ramsey-B/fern/internal/testutil"
	"github.com/Ramsey-B/fern/pkg/fingerprint"
	"github.com/Ramsey-B/fern/pkg/models"
)

func store(t *testing.T, repo *rawresponse.Repository, endpoint, body string, at time.Time) {
	t.Helper()
	_, err := repo.Create(context.Background(), models.RawResponse{
		RunID:       "run",
		EntityType:  "operators",
		Endpoint:    endpoint,
		Payload:     body,
		PayloadHash: fingerprint.Payload([]byte(body)),
		HTTPStatus:  200,
		FetchedAt:   at,
	})
	require.NoError(t, err)
}

func TestSuppressor_IsDuplicate(t *testing.T) {
	ctx := context.Background()
	repo := rawresponse.NewRepository(testutil.NewDB(t), testutil.Logger())
	s := NewSuppressor(repo, true, testutil.Logger())
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	a := `[{"OperatorID":1}]`
	b := `[{"OperatorID":2}]`

	dup, err := s.IsDuplicate(ctx, "operators", fingerprint.Payload([]byte(a)))
	require.NoError(t, err)
	assert.False(t, dup, "nothing stored yet")

	store(t, repo, "operators", a, base)
	dup, err = s.IsDuplicate(ctx, "operators", fingerprint.Payload([]byte(a)))
	require.NoError(t, err)
	assert.True(t, dup)

	dup, err = s.IsDuplicate(ctx, "plants", fingerprint.Payload([]byte(a)))
	require.NoError(t, err)
	assert.False(t, dup, "other endpoint")

	store(t, repo, "operators", b, base.Add(time.Minute))
	dup, err = s.IsDuplicate(ctx, "operators", fingerprint.Payload([]byte(a)))
	require.NoError(t, err)
	assert.False(t, dup, "A after B is merged again")
}

func TestSuppressor_Disabled(t *testing.T) {
	ctx := context.Background()
	repo := rawresponse.NewRepository(testutil.NewDB(t), testutil.Logger())
	body := `[]`
	store(t, repo, "operators", body, time.Now())

	dup, err := NewSuppressor(repo, false, testutil.Logger()).IsDuplicate(ctx, "operators", fingerprint.Payload([]byte(body)))
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestSuppressor_Invalidate(t *testing.T) {
	ctx := context.Background()
	repo := rawresponse.NewRepository(testutil.NewDB(t), testutil.Logger())
	s := NewSuppressor(repo, true, testutil.Logger())
	body := `[{"OperatorID":1}]`
	hash := fingerprint.Payload([]byte(body))

	store(t, repo, "operators", body, time.Now().Add(-time.Minute))
	dup, err := s.IsDuplicate(ctx, "operators", hash)
	require.NoError(t, err)
	require.True(t, dup)

	require.NoError(t, s.Invalidate(ctx, models.Invalidation{EntityType: "operators"}))

	dup, err = s.IsDuplicate(ctx, "operators", hash)
	require.NoError(t, err)
	assert.False(t, dup, "an invalidated payload is merged again")

	store(t, repo, "operators", body, time.Now())
	dup, err = s.IsDuplicate(ctx, "operators", hash)
	require.NoError(t, err)
	assert.True(t, dup, "the next stored response suppresses again")
}
