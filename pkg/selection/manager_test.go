package selection

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/internal/repositories/rawresponse"
	"github.com/Ramsey-B/fern/internal/repositories/runrecord"
	selections "github.com/Ramsey-B/fern/internal/repositories/selection"
	"github.com/Ramsey-B/fern/internal/repositories/staged"
	"github.com/Ramsey-B/fern/internal/repositories/versioned"
	"github.com/Ramsey-B/fern/internal/testutil"
	"github.com/Ramsey-B/fern/pkg/entity"
	"github.com/Ramsey-B/fern/pkg/locking"
	"github.com/Ramsey-B/fern/pkg/merging"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/staging"
	"github.com/Ramsey-B/fern/pkg/suppression"
)

type fixture struct {
	manager   *Manager
	loader    *staging.Loader
	engine    *merging.Engine
	versioned *versioned.Repository
	runs      *runrecord.Repository
	raw       *rawresponse.Repository
	locker    *locking.KeyedLocker
}

func newFixture(t *testing.T, maxPlants int) *fixture {
	t.Helper()
	store := testutil.NewDB(t)
	logger := testutil.Logger()
	stagedRepo := staged.NewRepository(store, logger)
	versionedRepo := versioned.NewRepository(store, logger)
	runs := runrecord.NewRepository(store, logger)
	raw := rawresponse.NewRepository(store, logger)
	engine := merging.NewEngine(store, stagedRepo, versionedRepo, logger)
	locker := locking.NewKeyedLocker()
	manager := NewManager(Dependencies{
		DB:         store,
		Selections: selections.NewRepository(store, logger),
		Runs:       runs,
		Engine:     engine,
		Catalog:    entity.Default,
		Locker:     locker,
		Suppressor: suppression.NewSuppressor(raw, true, logger),
	}, Config{MaxActivePlants: maxPlants}, logger)
	return &fixture{
		manager:   manager,
		loader:    staging.NewLoader(stagedRepo, logger),
		engine:    engine,
		versioned: versionedRepo,
		runs:      runs,
		raw:       raw,
		locker:    locker,
	}
}

func (f *fixture) loadPCS(t *testing.T, plant, issue string, names ...string) {
	t.Helper()
	ctx := context.Background()
	scope := entity.Scope{PlantID: plant, IssueRevision: issue}
	var records []entity.Record
	for _, n := range names {
		rec, err := entity.PCSReferences.Build(map[string]any{"PCS": n, "Revision": "A"}, scope, 0)
		require.NoError(t, err)
		records = append(records, rec)
	}
	runID := "load-" + plant + "-" + issue
	_, err := f.loader.Stage(ctx, runID, entity.PCSReferences, records)
	require.NoError(t, err)
	_, err = f.engine.Merge(ctx, runID, entity.PCSReferences, merging.Options{Scope: scope, Missing: merging.MarkInactive})
	require.NoError(t, err)
}

func TestManager_Activate(t *testing.T) {
	tests := []struct {
		name       string
		setup      []models.SelectionRequest
		req        models.SelectionRequest
		wantStatus int
	}{
		{name: "plant", req: models.SelectionRequest{PlantID: "34"}},
		{name: "issue requires plant", req: models.SelectionRequest{PlantID: "34", IssueRevision: "2"}, wantStatus: http.StatusConflict},
		{name: "issue under plant", setup: []models.SelectionRequest{{PlantID: "34"}}, req: models.SelectionRequest{PlantID: "34", IssueRevision: "2"}},
		{name: "max plants", setup: []models.SelectionRequest{{PlantID: "1"}, {PlantID: "2"}}, req: models.SelectionRequest{PlantID: "3"}, wantStatus: http.StatusConflict},
		{name: "reselect at max", setup: []models.SelectionRequest{{PlantID: "1"}, {PlantID: "2"}}, req: models.SelectionRequest{PlantID: "2"}},
		{name: "missing plant id", req: models.SelectionRequest{}, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, 2)
			ctx := context.Background()
			for _, req := range tt.setup {
				_, err := f.manager.Activate(ctx, req, "tester")
				require.NoError(t, err)
			}

			sel, err := f.manager.Activate(ctx, tt.req, "tester")
			if tt.wantStatus != 0 {
				require.Error(t, err)
				assert.Equal(t, tt.wantStatus, httperror.GetStatusCode(err))
				return
			}
			require.NoError(t, err)
			assert.True(t, sel.IsActive)
			assert.Equal(t, tt.req.IssueRevision, sel.IssueRevision)
		})
	}
}

func TestManager_RemoveCascades(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	for _, req := range []models.SelectionRequest{{PlantID: "34"}, {PlantID: "34", IssueRevision: "1"}, {PlantID: "34", IssueRevision: "2"}, {PlantID: "35"}} {
		_, err := f.manager.Activate(ctx, req, "tester")
		require.NoError(t, err)
	}
	f.loadPCS(t, "34", "1", "P1", "P2")
	f.loadPCS(t, "34", "2", "P3")

	issues, err := f.manager.Remove(ctx, "34")
	require.NoError(t, err)
	assert.Len(t, issues, 2)

	active, err := f.manager.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "35", active[0].PlantID)

	count, err := f.versioned.CountCurrent(ctx, entity.PCSReferences, entity.Scope{PlantID: "34"})
	require.NoError(t, err)
	assert.Zero(t, count)

	history, err := f.versioned.History(ctx, entity.PCSReferences, []string{"34", "1", "P1", "A"})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.NotNil(t, history[0].DeleteDate)

	retires, err := f.runs.List(ctx, models.RunFilter{EntityType: "issues"})
	require.NoError(t, err)
	assert.Len(t, retires, 2)

	all, err := f.manager.List(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 4, "selections are deactivated, never deleted")
}

func TestManager_DeactivateIssue(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	_, err := f.manager.Activate(ctx, models.SelectionRequest{PlantID: "34"}, "tester")
	require.NoError(t, err)
	_, err = f.manager.Activate(ctx, models.SelectionRequest{PlantID: "34", IssueRevision: "1"}, "tester")
	require.NoError(t, err)
	f.loadPCS(t, "34", "1", "P1")

	require.NoError(t, f.manager.Deactivate(ctx, "34", "1"))

	count, err := f.versioned.CountCurrent(ctx, entity.PCSReferences, entity.Scope{PlantID: "34", IssueRevision: "1"})
	require.NoError(t, err)
	assert.Zero(t, count)

	active, err := f.manager.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.True(t, active[0].IsPlantLevel())

	err = f.manager.Deactivate(ctx, "34", "1")
	assert.Equal(t, http.StatusNotFound, httperror.GetStatusCode(err))
}

func TestManager_DeactivateMissingPlantRollsBack(t *testing.T) {
	f := newFixture(t, 0)

	err := f.manager.Deactivate(context.Background(), "nope", "")
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, httperror.GetStatusCode(err))
}

func TestManager_RecordRun(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	_, err := f.manager.Activate(ctx, models.SelectionRequest{PlantID: "34"}, "tester")
	require.NoError(t, err)

	at := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, f.manager.RecordRun(ctx, entity.Scope{PlantID: "34"}, at, models.RunStatusSuccess))

	active, err := f.manager.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.NotNil(t, active[0].LastRunStatus)
	assert.Equal(t, "success", *active[0].LastRunStatus)
	require.NotNil(t, active[0].LastRunAt)
	assert.True(t, at.Equal(*active[0].LastRunAt))
}

func TestManager_DeactivateWaitsForMergeLock(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	scope := entity.Scope{PlantID: "34", IssueRevision: "1"}

	_, err := f.manager.Activate(ctx, models.SelectionRequest{PlantID: "34"}, "tester")
	require.NoError(t, err)
	_, err = f.manager.Activate(ctx, models.SelectionRequest{PlantID: "34", IssueRevision: "1"}, "tester")
	require.NoError(t, err)
	f.loadPCS(t, "34", "1", "P1")

	unlock, err := f.locker.Lock(ctx, string(entity.TypePCSReferences))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- f.manager.Deactivate(ctx, "34", "1") }()

	select {
	case err := <-done:
		t.Fatalf("deactivate finished while a merge held the lock: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	count, err := f.versioned.CountCurrent(ctx, entity.PCSReferences, scope)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "rows stay current while the merge lock is held")

	unlock()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("deactivate never acquired the lock")
	}

	count, err = f.versioned.CountCurrent(ctx, entity.PCSReferences, scope)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestManager_DeactivateCancelledWhileLocked(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	_, err := f.manager.Activate(ctx, models.SelectionRequest{PlantID: "34"}, "tester")
	require.NoError(t, err)
	_, err = f.manager.Activate(ctx, models.SelectionRequest{PlantID: "34", IssueRevision: "1"}, "tester")
	require.NoError(t, err)

	unlock, err := f.locker.Lock(ctx, string(entity.TypePCSReferences))
	require.NoError(t, err)
	defer unlock()

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err = f.manager.Deactivate(short, "34", "1")
	require.Error(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, httperror.GetStatusCode(err))

	active, err := f.manager.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 2, "nothing changes when the lock is not acquired")
}

func TestManager_RetireInvalidatesStoredPayloads(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	for _, req := range []models.SelectionRequest{{PlantID: "34"}, {PlantID: "34", IssueRevision: "1"}, {PlantID: "34", IssueRevision: "2"}} {
		_, err := f.manager.Activate(ctx, req, "tester")
		require.NoError(t, err)
	}
	f.loadPCS(t, "34", "1", "P1")

	for _, issue := range []string{"1", "2"} {
		scope := entity.Scope{PlantID: "34", IssueRevision: issue}
		endpoint, err := entity.PCSReferences.Endpoint(scope)
		require.NoError(t, err)
		_, err = f.raw.Create(ctx, models.RawResponse{
			RunID:       "load-34-" + issue,
			EntityType:  string(entity.TypePCSReferences),
			Endpoint:    endpoint,
			ScopeKey:    scope.Key(),
			Payload:     "{}",
			PayloadHash: "hash-" + issue,
			HTTPStatus:  http.StatusOK,
		})
		require.NoError(t, err)
	}

	require.NoError(t, f.manager.Deactivate(ctx, "34", "1"))

	latest := func(issue string) *models.RawResponse {
		endpoint, err := entity.PCSReferences.Endpoint(entity.Scope{PlantID: "34", IssueRevision: issue})
		require.NoError(t, err)
		rr, err := f.raw.Latest(ctx, endpoint)
		require.NoError(t, err)
		require.NotNil(t, rr)
		return rr
	}
	assert.NotNil(t, latest("1").InvalidatedAt)
	assert.Nil(t, latest("2").InvalidatedAt, "other issue revisions keep suppressing")
}
