// Package selection manages which plants and issue revisions are loaded by scheduled batches.
package selection

import (
	"context"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/go-playground/validator/v10"

	"github.com/Ramsey-B/fern/internal/repositories/runrecord"
	selections "github.com/Ramsey-B/fern/internal/repositories/selection"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/entity"
	"github.com/Ramsey-B/fern/pkg/locking"
	"github.com/Ramsey-B/fern/pkg/merging"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/suppression"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var validate = validator.New()

type Config struct {
	// MaxActivePlants caps plant-level selections. Zero means no limit.
	MaxActivePlants int
}

// Dependencies are the collaborators of a Manager. Locker must be the one the orchestrator merges
// under, so a retire never interleaves with a merge of the same entity type.
type Dependencies struct {
	DB         database.DB
	Selections selections.SelectionRepository
	Runs       runrecord.RunRecordRepository
	Engine     *merging.Engine
	Catalog    *entity.Catalog
	Locker     locking.Locker
	Suppressor *suppression.Suppressor
}

type Manager struct {
	db         database.DB
	repo       selections.SelectionRepository
	runs       runrecord.RunRecordRepository
	engine     *merging.Engine
	catalog    *entity.Catalog
	locker     locking.Locker
	suppressor *suppression.Suppressor
	config     Config
	logger     ectologger.Logger
}

func NewManager(deps Dependencies, config Config, logger ectologger.Logger) *Manager {
	if deps.Locker == nil {
		deps.Locker = locking.NewKeyedLocker()
	}
	return &Manager{
		db:         deps.DB,
		repo:       deps.Selections,
		runs:       deps.Runs,
		engine:     deps.Engine,
		catalog:    deps.Catalog,
		locker:     deps.Locker,
		suppressor: deps.Suppressor,
		config:     config,
		logger:     logger,
	}
}

// Activate selects a plant, or an issue revision of an already selected plant.
func (m *Manager) Activate(ctx context.Context, req models.SelectionRequest, selectedBy string) (*models.Selection, error) {
	ctx, span := tracing.StartSpan(ctx, "selection.Manager.Activate")
	defer span.End()

	if err := validate.Struct(req); err != nil {
		return nil, httperror.NewHTTPErrorf(http.StatusBadRequest, "invalid selection: %s", err.Error())
	}

	if req.IssueRevision != "" {
		plant, err := m.repo.Get(ctx, req.PlantID, "")
		if err != nil && httperror.GetStatusCode(err) != http.StatusNotFound {
			return nil, err
		}
		if plant == nil || !plant.IsActive {
			return nil, httperror.NewHTTPErrorf(http.StatusConflict, "plant %s must be selected before its issues", req.PlantID)
		}
		return m.repo.Activate(ctx, req.PlantID, req.IssueRevision, selectedBy)
	}

	if m.config.MaxActivePlants > 0 {
		existing, err := m.repo.Get(ctx, req.PlantID, "")
		if err != nil && httperror.GetStatusCode(err) != http.StatusNotFound {
			return nil, err
		}
		if existing == nil || !existing.IsActive {
			count, err := m.repo.CountActivePlants(ctx)
			if err != nil {
				return nil, err
			}
			if count >= m.config.MaxActivePlants {
				return nil, httperror.NewHTTPErrorf(http.StatusConflict, "at most %d plants can be selected", m.config.MaxActivePlants)
			}
		}
	}

	sel, err := m.repo.Activate(ctx, req.PlantID, "", selectedBy)
	if err != nil {
		return nil, err
	}
	m.refreshGauge(ctx)

	m.logger.WithContext(ctx).WithFields(map[string]any{"plant_id": sel.PlantID, "selected_by": selectedBy}).Info("Plant selected")
	return sel, nil
}

// Deactivate turns off one selection. Deactivating a plant cascades to its issues, as Remove does.
// Deactivating an issue retires its reference rows.
func (m *Manager) Deactivate(ctx context.Context, plantID, issueRevision string) error {
	if issueRevision == "" {
		_, err := m.Remove(ctx, plantID)
		return err
	}

	ctx, span := tracing.StartSpan(ctx, "selection.Manager.Deactivate")
	defer span.End()

	unlock, err := m.lockRetired(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	ctx, tx, err := m.db.GetTx(ctx, nil)
	if err != nil {
		return database.StoreError(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	if err := m.repo.Deactivate(ctx, plantID, issueRevision); err != nil {
		return err
	}
	if _, err := m.retireIssue(ctx, entity.Scope{PlantID: plantID, IssueRevision: issueRevision}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return database.StoreError(err, "failed to commit selection change")
	}
	return nil
}

// ListActive is the work list of scheduled batches, plant-level rows first within each plant.
func (m *Manager) ListActive(ctx context.Context) ([]models.Selection, error) {
	return m.repo.List(ctx, false)
}

func (m *Manager) List(ctx context.Context, includeInactive bool) ([]models.Selection, error) {
	return m.repo.List(ctx, includeInactive)
}

// CascadeDeactivate deactivates every issue selection of plantID and retires their reference rows.
// It joins the transaction on ctx. Callers hold the retire locks, taken before the transaction.
func (m *Manager) CascadeDeactivate(ctx context.Context, plantID string) ([]models.Selection, error) {
	ctx, span := tracing.StartSpan(ctx, "selection.Manager.CascadeDeactivate")
	defer span.End()

	issues, err := m.repo.DeactivateIssues(ctx, plantID)
	if err != nil {
		return nil, err
	}
	for _, issue := range issues {
		if _, err := m.retireIssue(ctx, entity.Scope{PlantID: issue.PlantID, IssueRevision: issue.IssueRevision}); err != nil {
			return nil, err
		}
	}
	return issues, nil
}

// Remove deactivates a plant and cascades to its issues in one transaction.
func (m *Manager) Remove(ctx context.Context, plantID string) ([]models.Selection, error) {
	ctx, span := tracing.StartSpan(ctx, "selection.Manager.Remove")
	defer span.End()

	unlock, err := m.lockRetired(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	ctx, tx, err := m.db.GetTx(ctx, nil)
	if err != nil {
		return nil, database.StoreError(err, "failed to begin transaction")
	}
	defer tx.Rollback(ctx)

	if err := m.repo.Deactivate(ctx, plantID, ""); err != nil {
		return nil, err
	}
	issues, err := m.CascadeDeactivate(ctx, plantID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, database.StoreError(err, "failed to commit selection change")
	}

	m.refreshGauge(ctx)
	m.logger.WithContext(ctx).WithFields(map[string]any{"plant_id": plantID, "issues": len(issues)}).Info("Plant selection removed")
	return issues, nil
}

// RecordRun stores the latest unit outcome on the selection that triggered it.
func (m *Manager) RecordRun(ctx context.Context, scope entity.Scope, at time.Time, status models.RunStatus) error {
	return m.repo.RecordRun(ctx, scope.PlantID, scope.IssueRevision, at, status)
}

// retireIssue expires the current reference rows of one issue revision, audited as a retire run.
func (m *Manager) retireIssue(ctx context.Context, scope entity.Scope) (models.MergeStats, error) {
	run, err := m.runs.Create(ctx, models.RunRecord{
		RunType:     models.RunTypeRetire,
		EntityType:  string(entity.TypeIssues),
		ScopeKey:    scope.Key(),
		Endpoint:    "retire",
		InitiatedBy: "selection",
	})
	if err != nil {
		return models.MergeStats{}, err
	}

	var total models.MergeStats
	scopeKey := scope.Key()
	for _, d := range m.catalog.ByLevel(entity.ScopeIssue) {
		stats, err := m.engine.Retire(ctx, run.ID, d, scope)
		if err != nil {
			m.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entity_type": d.Type, "scope": scopeKey}).Error("Failed to retire references")
			return total, database.StoreErrorf(err, "failed to retire %s for %s", d.Type, scopeKey)
		}
		total = total.Add(stats)

		if m.suppressor == nil {
			continue
		}
		if err := m.suppressor.Invalidate(ctx, models.Invalidation{EntityType: string(d.Type), ScopeKey: &scopeKey}); err != nil {
			m.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entity_type": d.Type, "scope": scopeKey}).Error("Failed to invalidate retired payloads")
			return total, database.StoreErrorf(err, "failed to retire %s for %s", d.Type, scopeKey)
		}
	}

	status := models.RunStatusSuccess
	if total.Deleted == 0 {
		status = models.RunStatusNoData
	}
	if err := m.runs.Finish(ctx, run.ID, models.RunFinish{Status: status, Stats: total, Comments: "selection removed"}); err != nil {
		return total, err
	}
	return total, nil
}

// lockRetired takes the merge lock of every issue-level entity type, in catalog order.
func (m *Manager) lockRetired(ctx context.Context) (locking.Unlock, error) {
	var held []locking.Unlock
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i]()
		}
	}
	for _, d := range m.catalog.ByLevel(entity.ScopeIssue) {
		unlock, err := m.locker.Lock(ctx, string(d.Type))
		if err != nil {
			release()
			return nil, httperror.NewHTTPErrorf(http.StatusServiceUnavailable, "could not lock %s: %s", d.Type, err)
		}
		held = append(held, unlock)
	}
	return release, nil
}

func (m *Manager) refreshGauge(ctx context.Context) {
	count, err := m.repo.CountActivePlants(ctx)
	if err != nil {
		return
	}
	metrics.ActivePlants.Set(float64(count))
}
