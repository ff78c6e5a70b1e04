// Package query is the read side: current rows, history, runs, errors and reconciliation.
package query

import (
	"context"
	"net/http"
	"strings"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/internal/repositories/errorlog"
	"github.com/Ramsey-B/fern/internal/repositories/runrecord"
	"github.com/Ramsey-B/fern/internal/repositories/staged"
	"github.com/Ramsey-B/fern/internal/repositories/versioned"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/entity"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

type CurrentQuery struct {
	// Filter matches columns exactly, e.g. plant_id=34.
	Filter map[string]string
	Limit  int
	Offset int
}

type Service struct {
	catalog   *entity.Catalog
	versioned *versioned.Repository
	staged    *staged.Repository
	runs      runrecord.RunRecordRepository
	errors    errorlog.ErrorLogRepository
	logger    ectologger.Logger
}

func NewService(
	catalog *entity.Catalog,
	versionedRepo *versioned.Repository,
	stagedRepo *staged.Repository,
	runs runrecord.RunRecordRepository,
	errorLog errorlog.ErrorLogRepository,
	logger ectologger.Logger,
) *Service {
	return &Service{
		catalog:   catalog,
		versioned: versionedRepo,
		staged:    stagedRepo,
		runs:      runs,
		errors:    errorLog,
		logger:    logger,
	}
}

func (s *Service) descriptor(entityType string) (*entity.Descriptor, error) {
	d, ok := s.catalog.Get(entity.Type(entityType))
	if !ok {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "unknown entity type %q", entityType)
	}
	return d, nil
}

// GetCurrent lists the current rows of entityType.
func (s *Service) GetCurrent(ctx context.Context, entityType string, q CurrentQuery) ([]models.Version, error) {
	ctx, span := tracing.StartSpan(ctx, "query.Service.GetCurrent")
	defer span.End()

	d, err := s.descriptor(entityType)
	if err != nil {
		return nil, err
	}
	for col := range q.Filter {
		if _, ok := d.Field(col); !ok {
			return nil, httperror.NewHTTPErrorf(http.StatusBadRequest, "%s has no column %q", entityType, col)
		}
	}

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	limit = min(limit, MaxPageSize)

	rows, err := s.versioned.ListCurrent(ctx, d, q.Filter, limit, max(q.Offset, 0))
	if err != nil {
		return nil, database.StoreError(err, "failed to load current rows")
	}
	return rows, nil
}

// GetHistory returns every version of one natural key, oldest first.
func (s *Service) GetHistory(ctx context.Context, entityType string, key []string) ([]models.Version, error) {
	ctx, span := tracing.StartSpan(ctx, "query.Service.GetHistory")
	defer span.End()

	d, err := s.descriptor(entityType)
	if err != nil {
		return nil, err
	}
	if len(key) != len(d.KeyColumns()) {
		return nil, httperror.NewHTTPErrorf(http.StatusBadRequest, "%s key needs %d parts, got %d", entityType, len(d.KeyColumns()), len(key))
	}

	history, err := s.versioned.History(ctx, d, key)
	if err != nil {
		return nil, database.StoreError(err, "failed to load history")
	}
	if len(history) == 0 {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "%s %s not found", entityType, strings.Join(key, entity.KeySeparator))
	}
	return history, nil
}

// TableStatuses summarizes every versioned table in load order.
func (s *Service) TableStatuses(ctx context.Context) ([]models.TableStatus, error) {
	ctx, span := tracing.StartSpan(ctx, "query.Service.TableStatuses")
	defer span.End()

	ordered := s.catalog.Ordered()
	statuses := make([]models.TableStatus, 0, len(ordered))
	for _, d := range ordered {
		status, err := s.versioned.Status(ctx, d)
		if err != nil {
			s.logger.WithContext(ctx).WithError(err).WithField("entity_type", d.Type).Error("Failed to summarize table")
			return nil, database.StoreErrorf(err, "failed to summarize %s", d.Table)
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

func (s *Service) GetRunHistory(ctx context.Context, filter models.RunFilter) ([]models.RunRecord, error) {
	return s.runs.List(ctx, filter)
}

func (s *Service) GetRun(ctx context.Context, id string) (*models.RunRecord, error) {
	return s.runs.Get(ctx, id)
}

func (s *Service) GetErrorLog(ctx context.Context, filter models.ErrorFilter) ([]models.ErrorRecord, error) {
	return s.errors.List(ctx, filter)
}

// Reconcile compares the record count a run processed with the current row count of its scope.
// Staged rows are used while they still exist; afterwards the run's own counters stand in.
func (s *Service) Reconcile(ctx context.Context, runID string) (*models.ReconcileResult, error) {
	ctx, span := tracing.StartSpan(ctx, "query.Service.Reconcile")
	defer span.End()

	run, err := s.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	d, err := s.descriptor(run.EntityType)
	if err != nil {
		return nil, err
	}
	scope, err := entity.ParseScope(run.ScopeKey)
	if err != nil {
		return nil, httperror.NewHTTPErrorf(http.StatusUnprocessableEntity, "run %s has an invalid scope", runID)
	}
	if run.RunType == models.RunTypeRetire {
		return nil, httperror.NewHTTPErrorf(http.StatusBadRequest, "run %s did not stage records", runID)
	}

	stagedCount, err := s.staged.Count(ctx, d, runID)
	if err != nil {
		return nil, database.StoreError(err, "failed to count staged rows")
	}
	if stagedCount == 0 {
		stagedCount = run.RecordsInserted + run.RecordsChanged + run.RecordsUnchanged + run.RecordsReactivated
	}

	current, err := s.versioned.CountCurrent(ctx, d, scope)
	if err != nil {
		return nil, database.StoreError(err, "failed to count current rows")
	}

	result := models.NewReconcileResult(runID, run.EntityType, run.ScopeKey, stagedCount, current)
	return &result, nil
}
