package runrecord

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	tableName    = "run_records"
	defaultLimit = 50
)

type RunRecordRepository interface {
	Create(ctx context.Context, run models.RunRecord) (*models.RunRecord, error)
	Finish(ctx context.Context, id string, finish models.RunFinish) error
	Get(ctx context.Context, id string) (*models.RunRecord, error)
	List(ctx context.Context, filter models.RunFilter) ([]models.RunRecord, error)
	Prune(ctx context.Context, keep int) (int, error)
	FailAbandoned(ctx context.Context, comment string) (int, error)
}

type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Create inserts run in the running state. ID and StartedAt are filled when empty.
func (r *Repository) Create(ctx context.Context, run models.RunRecord) (*models.RunRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "runrecord.Repository.Create")
	defer span.End()

	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	run.StartedAt = run.StartedAt.UTC().Truncate(time.Microsecond)
	run.Status = models.RunStatusRunning
	run.EndedAt = nil

	ib := r.db.Builder().Struct(models.RunRecord{}).InsertInto(tableName, run)
	query, args := ib.Build()
	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entity_type": run.EntityType, "scope": run.ScopeKey}).Error("Failed to create run record")
		return nil, database.StoreError(err, "failed to create run record")
	}

	return &run, nil
}

// Finish finalizes a running run. A run is finalized exactly once; finishing a terminal run fails.
func (r *Repository) Finish(ctx context.Context, id string, finish models.RunFinish) error {
	ctx, span := tracing.StartSpan(ctx, "runrecord.Repository.Finish")
	defer span.End()

	if !finish.Status.IsTerminal() {
		return httperror.NewHTTPErrorf(http.StatusBadRequest, "cannot finish run with status %s", finish.Status)
	}

	run, err := r.Get(ctx, id)
	if err != nil {
		return err
	}

	ended := finish.EndedAt
	if ended.IsZero() {
		ended = time.Now()
	}
	ended = ended.UTC().Truncate(time.Microsecond)
	duration := ended.Sub(run.StartedAt).Milliseconds()

	var comments any
	if finish.Comments != "" {
		comments = finish.Comments
	}

	ub := r.db.Builder().Update(tableName)
	ub.Set(
		ub.Assign("status", string(finish.Status)),
		ub.Assign("ended_at", ended),
		ub.Assign("api_call_count", finish.APICallCount),
		ub.Assign("records_inserted", finish.Stats.Inserted),
		ub.Assign("records_changed", finish.Stats.Changed),
		ub.Assign("records_unchanged", finish.Stats.Unchanged),
		ub.Assign("records_deleted", finish.Stats.Deleted),
		ub.Assign("records_reactivated", finish.Stats.Reactivated),
		ub.Assign("error_count", finish.ErrorCount),
		ub.Assign("duration_ms", max(duration, 0)),
		ub.Assign("comments", comments),
	)
	ub.Where(ub.Equal("id", id), ub.Equal("status", string(models.RunStatusRunning)))

	query, args := ub.Build()
	res, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("run_id", id).Error("Failed to finish run record")
		return database.StoreError(err, "failed to finish run record")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return database.StoreError(err, "failed to finish run record")
	}
	if affected != 1 {
		return httperror.NewHTTPErrorf(http.StatusConflict, "run %s is already %s", id, run.Status)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (*models.RunRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "runrecord.Repository.Get")
	defer span.End()

	sb := r.db.Builder().Struct(models.RunRecord{}).SelectFrom(tableName)
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var run models.RunRecord
	if err := database.Conn(ctx, r.db).GetContext(ctx, &run, query, args...); err != nil {
		if database.IsNoRows(err) {
			return nil, httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("run %s not found", id))
		}
		r.logger.WithContext(ctx).WithError(err).WithField("run_id", id).Error("Failed to get run record")
		return nil, database.StoreError(err, "failed to get run record")
	}
	return &run, nil
}

// List returns runs newest first.
func (r *Repository) List(ctx context.Context, filter models.RunFilter) ([]models.RunRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "runrecord.Repository.List")
	defer span.End()

	sb := r.db.Builder().Struct(models.RunRecord{}).SelectFrom(tableName)
	var where []string
	if filter.EntityType != "" {
		where = append(where, sb.Equal("entity_type", filter.EntityType))
	}
	if filter.Status != "" {
		where = append(where, sb.Equal("status", filter.Status))
	}
	if filter.BatchID != "" {
		where = append(where, sb.Equal("batch_id", filter.BatchID))
	}
	if len(where) > 0 {
		sb.Where(where...)
	}
	sb.OrderBy("started_at", "id").Desc()

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	sb.Limit(limit)

	query, args := sb.Build()
	runs := []models.RunRecord{}
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &runs, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list run records")
		return nil, database.StoreError(err, "failed to list run records")
	}
	return runs, nil
}

// Prune deletes finished runs beyond the newest keep runs.
func (r *Repository) Prune(ctx context.Context, keep int) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "runrecord.Repository.Prune")
	defer span.End()

	if keep <= 0 {
		return 0, nil
	}

	newest := r.db.Builder().Select("id")
	newest.From(tableName)
	newest.OrderBy("started_at").Desc()
	newest.Limit(keep)

	del := r.db.Builder().DeleteFrom(tableName)
	del.Where(
		del.NotEqual("status", string(models.RunStatusRunning)),
		del.NotIn("id", newest),
	)

	query, args := del.Build()
	res, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("keep", keep).Error("Failed to prune run records")
		return 0, database.StoreError(err, "failed to prune run records")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// FailAbandoned finalizes every run still marked running as failed. It is only safe at startup,
// before any unit can be in flight.
func (r *Repository) FailAbandoned(ctx context.Context, comment string) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "runrecord.Repository.FailAbandoned")
	defer span.End()

	ub := r.db.Builder().Update(tableName)
	ub.Set(
		ub.Assign("status", string(models.RunStatusFailed)),
		ub.Assign("ended_at", time.Now().UTC().Truncate(time.Microsecond)),
		ub.Assign("comments", comment),
		ub.Add("error_count", 1),
	)
	ub.Where(ub.Equal("status", string(models.RunStatusRunning)))

	query, args := ub.Build()
	res, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to fail abandoned runs")
		return 0, database.StoreError(err, "failed to fail abandoned runs")
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		r.logger.WithContext(ctx).Warnf("Marked %d abandoned runs as failed", n)
	}
	return int(n), nil
}
