package errorlog

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
	tableName    = "error_records"
	defaultLimit = 100
	// MaxRawData bounds the raw payload excerpt stored with an error.
	MaxRawData = 4096
)

type ErrorLogRepository interface {
	Create(ctx context.Context, rec models.ErrorRecord) (*models.ErrorRecord, error)
	List(ctx context.Context, filter models.ErrorFilter) ([]models.ErrorRecord, error)
	Resolve(ctx context.Context, id string) error
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error)
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

// Create appends an error record. Raw data is truncated to MaxRawData bytes.
func (r *Repository) Create(ctx context.Context, rec models.ErrorRecord) (*models.ErrorRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "errorlog.Repository.Create")
	defer span.End()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	rec.CreatedAt = rec.CreatedAt.UTC().Truncate(time.Microsecond)
	if rec.ResolutionStatus == "" {
		rec.ResolutionStatus = models.ResolutionOpen
	}
	if rec.RawData != nil && len(*rec.RawData) > MaxRawData {
		truncated := (*rec.RawData)[:MaxRawData]
		rec.RawData = &truncated
	}

	ib := r.db.Builder().Struct(models.ErrorRecord{}).InsertInto(tableName, rec)
	query, args := ib.Build()
	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"entity_type": rec.EntityType,
			"error_type":  rec.ErrorType,
		}).Error("Failed to write error record")
		return nil, database.StoreError(err, "failed to write error record")
	}

	return &rec, nil
}

// List returns error records newest first.
func (r *Repository) List(ctx context.Context, filter models.ErrorFilter) ([]models.ErrorRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "errorlog.Repository.List")
	defer span.End()

	sb := r.db.Builder().Struct(models.ErrorRecord{}).SelectFrom(tableName)
	var where []string
	if filter.RunID != "" {
		where = append(where, sb.Equal("run_id", filter.RunID))
	}
	if filter.EntityType != "" {
		where = append(where, sb.Equal("entity_type", filter.EntityType))
	}
	if filter.ErrorType != "" {
		where = append(where, sb.Equal("error_type", filter.ErrorType))
	}
	if filter.Since != nil {
		where = append(where, sb.GreaterEqualThan("created_at", filter.Since.UTC()))
	}
	if len(where) > 0 {
		sb.Where(where...)
	}
	sb.OrderBy("created_at", "id").Desc()

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	sb.Limit(limit)

	query, args := sb.Build()
	records := []models.ErrorRecord{}
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &records, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list error records")
		return nil, database.StoreError(err, "failed to list error records")
	}
	return records, nil
}

// Resolve marks an error record as handled. Records are never deleted before the retention window.
func (r *Repository) Resolve(ctx context.Context, id string) error {
	ctx, span := tracing.StartSpan(ctx, "errorlog.Repository.Resolve")
	defer span.End()

	ub := r.db.Builder().Update(tableName)
	ub.Set(ub.Assign("resolution_status", models.ResolutionResolved))
	ub.Where(ub.Equal("id", id))

	query, args := ub.Build()
	res, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("id", id).Error("Failed to resolve error record")
		return database.StoreError(err, "failed to resolve error record")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("error record %s not found", id))
	}
	return nil
}

// PurgeOlderThan deletes error records created before cutoff.
func (r *Repository) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "errorlog.Repository.PurgeOlderThan")
	defer span.End()

	del := r.db.Builder().DeleteFrom(tableName)
	del.Where(del.LessThan("created_at", cutoff.UTC()))

	query, args := del.Build()
	res, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to purge error records")
		return 0, database.StoreError(err, "failed to purge error records")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
