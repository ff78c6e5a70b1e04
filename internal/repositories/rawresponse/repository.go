package rawresponse

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const tableName = "raw_responses"

// Repository stores upstream bodies. Rows are never updated.
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

func (r *Repository) Create(ctx context.Context, rr models.RawResponse) (*models.RawResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "rawresponse.Repository.Create")
	defer span.End()

	if rr.ID == "" {
		rr.ID = uuid.NewString()
	}
	if rr.FetchedAt.IsZero() {
		rr.FetchedAt = time.Now()
	}
	rr.FetchedAt = rr.FetchedAt.UTC().Truncate(time.Microsecond)
	if rr.Headers.Data == nil {
		rr.Headers = database.NewJSONB(map[string]string{})
	}

	ib := r.db.Builder().Struct(models.RawResponse{}).InsertInto(tableName, rr)
	query, args := ib.Build()
	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"endpoint": rr.Endpoint, "run_id": rr.RunID}).Error("Failed to store raw response")
		return nil, fmt.Errorf("failed to store raw response for %s: %w", rr.Endpoint, err)
	}
	return &rr, nil
}

// Latest returns the most recently stored response for endpoint, or nil when there is none.
func (r *Repository) Latest(ctx context.Context, endpoint string) (*models.RawResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "rawresponse.Repository.Latest")
	defer span.End()

	sb := r.db.Builder().Struct(models.RawResponse{}).SelectFrom(tableName)
	sb.Where(sb.Equal("endpoint", endpoint))
	sb.OrderBy("fetched_at").Desc()
	sb.Limit(1)

	query, args := sb.Build()
	var rr models.RawResponse
	if err := database.Conn(ctx, r.db).GetContext(ctx, &rr, query, args...); err != nil {
		if database.IsNoRows(err) {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).WithField("endpoint", endpoint).Error("Failed to load latest raw response")
		return nil, fmt.Errorf("failed to load latest raw response for %s: %w", endpoint, err)
	}
	return &rr, nil
}

// Invalidate stamps every not yet invalidated response matching inv and returns how many changed.
// It joins the transaction on ctx.
func (r *Repository) Invalidate(ctx context.Context, inv models.Invalidation) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "rawresponse.Repository.Invalidate")
	defer span.End()

	if inv.EntityType == "" {
		return 0, fmt.Errorf("refusing to invalidate raw responses without an entity type")
	}
	at := inv.At
	if at.IsZero() {
		at = time.Now()
	}

	ub := r.db.Builder().Update(tableName)
	ub.Set(ub.Assign("invalidated_at", at.UTC().Truncate(time.Microsecond)))
	where := []string{ub.Equal("entity_type", inv.EntityType), ub.IsNull("invalidated_at")}
	if inv.ScopeKey != nil {
		where = append(where, ub.Equal("scope_key", *inv.ScopeKey))
	}
	if inv.ExceptEndpoint != "" {
		where = append(where, ub.NotEqual("endpoint", inv.ExceptEndpoint))
	}
	ub.Where(where...)

	query, args := ub.Build()
	res, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("entity_type", inv.EntityType).Error("Failed to invalidate raw responses")
		return 0, fmt.Errorf("failed to invalidate %s raw responses: %w", inv.EntityType, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *Repository) ListByRun(ctx context.Context, runID string) ([]models.RawResponse, error) {
	ctx, span := tracing.StartSpan(ctx, "rawresponse.Repository.ListByRun")
	defer span.End()

	sb := r.db.Builder().Struct(models.RawResponse{}).SelectFrom(tableName)
	sb.Where(sb.Equal("run_id", runID))
	sb.OrderBy("fetched_at").Asc()

	query, args := sb.Build()
	out := []models.RawResponse{}
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list raw responses of run %s: %w", runID, err)
	}
	return out, nil
}

// PurgeOlderThan deletes responses fetched before cutoff, always keeping the latest response of
// each endpoint so duplicate detection keeps working.
func (r *Repository) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "rawresponse.Repository.PurgeOlderThan")
	defer span.End()

	del := r.db.Builder().DeleteFrom(tableName)
	del.Where(
		del.LessThan("fetched_at", cutoff.UTC()),
		"fetched_at < (SELECT MAX(latest.fetched_at) FROM raw_responses latest WHERE latest.endpoint = raw_responses.endpoint)",
	)

	query, args := del.Build()
	res, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to purge raw responses")
		return 0, fmt.Errorf("failed to purge raw responses: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
