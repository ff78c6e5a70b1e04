package selection

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

const tableName = "selections"

type SelectionRepository interface {
	Activate(ctx context.Context, plantID, issueRevision, selectedBy string) (*models.Selection, error)
	Deactivate(ctx context.Context, plantID, issueRevision string) error
	DeactivateIssues(ctx context.Context, plantID string) ([]models.Selection, error)
	Get(ctx context.Context, plantID, issueRevision string) (*models.Selection, error)
	List(ctx context.Context, includeInactive bool) ([]models.Selection, error)
	CountActivePlants(ctx context.Context) (int, error)
	RecordRun(ctx context.Context, plantID, issueRevision string, at time.Time, status models.RunStatus) error
}

// Repository stores selections. Rows are deactivated, never deleted.
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

// Activate creates the selection or reactivates an existing row for the same key.
func (r *Repository) Activate(ctx context.Context, plantID, issueRevision, selectedBy string) (*models.Selection, error) {
	ctx, span := tracing.StartSpan(ctx, "selection.Repository.Activate")
	defer span.End()

	now := time.Now().UTC().Truncate(time.Microsecond)

	existing, err := r.Get(ctx, plantID, issueRevision)
	if err != nil && httperror.GetStatusCode(err) != http.StatusNotFound {
		return nil, err
	}

	if existing == nil {
		sel := models.Selection{
			ID:            uuid.NewString(),
			PlantID:       plantID,
			IssueRevision: issueRevision,
			IsActive:      true,
			SelectedBy:    selectedBy,
			SelectedAt:    now,
		}
		ib := r.db.Builder().Struct(models.Selection{}).InsertInto(tableName, sel)
		query, args := ib.Build()
		if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
			if database.IsUniqueViolation(err) {
				return nil, httperror.NewHTTPError(http.StatusConflict, fmt.Sprintf("selection %s already exists", key(plantID, issueRevision)))
			}
			r.logger.WithContext(ctx).WithError(err).WithField("plant_id", plantID).Error("Failed to create selection")
			return nil, database.StoreError(err, "failed to create selection")
		}
		return &sel, nil
	}

	if existing.IsActive {
		return existing, nil
	}

	ub := r.db.Builder().Update(tableName)
	ub.Set(
		ub.Assign("is_active", true),
		ub.Assign("selected_by", selectedBy),
		ub.Assign("selected_at", now),
		ub.Assign("deactivated_at", nil),
	)
	ub.Where(ub.Equal("id", existing.ID))

	query, args := ub.Build()
	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("plant_id", plantID).Error("Failed to reactivate selection")
		return nil, database.StoreError(err, "failed to reactivate selection")
	}

	existing.IsActive = true
	existing.SelectedBy = selectedBy
	existing.SelectedAt = now
	existing.DeactivatedAt = nil
	return existing, nil
}

// Deactivate turns off one active selection.
func (r *Repository) Deactivate(ctx context.Context, plantID, issueRevision string) error {
	ctx, span := tracing.StartSpan(ctx, "selection.Repository.Deactivate")
	defer span.End()

	ub := r.db.Builder().Update(tableName)
	ub.Set(ub.Assign("is_active", false), ub.Assign("deactivated_at", time.Now().UTC().Truncate(time.Microsecond)))
	ub.Where(ub.Equal("plant_id", plantID), ub.Equal("issue_revision", issueRevision), ub.Equal("is_active", true))

	query, args := ub.Build()
	res, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("plant_id", plantID).Error("Failed to deactivate selection")
		return database.StoreError(err, "failed to deactivate selection")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("no active selection %s", key(plantID, issueRevision)))
	}
	return nil
}

// DeactivateIssues turns off every active issue-level selection of plantID and returns them.
func (r *Repository) DeactivateIssues(ctx context.Context, plantID string) ([]models.Selection, error) {
	ctx, span := tracing.StartSpan(ctx, "selection.Repository.DeactivateIssues")
	defer span.End()

	sb := r.db.Builder().Struct(models.Selection{}).SelectFrom(tableName)
	sb.Where(sb.Equal("plant_id", plantID), sb.NotEqual("issue_revision", ""), sb.Equal("is_active", true))
	sb.OrderBy("issue_revision").Asc()

	query, args := sb.Build()
	issues := []models.Selection{}
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &issues, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("plant_id", plantID).Error("Failed to load issue selections")
		return nil, database.StoreError(err, "failed to load issue selections")
	}
	if len(issues) == 0 {
		return issues, nil
	}

	now := time.Now().UTC().Truncate(time.Microsecond)
	ub := r.db.Builder().Update(tableName)
	ub.Set(ub.Assign("is_active", false), ub.Assign("deactivated_at", now))
	ub.Where(ub.Equal("plant_id", plantID), ub.NotEqual("issue_revision", ""), ub.Equal("is_active", true))

	query, args = ub.Build()
	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("plant_id", plantID).Error("Failed to deactivate issue selections")
		return nil, database.StoreError(err, "failed to deactivate issue selections")
	}

	for i := range issues {
		issues[i].IsActive = false
		issues[i].DeactivatedAt = &now
	}
	return issues, nil
}

func (r *Repository) Get(ctx context.Context, plantID, issueRevision string) (*models.Selection, error) {
	ctx, span := tracing.StartSpan(ctx, "selection.Repository.Get")
	defer span.End()

	sb := r.db.Builder().Struct(models.Selection{}).SelectFrom(tableName)
	sb.Where(sb.Equal("plant_id", plantID), sb.Equal("issue_revision", issueRevision))

	query, args := sb.Build()
	var sel models.Selection
	if err := database.Conn(ctx, r.db).GetContext(ctx, &sel, query, args...); err != nil {
		if database.IsNoRows(err) {
			return nil, httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("selection %s not found", key(plantID, issueRevision)))
		}
		r.logger.WithContext(ctx).WithError(err).WithField("plant_id", plantID).Error("Failed to get selection")
		return nil, database.StoreError(err, "failed to get selection")
	}
	return &sel, nil
}

// List returns selections ordered by plant then issue revision, plant-level rows first.
func (r *Repository) List(ctx context.Context, includeInactive bool) ([]models.Selection, error) {
	ctx, span := tracing.StartSpan(ctx, "selection.Repository.List")
	defer span.End()

	sb := r.db.Builder().Struct(models.Selection{}).SelectFrom(tableName)
	if !includeInactive {
		sb.Where(sb.Equal("is_active", true))
	}
	sb.OrderBy("plant_id", "issue_revision").Asc()

	query, args := sb.Build()
	out := []models.Selection{}
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &out, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list selections")
		return nil, database.StoreError(err, "failed to list selections")
	}
	return out, nil
}

func (r *Repository) CountActivePlants(ctx context.Context) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "selection.Repository.CountActivePlants")
	defer span.End()

	sb := r.db.Builder().Select("COUNT(*)")
	sb.From(tableName)
	sb.Where(sb.Equal("issue_revision", ""), sb.Equal("is_active", true))

	query, args := sb.Build()
	var count int
	if err := database.Conn(ctx, r.db).GetContext(ctx, &count, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to count active plants")
		return 0, database.StoreError(err, "failed to count active plants")
	}
	return count, nil
}

// RecordRun stores the outcome of the latest unit run for a selection. Unknown keys are ignored.
func (r *Repository) RecordRun(ctx context.Context, plantID, issueRevision string, at time.Time, status models.RunStatus) error {
	ctx, span := tracing.StartSpan(ctx, "selection.Repository.RecordRun")
	defer span.End()

	ub := r.db.Builder().Update(tableName)
	ub.Set(ub.Assign("last_run_at", at.UTC().Truncate(time.Microsecond)), ub.Assign("last_run_status", string(status)))
	ub.Where(ub.Equal("plant_id", plantID), ub.Equal("issue_revision", issueRevision))

	query, args := ub.Build()
	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("plant_id", plantID).Error("Failed to record selection run")
		return database.StoreError(err, "failed to record selection run")
	}
	return nil
}

func key(plantID, issueRevision string) string {
	if issueRevision == "" {
		return plantID
	}
	return plantID + "/" + issueRevision
}
