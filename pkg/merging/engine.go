// Package merging applies staged records to the SCD2 tables: unchanged keys are left alone,
// changed keys get a new current version, disappeared keys are expired.
package merging

import (
	"context"
	"errors"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/internal/repositories/staged"
	"github.com/Ramsey-B/fern/internal/repositories/versioned"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/entity"
	"github.com/Ramsey-B/fern/pkg/fingerprint"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/syncerr"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// MissingPolicy decides what happens to current rows whose key is absent from the batch.
type MissingPolicy int

const (
	LeaveUntouched MissingPolicy = iota
	MarkInactive
)

func (p MissingPolicy) String() string {
	if p == MarkInactive {
		return "mark_inactive"
	}
	return "leave_untouched"
}

// DefaultPolicy returns the missing-key policy of a fetch of d over scope. A full unscoped fetch
// and a scoped fetch of a scope-authoritative type list every row, so absent keys are gone. A
// detail fetch returns one row and never expires anything.
func DefaultPolicy(d *entity.Descriptor, scope entity.Scope) MissingPolicy {
	switch {
	case d.IsDetail(scope):
		return LeaveUntouched
	case scope.IsZero():
		return MarkInactive
	case d.ScopeAuthoritative:
		return MarkInactive
	default:
		return LeaveUntouched
	}
}

type Options struct {
	Scope   entity.Scope
	Missing MissingPolicy
	// Now overrides the merge timestamp; zero means the current time.
	Now time.Time
}

type Engine struct {
	db        database.DB
	staged    *staged.Repository
	versioned *versioned.Repository
	logger    ectologger.Logger
}

func NewEngine(db database.DB, stagedRepo *staged.Repository, versionedRepo *versioned.Repository, logger ectologger.Logger) *Engine {
	return &Engine{
		db:        db,
		staged:    stagedRepo,
		versioned: versionedRepo,
		logger:    logger,
	}
}

// Merge applies the records staged by runID. It joins the transaction on ctx, or runs in its own.
// Every version written by one merge shares the same timestamp, so an expired row's valid_to
// equals its successor's valid_from.
func (e *Engine) Merge(ctx context.Context, runID string, d *entity.Descriptor, opts Options) (stats models.MergeStats, err error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Engine.Merge")
	defer span.End()

	log := e.logger.WithContext(ctx).WithFields(map[string]any{
		"entity_type": d.Type,
		"run_id":      runID,
		"scope":       opts.Scope.String(),
		"missing":     opts.Missing.String(),
	})

	ctx, tx, err := e.db.GetTx(ctx, nil)
	if err != nil {
		return stats, mergeError(d, err, "failed to begin merge")
	}
	defer func() {
		if err != nil {
			tracing.Fail(span, err)
			tx.Rollback(ctx)
		}
	}()

	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC().Truncate(time.Microsecond)

	rows, err := e.staged.Load(ctx, d, runID)
	if err != nil {
		return stats, mergeError(d, err, "failed to load staging")
	}
	current, err := e.versioned.CurrentInScope(ctx, d, opts.Scope)
	if err != nil {
		return stats, mergeError(d, err, "failed to load current versions")
	}
	expired, err := e.versioned.ExpiredKeys(ctx, d, opts.Scope)
	if err != nil {
		return stats, mergeError(d, err, "failed to load version history")
	}

	var toExpire []versioned.CurrentRow
	var toInsert []versioned.NewVersion
	seen := make(map[string]bool, len(rows))

	for _, row := range rows {
		key := row.Record.KeyString()
		seen[key] = true

		cur, ok := current[key]
		switch {
		case ok && !fingerprint.HasChanged(cur.Fingerprint, row.Fingerprint):
			stats.Unchanged++
		case ok:
			stats.Changed++
			toExpire = append(toExpire, cur)
			toInsert = append(toInsert, newVersion(row, runID, models.ChangeUpdate, now))
		case expired[key]:
			stats.Reactivated++
			toInsert = append(toInsert, newVersion(row, runID, models.ChangeReactivate, now))
		default:
			stats.Inserted++
			toInsert = append(toInsert, newVersion(row, runID, models.ChangeInsert, now))
		}
	}

	for _, cur := range toExpire {
		if err = e.versioned.Expire(ctx, d, cur.ID, now, false); err != nil {
			return stats, mergeError(d, err, "failed to expire %s", cur.Key)
		}
	}

	if opts.Missing == MarkInactive {
		for key, cur := range current {
			if seen[key] {
				continue
			}
			if err = e.versioned.Expire(ctx, d, cur.ID, now, true); err != nil {
				return stats, mergeError(d, err, "failed to mark %s inactive", key)
			}
			stats.Deleted++
		}
	}

	if err = e.versioned.InsertMany(ctx, d, toInsert); err != nil {
		return stats, mergeError(d, err, "failed to insert versions")
	}

	if err = tx.Commit(ctx); err != nil {
		return stats, mergeError(d, err, "failed to commit merge")
	}

	log.WithFields(map[string]any{
		"inserted":    stats.Inserted,
		"changed":     stats.Changed,
		"unchanged":   stats.Unchanged,
		"deleted":     stats.Deleted,
		"reactivated": stats.Reactivated,
	}).Info("Merged staged records")

	return stats, nil
}

// Retire marks every current row of d in scope inactive. It is used when a selection is removed.
func (e *Engine) Retire(ctx context.Context, runID string, d *entity.Descriptor, scope entity.Scope) (models.MergeStats, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Engine.Retire")
	defer span.End()

	if err := d.CheckScope(scope); err != nil || scope.IsZero() {
		return models.MergeStats{}, syncerr.Configuration("retire_scope", err, "%s cannot be retired over scope %q", d.Type, scope.String())
	}

	n, err := e.versioned.RetireScope(ctx, d, scope, time.Now().UTC().Truncate(time.Microsecond))
	if err != nil {
		tracing.Fail(span, err)
		return models.MergeStats{}, mergeError(d, err, "failed to retire %s", scope.String())
	}

	e.logger.WithContext(ctx).WithFields(map[string]any{
		"entity_type": d.Type,
		"run_id":      runID,
		"scope":       scope.String(),
		"deleted":     n,
	}).Info("Retired scope")

	return models.MergeStats{Deleted: n}, nil
}

func newVersion(row staged.Row, runID string, change models.ChangeType, now time.Time) versioned.NewVersion {
	return versioned.NewVersion{
		Record:      row.Record,
		Fingerprint: row.Fingerprint,
		RunID:       runID,
		ChangeType:  change,
		ValidFrom:   now,
	}
}

func mergeError(d *entity.Descriptor, err error, format string, args ...any) error {
	code := "store"
	switch {
	case errors.Is(err, versioned.ErrStaleVersion):
		code = "stale_version"
	case errors.Is(err, versioned.ErrDuplicateCurrent):
		code = "duplicate_current"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		code = "cancelled"
	}
	return syncerr.Merge(string(d.Type), code, err, format, args...)
}
