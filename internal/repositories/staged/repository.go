package staged

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/entity"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const maxParams = 900

// Row is one staged record together with the fingerprint computed when it was staged.
type Row struct {
	Record      entity.Record
	Fingerprint string
}

// Repository manages the per-run staging tables.
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

// Clear removes everything staged by runID.
func (r *Repository) Clear(ctx context.Context, d *entity.Descriptor, runID string) error {
	ctx, span := tracing.StartSpan(ctx, "staged.Repository.Clear")
	defer span.End()

	del := r.db.Builder().DeleteFrom(d.StagingTable)
	del.Where(del.Equal("run_id", runID))

	query, args := del.Build()
	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entity_type": d.Type, "run_id": runID}).Error("Failed to clear staging")
		return fmt.Errorf("failed to clear %s staging: %w", d.StagingTable, err)
	}
	return nil
}

// Insert stages rows for runID. Keys must already be unique within the batch.
func (r *Repository) Insert(ctx context.Context, d *entity.Descriptor, runID string, rows []Row, at time.Time) error {
	ctx, span := tracing.StartSpan(ctx, "staged.Repository.Insert")
	defer span.End()

	if len(rows) == 0 {
		return nil
	}

	cols := append([]string{"run_id"}, d.Columns()...)
	cols = append(cols, "fingerprint", "staged_at")
	perBatch := max(1, maxParams/len(cols))

	for start := 0; start < len(rows); start += perBatch {
		end := min(start+perBatch, len(rows))

		ib := r.db.Builder().InsertInto(d.StagingTable)
		ib.Cols(cols...)
		for _, row := range rows[start:end] {
			args := append([]any{runID}, row.Record.Args()...)
			args = append(args, row.Fingerprint, at.UTC())
			ib.Values(args...)
		}

		query, args := ib.Build()
		if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entity_type": d.Type, "run_id": runID, "rows": end - start}).Error("Failed to stage records")
			return fmt.Errorf("failed to stage %s records: %w", d.Type, err)
		}
	}
	return nil
}

// Load returns the rows staged by runID ordered by natural key.
func (r *Repository) Load(ctx context.Context, d *entity.Descriptor, runID string) ([]Row, error) {
	ctx, span := tracing.StartSpan(ctx, "staged.Repository.Load")
	defer span.End()

	sb := r.db.Builder().Select(append(d.Columns(), "fingerprint")...)
	sb.From(d.StagingTable)
	sb.Where(sb.Equal("run_id", runID))
	sb.OrderBy(d.KeyColumns()...).Asc()

	query, args := sb.Build()
	rows, err := database.Conn(ctx, r.db).QueryxContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entity_type": d.Type, "run_id": runID}).Error("Failed to load staging")
		return nil, fmt.Errorf("failed to load %s staging: %w", d.Type, err)
	}
	scanned, err := database.ScanMaps(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s staging: %w", d.Type, err)
	}

	out := make([]Row, 0, len(scanned))
	for _, row := range scanned {
		rec, err := d.FromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, Row{Record: rec, Fingerprint: database.AsString(row["fingerprint"])})
	}
	return out, nil
}

func (r *Repository) Count(ctx context.Context, d *entity.Descriptor, runID string) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "staged.Repository.Count")
	defer span.End()

	sb := r.db.Builder().Select("COUNT(*)")
	sb.From(d.StagingTable)
	sb.Where(sb.Equal("run_id", runID))

	query, args := sb.Build()
	var count int
	if err := database.Conn(ctx, r.db).GetContext(ctx, &count, query, args...); err != nil {
		return 0, fmt.Errorf("failed to count %s staging: %w", d.Type, err)
	}
	return count, nil
}

// PurgeOrphans deletes staged rows whose run is no longer running.
func (r *Repository) PurgeOrphans(ctx context.Context, d *entity.Descriptor) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "staged.Repository.PurgeOrphans")
	defer span.End()

	running := r.db.Builder().Select("id")
	running.From("run_records")
	running.Where(running.Equal("status", string(models.RunStatusRunning)))

	del := r.db.Builder().DeleteFrom(d.StagingTable)
	del.Where(del.NotIn("run_id", running))

	query, args := del.Build()
	res, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("entity_type", d.Type).Error("Failed to purge orphaned staging")
		return 0, fmt.Errorf("failed to purge %s staging: %w", d.StagingTable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return int(n), nil
}
