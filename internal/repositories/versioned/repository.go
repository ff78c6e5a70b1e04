package versioned

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/entity"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var (
	// ErrDuplicateCurrent is returned when an insert would create a second current row for a key.
	ErrDuplicateCurrent = errors.New("a current version already exists for this key")
	// ErrStaleVersion is returned when the row being expired is no longer current.
	ErrStaleVersion = errors.New("version is no longer current")
)

const maxParams = 900

var systemColumns = []string{"id", "fingerprint", "valid_from", "valid_to", "is_current", "run_id", "change_type", "delete_date"}

// Repository reads and writes the SCD2 tables of every entity type, driven by descriptors.
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

// CurrentRow is the part of a current version needed to classify a staged record.
type CurrentRow struct {
	ID          string
	Key         string
	Fingerprint string
}

// NewVersion is a row to insert as the current version of its key.
type NewVersion struct {
	Record      entity.Record
	Fingerprint string
	RunID       string
	ChangeType  models.ChangeType
	ValidFrom   time.Time
}

func (r *Repository) scopeWhere(sb *sqlbuilder.SelectBuilder, d *entity.Descriptor, scope entity.Scope) []string {
	var where []string
	for col, val := range d.ScopeFilter(scope) {
		where = append(where, sb.Equal(col, val))
	}
	return where
}

// CurrentInScope returns the current rows of scope keyed by natural key string.
func (r *Repository) CurrentInScope(ctx context.Context, d *entity.Descriptor, scope entity.Scope) (map[string]CurrentRow, error) {
	ctx, span := tracing.StartSpan(ctx, "versioned.Repository.CurrentInScope")
	defer span.End()

	sb := r.db.Builder().Select(append([]string{"id", "fingerprint"}, d.KeyColumns()...)...)
	sb.From(d.Table)
	sb.Where(append(r.scopeWhere(sb, d, scope), sb.Equal("is_current", true))...)

	rows, err := r.query(ctx, sb)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entity_type": d.Type, "scope": scope.Key()}).Error("Failed to load current versions")
		return nil, fmt.Errorf("failed to load current %s: %w", d.Type, err)
	}

	current := make(map[string]CurrentRow, len(rows))
	for _, row := range rows {
		key := keyString(d, row)
		current[key] = CurrentRow{
			ID:          database.AsString(row["id"]),
			Key:         key,
			Fingerprint: database.AsString(row["fingerprint"]),
		}
	}
	return current, nil
}

// ExpiredKeys returns the keys of scope that have at least one expired version.
func (r *Repository) ExpiredKeys(ctx context.Context, d *entity.Descriptor, scope entity.Scope) (map[string]bool, error) {
	ctx, span := tracing.StartSpan(ctx, "versioned.Repository.ExpiredKeys")
	defer span.End()

	sb := r.db.Builder().Select(d.KeyColumns()...)
	sb.Distinct()
	sb.From(d.Table)
	sb.Where(append(r.scopeWhere(sb, d, scope), sb.Equal("is_current", false))...)

	rows, err := r.query(ctx, sb)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entity_type": d.Type, "scope": scope.Key()}).Error("Failed to load expired keys")
		return nil, fmt.Errorf("failed to load expired %s keys: %w", d.Type, err)
	}

	keys := make(map[string]bool, len(rows))
	for _, row := range rows {
		keys[keyString(d, row)] = true
	}
	return keys, nil
}

// InsertMany inserts new current versions.
func (r *Repository) InsertMany(ctx context.Context, d *entity.Descriptor, versions []NewVersion) error {
	ctx, span := tracing.StartSpan(ctx, "versioned.Repository.InsertMany")
	defer span.End()

	if len(versions) == 0 {
		return nil
	}

	cols := append(d.Columns(), "id", "fingerprint", "valid_from", "is_current", "run_id", "change_type")
	perBatch := max(1, maxParams/len(cols))

	for start := 0; start < len(versions); start += perBatch {
		end := min(start+perBatch, len(versions))

		ib := r.db.Builder().InsertInto(d.Table)
		ib.Cols(cols...)
		for _, v := range versions[start:end] {
			args := append(v.Record.Args(), uuid.NewString(), v.Fingerprint, v.ValidFrom.UTC(), true, v.RunID, string(v.ChangeType))
			ib.Values(args...)
		}

		query, args := ib.Build()
		if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
			if database.IsUniqueViolation(err) {
				return fmt.Errorf("%s: %w", d.Type, ErrDuplicateCurrent)
			}
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entity_type": d.Type, "rows": end - start}).Error("Failed to insert versions")
			return fmt.Errorf("failed to insert %s versions: %w", d.Type, err)
		}
	}
	return nil
}

// Expire closes the current version id at `at`. When deleted is set the key is recorded as gone
// from the source. Exactly one row must change.
func (r *Repository) Expire(ctx context.Context, d *entity.Descriptor, id string, at time.Time, deleted bool) error {
	ctx, span := tracing.StartSpan(ctx, "versioned.Repository.Expire")
	defer span.End()

	ub := r.db.Builder().Update(d.Table)
	assignments := []string{ub.Assign("valid_to", at.UTC()), ub.Assign("is_current", false)}
	if deleted {
		assignments = append(assignments, ub.Assign("delete_date", at.UTC()))
	}
	ub.Set(assignments...)
	ub.Where(ub.Equal("id", id), ub.Equal("is_current", true))

	query, args := ub.Build()
	res, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entity_type": d.Type, "id": id}).Error("Failed to expire version")
		return fmt.Errorf("failed to expire %s version %s: %w", d.Type, id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected != 1 {
		return fmt.Errorf("%s version %s: %w", d.Type, id, ErrStaleVersion)
	}
	return nil
}

// RetireScope expires every current row of scope as deleted and returns how many were closed.
func (r *Repository) RetireScope(ctx context.Context, d *entity.Descriptor, scope entity.Scope, at time.Time) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "versioned.Repository.RetireScope")
	defer span.End()

	filter := d.ScopeFilter(scope)
	if len(filter) == 0 {
		return 0, fmt.Errorf("refusing to retire %s without a scope", d.Type)
	}

	ub := r.db.Builder().Update(d.Table)
	ub.Set(ub.Assign("valid_to", at.UTC()), ub.Assign("is_current", false), ub.Assign("delete_date", at.UTC()))
	where := []string{ub.Equal("is_current", true)}
	for col, val := range filter {
		where = append(where, ub.Equal(col, val))
	}
	ub.Where(where...)

	query, args := ub.Build()
	res, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entity_type": d.Type, "scope": scope.Key()}).Error("Failed to retire scope")
		return 0, fmt.Errorf("failed to retire %s in %s: %w", d.Type, scope.Key(), err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return int(affected), nil
}

// ExistingCurrentKeys returns which of keys have a current row.
func (r *Repository) ExistingCurrentKeys(ctx context.Context, d *entity.Descriptor, keys [][]string) (map[string]bool, error) {
	ctx, span := tracing.StartSpan(ctx, "versioned.Repository.ExistingCurrentKeys")
	defer span.End()

	found := map[string]bool{}
	if len(keys) == 0 {
		return found, nil
	}

	keyCols := d.KeyColumns()
	perBatch := max(1, maxParams/len(keyCols))
	for start := 0; start < len(keys); start += perBatch {
		end := min(start+perBatch, len(keys))

		sb := r.db.Builder().Select(keyCols...)
		sb.From(d.Table)
		var alternatives []string
		for _, key := range keys[start:end] {
			if len(key) != len(keyCols) {
				return nil, fmt.Errorf("%s key %v has %d parts, want %d", d.Type, key, len(key), len(keyCols))
			}
			parts := make([]string, len(keyCols))
			for i, col := range keyCols {
				parts[i] = sb.Equal(col, key[i])
			}
			alternatives = append(alternatives, sb.And(parts...))
		}
		sb.Where(sb.Equal("is_current", true), sb.Or(alternatives...))

		rows, err := r.query(ctx, sb)
		if err != nil {
			r.logger.WithContext(ctx).WithError(err).WithField("entity_type", d.Type).Error("Failed to check current keys")
			return nil, fmt.Errorf("failed to check %s keys: %w", d.Type, err)
		}
		for _, row := range rows {
			found[keyString(d, row)] = true
		}
	}
	return found, nil
}

// ListCurrent returns current versions matching the column filter, ordered by natural key.
func (r *Repository) ListCurrent(ctx context.Context, d *entity.Descriptor, filter map[string]string, limit, offset int) ([]models.Version, error) {
	ctx, span := tracing.StartSpan(ctx, "versioned.Repository.ListCurrent")
	defer span.End()

	sb := r.db.Builder().Select(append(d.Columns(), systemColumns...)...)
	sb.From(d.Table)
	where := []string{sb.Equal("is_current", true)}
	for col, val := range filter {
		if _, ok := d.Field(col); !ok {
			return nil, fmt.Errorf("%s has no column %q", d.Type, col)
		}
		where = append(where, sb.Equal(col, val))
	}
	sb.Where(where...)
	sb.OrderBy(d.KeyColumns()...).Asc()
	if limit > 0 {
		sb.Limit(limit)
		sb.Offset(offset)
	}

	return r.versions(ctx, d, sb)
}

// History returns every version of key ordered by valid_from.
func (r *Repository) History(ctx context.Context, d *entity.Descriptor, key []string) ([]models.Version, error) {
	ctx, span := tracing.StartSpan(ctx, "versioned.Repository.History")
	defer span.End()

	keyCols := d.KeyColumns()
	if len(key) != len(keyCols) {
		return nil, fmt.Errorf("%s key needs %d parts (%s), got %d", d.Type, len(keyCols), strings.Join(keyCols, ", "), len(key))
	}

	sb := r.db.Builder().Select(append(d.Columns(), systemColumns...)...)
	sb.From(d.Table)
	where := make([]string, len(keyCols))
	for i, col := range keyCols {
		where[i] = sb.Equal(col, key[i])
	}
	sb.Where(where...)
	sb.OrderBy("valid_from", "id").Asc()

	return r.versions(ctx, d, sb)
}

// CountCurrent counts current rows in scope.
func (r *Repository) CountCurrent(ctx context.Context, d *entity.Descriptor, scope entity.Scope) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "versioned.Repository.CountCurrent")
	defer span.End()

	sb := r.db.Builder().Select("COUNT(*)")
	sb.From(d.Table)
	sb.Where(append(r.scopeWhere(sb, d, scope), sb.Equal("is_current", true))...)

	query, args := sb.Build()
	var count int
	if err := database.Conn(ctx, r.db).GetContext(ctx, &count, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("entity_type", d.Type).Error("Failed to count current versions")
		return 0, fmt.Errorf("failed to count current %s: %w", d.Type, err)
	}
	return count, nil
}

// DistinctCurrent returns the distinct values of columns over the current rows of scope, sorted.
func (r *Repository) DistinctCurrent(ctx context.Context, d *entity.Descriptor, scope entity.Scope, columns []string) ([][]string, error) {
	ctx, span := tracing.StartSpan(ctx, "versioned.Repository.DistinctCurrent")
	defer span.End()

	sb := r.db.Builder().Select(columns...)
	sb.Distinct()
	sb.From(d.Table)
	sb.Where(append(r.scopeWhere(sb, d, scope), sb.Equal("is_current", true))...)
	sb.OrderBy(columns...)

	rows, err := r.query(ctx, sb)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"entity_type": d.Type, "scope": scope.Key()}).Error("Failed to list distinct current values")
		return nil, fmt.Errorf("failed to list current %s: %w", d.Type, err)
	}

	out := make([][]string, 0, len(rows))
	for _, row := range rows {
		values := make([]string, len(columns))
		for i, col := range columns {
			values[i] = database.AsString(row[col])
		}
		out = append(out, values)
	}
	return out, nil
}

// Status counts the versions of d's table and finds its latest change.
func (r *Repository) Status(ctx context.Context, d *entity.Descriptor) (models.TableStatus, error) {
	ctx, span := tracing.StartSpan(ctx, "versioned.Repository.Status")
	defer span.End()

	sb := r.db.Builder().Select(
		sqlbuilder.As("COUNT(*)", "records"),
		sqlbuilder.As("SUM(CASE WHEN is_current THEN 1 ELSE 0 END)", "current_count"),
		sqlbuilder.As("SUM(CASE WHEN is_current THEN 0 ELSE 1 END)", "expired_count"),
		sqlbuilder.As("SUM(CASE WHEN delete_date IS NULL THEN 0 ELSE 1 END)", "deleted_count"),
		sqlbuilder.As("MAX(COALESCE(valid_to, valid_from))", "last_update"),
	)
	sb.From(d.Table)

	rows, err := r.query(ctx, sb)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("entity_type", d.Type).Error("Failed to read table status")
		return models.TableStatus{}, fmt.Errorf("failed to read %s status: %w", d.Type, err)
	}

	status := models.TableStatus{EntityType: string(d.Type), Table: d.Table}
	if len(rows) == 0 {
		return status, nil
	}
	row := rows[0]
	status.Records = database.AsInt(row["records"])
	status.Current = database.AsInt(row["current_count"])
	status.Expired = database.AsInt(row["expired_count"])
	status.Deleted = database.AsInt(row["deleted_count"])
	status.LastUpdate = database.AsTimePtr(row["last_update"])
	return status, nil
}

func (r *Repository) versions(ctx context.Context, d *entity.Descriptor, sb *sqlbuilder.SelectBuilder) ([]models.Version, error) {
	rows, err := r.query(ctx, sb)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("entity_type", d.Type).Error("Failed to query versions")
		return nil, fmt.Errorf("failed to query %s versions: %w", d.Type, err)
	}

	out := make([]models.Version, 0, len(rows))
	for _, row := range rows {
		rec, err := d.FromRow(row)
		if err != nil {
			return nil, err
		}
		validFrom, _ := database.AsTime(row["valid_from"])
		out = append(out, models.Version{
			ID:          database.AsString(row["id"]),
			Key:         rec.KeyString(),
			Attributes:  rec.Map(),
			Fingerprint: database.AsString(row["fingerprint"]),
			ValidFrom:   validFrom,
			ValidTo:     database.AsTimePtr(row["valid_to"]),
			IsCurrent:   database.AsBool(row["is_current"]),
			RunID:       database.AsString(row["run_id"]),
			ChangeType:  models.ChangeType(database.AsString(row["change_type"])),
			DeleteDate:  database.AsTimePtr(row["delete_date"]),
		})
	}
	return out, nil
}

func (r *Repository) query(ctx context.Context, sb *sqlbuilder.SelectBuilder) ([]map[string]any, error) {
	query, args := sb.Build()
	rows, err := database.Conn(ctx, r.db).QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return database.ScanMaps(rows)
}

func keyString(d *entity.Descriptor, row map[string]any) string {
	cols := d.KeyColumns()
	parts := make([]string, len(cols))
	for i, col := range cols {
		parts[i] = database.AsString(row[col])
	}
	return strings.Join(parts, entity.KeySeparator)
}
