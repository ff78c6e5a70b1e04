// Package entity describes the synchronized entity types: their tables, natural keys, typed
// attributes, upstream endpoints and parent dependencies. Every engine works from a Descriptor,
// so adding an entity type never needs new merge or staging code.
package entity

import (
	"fmt"
	"strings"

	"github.com/Gobusters/ectolinq"
)

type Type string

const (
	ColumnPlantID       = "plant_id"
	ColumnIssueRevision = "issue_revision"
)

// Field maps one typed column to the upstream JSON properties it is read from.
type Field struct {
	Column string
	// Sources are tried in order; the first present, non-empty property wins.
	Sources []string
	Type    FieldType
	// Key marks natural key columns. Key columns are always required.
	Key      bool
	Required bool
	// Volatile fields are stored but never fingerprinted.
	Volatile bool
	// FromScope fields are filled from the unit scope when the payload omits them.
	FromScope bool
	// Rules is a validator tag applied to non-null values, e.g. "max=200".
	Rules string
}

// ParentRef declares that every record must reference a current row of Type. Columns lists the
// child columns holding the parent's natural key, in the parent's key order.
type ParentRef struct {
	Type    Type
	Columns []string
}

// ItemSource fans a fetch out over the distinct current rows of another entity type in the unit
// scope. Columns are read from those rows and fill the same-position Fields of the records fetched
// for each row.
type ItemSource struct {
	Type    Type
	Columns []string
	Fields  []string
}

type Descriptor struct {
	Type         Type
	Table        string
	StagingTable string
	Fields       []Field
	Parent       *ParentRef
	ScopeLevel   ScopeLevel
	// Path builds the endpoint path for a scope, relative to the API base URL.
	Path func(Scope) string
	// DetailPath, when set, fetches a single row by key and is used for on-demand backfill.
	DetailPath func(Scope) string
	// ScopeAuthoritative means a scoped fetch lists every row of the scope, so keys missing from
	// it are marked inactive.
	ScopeAuthoritative bool
	// ResponsePath is a JMESPath expression selecting the record array in a wrapped response.
	ResponsePath string
	// Items, when set, makes a unit fetch ItemPath once per item instead of fetching Path. Path
	// then only labels the unit. Only the first record of each item response is kept.
	Items    *ItemSource
	ItemPath func(scope Scope, item []string) string
}

func (d *Descriptor) String() string {
	return string(d.Type)
}

func (d *Descriptor) KeyFields() []Field {
	return ectolinq.Filter(d.Fields, func(f Field) bool { return f.Key })
}

func (d *Descriptor) KeyColumns() []string {
	return ectolinq.Map(d.KeyFields(), func(f Field) string { return f.Column })
}

// AttributeColumns returns every non-key column in declaration order.
func (d *Descriptor) AttributeColumns() []string {
	attrs := ectolinq.Filter(d.Fields, func(f Field) bool { return !f.Key })
	return ectolinq.Map(attrs, func(f Field) string { return f.Column })
}

// FingerprintFields returns the fields that take part in change detection.
func (d *Descriptor) FingerprintFields() []Field {
	return ectolinq.Filter(d.Fields, func(f Field) bool { return !f.Key && !f.Volatile })
}

func (d *Descriptor) Columns() []string {
	return ectolinq.Map(d.Fields, func(f Field) string { return f.Column })
}

// ScopeColumns returns the key columns bound by a scope of the descriptor's level.
func (d *Descriptor) ScopeColumns() []string {
	switch d.ScopeLevel {
	case ScopeIssue:
		return []string{ColumnPlantID, ColumnIssueRevision}
	case ScopePlant:
		return []string{ColumnPlantID}
	default:
		return nil
	}
}

// ScopeFilter returns column/value pairs restricting queries to scope. A zero scope matches everything.
func (d *Descriptor) ScopeFilter(scope Scope) map[string]string {
	filter := map[string]string{}
	for _, col := range d.ScopeColumns() {
		if v := scope.value(col); v != "" {
			filter[col] = v
		}
	}
	return filter
}

func (d *Descriptor) Field(column string) (Field, bool) {
	f := ectolinq.Find(d.Fields, func(f Field) bool { return f.Column == column })
	return f, f.Column != ""
}

// Endpoint returns the fetch path for scope, checking the scope matches the descriptor.
func (d *Descriptor) Endpoint(scope Scope) (string, error) {
	if err := d.CheckScope(scope); err != nil {
		return "", err
	}
	if d.IsDetail(scope) {
		return d.DetailPath(scope), nil
	}
	return d.Path(scope), nil
}

// IsDetail reports whether scope selects a single row of a globally listed type through DetailPath.
// A detail fetch never lists the whole table, so it can never be authoritative.
func (d *Descriptor) IsDetail(scope Scope) bool {
	return d.ScopeLevel == ScopeGlobal && d.DetailPath != nil && scope.PlantID != ""
}

// CheckScope rejects scopes that cannot drive a fetch of this entity type.
func (d *Descriptor) CheckScope(scope Scope) error {
	switch d.ScopeLevel {
	case ScopeGlobal:
		if scope.PlantID != "" && d.DetailPath == nil {
			return fmt.Errorf("%s cannot be scoped to a plant", d.Type)
		}
	case ScopePlant:
		if scope.PlantID == "" {
			return fmt.Errorf("%s requires a plant scope", d.Type)
		}
	case ScopeIssue:
		if scope.PlantID == "" || scope.IssueRevision == "" {
			return fmt.Errorf("%s requires a plant and issue revision scope", d.Type)
		}
	}
	return nil
}

// Validate checks the descriptor is internally consistent.
func (d *Descriptor) Validate() error {
	if d.Type == "" || d.Table == "" || d.StagingTable == "" {
		return fmt.Errorf("descriptor is missing type or tables")
	}
	if d.Path == nil {
		return fmt.Errorf("%s: missing endpoint path", d.Type)
	}
	if len(d.KeyFields()) == 0 {
		return fmt.Errorf("%s: no natural key", d.Type)
	}

	seen := map[string]bool{}
	for _, f := range d.Fields {
		if f.Column == "" || strings.ToLower(f.Column) != f.Column {
			return fmt.Errorf("%s: invalid column name %q", d.Type, f.Column)
		}
		if seen[f.Column] {
			return fmt.Errorf("%s: duplicate column %q", d.Type, f.Column)
		}
		seen[f.Column] = true
		if len(f.Sources) == 0 && !f.FromScope {
			return fmt.Errorf("%s.%s: no source", d.Type, f.Column)
		}
		if f.Key && f.Type != FieldString {
			return fmt.Errorf("%s.%s: natural key columns must be strings", d.Type, f.Column)
		}
	}
	for _, col := range d.ScopeColumns() {
		f, ok := d.Field(col)
		if !ok || !f.Key {
			return fmt.Errorf("%s: scope column %q must be part of the natural key", d.Type, col)
		}
	}
	if d.Parent != nil {
		for _, col := range d.Parent.Columns {
			if !seen[col] {
				return fmt.Errorf("%s: parent column %q is not a field", d.Type, col)
			}
		}
	}
	if d.Items != nil {
		if d.ItemPath == nil || d.DetailPath != nil {
			return fmt.Errorf("%s: item fetches need an item path and no detail path", d.Type)
		}
		if len(d.Items.Columns) == 0 || len(d.Items.Columns) != len(d.Items.Fields) {
			return fmt.Errorf("%s: item columns and fields must pair up", d.Type)
		}
		for _, col := range d.Items.Fields {
			if f, ok := d.Field(col); !ok || !f.Key {
				return fmt.Errorf("%s: item field %q must be part of the natural key", d.Type, col)
			}
		}
	}
	return nil
}

// ItemValues pairs an item of d.Items with the record columns it fills.
func (d *Descriptor) ItemValues(item []string) map[string]string {
	if d.Items == nil {
		return nil
	}
	values := make(map[string]string, len(d.Items.Fields))
	for i, col := range d.Items.Fields {
		if i < len(item) {
			values[col] = item[i]
		}
	}
	return values
}
