package entity

import (
	"fmt"
	"strings"
	"time"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/fingerprint"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// KeySeparator joins natural key parts in KeyString.
const KeySeparator = "|"

// Record is one typed row of an entity type, validated against its descriptor.
type Record struct {
	desc   *Descriptor
	values map[string]Value
	// Extra keeps payload properties the descriptor does not map.
	Extra map[string]any
}

// FieldError reports the first field of a payload record that failed coercion or validation.
type FieldError struct {
	EntityType Type
	Index      int
	Column     string
	Err        error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s record %d: field %s: %v", e.EntityType, e.Index, e.Column, e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

// NewRecord builds a record from already typed values. Missing columns are null.
func NewRecord(d *Descriptor, values map[string]Value) Record {
	r := Record{desc: d, values: make(map[string]Value, len(d.Fields))}
	for _, f := range d.Fields {
		r.values[f.Column] = values[f.Column]
	}
	return r
}

// Build coerces and validates one decoded payload object. index is only used for error reporting.
func (d *Descriptor) Build(raw map[string]any, scope Scope, index int) (Record, error) {
	return d.build(raw, scope, index, nil)
}

// BuildItem builds the records of one item fetch. Item values override the payload.
func (d *Descriptor) BuildItem(raws []map[string]any, scope Scope, item []string) ([]Record, error) {
	fixed := d.ItemValues(item)
	records := make([]Record, 0, len(raws))
	for i, raw := range raws {
		rec, err := d.build(raw, scope, i, fixed)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (d *Descriptor) build(raw map[string]any, scope Scope, index int, fixed map[string]string) (Record, error) {
	r := Record{desc: d, values: make(map[string]Value, len(d.Fields))}
	used := map[string]bool{}

	for _, f := range d.Fields {
		var src any
		for _, name := range f.Sources {
			key, v, ok := lookup(raw, name)
			if !ok {
				continue
			}
			used[key] = true
			if !isBlank(v) {
				src = v
				break
			}
		}
		if f.FromScope {
			if sv := scope.value(f.Column); sv != "" {
				src = sv
			}
		}
		if v, ok := fixed[f.Column]; ok && v != "" {
			src = v
		}

		val, err := Coerce(src, f.Type)
		if err != nil {
			return Record{}, &FieldError{EntityType: d.Type, Index: index, Column: f.Column, Err: err}
		}
		if val.IsNull() && (f.Key || f.Required) {
			return Record{}, &FieldError{EntityType: d.Type, Index: index, Column: f.Column, Err: fmt.Errorf("required value is missing")}
		}
		if f.Rules != "" && !val.IsNull() {
			if err := validate.Var(val.Any(), f.Rules); err != nil {
				return Record{}, &FieldError{EntityType: d.Type, Index: index, Column: f.Column, Err: err}
			}
		}
		r.values[f.Column] = val
	}

	for k, v := range raw {
		if used[k] {
			continue
		}
		if r.Extra == nil {
			r.Extra = map[string]any{}
		}
		r.Extra[k] = v
	}
	return r, nil
}

// BuildAll builds every payload object, stopping at the first invalid one.
func (d *Descriptor) BuildAll(raws []map[string]any, scope Scope) ([]Record, error) {
	records := make([]Record, 0, len(raws))
	for i, raw := range raws {
		rec, err := d.Build(raw, scope, i)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// FromRow rebuilds a record from a scanned database row.
func (d *Descriptor) FromRow(row map[string]any) (Record, error) {
	r := Record{desc: d, values: make(map[string]Value, len(d.Fields))}
	for _, f := range d.Fields {
		val, err := fromDB(row[f.Column], f.Type)
		if err != nil {
			return Record{}, fmt.Errorf("%s.%s: %w", d.Type, f.Column, err)
		}
		r.values[f.Column] = val
	}
	return r, nil
}

func (r Record) Descriptor() *Descriptor {
	return r.desc
}

func (r Record) Get(column string) Value {
	return r.values[column]
}

// Key returns the natural key parts in descriptor order.
func (r Record) Key() []string {
	keys := r.desc.KeyFields()
	parts := make([]string, len(keys))
	for i, f := range keys {
		parts[i] = r.values[f.Column].String()
	}
	return parts
}

func (r Record) KeyString() string {
	return strings.Join(r.Key(), KeySeparator)
}

// Fingerprint digests the non-key, non-volatile attributes.
func (r Record) Fingerprint() string {
	fields := r.desc.FingerprintFields()
	values := make([]any, len(fields))
	for i, f := range fields {
		values[i] = r.values[f.Column].Any()
	}
	return fingerprint.Fingerprint(values...)
}

// Args returns column values in descriptor order, ready to bind to an insert.
func (r Record) Args() []any {
	args := make([]any, len(r.desc.Fields))
	for i, f := range r.desc.Fields {
		args[i] = r.values[f.Column].Any()
	}
	return args
}

// Map returns the attributes keyed by column, for API responses.
func (r Record) Map() map[string]any {
	m := make(map[string]any, len(r.values))
	for col, v := range r.values {
		m[col] = v.Any()
	}
	return m
}

// ParentKey returns the parent's natural key referenced by r, or nil when the record has no parent
// or leaves any part of the reference empty.
func (r Record) ParentKey() []string {
	if r.desc.Parent == nil {
		return nil
	}
	key := make([]string, len(r.desc.Parent.Columns))
	for i, col := range r.desc.Parent.Columns {
		v := r.values[col]
		if v.IsNull() {
			return nil
		}
		key[i] = v.String()
	}
	return key
}

// lookup finds a property by exact name, then case-insensitively.
func lookup(raw map[string]any, name string) (string, any, bool) {
	if v, ok := raw[name]; ok {
		return name, v, true
	}
	for k, v := range raw {
		if strings.EqualFold(k, name) {
			return k, v, true
		}
	}
	return "", nil, false
}

func isBlank(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && strings.TrimSpace(s) == ""
}

func fromDB(raw any, t FieldType) (Value, error) {
	switch v := raw.(type) {
	case nil:
		return Null(), nil
	case []byte:
		return fromDB(string(v), t)
	case time.Time:
		if t == FieldDate {
			return Time(v), nil
		}
		return String(v.UTC().Format(time.RFC3339)), nil
	case string:
		if strings.TrimSpace(v) == "" {
			return Null(), nil
		}
		if t == FieldDate {
			if tm, ok := database.AsTime(v); ok {
				return Time(tm), nil
			}
		}
		return Coerce(v, t)
	default:
		return Coerce(v, t)
	}
}
