package entity

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

type FieldType string

const (
	FieldString  FieldType = "string"
	FieldInteger FieldType = "integer"
	FieldDate    FieldType = "date"
)

type Kind int

const (
	KindNull Kind = iota
	KindString
	KindInteger
	KindTime
)

// Value is a typed attribute value. Exactly one of Str, Int or Time is meaningful, chosen by Kind.
type Value struct {
	Kind Kind
	Str  string
	Int  int64
	Time time.Time
}

func Null() Value { return Value{Kind: KindNull} }

func String(s string) Value { return Value{Kind: KindString, Str: s} }

func Integer(i int64) Value { return Value{Kind: KindInteger, Int: i} }

func Time(t time.Time) Value { return Value{Kind: KindTime, Time: t.UTC()} }

func (v Value) IsNull() bool { return v.Kind == KindNull }

func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindString:
		return v.Str == o.Str
	case KindInteger:
		return v.Int == o.Int
	case KindTime:
		return v.Time.Equal(o.Time)
	}
	return true
}

// Any returns the value as a database/sql argument: nil, string, int64 or time.Time.
func (v Value) Any() any {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindInteger:
		return v.Int
	case KindTime:
		return v.Time
	default:
		return nil
	}
}

func (v Value) String() string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindInteger:
		return strconv.FormatInt(v.Int, 10)
	case KindTime:
		return v.Time.Format(time.RFC3339)
	default:
		return ""
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Any())
}

// DateLayouts are tried in order when coercing a date field. The upstream API mostly sends
// day-first European dates.
var DateLayouts = []string{
	"02.01.2006 15:04:05",
	"02.01.2006 15:04",
	"02.01.2006",
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006",
}

// ParseDate parses s with the first matching layout in DateLayouts. Zone-less layouts are read as UTC.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range DateLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

// Coerce converts a decoded JSON value into a Value of type t. Empty strings become null.
func Coerce(raw any, t FieldType) (Value, error) {
	if raw == nil {
		return Null(), nil
	}
	if s, ok := raw.(string); ok && strings.TrimSpace(s) == "" {
		return Null(), nil
	}

	switch t {
	case FieldString:
		return coerceString(raw)
	case FieldInteger:
		return coerceInteger(raw)
	case FieldDate:
		return coerceDate(raw)
	default:
		return Null(), fmt.Errorf("unknown field type %q", t)
	}
}

func coerceString(raw any) (Value, error) {
	switch v := raw.(type) {
	case string:
		return String(strings.TrimSpace(v)), nil
	case json.Number:
		return String(v.String()), nil
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1e15 {
			return String(strconv.FormatInt(int64(v), 10)), nil
		}
		return String(strconv.FormatFloat(v, 'f', -1, 64)), nil
	case int:
		return String(strconv.Itoa(v)), nil
	case int64:
		return String(strconv.FormatInt(v, 10)), nil
	case bool:
		return String(strconv.FormatBool(v)), nil
	case map[string]any, []any:
		return Null(), fmt.Errorf("expected a scalar, got %T", raw)
	default:
		return String(fmt.Sprintf("%v", v)), nil
	}
}

func coerceInteger(raw any) (Value, error) {
	switch v := raw.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return Integer(i), nil
		}
		f, err := v.Float64()
		if err != nil || f != math.Trunc(f) {
			return Null(), fmt.Errorf("expected an integer, got %q", v.String())
		}
		return Integer(int64(f)), nil
	case float64:
		if v != math.Trunc(v) {
			return Null(), fmt.Errorf("expected an integer, got %v", v)
		}
		return Integer(int64(v)), nil
	case int:
		return Integer(int64(v)), nil
	case int64:
		return Integer(v), nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return Null(), fmt.Errorf("expected an integer, got %q", v)
		}
		return Integer(i), nil
	default:
		return Null(), fmt.Errorf("expected an integer, got %T", raw)
	}
}

func coerceDate(raw any) (Value, error) {
	switch v := raw.(type) {
	case string:
		t, err := ParseDate(v)
		if err != nil {
			return Null(), err
		}
		return Time(t), nil
	case time.Time:
		return Time(v), nil
	default:
		return Null(), fmt.Errorf("expected a date string, got %T", raw)
	}
}
