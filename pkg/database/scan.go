package database

import (
	"fmt"
	"strconv"
	"time"

	"github.com/jmoiron/sqlx"
)

// ScanMaps drains rows into one map per row and closes them. Callers that run further statements
// on the same connection rely on rows being closed on return.
func ScanMaps(rows *sqlx.Rows) ([]map[string]any, error) {
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		row := map[string]any{}
		if err := rows.MapScan(row); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// AsString reads a text-like column value. Drivers return either string or []byte.
func AsString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// AsInt reads an integer column. Aggregates come back as int64, numeric text or nil.
func AsInt(v any) int {
	switch val := v.(type) {
	case int64:
		return int(val)
	case int:
		return val
	case float64:
		return int(val)
	case []byte:
		i, _ := strconv.Atoi(string(val))
		return i
	case string:
		i, _ := strconv.Atoi(val)
		return i
	default:
		return 0
	}
}

// AsTime reads a timestamp column. SQLite hands back text when the column type is not declared
// as a timestamp.
func AsTime(v any) (time.Time, bool) {
	switch val := v.(type) {
	case time.Time:
		return val.UTC(), true
	case string:
		return parseTime(val)
	case []byte:
		return parseTime(string(val))
	default:
		return time.Time{}, false
	}
}

func AsTimePtr(v any) *time.Time {
	t, ok := AsTime(v)
	if !ok {
		return nil
	}
	return &t
}

func AsBool(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case int64:
		return val != 0
	case []byte:
		b, _ := strconv.ParseBool(string(val))
		return b
	case string:
		b, _ := strconv.ParseBool(val)
		return b
	default:
		return false
	}
}

var timeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	time.RFC3339Nano,
}

func parseTime(s string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
