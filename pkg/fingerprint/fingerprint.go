package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	// NullSentinel stands in for null or missing values. It cannot be produced by a normalized string.
	NullSentinel = "\x00null\x00"
	// Separator joins normalized values. Normalization strips it from inputs.
	Separator = "\x1f"
	// Size is the length of every fingerprint (hex encoded SHA-256).
	Size = sha256.Size * 2
)

// Fingerprint creates a deterministic digest over an ordered list of field values.
// Values are normalized first, so "ABC ", "abc", 1, 1.0 and "1" hash the same way their
// logical content does.
func Fingerprint(values ...any) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = Normalize(v)
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, Separator)))
	return hex.EncodeToString(hash[:])
}

// Payload hashes a raw response body byte for byte.
func Payload(body []byte) string {
	hash := sha256.Sum256(body)
	return hex.EncodeToString(hash[:])
}

// Normalize renders a single value in its canonical comparable form.
func Normalize(v any) string {
	switch val := v.(type) {
	case nil:
		return NullSentinel
	case *string:
		if val == nil {
			return NullSentinel
		}
		return normalizeString(*val)
	case string:
		return normalizeString(val)
	case []byte:
		return normalizeString(string(val))
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.FormatInt(int64(val), 10)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int64:
		return strconv.FormatInt(val, 10)
	case *int64:
		if val == nil {
			return NullSentinel
		}
		return strconv.FormatInt(*val, 10)
	case float32:
		return normalizeFloat(float64(val))
	case float64:
		return normalizeFloat(val)
	case json.Number:
		return normalizeString(val.String())
	case time.Time:
		if val.IsZero() {
			return NullSentinel
		}
		return val.UTC().Format(time.RFC3339Nano)
	case *time.Time:
		if val == nil || val.IsZero() {
			return NullSentinel
		}
		return val.UTC().Format(time.RFC3339Nano)
	default:
		return normalizeString(fmt.Sprintf("%v", val))
	}
}

func normalizeString(s string) string {
	s = strings.ToLower(strings.TrimSpace(strings.ReplaceAll(s, Separator, "")))
	if s == "" {
		return NullSentinel
	}
	// numeric strings share the representation of the number they spell
	if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) && looksNumeric(s) {
		return normalizeFloat(f)
	}
	return s
}

func normalizeFloat(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// looksNumeric rejects strings ParseFloat accepts but that are identifiers, like "inf", "0x1p-2"
// or zero padded codes such as "007".
func looksNumeric(s string) bool {
	if len(s) > 1 && s[0] == '0' && s[1] != '.' {
		return false
	}
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9', r == '.':
		case (r == '-' || r == '+') && i == 0:
		case r == 'e' && i > 0:
		default:
			return false
		}
	}
	return true
}

// HasChanged compares two fingerprints to detect changes
func HasChanged(oldFingerprint, newFingerprint string) bool {
	return oldFingerprint != newFingerprint
}
