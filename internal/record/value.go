package record

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// int64 bounds as float64; 2^63 is exactly representable, so the upper bound is exclusive.
const (
	minInt64Float = -9223372036854775808.0
	maxInt64Float = 9223372036854775808.0
)

// NormalizeValue converts a decoded value into the canonical value model shared
// by every storage backend: nil, bool, int64, float64, string, []any and
// map[string]any. Integral numbers that fit in an int64 become int64; JSON
// integer literals outside that range are kept as their decimal string.
func NormalizeValue(v any) any {
	switch val := v.(type) {
	case nil, bool, string, int64:
		return val
	case json.Number:
		lit := val.String()
		if i, err := strconv.ParseInt(lit, 10, 64); err == nil {
			return i
		}
		// integers beyond int64 keep their exact digits
		if !strings.ContainsAny(lit, ".eE") {
			return lit
		}
		if f, err := strconv.ParseFloat(lit, 64); err == nil {
			return normalizeFloat(f)
		}
		return lit
	case int:
		return int64(val)
	case int8:
		return int64(val)
	case int16:
		return int64(val)
	case int32:
		return int64(val)
	case uint:
		return normalizeUint(uint64(val))
	case uint8:
		return int64(val)
	case uint16:
		return int64(val)
	case uint32:
		return int64(val)
	case uint64:
		return normalizeUint(val)
	case float32:
		return normalizeFloat(float64(val))
	case float64:
		return normalizeFloat(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = NormalizeValue(item)
		}
		return out
	case Fields:
		return map[string]any(NormalizeFields(val))
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[stringifyMapKey(k)] = NormalizeValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = NormalizeValue(item)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = item
		}
		return out
	default:
		return val
	}
}

// NormalizeFields returns a deep, normalized copy of a field map.
func NormalizeFields(f Fields) Fields {
	if f == nil {
		return Fields{}
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = NormalizeValue(v)
	}
	return out
}

func normalizeFloat(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return f
	}
	if f == math.Trunc(f) && f >= minInt64Float && f < maxInt64Float {
		return int64(f)
	}
	return f
}

func normalizeUint(u uint64) any {
	if u > math.MaxInt64 {
		return strconv.FormatUint(u, 10)
	}
	return int64(u)
}

func stringifyMapKey(k any) string {
	switch key := k.(type) {
	case string:
		return key
	default:
		s, err := NormalizeKey(key)
		if err != nil {
			return ""
		}
		return s
	}
}
