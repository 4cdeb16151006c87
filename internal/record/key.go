package record

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// NormalizeKey derives the canonical key for a raw key-field value.
//
// Strings are trimmed; numbers and booleans are formatted canonically (10,
// 2.5, true). Absent values, non-scalars and values that are empty after
// trimming are rejected with a *KeyError. Record keys are opaque: unlike scope
// names they are not restricted to a charset.
func NormalizeKey(raw any) (string, error) {
	if u, ok := raw.(uint64); ok && u > math.MaxInt64 {
		return strconv.FormatUint(u, 10), nil
	}

	var s string
	switch v := NormalizeValue(raw).(type) {
	case nil:
		return "", &KeyError{Index: -1, Reason: "value is missing"}
	case string:
		s = v
	case bool:
		s = strconv.FormatBool(v)
	case int64:
		s = strconv.FormatInt(v, 10)
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return "", &KeyError{Index: -1, Reason: "value is not a finite number"}
		}
		s = strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return "", &KeyError{Index: -1, Reason: fmt.Sprintf("value of type %T is not a scalar", raw)}
	}

	s = strings.TrimSpace(s)
	if s == "" {
		return "", &KeyError{Index: -1, Reason: "value is empty"}
	}
	return s, nil
}

// KeyOf extracts and normalizes the key field of a record.
func KeyOf(fields Fields, keyField string) (string, error) {
	raw, ok := fields[keyField]
	if !ok {
		return "", &KeyError{Field: keyField, Index: -1, Reason: "field is absent"}
	}
	key, err := NormalizeKey(raw)
	if err != nil {
		if ke, ok := err.(*KeyError); ok {
			ke.Field = keyField
		}
		return "", err
	}
	return key, nil
}
