package storage

import (
	"sort"
	"strconv"
	"strings"

	"github.com/snapsync/snapsync/internal/record"
)

// matchesText implements the read-query filter for backends that scan in
// process: a case-insensitive substring match on any of the given fields.
func matchesText(doc *record.Document, text string, fields []string) bool {
	if text == "" {
		return true
	}
	needle := strings.ToLower(text)
	if len(fields) == 0 {
		return strings.Contains(strings.ToLower(doc.Key), needle)
	}
	for _, field := range fields {
		var value string
		if field == record.FieldKey {
			value = doc.Key
		} else {
			var ok bool
			value, ok = textOf(doc.Fields[field])
			if !ok {
				continue
			}
		}
		if strings.Contains(strings.ToLower(value), needle) {
			return true
		}
	}
	return false
}

func textOf(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case int64:
		return strconv.FormatInt(val, 10), true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(val), true
	default:
		return "", false
	}
}

func sortByKey(docs []*record.Document) {
	sort.Slice(docs, func(i, j int) bool { return docs[i].Key < docs[j].Key })
}

func keySet(keys []string) map[string]struct{} {
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}
