package record

import (
	"sort"
	"strings"
)

// Prepared is an incoming record whose key has been derived.
type Prepared struct {
	Key    string
	Index  int // position of the winning record in the incoming batch
	Fields Fields
}

// Skip records an incoming record that was dropped because it has no valid key.
type Skip struct {
	Index int
	Err   error
}

// ResolveKeyField returns the trimmed key field, falling back to def and then DefaultKeyField.
func ResolveKeyField(keyField, def string) string {
	if f := strings.TrimSpace(keyField); f != "" {
		return f
	}
	if f := strings.TrimSpace(def); f != "" {
		return f
	}
	return DefaultKeyField
}

// Prepare derives keys for a batch. Records without a valid key are reported
// as skips and left out; they never fail the batch. When several records share
// a key the last one wins and takes the position of the first.
func Prepare(records []Fields, keyField string) ([]Prepared, []Skip) {
	prepared := make([]Prepared, 0, len(records))
	var skipped []Skip
	seen := make(map[string]int, len(records))

	for i, fields := range records {
		key, err := KeyOf(fields, keyField)
		if err != nil {
			if ke, ok := err.(*KeyError); ok {
				ke.Index = i
			}
			skipped = append(skipped, Skip{Index: i, Err: err})
			continue
		}
		if pos, dup := seen[key]; dup {
			prepared[pos].Fields = fields
			prepared[pos].Index = i
			continue
		}
		seen[key] = len(prepared)
		prepared = append(prepared, Prepared{Key: key, Index: i, Fields: fields})
	}
	return prepared, skipped
}

// RetentionSet computes the sorted set of keys that must survive a
// reconciliation. With no explicit list the set is the batch's keys. An
// explicit list is normalized like record keys (invalid entries are skipped
// and counted) and always includes the batch's keys, so every record that is
// about to be upserted is retained.
func RetentionSet(explicit []any, prepared []Prepared) ([]string, int) {
	set := make(map[string]struct{}, len(prepared)+len(explicit))
	for _, p := range prepared {
		set[p.Key] = struct{}{}
	}

	skipped := 0
	for _, raw := range explicit {
		key, err := NormalizeKey(raw)
		if err != nil {
			skipped++
			continue
		}
		set[key] = struct{}{}
	}

	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, skipped
}
