package record

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrepareSkipsUnkeyableRecords(t *testing.T) {
	records := []Fields{
		{"name": "east", "pop": 10},
		{"name": nil, "pop": 1},
		{"pop": 2},
		{"name": "south", "pop": 5},
		nil,
	}

	prepared, skipped := Prepare(records, "name")

	require.Len(t, prepared, 2)
	assert.Equal(t, "east", prepared[0].Key)
	assert.Equal(t, "south", prepared[1].Key)

	require.Len(t, skipped, 3)
	assert.Equal(t, 1, skipped[0].Index)
	assert.Equal(t, 2, skipped[1].Index)
	assert.Equal(t, 4, skipped[2].Index)
	assert.ErrorIs(t, skipped[0].Err, ErrInvalidKey)
}

func TestPrepareLastDuplicateWins(t *testing.T) {
	records := []Fields{
		{"name": "east", "pop": 1},
		{"name": "west", "pop": 2},
		{"name": " east ", "pop": 3},
	}

	prepared, skipped := Prepare(records, "name")
	assert.Empty(t, skipped)
	require.Len(t, prepared, 2)
	assert.Equal(t, "east", prepared[0].Key)
	assert.Equal(t, 3, prepared[0].Fields["pop"])
	assert.Equal(t, 2, prepared[0].Index)
	assert.Equal(t, "west", prepared[1].Key)
}

func TestRetentionSet(t *testing.T) {
	prepared, _ := Prepare([]Fields{{"name": "b"}, {"name": "a"}}, "name")

	t.Run("derived from batch", func(t *testing.T) {
		keys, skipped := RetentionSet(nil, prepared)
		assert.Equal(t, []string{"a", "b"}, keys)
		assert.Zero(t, skipped)
	})

	t.Run("explicit keys are unioned with the batch", func(t *testing.T) {
		keys, skipped := RetentionSet([]any{"k_old", " a ", nil, 5}, prepared)
		assert.Equal(t, []string{"5", "a", "b", "k_old"}, keys)
		assert.Equal(t, 1, skipped)
	})

	t.Run("empty batch and no explicit keys retains nothing", func(t *testing.T) {
		keys, _ := RetentionSet(nil, nil)
		assert.Empty(t, keys)
	})
}

func TestResolveKeyField(t *testing.T) {
	assert.Equal(t, "code", ResolveKeyField(" code ", "name"))
	assert.Equal(t, "id", ResolveKeyField("", "id"))
	assert.Equal(t, DefaultKeyField, ResolveKeyField("", ""))
}

func TestDocumentFlattenRoundTrip(t *testing.T) {
	scope := Scope{Dataset: "sales", Collection: "regions"}
	ts := time.Date(2026, 3, 1, 12, 0, 0, 500, time.UTC)

	doc := NewDocument(scope, "east", Fields{
		"name":       "east",
		"pop":        10.0,
		"_key":       "spoofed",
		"_updatedAt": "yesterday",
		"tags":       []any{"a", 1},
	}, ts)

	flat := doc.Flatten()
	assert.Equal(t, "east", flat[FieldKey])
	assert.Equal(t, ts.Format(time.RFC3339Nano), flat[FieldUpdatedAt])

	back, err := FromFlat(flat)
	require.NoError(t, err)
	assert.Equal(t, doc.Key, back.Key)
	assert.Equal(t, scope, back.Scope)
	assert.True(t, ts.Equal(back.UpdatedAt))
	assert.Equal(t, Fields{"name": "east", "pop": int64(10), "tags": []any{"a", int64(1)}}, back.Fields)
}

func TestFromFlatRequiresKey(t *testing.T) {
	_, err := FromFlat(map[string]any{"name": "x"})
	assert.Error(t, err)
}
