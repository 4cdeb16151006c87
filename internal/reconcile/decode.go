package reconcile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/snapsync/snapsync/internal/record"
)

// Batch is a decoded reconcile request body.
type Batch struct {
	Records  []record.Fields
	Keep     []any // nil when the caller did not send an explicit retention list
	KeyField string
}

// DecodeBatch parses a reconcile body. Two shapes are accepted: a bare JSON
// array of record objects, or an object {"records": [...], "keep": [...],
// "keyField": "..."}. Anything else is a BatchTypeError.
func DecodeBatch(data []byte) (*Batch, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, batchError("body", -1, "request body is empty")
	}

	switch data[0] {
	case '[':
		records, err := decodeRecords(data)
		if err != nil {
			return nil, err
		}
		return &Batch{Records: records}, nil
	case '{':
		return decodeEnvelope(data)
	default:
		return nil, batchError("body", -1, "expected a JSON array of records or an object with a records array")
	}
}

// ReadBatch reads and decodes a reconcile body from r.
func ReadBatch(r io.Reader) (*Batch, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read batch: %w", err)
	}
	return DecodeBatch(data)
}

type envelope struct {
	Records  json.RawMessage `json:"records"`
	Keep     json.RawMessage `json:"keep"`
	KeyField json.RawMessage `json:"keyField"`
}

func decodeEnvelope(data []byte) (*Batch, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, batchError("body", -1, "malformed JSON: "+err.Error())
	}

	if isNull(env.Records) {
		return nil, batchError("records", -1, "records is required")
	}
	records, err := decodeRecords(env.Records)
	if err != nil {
		return nil, err
	}
	batch := &Batch{Records: records}

	if !isNull(env.Keep) {
		var keep []any
		if err := newDecoder(env.Keep).Decode(&keep); err != nil {
			return nil, batchError("keep", -1, "must be an array of keys")
		}
		if keep == nil {
			keep = []any{}
		}
		batch.Keep = keep
	}

	if !isNull(env.KeyField) {
		if err := json.Unmarshal(env.KeyField, &batch.KeyField); err != nil {
			return nil, batchError("keyField", -1, "must be a string")
		}
	}
	return batch, nil
}

func decodeRecords(data []byte) ([]record.Fields, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		if bytes.HasPrefix(bytes.TrimSpace(data), []byte("[")) {
			return nil, batchError("records", -1, "malformed JSON: "+err.Error())
		}
		return nil, batchError("records", -1, "must be an array of objects")
	}

	records := make([]record.Fields, 0, len(raw))
	for i, item := range raw {
		item = bytes.TrimSpace(item)
		if len(item) == 0 || item[0] != '{' {
			return nil, batchError("records", i, "must be an object")
		}
		var fields map[string]any
		if err := newDecoder(item).Decode(&fields); err != nil {
			return nil, batchError("records", i, "malformed object: "+err.Error())
		}
		records = append(records, record.Fields(fields))
	}
	return records, nil
}

func newDecoder(data []byte) *json.Decoder {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec
}

func isNull(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}
