package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/snapsync/snapsync/internal/record"
)

// Record encodings for the key-value backends
const (
	EncodingJSON = "json"
	EncodingCBOR = "cbor"
)

// Codec serializes documents for the key-value backends.
type Codec interface {
	Name() string
	Encode(doc *record.Document) ([]byte, error)
	Decode(data []byte) (*record.Document, error)
}

// NewCodec returns the codec registered under name ("" selects JSON).
func NewCodec(name string) (Codec, error) {
	switch name {
	case EncodingJSON, "":
		return jsonCodec{}, nil
	case EncodingCBOR:
		return newCBORCodec()
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEncoding, name)
	}
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return EncodingJSON }

func (jsonCodec) Encode(doc *record.Document) ([]byte, error) {
	return json.Marshal(doc.Flatten())
}

func (jsonCodec) Decode(data []byte) (*record.Document, error) {
	m, err := decodeJSONObject(data)
	if err != nil {
		return nil, err
	}
	return record.FromFlat(m)
}

// decodeJSONObject decodes with UseNumber so integers survive the round trip.
func decodeJSONObject(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return m, nil
}

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORCodec() (*cborCodec, error) {
	enc, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor encoder: %w", err)
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("cbor decoder: %w", err)
	}
	return &cborCodec{enc: enc, dec: dec}, nil
}

func (c *cborCodec) Name() string { return EncodingCBOR }

func (c *cborCodec) Encode(doc *record.Document) ([]byte, error) {
	return c.enc.Marshal(doc.Flatten())
}

func (c *cborCodec) Decode(data []byte) (*record.Document, error) {
	var m map[string]any
	if err := c.dec.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return record.FromFlat(m)
}
