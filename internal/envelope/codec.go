package envelope

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// Wire field aliases. Well-known long names are compacted to one-byte tags
// before packing; the inverse mapping is applied on decode. This set is
// frozen for interoperability — extending it is a wire format change.
var fieldAliases = map[string]string{
	"id":             "i",
	"type":           "t",
	"command":        "c",
	"priority":       "p",
	"correlation_id": "x",
	"data":           "d",
	"meta":           "m",
}

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	// EncodeAll/DecodeAll on shared instances are safe for concurrent use.
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(err)
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(err)
	}
}

// Encode converts an envelope to its compact wire form:
// key-alias → msgpack → zstd.
//
// Encode does not enforce MaxEncodedSize; the outbox checks the ceiling at
// submit time so oversize payloads fail before anything is spooled.
func Encode(e *Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}

	m := map[string]any{
		fieldAliases["id"]:   e.ID,
		fieldAliases["type"]: string(e.Type),
	}
	if e.Command != "" {
		m[fieldAliases["command"]] = e.Command
	}
	if e.Priority != DefaultPriority {
		m[fieldAliases["priority"]] = e.Priority
	}
	if e.CorrelationID != "" {
		m[fieldAliases["correlation_id"]] = e.CorrelationID
	}
	if e.Data != nil {
		m[fieldAliases["data"]] = e.Data
	}
	if len(e.Meta) > 0 {
		m[fieldAliases["meta"]] = e.Meta
	}

	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true) // canonical key order, stable bytes for identical envelopes
	if err := enc.Encode(m); err != nil {
		return nil, fmt.Errorf("pack envelope: %w", err)
	}

	return zstdEncoder.EncodeAll(buf.Bytes(), nil), nil
}

// Decode reverses the Encode pipeline. It accepts both aliased and long
// field names so hand-built diagnostic envelopes keep working.
func Decode(raw []byte) (*Envelope, error) {
	packed, err := zstdDecoder.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %v", ErrMalformedEnvelope, err)
	}

	var m map[string]any
	if err := msgpack.Unmarshal(packed, &m); err != nil {
		return nil, fmt.Errorf("%w: unpack: %v", ErrMalformedEnvelope, err)
	}

	e := &Envelope{Priority: DefaultPriority}

	if v, ok := stringField(m, "id"); ok {
		e.ID = v
	}
	if v, ok := stringField(m, "type"); ok {
		e.Type = Type(v)
	}
	if v, ok := stringField(m, "command"); ok {
		e.Command = v
	}
	if v, ok := stringField(m, "correlation_id"); ok {
		e.CorrelationID = v
	}
	if v, ok := field(m, "priority"); ok {
		if p, ok := asInt(v); ok {
			e.Priority = p
		}
	}
	if v, ok := field(m, "data"); ok {
		e.Data = v
	}
	if v, ok := field(m, "meta"); ok {
		if mm, ok := v.(map[string]any); ok {
			e.Meta = mm
		}
	}

	if e.ID == "" || e.Type == "" {
		return nil, fmt.Errorf("%w: missing id or type", ErrMalformedEnvelope)
	}

	return e, nil
}

// field resolves a value by its long name, preferring the wire alias.
func field(m map[string]any, long string) (any, bool) {
	if v, ok := m[fieldAliases[long]]; ok {
		return v, true
	}
	v, ok := m[long]
	return v, ok
}

func stringField(m map[string]any, long string) (string, bool) {
	v, ok := field(m, long)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// asInt widens the integer types msgpack may hand back.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
