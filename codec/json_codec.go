package codec

import (
	"bytes"
	"encoding/json"
)

// JSONCodec uses encoding/json. It is also the JSON mapper behind
// EnvelopeCodec.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}

// IsJSONText reports whether v is a string or byte slice holding a JSON object
// or array. Bare JSON scalars ("5", "true") are not treated as JSON text, so a
// plain string payload is never reinterpreted.
func (c *JSONCodec) IsJSONText(v any) bool {
	var b []byte
	switch t := v.(type) {
	case string:
		b = []byte(t)
	case []byte:
		b = t
	case json.RawMessage:
		b = t
	default:
		return false
	}
	b = bytes.TrimSpace(b)
	if len(b) < 2 {
		return false
	}
	first, last := b[0], b[len(b)-1]
	if !(first == '{' && last == '}') && !(first == '[' && last == ']') {
		return false
	}
	return json.Valid(b)
}
