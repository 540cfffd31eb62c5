package message

import (
	"encoding/json"
	"maps"
)

// Reserved keys of the structured map form of an Envelope.
const (
	PayloadKey = "payload"
	HeadersKey = "headers"
)

// Envelope pairs a payload with its headers. It is immutable: headers are
// copied in NewEnvelope and copied again by Headers.
type Envelope struct {
	payload any
	headers map[string]any
}

// NewEnvelope builds an Envelope. A nil headers map yields empty headers.
func NewEnvelope(payload any, headers map[string]any) Envelope {
	h := make(map[string]any, len(headers))
	maps.Copy(h, headers)
	return Envelope{payload: payload, headers: h}
}

func (e Envelope) Payload() any {
	return e.payload
}

// Headers returns a copy of the header map. Never nil.
func (e Envelope) Headers() map[string]any {
	h := make(map[string]any, len(e.headers))
	maps.Copy(h, e.headers)
	return h
}

// Header looks up a single header.
func (e Envelope) Header(key string) (any, bool) {
	v, ok := e.headers[key]
	return v, ok
}

// WithPayload returns a new Envelope carrying the same headers.
func (e Envelope) WithPayload(payload any) Envelope {
	return NewEnvelope(payload, e.headers)
}

// MarshalJSON writes the structured map form.
func (e Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		PayloadKey: e.payload,
		HeadersKey: e.headers,
	})
}

// AsEnvelope reports whether v is an Envelope or a non-nil *Envelope.
func AsEnvelope(v any) (Envelope, bool) {
	switch e := v.(type) {
	case Envelope:
		return e, true
	case *Envelope:
		if e != nil {
			return *e, true
		}
	}
	return Envelope{}, false
}
