package codec

import (
	"bufio"
	"context"
	"fmt"
	"function-rpc/message"
	"function-rpc/stream"
	"io"
	"maps"
	"mime"
	"reflect"
)

const (
	// MimeTypeJSON is the only wire mime type EnvelopeCodec produces.
	MimeTypeJSON = "application/json"
	// DefaultBufferSize is the write buffer used when streaming encoded values.
	DefaultBufferSize = 4096
)

// JSONMapper is the JSON collaborator EnvelopeCodec delegates to.
type JSONMapper interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	IsJSONText(v any) bool
}

var (
	envelopeType    = reflect.TypeOf(message.Envelope{})
	envelopePtrType = reflect.TypeOf(&message.Envelope{})
)

// EnvelopeCodec converts between Envelope, its structured map form and JSON
// bytes. It holds no per-call state and is safe for concurrent use.
type EnvelopeCodec struct {
	mapper     JSONMapper
	bufferSize int
}

type EnvelopeOption func(*EnvelopeCodec)

// WithBufferSize sets the streaming write buffer. Non-positive sizes are ignored.
func WithBufferSize(n int) EnvelopeOption {
	return func(c *EnvelopeCodec) {
		if n > 0 {
			c.bufferSize = n
		}
	}
}

// NewEnvelopeCodec creates a codec backed by mapper, or by JSONCodec when
// mapper is nil.
func NewEnvelopeCodec(mapper JSONMapper, opts ...EnvelopeOption) *EnvelopeCodec {
	if mapper == nil {
		mapper = &JSONCodec{}
	}
	c := &EnvelopeCodec{mapper: mapper, bufferSize: DefaultBufferSize}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *EnvelopeCodec) BufferSize() int {
	return c.bufferSize
}

// EncodableMimeTypes lists the mime types EncodeOutbound accepts.
func (c *EnvelopeCodec) EncodableMimeTypes() []string {
	return []string{MimeTypeJSON}
}

// ToStructuredMap returns {payload: ..., headers: ...}.
func (c *EnvelopeCodec) ToStructuredMap(e message.Envelope) map[string]any {
	return map[string]any{
		message.PayloadKey: e.Payload(),
		message.HeadersKey: e.Headers(),
	}
}

// FromStructuredMap extracts the reserved keys of m; other keys are dropped.
// m is not modified.
//
// A map with neither reserved key is a bare payload and is returned whole.
// Missing headers yield empty headers. Headers present with a non-map value
// fail with ErrMalformedEnvelope.
func (c *EnvelopeCodec) FromStructuredMap(m map[string]any) (any, map[string]any, error) {
	payload, hasPayload := m[message.PayloadKey]
	rawHeaders, hasHeaders := m[message.HeadersKey]
	if !hasPayload && !hasHeaders {
		return m, map[string]any{}, nil
	}

	headers, err := headerMap(rawHeaders)
	if err != nil {
		return nil, nil, err
	}
	return payload, headers, nil
}

func headerMap(v any) (map[string]any, error) {
	switch h := v.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return maps.Clone(h), nil
	case map[string]string:
		out := make(map[string]any, len(h))
		for k, s := range h {
			out[k] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: headers is %T, want a map", ErrMalformedEnvelope, v)
	}
}

// Classify tags v with the shape EncodeOutbound and the dispatcher branch on.
func (c *EnvelopeCodec) Classify(v any) message.Value {
	if e, ok := message.AsEnvelope(v); ok {
		return message.Value{Kind: message.KindEnvelope, Raw: v, Envelope: e}
	}
	if m, ok := v.(map[string]any); ok {
		return message.Value{Kind: message.KindStructuredMap, Raw: v, Map: m}
	}
	if v != nil && reflect.TypeOf(v).Kind() == reflect.Map {
		return message.Value{Kind: message.KindStructuredMap, Raw: v}
	}
	if c.mapper.IsJSONText(v) {
		var text []byte
		switch t := v.(type) {
		case string:
			text = []byte(t)
		case []byte:
			text = t
		default:
			text = reflect.ValueOf(v).Bytes()
		}
		return message.Value{Kind: message.KindJSONText, Raw: v, Text: text}
	}
	return message.Value{Kind: message.KindRaw, Raw: v}
}

// CanEncode reports whether values of declaredType belong to this codec:
// envelopes and maps only.
func (c *EnvelopeCodec) CanEncode(declaredType reflect.Type, mimeType string) bool {
	if declaredType == nil {
		return false
	}
	return declaredType == envelopeType || declaredType == envelopePtrType ||
		declaredType.Kind() == reflect.Map
}

// EncodeOutbound turns a reply value into JSON wire bytes:
//
//  1. Envelope: its structured map.
//  2. map: as-is.
//  3. JSON text: decoded into declaredType, then wrapped as {payload: v}.
//  4. anything else: wrapped as {payload: v}.
//
// hints are accepted for transports that pass encoder hints and are not
// interpreted.
func (c *EnvelopeCodec) EncodeOutbound(value any, declaredType reflect.Type, mimeType string, hints map[string]any) ([]byte, error) {
	if !supportsMimeType(mimeType) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMimeType, mimeType)
	}
	v := c.Classify(value)
	switch v.Kind {
	case message.KindEnvelope:
		return c.mapper.Encode(c.ToStructuredMap(v.Envelope))
	case message.KindStructuredMap:
		return c.mapper.Encode(v.Raw)
	case message.KindJSONText:
		decoded, err := c.decodeText(v.Text, declaredType)
		if err != nil {
			return nil, fmt.Errorf("codec: decode json text: %w", err)
		}
		return c.mapper.Encode(map[string]any{message.PayloadKey: decoded})
	default:
		return c.mapper.Encode(map[string]any{message.PayloadKey: v.Raw})
	}
}

func (c *EnvelopeCodec) decodeText(text []byte, declaredType reflect.Type) (any, error) {
	if !concreteTarget(declaredType) {
		var out any
		if err := c.mapper.Decode(text, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
	ptr := reflect.New(declaredType)
	if err := c.mapper.Decode(text, ptr.Interface()); err != nil {
		return nil, err
	}
	return ptr.Elem().Interface(), nil
}

// concreteTarget reports whether JSON text should be decoded into t itself
// rather than into a generic value.
func concreteTarget(t reflect.Type) bool {
	if t == nil || t == envelopeType || t == envelopePtrType {
		return false
	}
	switch t.Kind() {
	case reflect.Interface, reflect.String:
		return false
	case reflect.Slice:
		return t.Elem().Kind() != reflect.Uint8
	}
	return true
}

func supportsMimeType(mimeType string) bool {
	if mimeType == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(mimeType)
	return err == nil && mediaType == MimeTypeJSON
}

// DecodeInbound parses wire bytes. A JSON object with a headers key becomes an
// Envelope; anything else is returned as a bare payload. Empty input is a nil
// payload.
func (c *EnvelopeCodec) DecodeInbound(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var v any
	if err := c.mapper.Decode(data, &v); err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return v, nil
	}
	if _, ok := m[message.HeadersKey]; !ok {
		return v, nil
	}
	payload, headers, err := c.FromStructuredMap(m)
	if err != nil {
		return nil, err
	}
	return message.NewEnvelope(payload, headers), nil
}

// EncodeStream writes every value of p as one line of JSON through a buffer of
// BufferSize bytes, flushing after each value.
func (c *EnvelopeCodec) EncodeStream(ctx context.Context, w io.Writer, p stream.Publisher, declaredType reflect.Type, mimeType string) error {
	bw := bufio.NewWriterSize(w, c.bufferSize)
	return p.Subscribe(ctx, func(v any) error {
		b, err := c.EncodeOutbound(v, declaredType, mimeType, nil)
		if err != nil {
			return err
		}
		if _, err := bw.Write(b); err != nil {
			return err
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
		return bw.Flush()
	})
}
