package message

// Kind classifies a payload crossing the transport boundary.
type Kind byte

const (
	KindRaw           Kind = iota // Any value that is none of the below
	KindJSONText                  // String or bytes holding a JSON object or array
	KindStructuredMap             // A map value not wrapped in an Envelope
	KindEnvelope                  // An Envelope
)

func (k Kind) String() string {
	switch k {
	case KindJSONText:
		return "json-text"
	case KindStructuredMap:
		return "structured-map"
	case KindEnvelope:
		return "envelope"
	default:
		return "raw"
	}
}

// Value is a classified payload. Raw always holds the original value; the
// remaining fields are set according to Kind.
type Value struct {
	Kind     Kind
	Raw      any
	Text     []byte         // KindJSONText
	Map      map[string]any // KindStructuredMap, nil for map types with non-string keys
	Envelope Envelope       // KindEnvelope
}
