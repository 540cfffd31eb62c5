// Package codec turns frame bodies and envelopes into bytes.
//
// Two layers live here:
//   - Codec encodes the RPCMessage frame body (JSON or binary, chosen per frame).
//   - EnvelopeCodec normalizes payloads between Envelope, structured map and
//     JSON wire bytes.
package codec

import "errors"

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
)

var (
	ErrMalformedEnvelope   = errors.New("codec: malformed envelope")
	ErrUnsupportedMimeType = errors.New("codec: unsupported mime type")
	ErrShortBuffer         = errors.New("codec: short buffer")
	ErrNotRPCMessage       = errors.New("codec: value must be *message.RPCMessage")
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=Binary
}

func GetCodec(codecType CodecType) Codec {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}
	}

	return &BinaryCodec{}
}

func (t CodecType) String() string {
	if t == CodecTypeJSON {
		return "json"
	}
	return "binary"
}

// ParseCodecType maps a config name to a CodecType. Unknown names select JSON.
func ParseCodecType(name string) CodecType {
	if name == "binary" {
		return CodecTypeBinary
	}
	return CodecTypeJSON
}
