// Package protocol implements the binary frame protocol of function-rpc.
//
// Every frame has a fixed 14-byte header followed by a variable-length body.
// The receiver reads the header first to learn the body length, then reads
// exactly that many bytes. The stream ID multiplexes many interactions over
// one connection: all frames of one interaction carry the same ID.
//
// Frame format:
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│ft│ stream  │ bodyLen │    body ...    │
//	│ fnr  │01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
//
// An interaction opens with one of the four request frames, whose body holds
// the route, metadata and first payload. Further values travel in Payload
// frames; Complete, Error and Cancel end a direction.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"function-rpc/message"
	"io"
)

// Magic number bytes: "fnr" (function rpc).
const (
	MagicNumber byte = 0x66 // 'f'
	MagicByte2  byte = 0x6e // 'n'
	MagicByte3  byte = 0x72 // 'r'
	Version     byte = 0x01
	HeaderSize  int  = 14 // 3 (magic) + 1 (version) + 1 (codec) + 1 (frameType) + 4 (stream) + 4 (bodyLen)

	// MaxBodyLen bounds a single frame body.
	MaxBodyLen uint32 = 16 << 20
)

// Codec type constants, mirrored from the codec package to avoid an import.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

var ErrBodyTooLarge = errors.New("protocol: frame body too large")

// FrameType identifies what a frame carries.
type FrameType byte

const (
	FrameRequestResponse FrameType = 0x01
	FrameRequestFNF      FrameType = 0x02
	FrameRequestStream   FrameType = 0x03
	FrameRequestChannel  FrameType = 0x04
	FramePayload         FrameType = 0x05 // One value of a stream, either direction
	FrameComplete        FrameType = 0x06 // Sender will send no more values
	FrameError           FrameType = 0x07 // Body carries the error text; ends the stream
	FrameCancel          FrameType = 0x08 // Requester no longer wants replies
	FrameHeartbeat       FrameType = 0x09 // KeepAlive probe, stream 0, no body
)

var frameNames = map[FrameType]string{
	FrameRequestResponse: "REQUEST_RESPONSE",
	FrameRequestFNF:      "REQUEST_FNF",
	FrameRequestStream:   "REQUEST_STREAM",
	FrameRequestChannel:  "REQUEST_CHANNEL",
	FramePayload:         "PAYLOAD",
	FrameComplete:        "COMPLETE",
	FrameError:           "ERROR",
	FrameCancel:          "CANCEL",
	FrameHeartbeat:       "HEARTBEAT",
}

func (t FrameType) String() string {
	if name, ok := frameNames[t]; ok {
		return name
	}
	return fmt.Sprintf("FRAME(%#x)", byte(t))
}

// IsRequest reports whether t opens an interaction.
func (t FrameType) IsRequest() bool {
	return t >= FrameRequestResponse && t <= FrameRequestChannel
}

// Mode maps a request frame to its interaction mode. Other frames map to 0.
func (t FrameType) Mode() message.InteractionMode {
	switch t {
	case FrameRequestFNF:
		return message.FireAndForget
	case FrameRequestResponse:
		return message.RequestResponse
	case FrameRequestStream:
		return message.RequestStream
	case FrameRequestChannel:
		return message.RequestChannel
	}
	return 0
}

// RequestFrame is the inverse of Mode.
func RequestFrame(mode message.InteractionMode) (FrameType, bool) {
	switch mode {
	case message.FireAndForget:
		return FrameRequestFNF, true
	case message.RequestResponse:
		return FrameRequestResponse, true
	case message.RequestStream:
		return FrameRequestStream, true
	case message.RequestChannel:
		return FrameRequestChannel, true
	}
	return 0, false
}

// Header represents the fixed 14-byte frame header.
type Header struct {
	CodecType byte      // Body serialization: 0=JSON, 1=Binary
	FrameType FrameType // Request, payload, terminal or heartbeat
	StreamID  uint32    // Interaction this frame belongs to
	BodyLen   uint32    // Body length in bytes
}

// Encode writes a complete frame (header + body) to w.
// Callers sharing a writer must serialize calls, otherwise frames interleave.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint32(len(body)) > MaxBodyLen {
		return ErrBodyTooLarge
	}
	buf := make([]byte, HeaderSize, HeaderSize+len(body))

	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.FrameType)
	binary.BigEndian.PutUint32(buf[6:10], h.StreamID)
	binary.BigEndian.PutUint32(buf[10:14], uint32(len(body)))

	// One write per frame keeps header and body together on buffered writers.
	buf = append(buf, body...)
	_, err := w.Write(buf)
	return err
}

// Decode reads a complete frame (header + body) from r.
// It validates the magic number, version, codec type, frame type and length.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x", headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d", headerBuf[3])
	}
	if headerBuf[4] != CodecTypeJSON && headerBuf[4] != CodecTypeBinary {
		return nil, nil, fmt.Errorf("unsupported codec type: %d", headerBuf[4])
	}
	frameType := FrameType(headerBuf[5])
	if _, ok := frameNames[frameType]; !ok {
		return nil, nil, fmt.Errorf("unsupported frame type: %d", headerBuf[5])
	}

	streamID := binary.BigEndian.Uint32(headerBuf[6:10])
	bodyLen := binary.BigEndian.Uint32(headerBuf[10:14])
	if bodyLen > MaxBodyLen {
		return nil, nil, fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		FrameType: frameType,
		StreamID:  streamID,
		BodyLen:   bodyLen,
	}, body, nil
}
