package codec

import (
	"encoding/binary"
	"function-rpc/message"
)

// BinaryCodec lays an RPCMessage out as length-prefixed fields:
//
//	routeLen(2) route | metadataLen(4) metadata | payloadLen(4) payload | errorLen(2) error
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return nil, ErrNotRPCMessage
	}
	total := 2 + len(msg.Route) + 4 + len(msg.Metadata) + 4 + len(msg.Payload) + 2 + len(msg.Error)
	buf := make([]byte, 0, total)

	buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.Route)))
	buf = append(buf, msg.Route...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(msg.Metadata)))
	buf = append(buf, msg.Metadata...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(msg.Payload)))
	buf = append(buf, msg.Payload...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.Error)))
	buf = append(buf, msg.Error...)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return ErrNotRPCMessage
	}
	r := reader{data: data}
	msg.Route = string(r.field(2))
	msg.Metadata = r.field(4)
	msg.Payload = r.field(4)
	msg.Error = string(r.field(2))
	return r.err
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

// reader walks length-prefixed fields and remembers the first short read.
type reader struct {
	data   []byte
	offset int
	err    error
}

func (r *reader) field(prefix int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.data)-r.offset < prefix {
		r.err = ErrShortBuffer
		return nil
	}
	var n int
	if prefix == 2 {
		n = int(binary.BigEndian.Uint16(r.data[r.offset:]))
	} else {
		n = int(binary.BigEndian.Uint32(r.data[r.offset:]))
	}
	r.offset += prefix
	if len(r.data)-r.offset < n {
		r.err = ErrShortBuffer
		return nil
	}
	if n == 0 {
		return nil
	}
	out := make([]byte, n)
	copy(out, r.data[r.offset:r.offset+n])
	r.offset += n
	return out
}
