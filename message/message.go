// Package message defines the values exchanged between the transport and the
// function layer.
//
// RPCMessage is the frame body that travels on the wire. Envelope is the
// application-level unit a function sees: a payload plus a header map. Inbound
// is one arrival from the transport, already split into its interaction mode,
// shared headers and payload sequence.
package message

import "function-rpc/stream"

// RPCMessage carries the data for a single frame body.
//
//   - On request:  Route names the function definition, Metadata holds the request
//     headers as a JSON object, Payload holds the first payload.
//   - On payload:  Payload holds one value of the stream.
//   - On error:    Error is non-empty.
type RPCMessage struct {
	Route    string // Function definition, e.g. "uppercase" or "uppercase|reverse"
	Metadata []byte // JSON object of request headers, may be empty
	Payload  []byte // JSON-encoded value or structured envelope
	Error    string // Non-empty if the stream failed
}

// Well-known header keys set by the server on every inbound unit.
const (
	HeaderRoute      = "route"
	HeaderFrameType  = "frameType"
	HeaderDefinition = "function.definition"
)

// Inbound is one unit of work handed to the dispatcher. The headers apply to
// every payload of the sequence.
type Inbound struct {
	Mode     InteractionMode
	Route    string
	Headers  map[string]any
	Payloads stream.Publisher
}
