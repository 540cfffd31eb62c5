package message

import "fmt"

// InteractionMode is the transport-level request pattern of an inbound unit.
type InteractionMode byte

const (
	FireAndForget   InteractionMode = 1
	RequestResponse InteractionMode = 2
	RequestStream   InteractionMode = 3
	RequestChannel  InteractionMode = 4
)

func (m InteractionMode) String() string {
	switch m {
	case FireAndForget:
		return "FIRE_AND_FORGET"
	case RequestResponse:
		return "REQUEST_RESPONSE"
	case RequestStream:
		return "REQUEST_STREAM"
	case RequestChannel:
		return "REQUEST_CHANNEL"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(m))
	}
}

// Replies reports whether the mode has a reply channel.
func (m InteractionMode) Replies() bool {
	return m == RequestResponse || m == RequestStream || m == RequestChannel
}
