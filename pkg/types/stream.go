package types

import (
	"time"
)

// Well-known stream event names. The push endpoint uses EventConnected as an
// application-level handshake and EventDataChanged to signal that server-side
// data for one or more resources has moved on.
const (
	EventConnected   = "connected"
	EventDataChanged = "data_changed"
	EventMessage     = "message"
)

// StreamEvent is a single event delivered over the push connection.
type StreamEvent struct {
	// Name identifies the event type (see the Event* constants). Transports
	// that cannot classify an event should use EventMessage.
	Name string
	// Payload is the raw event body. For EventDataChanged it is forwarded
	// verbatim to the owning consumer's invalidation logic.
	Payload []byte
	// ReceivedAt is the local time the event was handed to the client.
	ReceivedAt time.Time

	// Attributes carries any transport-level metadata that arrived with the
	// event, not interpreted by the stream client itself.
	Attributes map[string]string
}
