package upnp

import "net"

// EventType identifies a transport event delivered to the engine.
type EventType int

const (
	// EventDatagramSent signals the SSDP query datagram was fully written.
	EventDatagramSent EventType = iota

	// EventDatagramReceived carries a datagram received on the SSDP socket.
	EventDatagramReceived

	// EventConnected signals the TCP session to the gateway is established.
	// Addr carries the resolved gateway address.
	EventConnected

	// EventConnectFailed signals the TCP dial (or DNS resolution) failed.
	EventConnectFailed

	// EventSent signals a Send call completed. The engine resumes sending
	// the remaining tail of the pending buffer, if any.
	EventSent

	// EventReceived carries bytes received on the open TCP session.
	EventReceived

	// EventDisconnected signals the TCP session closed. This, not response
	// completeness, is what advances the state machine out of TCP phases.
	EventDisconnected
)

// String returns a human-readable representation of the event type.
func (t EventType) String() string {
	switch t {
	case EventDatagramSent:
		return "datagramSent"
	case EventDatagramReceived:
		return "datagramReceived"
	case EventConnected:
		return "connected"
	case EventConnectFailed:
		return "connectFailed"
	case EventSent:
		return "sent"
	case EventReceived:
		return "received"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event is a discrete transport notification fed to Engine.HandleEvent.
// The transport adapter translates its native socket callbacks into these,
// preserving per-connection ordering.
type Event struct {
	Type EventType

	// Data carries received bytes for DatagramReceived and Received.
	Data []byte

	// Addr carries the resolved remote address for Connected.
	Addr net.IP

	// Err carries the failure for ConnectFailed.
	Err error
}
