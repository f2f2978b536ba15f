package upnp

// Transport is the engine's view of the network. Implementations own all
// socket I/O and deliver progress back to the engine as Events, in order,
// on the Events channel. The engine never touches sockets itself.
//
// All methods are asynchronous: they start an operation and return; the
// outcome arrives as an event. At most one TCP connection is open at a
// time, enforced by the engine's operation gating.
type Transport interface {
	// OpenEndpoint opens the UDP socket used for SSDP discovery and starts
	// delivering EventDatagramReceived for every inbound datagram.
	OpenEndpoint() error

	// SendDatagram multicasts a datagram to the SSDP group. Completion is
	// signaled with EventDatagramSent.
	SendDatagram(data []byte) error

	// CloseEndpoint tears down the discovery socket.
	CloseEndpoint() error

	// Connect dials host:port over TCP, resolving host first if it is not
	// an address literal. Delivers EventConnected (with the resolved
	// address) or EventConnectFailed.
	Connect(host string, port uint16) error

	// Send writes data on the open TCP connection. Delivers EventSent when
	// the write completes; a write larger than the transport can take in
	// one call is still reported with a single EventSent.
	Send(data []byte) error

	// Disconnect closes the open TCP connection, eventually delivering
	// EventDisconnected.
	Disconnect() error

	// Events returns the ordered event stream for this transport.
	Events() <-chan Event

	// Close releases all transport resources.
	Close() error
}
