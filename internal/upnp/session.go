package upnp

import (
	"encoding/binary"
	"net"
)

// Session is the single mutable record describing the in-flight gateway
// session. Exactly one Session exists per engine; a fresh scan discards it
// and creates a new one.
type Session struct {
	// Host is the gateway host (IP or name) for the control endpoint.
	Host string

	// Path is the request path for the description document.
	Path string

	// Location is the full LOCATION URL as announced over SSDP.
	Location string

	// ControlURL is the path of the WAN connection control endpoint.
	// Empty until the description fetch finds it.
	ControlURL string

	// ControlPort is the TCP port of the control endpoint (80 if the
	// LOCATION URL carries no port).
	ControlPort uint16

	// ExternalAddr is the gateway's public IPv4 address, populated only
	// after a successful external-address query.
	ExternalAddr net.IP

	// LocalPort and RemotePort are the ports involved in the active
	// add/remove operation.
	LocalPort  uint16
	RemotePort uint16

	// LocalIP is the local device address being mapped.
	LocalIP net.IP

	// RemoteIP is the gateway address of the active connection, learned
	// when the first TCP session is established (after DNS resolution if
	// the LOCATION host was a name).
	RemoteIP net.IP

	// pending is outbound data not yet fully handed to the transport.
	// sentOffset tracks how much of it has been passed to Send.
	pending    []byte
	sentOffset int

	// recv accumulates bytes received on the open TCP session so markers
	// split across deliveries are still found. Reset per exchange.
	recv []byte
}

// newSession creates a Session for a fresh discovery cycle.
func newSession() *Session {
	return &Session{}
}

// setLocation decomposes a LOCATION URL into the session's host, control
// port, and description path. If the host is an IP literal the gateway
// address is known immediately.
func (s *Session) setLocation(location string) {
	s.Location = location
	s.Host, s.ControlPort, s.Path = ParseLocation(location)
	if ip := net.ParseIP(s.Host); ip != nil {
		s.RemoteIP = ip.To4()
	}
}

// stage arms the pending buffer for a new outbound exchange and clears the
// receive accumulator.
func (s *Session) stage(data []byte) {
	s.pending = data
	s.sentOffset = 0
	s.recv = nil
}

// clearPending drops any unsent outbound data, e.g. after a disconnect.
func (s *Session) clearPending() {
	s.pending = nil
	s.sentOffset = 0
}

// GatewayAddr returns the gateway's LAN address as a big-endian uint32,
// or 0 if not yet known. This is the integer form handed to the host layer.
func (s *Session) GatewayAddr() uint32 {
	return addrToUint32(s.RemoteIP)
}

// ExternalAddrUint32 returns the gateway's public address as a big-endian
// uint32, or 0 if not yet resolved.
func (s *Session) ExternalAddrUint32() uint32 {
	return addrToUint32(s.ExternalAddr)
}

func addrToUint32(ip net.IP) uint32 {
	ip4 := ip.To4()
	if ip4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(ip4)
}
