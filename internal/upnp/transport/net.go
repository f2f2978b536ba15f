// Package transport provides the socket-backed transport for the UPnP
// engine: a UDP endpoint for SSDP multicast and a single TCP connection
// for the HTTP exchanges, with all outcomes delivered as engine events.
package transport

import (
	"errors"
	"net"
	"strconv"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/portpunch/portpunch/internal/upnp"
)

// Default configuration values.
const (
	// DefaultEventBuffer is the capacity of the event channel.
	DefaultEventBuffer = 32

	// DefaultReadBuffer is the per-read buffer size for both sockets.
	DefaultReadBuffer = 2048
)

var (
	errEndpointClosed = errors.New("discovery endpoint not open")
	errNotConnected   = errors.New("no open connection")
)

// Config holds configuration for a Net transport.
type Config struct {
	// MulticastAddress is the SSDP group address to multicast queries to.
	// Default: upnp.SSDPMulticastAddress.
	MulticastAddress string

	// EventBuffer is the event channel capacity. Default: 32.
	EventBuffer int

	// ReadBuffer is the socket read buffer size. Default: 2048.
	ReadBuffer int
}

// Net implements upnp.Transport over the operating system's sockets.
// Operations return after starting the work; outcomes arrive on the event
// channel, preserving per-connection ordering.
type Net struct {
	cfg    Config
	events chan upnp.Event
	done   chan struct{}

	mu    sync.Mutex
	udp   net.PacketConn
	group *net.UDPAddr
	conn  net.Conn
}

// New creates a Net transport.
func New(cfg Config) *Net {
	if cfg.MulticastAddress == "" {
		cfg.MulticastAddress = upnp.SSDPMulticastAddress
	}
	if cfg.EventBuffer == 0 {
		cfg.EventBuffer = DefaultEventBuffer
	}
	if cfg.ReadBuffer == 0 {
		cfg.ReadBuffer = DefaultReadBuffer
	}
	return &Net{
		cfg:    cfg,
		events: make(chan upnp.Event, cfg.EventBuffer),
		done:   make(chan struct{}),
	}
}

// Events returns the ordered event stream.
func (t *Net) Events() <-chan upnp.Event { return t.events }

// OpenEndpoint binds the UDP socket used for discovery and starts the
// datagram read loop. Opening an already-open endpoint is a no-op.
func (t *Net) OpenEndpoint() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.udp != nil {
		return nil
	}
	group, err := net.ResolveUDPAddr("udp4", t.cfg.MulticastAddress)
	if err != nil {
		return err
	}
	pc, err := net.ListenPacket("udp4", ":0")
	if err != nil {
		return err
	}
	t.udp = pc
	t.group = group

	go t.readDatagrams(pc)
	return nil
}

// SendDatagram multicasts data to the SSDP group. The write happens off
// the caller's goroutine; completion is reported as EventDatagramSent.
func (t *Net) SendDatagram(data []byte) error {
	t.mu.Lock()
	pc, group := t.udp, t.group
	t.mu.Unlock()

	if pc == nil {
		return errEndpointClosed
	}

	go func() {
		if _, err := pc.WriteTo(data, group); err != nil {
			log.Warn().Err(err).Msg("transport: datagram write failed")
			return
		}
		t.emit(upnp.Event{Type: upnp.EventDatagramSent})
	}()
	return nil
}

// CloseEndpoint tears down the discovery socket, stopping its read loop.
func (t *Net) CloseEndpoint() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.udp == nil {
		return nil
	}
	err := t.udp.Close()
	t.udp = nil
	t.group = nil
	return err
}

// Connect dials host:port over TCP, resolving host if it is a name.
// Delivers EventConnected with the resolved address, or EventConnectFailed.
func (t *Net) Connect(host string, port uint16) error {
	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))

	go func() {
		conn, err := net.Dial("tcp4", addr)
		if err != nil {
			t.emit(upnp.Event{Type: upnp.EventConnectFailed, Err: err})
			return
		}

		t.mu.Lock()
		if prev := t.conn; prev != nil {
			prev.Close()
		}
		t.conn = conn
		t.mu.Unlock()

		var ip net.IP
		if ra, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
			ip = ra.IP.To4()
		}
		t.emit(upnp.Event{Type: upnp.EventConnected, Addr: ip})

		t.readStream(conn)
	}()
	return nil
}

// Send writes data on the open connection. Delivers a single EventSent when
// the full slice has been written; a write error closes the connection,
// which surfaces as EventDisconnected from the read loop.
func (t *Net) Send(data []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return errNotConnected
	}

	go func() {
		if _, err := conn.Write(data); err != nil {
			log.Warn().Err(err).Msg("transport: write failed")
			conn.Close()
			return
		}
		t.emit(upnp.Event{Type: upnp.EventSent})
	}()
	return nil
}

// Disconnect closes the open connection. EventDisconnected follows from
// the read loop once it observes the close.
func (t *Net) Disconnect() error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Close releases all transport resources.
func (t *Net) Close() error {
	close(t.done)
	_ = t.CloseEndpoint()
	return t.Disconnect()
}

// readDatagrams delivers every inbound datagram until the socket closes.
func (t *Net) readDatagrams(pc net.PacketConn) {
	buf := make([]byte, t.cfg.ReadBuffer)
	for {
		n, from, err := pc.ReadFrom(buf)
		if err != nil {
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		log.Debug().Int("len", n).Stringer("from", from).Msg("transport: datagram received")
		t.emit(upnp.Event{Type: upnp.EventDatagramReceived, Data: data})
	}
}

// readStream delivers inbound TCP data until the peer or a local close
// ends the connection, then reports the disconnect.
func (t *Net) readStream(conn net.Conn) {
	buf := make([]byte, t.cfg.ReadBuffer)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			t.emit(upnp.Event{Type: upnp.EventReceived, Data: data})
		}
		if err != nil {
			break
		}
	}

	conn.Close()
	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
	}
	t.mu.Unlock()
	t.emit(upnp.Event{Type: upnp.EventDisconnected})
}

// emit delivers an event unless the transport has been closed.
func (t *Net) emit(ev upnp.Event) {
	select {
	case t.events <- ev:
	case <-t.done:
	}
}
