package upnp

import (
	"context"
	"net"
	"sync"

	"github.com/rs/zerolog/log"
)

// Default configuration values.
const (
	// DefaultMaxRetransmits bounds how many times the SSDP query is
	// retransmitted after the initial send.
	DefaultMaxRetransmits = 4

	// DefaultSegmentCap is the largest slice handed to a single transport
	// Send call. Larger requests are split and resumed on the sent event.
	DefaultSegmentCap = 1400

	// DefaultUserAgent identifies this client in outbound HTTP requests.
	DefaultUserAgent = "portpunch"
)

// Config holds configuration for an Engine.
type Config struct {
	// Transport performs all socket I/O on the engine's behalf.
	Transport Transport

	// UserAgent is sent in outbound HTTP requests. Default: "portpunch".
	UserAgent string

	// MaxRetransmits bounds SSDP query retransmission. Default: 4.
	MaxRetransmits int

	// SegmentCap is the per-Send outbound slice cap. Default: 1400.
	SegmentCap int

	// Observers are notified of engine progress.
	Observers []Observer
}

// Engine is the UPnP IGD protocol state machine. It owns the single
// Session, decides what to send next given the current state and an
// incoming event, and exposes the operations driven by the host layer.
//
// Operations return immediately; protocol progress happens as the
// transport delivers events to HandleEvent. Callers observe advancement
// by polling.
type Engine struct {
	mu sync.Mutex

	cfg       Config
	transport Transport

	state       State
	session     *Session
	retransmits int

	observers []Observer
}

// New creates a new Engine with the given configuration.
func New(cfg Config) *Engine {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.MaxRetransmits == 0 {
		cfg.MaxRetransmits = DefaultMaxRetransmits
	}
	if cfg.SegmentCap == 0 {
		cfg.SegmentCap = DefaultSegmentCap
	}

	return &Engine{
		cfg:       cfg,
		transport: cfg.Transport,
		state:     StateIdle,
		observers: cfg.Observers,
	}
}

// Run pumps transport events into the state machine until ctx is done.
func (e *Engine) Run(ctx context.Context) {
	if e.transport == nil {
		return
	}
	events := e.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			e.HandleEvent(ev)
		}
	}
}

// State returns the current state of the engine.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Gateway returns the discovered gateway's LAN address, or nil.
func (e *Engine) Gateway() net.IP {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil
	}
	return e.session.RemoteIP
}

// BeginSession discards any session and resets the engine to idle.
func (e *Engine) BeginSession() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.teardown()
	e.session = nil
	e.setState(StateIdle)
	log.Debug().Msg("upnp: session reset")
}

// Scan starts gateway discovery, or reports the known gateway.
//
// If the engine is already ready it returns the gateway's address as a
// big-endian uint32 without any network traffic. Otherwise the session is
// reset, the SSDP query is multicast, and 0 is returned; the caller polls
// by calling Scan again.
func (e *Engine) Scan() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateReady && e.session != nil && e.session.RemoteIP != nil {
		return e.session.GatewayAddr()
	}
	if e.transport == nil {
		return 0
	}

	e.teardown()
	e.session = newSession()
	e.retransmits = 0
	e.setState(StateIdle)

	if err := e.transport.OpenEndpoint(); err != nil {
		log.Error().Err(err).Msg("upnp: open discovery endpoint failed")
		return 0
	}
	if err := e.transport.SendDatagram(BuildSearchRequest()); err != nil {
		log.Error().Err(err).Msg("upnp: ssdp send failed")
	}
	e.transitionTo(StateDiscovering)
	return 0
}

// AddPort asks the gateway to forward remotePort on its external interface
// to localIP:localPort. The exchange runs asynchronously; completion is
// observed when State returns to ready.
func (e *Engine) AddPort(localIP net.IP, localPort, remotePort uint16) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkReady(); err != nil {
		return err
	}

	e.session.LocalIP = localIP.To4()
	e.session.LocalPort = localPort
	e.session.RemotePort = remotePort

	log.Info().
		Str("local", localIP.String()).
		Uint16("local_port", localPort).
		Uint16("remote_port", remotePort).
		Msg("upnp: adding port mapping")

	e.transitionTo(StateAddingPort)
	e.startExchange(BuildAddPortMapping(
		e.session.ControlURL, e.session.Host, e.cfg.UserAgent,
		remotePort, localPort, e.session.LocalIP))
	return nil
}

// RemovePort asks the gateway to delete the forwarding rule for remotePort.
func (e *Engine) RemovePort(remotePort uint16) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkReady(); err != nil {
		return err
	}

	e.session.RemotePort = remotePort

	log.Info().Uint16("remote_port", remotePort).Msg("upnp: removing port mapping")

	e.transitionTo(StateRemovingPort)
	e.startExchange(BuildDeletePortMapping(
		e.session.ControlURL, e.session.Host, e.cfg.UserAgent, remotePort))
	return nil
}

// ExternalAddress drives the external-address query.
//
// In the ready state it starts the query and returns 0; the caller polls by
// calling again. While the query is in flight it returns 0 until the
// response has been parsed, at which point it returns the address as a
// big-endian uint32 and resets the engine to ready. In any other state it
// returns ErrNotReady (or ErrNoGateway when no gateway is known).
func (e *Engine) ExternalAddress() (uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session == nil || e.session.RemoteIP == nil {
		return 0, ErrNoGateway
	}

	switch e.state {
	case StateQueryingAddress:
		if addr := e.session.ExternalAddrUint32(); addr != 0 {
			e.transitionTo(StateReady)
			return addr, nil
		}
		// Not resolved yet; poll again.
		return 0, nil

	case StateReady:
		if e.session.ControlURL == "" {
			return 0, ErrNotReady
		}
		e.transitionTo(StateQueryingAddress)
		e.startExchange(BuildExternalAddressQuery(
			e.session.ControlURL, e.session.Host, e.cfg.UserAgent))
		return 0, nil

	default:
		return 0, ErrNotReady
	}
}

// HandleEvent is the single entry point for transport notifications. It
// performs the state transition the event implies and issues the next
// outbound message, if any.
func (e *Engine) HandleEvent(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch ev.Type {
	case EventDatagramSent:
		e.handleDatagramSent()
	case EventDatagramReceived:
		e.handleDatagramReceived(ev.Data)
	case EventConnected:
		e.handleConnected(ev.Addr)
	case EventConnectFailed:
		// No automatic recovery; the session is stuck until a new scan.
		log.Warn().Err(ev.Err).Stringer("state", e.state).Msg("upnp: connect failed")
		if e.session != nil {
			e.session.clearPending()
		}
	case EventSent:
		e.handleSent()
	case EventReceived:
		e.handleReceived(ev.Data)
	case EventDisconnected:
		e.handleDisconnected()
	}
}

func (e *Engine) handleDatagramSent() {
	if e.state != StateDiscovering || e.retransmits >= e.cfg.MaxRetransmits {
		return
	}
	e.retransmits++
	log.Debug().Int("count", e.retransmits).Msg("upnp: ssdp retransmit")
	if err := e.transport.SendDatagram(BuildSearchRequest()); err != nil {
		log.Error().Err(err).Msg("upnp: ssdp retransmit failed")
	}
}

func (e *Engine) handleDatagramReceived(data []byte) {
	if e.state != StateDiscovering || e.session == nil {
		log.Debug().Stringer("state", e.state).Msg("upnp: stray datagram")
		return
	}

	location, ok := ExtractLocation(data)
	if !ok {
		// Not found this round; keep listening.
		return
	}

	_ = e.transport.CloseEndpoint()
	e.session.setLocation(location)

	log.Info().
		Str("location", location).
		Str("host", e.session.Host).
		Uint16("port", e.session.ControlPort).
		Str("path", e.session.Path).
		Msg("upnp: gateway found")

	for _, obs := range e.observers {
		obs.OnGatewayFound(location)
	}

	e.transitionTo(StateGatewayFound)
	e.startExchange(BuildDescriptionRequest(e.session.Path, e.session.Host, e.cfg.UserAgent))
}

func (e *Engine) handleConnected(addr net.IP) {
	if e.session == nil || e.session.pending == nil {
		return
	}
	if e.session.RemoteIP == nil && addr != nil {
		e.session.RemoteIP = addr.To4()
	}

	n := len(e.session.pending)
	if n > e.cfg.SegmentCap {
		n = e.cfg.SegmentCap
	}
	e.session.sentOffset = n
	if err := e.transport.Send(e.session.pending[:n]); err != nil {
		log.Error().Err(err).Msg("upnp: send failed")
	}
}

func (e *Engine) handleSent() {
	// A sent notification may race a disconnect that already cleared the
	// buffer; it must not be acted upon then.
	if e.session == nil || e.session.pending == nil {
		return
	}
	if e.session.sentOffset < len(e.session.pending) {
		// Resume with the exact remaining tail.
		tail := e.session.pending[e.session.sentOffset:]
		e.session.sentOffset = len(e.session.pending)
		if err := e.transport.Send(tail); err != nil {
			log.Error().Err(err).Msg("upnp: send resume failed")
		}
		return
	}
	e.session.clearPending()
}

func (e *Engine) handleReceived(data []byte) {
	if e.session == nil {
		return
	}
	// Accumulate so markers split across deliveries are still found.
	e.session.recv = append(e.session.recv, data...)

	switch e.state {
	case StateGatewayFound:
		if e.session.ControlURL != "" {
			return
		}
		if u, ok := ExtractControlURL(e.session.recv, wanServiceID); ok {
			e.session.ControlURL = u
			log.Info().Str("control_url", u).Msg("upnp: control URL found")
		}

	case StateQueryingAddress:
		if e.session.ExternalAddr != nil {
			return
		}
		if ip, ok := ExtractExternalAddress(e.session.recv); ok {
			e.session.ExternalAddr = ip
			log.Info().Str("address", ip.String()).Msg("upnp: external address resolved")
			for _, obs := range e.observers {
				obs.OnExternalAddress(ip)
			}
		}

	case StateAddingPort, StateRemovingPort:
		// Response body is not inspected; success is inferred from the
		// session running to completion. A SOAP fault is therefore not
		// distinguished from success.

	default:
		log.Debug().Stringer("state", e.state).Int("len", len(data)).Msg("upnp: stray tcp data")
	}
}

func (e *Engine) handleDisconnected() {
	if e.session != nil {
		e.session.clearPending()
		e.session.recv = nil
	}

	switch e.state {
	case StateGatewayFound:
		// Completion of the description fetch, whether or not the control
		// URL was found; callers detect the latter on their next operation.
		e.transitionTo(StateReady)

	case StateAddingPort, StateRemovingPort:
		e.transitionTo(StateReady)

	case StateQueryingAddress:
		// Stay; the polling caller collects the result and resets.

	default:
		log.Debug().Stringer("state", e.state).Msg("upnp: disconnect ignored")
	}
}

// checkReady gates the port-mapping operations: the engine must be ready,
// with a known gateway address and control URL.
func (e *Engine) checkReady() error {
	if e.session == nil || e.session.RemoteIP == nil {
		return ErrNoGateway
	}
	if e.state != StateReady || e.session.ControlURL == "" {
		return ErrNotReady
	}
	if e.transport == nil {
		return ErrNoTransport
	}
	return nil
}

// startExchange arms the pending buffer and opens the TCP session that
// will carry it. Sending begins on the connected event.
func (e *Engine) startExchange(request []byte) {
	e.session.stage(request)
	if err := e.transport.Connect(e.session.Host, e.session.ControlPort); err != nil {
		log.Error().Err(err).Str("host", e.session.Host).Msg("upnp: connect failed")
	}
}

// teardown closes any open transport sessions, ignoring errors; used when
// a scan or reset abandons the current exchange.
func (e *Engine) teardown() {
	if e.transport == nil {
		return
	}
	_ = e.transport.CloseEndpoint()
	_ = e.transport.Disconnect()
}

// transitionTo changes state after validating the transition, and notifies
// observers.
func (e *Engine) transitionTo(newState State) {
	oldState := e.state
	if oldState == newState {
		return
	}
	if !oldState.CanTransitionTo(newState) {
		log.Warn().
			Stringer("from", oldState).
			Stringer("to", newState).
			Msg("upnp: invalid state transition")
		return
	}
	e.state = newState

	log.Debug().
		Stringer("from", oldState).
		Stringer("to", newState).
		Msg("upnp: state transition")

	for _, obs := range e.observers {
		obs.OnStateChanged(oldState, newState)
	}
}

// setState sets state without transition validation (for resets).
func (e *Engine) setState(newState State) {
	oldState := e.state
	if oldState == newState {
		return
	}
	e.state = newState
	for _, obs := range e.observers {
		obs.OnStateChanged(oldState, newState)
	}
}
