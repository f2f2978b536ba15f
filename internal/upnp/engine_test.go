package upnp

import (
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockTransport records every call the engine makes. Tests feed events
// straight into HandleEvent, so no goroutines or synchronization are
// involved.
type mockTransport struct {
	events chan Event

	datagrams [][]byte
	connects  []string
	sends     [][]byte

	endpointOpen   bool
	endpointCloses int
	disconnects    int
}

func newMockTransport() *mockTransport {
	return &mockTransport{events: make(chan Event, 32)}
}

func (m *mockTransport) OpenEndpoint() error {
	m.endpointOpen = true
	return nil
}

func (m *mockTransport) SendDatagram(data []byte) error {
	m.datagrams = append(m.datagrams, data)
	return nil
}

func (m *mockTransport) CloseEndpoint() error {
	if m.endpointOpen {
		m.endpointCloses++
	}
	m.endpointOpen = false
	return nil
}

func (m *mockTransport) Connect(host string, port uint16) error {
	m.connects = append(m.connects, net.JoinHostPort(host, strconv.Itoa(int(port))))
	return nil
}

func (m *mockTransport) Send(data []byte) error {
	m.sends = append(m.sends, data)
	return nil
}

func (m *mockTransport) Disconnect() error {
	m.disconnects++
	return nil
}

func (m *mockTransport) Events() <-chan Event { return m.events }

func (m *mockTransport) Close() error { return nil }

const ssdpResponse = "HTTP/1.1 200 OK\r\n" +
	"CACHE-CONTROL: max-age=1800\r\n" +
	"ST: urn:schemas-upnp-org:device:InternetGatewayDevice:1\r\n" +
	"USN: uuid:igd\r\n" +
	"LOCATION: http://192.168.1.1:8000/desc.xml\r\n" +
	"\r\n"

const descriptionDocument = "HTTP/1.1 200 OK\r\n" +
	"Content-Type: text/xml\r\n" +
	"\r\n" +
	"<?xml version=\"1.0\"?>\n" +
	"<root>\n" +
	"<device>\n" +
	"<deviceList>\n" +
	"<device>\n" +
	"<serviceList>\n" +
	"<service>\n" +
	"<serviceType>urn:schemas-upnp-org:service:WANPPPConnection:1</serviceType>\n" +
	"<serviceId>urn:upnp-org:serviceId:WANPPPConn1</serviceId>\n" +
	"<controlURL>/ctl/IPConn</controlURL>\n" +
	"</service>\n" +
	"</serviceList>\n" +
	"</device>\n" +
	"</deviceList>\n" +
	"</device>\n" +
	"</root>\n"

func newTestEngine(t *testing.T) (*Engine, *mockTransport) {
	t.Helper()
	mt := newMockTransport()
	return New(Config{Transport: mt}), mt
}

// readyEngine walks a fresh engine through discovery and the description
// fetch so it ends up ready with a known gateway and control URL.
func readyEngine(t *testing.T) (*Engine, *mockTransport) {
	t.Helper()
	e, mt := newTestEngine(t)

	require.Equal(t, uint32(0), e.Scan())
	e.HandleEvent(Event{Type: EventDatagramReceived, Data: []byte(ssdpResponse)})
	require.Equal(t, StateGatewayFound, e.State())

	e.HandleEvent(Event{Type: EventConnected, Addr: net.IPv4(192, 168, 1, 1)})
	e.HandleEvent(Event{Type: EventSent})
	e.HandleEvent(Event{Type: EventReceived, Data: []byte(descriptionDocument)})
	e.HandleEvent(Event{Type: EventDisconnected})
	require.Equal(t, StateReady, e.State())
	return e, mt
}

func TestScanStartsDiscovery(t *testing.T) {
	e, mt := newTestEngine(t)

	assert.Equal(t, uint32(0), e.Scan())
	assert.Equal(t, StateDiscovering, e.State())
	assert.True(t, mt.endpointOpen)
	require.Len(t, mt.datagrams, 1)
	assert.Contains(t, string(mt.datagrams[0]), "M-SEARCH * HTTP/1.1")
	assert.Contains(t, string(mt.datagrams[0]), "ST: urn:schemas-upnp-org:device:InternetGatewayDevice:1")
}

func TestScanRetransmitsBounded(t *testing.T) {
	e, mt := newTestEngine(t)
	e.Scan()

	// Every completed send during discovery triggers a retransmit, up to
	// the bound; sent notifications past that are ignored.
	for i := 0; i < 10; i++ {
		e.HandleEvent(Event{Type: EventDatagramSent})
	}
	assert.Len(t, mt.datagrams, 1+DefaultMaxRetransmits)
	assert.Equal(t, StateDiscovering, e.State())
}

func TestDiscoveryParsesLocationAndFetchesDescription(t *testing.T) {
	e, mt := newTestEngine(t)
	e.Scan()

	e.HandleEvent(Event{Type: EventDatagramReceived, Data: []byte(ssdpResponse)})

	assert.Equal(t, StateGatewayFound, e.State())
	assert.False(t, mt.endpointOpen)
	require.Len(t, mt.connects, 1)
	assert.Equal(t, "192.168.1.1:8000", mt.connects[0])

	e.HandleEvent(Event{Type: EventConnected, Addr: net.IPv4(192, 168, 1, 1)})
	require.Len(t, mt.sends, 1)
	get := string(mt.sends[0])
	assert.Contains(t, get, "GET /desc.xml HTTP/1.0\r\n")
	assert.Contains(t, get, "Host: 192.168.1.1\r\n")
}

func TestDiscoveryIgnoresDatagramsWithoutLocation(t *testing.T) {
	e, mt := newTestEngine(t)
	e.Scan()

	e.HandleEvent(Event{Type: EventDatagramReceived, Data: []byte("HTTP/1.1 200 OK\r\nST: something\r\n\r\n")})

	assert.Equal(t, StateDiscovering, e.State())
	assert.True(t, mt.endpointOpen)
	assert.Empty(t, mt.connects)
}

func TestDescriptionFetchExtractsControlURL(t *testing.T) {
	e, _ := readyEngine(t)

	assert.Equal(t, "/ctl/IPConn", e.session.ControlURL)
	assert.Equal(t, net.IPv4(192, 168, 1, 1).To4(), e.Gateway())
}

func TestDescriptionSplitAcrossDeliveries(t *testing.T) {
	e, _ := newTestEngine(t)
	e.Scan()
	e.HandleEvent(Event{Type: EventDatagramReceived, Data: []byte(ssdpResponse)})
	e.HandleEvent(Event{Type: EventConnected, Addr: net.IPv4(192, 168, 1, 1)})
	e.HandleEvent(Event{Type: EventSent})

	// Split the document in the middle of the controlURL element so no
	// single delivery contains the full marker.
	doc := []byte(descriptionDocument)
	cut := len(doc) - 120
	e.HandleEvent(Event{Type: EventReceived, Data: doc[:cut]})
	assert.Empty(t, e.session.ControlURL)

	e.HandleEvent(Event{Type: EventReceived, Data: doc[cut:]})
	assert.Equal(t, "/ctl/IPConn", e.session.ControlURL)
}

func TestScanIdempotentWhenReady(t *testing.T) {
	e, mt := readyEngine(t)
	queries := len(mt.datagrams)

	addr := e.Scan()

	assert.Equal(t, uint32(0xc0a80101), addr)
	assert.Equal(t, StateReady, e.State())
	assert.Len(t, mt.datagrams, queries, "no new discovery traffic")
}

func TestScanRestartsWhenNotReady(t *testing.T) {
	e, mt := newTestEngine(t)
	e.Scan()
	e.HandleEvent(Event{Type: EventDatagramReceived, Data: []byte(ssdpResponse)})
	require.Equal(t, StateGatewayFound, e.State())

	// A scan mid-session abandons it and restarts discovery.
	assert.Equal(t, uint32(0), e.Scan())
	assert.Equal(t, StateDiscovering, e.State())
	assert.Len(t, mt.datagrams, 2)
}

func TestAddPort(t *testing.T) {
	e, mt := readyEngine(t)

	err := e.AddPort(net.IPv4(192, 168, 1, 50), 80, 9876)
	require.NoError(t, err)
	assert.Equal(t, StateAddingPort, e.State())
	require.Len(t, mt.connects, 2)
	assert.Equal(t, "192.168.1.1:8000", mt.connects[1])

	e.HandleEvent(Event{Type: EventConnected, Addr: net.IPv4(192, 168, 1, 1)})
	require.Len(t, mt.sends, 2)
	request := string(mt.sends[1])
	assert.Contains(t, request, "POST /ctl/IPConn HTTP/1.0\r\n")
	assert.Contains(t, request, "SOAPAction: \"urn:schemas-upnp-org:service:WANPPPConnection:1#AddPortMapping\"")
	assert.Contains(t, request, "<NewExternalPort>9876</NewExternalPort>")
	assert.Contains(t, request, "<NewInternalPort>80</NewInternalPort>")
	assert.Contains(t, request, "<NewInternalClient>192.168.1.50</NewInternalClient>")

	e.HandleEvent(Event{Type: EventSent})
	e.HandleEvent(Event{Type: EventReceived, Data: []byte("HTTP/1.1 200 OK\r\n\r\n<s:Envelope/>")})
	e.HandleEvent(Event{Type: EventDisconnected})
	assert.Equal(t, StateReady, e.State())
}

func TestRemovePort(t *testing.T) {
	e, mt := readyEngine(t)

	err := e.RemovePort(9876)
	require.NoError(t, err)
	assert.Equal(t, StateRemovingPort, e.State())

	e.HandleEvent(Event{Type: EventConnected, Addr: net.IPv4(192, 168, 1, 1)})
	require.Len(t, mt.sends, 2)
	request := string(mt.sends[1])
	assert.Contains(t, request, "SOAPAction: \"urn:schemas-upnp-org:service:WANPPPConnection:1#DeletePortMapping\"")
	assert.Contains(t, request, "<NewExternalPort>9876</NewExternalPort>")

	e.HandleEvent(Event{Type: EventSent})
	e.HandleEvent(Event{Type: EventDisconnected})
	assert.Equal(t, StateReady, e.State())
}

func TestOperationsRejectedWithoutGateway(t *testing.T) {
	e, mt := newTestEngine(t)

	assert.ErrorIs(t, e.AddPort(net.IPv4(192, 168, 1, 50), 80, 9876), ErrNoGateway)
	assert.ErrorIs(t, e.RemovePort(9876), ErrNoGateway)
	_, err := e.ExternalAddress()
	assert.ErrorIs(t, err, ErrNoGateway)
	assert.Empty(t, mt.connects, "rejection must cause no network traffic")
}

func TestOperationsRejectedWhileBusy(t *testing.T) {
	e, mt := readyEngine(t)

	require.NoError(t, e.AddPort(net.IPv4(192, 168, 1, 50), 80, 9876))
	connects := len(mt.connects)

	assert.ErrorIs(t, e.AddPort(net.IPv4(192, 168, 1, 50), 81, 9877), ErrNotReady)
	assert.ErrorIs(t, e.RemovePort(9876), ErrNotReady)
	assert.Len(t, mt.connects, connects)
}

func TestOperationsRejectedWithoutControlURL(t *testing.T) {
	e, _ := newTestEngine(t)
	e.Scan()
	e.HandleEvent(Event{Type: EventDatagramReceived, Data: []byte(ssdpResponse)})
	e.HandleEvent(Event{Type: EventConnected, Addr: net.IPv4(192, 168, 1, 1)})
	e.HandleEvent(Event{Type: EventSent})
	// Description closes without the target service in it.
	e.HandleEvent(Event{Type: EventReceived, Data: []byte("HTTP/1.1 200 OK\r\n\r\n<root></root>")})
	e.HandleEvent(Event{Type: EventDisconnected})
	require.Equal(t, StateReady, e.State())

	assert.ErrorIs(t, e.AddPort(net.IPv4(192, 168, 1, 50), 80, 9876), ErrNotReady)
	_, err := e.ExternalAddress()
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestExternalAddressQuery(t *testing.T) {
	e, mt := readyEngine(t)

	// First call starts the query.
	addr, err := e.ExternalAddress()
	require.NoError(t, err)
	assert.Equal(t, uint32(0), addr)
	assert.Equal(t, StateQueryingAddress, e.State())
	require.Len(t, mt.connects, 2)

	e.HandleEvent(Event{Type: EventConnected, Addr: net.IPv4(192, 168, 1, 1)})
	require.Len(t, mt.sends, 2)
	assert.Contains(t, string(mt.sends[1]),
		"SOAPAction: \"urn:schemas-upnp-org:service:WANPPPConnection:1#GetExternalIPAddress\"")
	e.HandleEvent(Event{Type: EventSent})

	// Polls before the response arrives report pending.
	addr, err = e.ExternalAddress()
	require.NoError(t, err)
	assert.Equal(t, uint32(0), addr)

	e.HandleEvent(Event{Type: EventReceived, Data: []byte(
		"HTTP/1.1 200 OK\r\n\r\n<NewExternalIPAddress>213.49.166.224</NewExternalIPAddress>")})
	e.HandleEvent(Event{Type: EventDisconnected})
	assert.Equal(t, StateQueryingAddress, e.State(), "result waits for collection")

	addr, err = e.ExternalAddress()
	require.NoError(t, err)
	assert.Equal(t, uint32(0xd531a6e0), addr)
	assert.Equal(t, StateReady, e.State())
}

func TestSegmentedSend(t *testing.T) {
	mt := newMockTransport()
	e := New(Config{Transport: mt, SegmentCap: 100})
	e.Scan()
	e.HandleEvent(Event{Type: EventDatagramReceived, Data: []byte(ssdpResponse)})
	e.HandleEvent(Event{Type: EventConnected, Addr: net.IPv4(192, 168, 1, 1)})
	e.HandleEvent(Event{Type: EventSent})
	e.HandleEvent(Event{Type: EventReceived, Data: []byte(descriptionDocument)})
	e.HandleEvent(Event{Type: EventDisconnected})
	require.NoError(t, e.AddPort(net.IPv4(192, 168, 1, 50), 80, 9876))

	e.HandleEvent(Event{Type: EventConnected, Addr: net.IPv4(192, 168, 1, 1)})
	require.Len(t, mt.sends, 2)
	assert.Len(t, mt.sends[1], 100, "first segment capped")

	// The sent notification flushes the exact remaining tail in one piece.
	e.HandleEvent(Event{Type: EventSent})
	require.Len(t, mt.sends, 3)
	full := BuildAddPortMapping("/ctl/IPConn", "192.168.1.1", DefaultUserAgent,
		9876, 80, net.IPv4(192, 168, 1, 50))
	assert.Equal(t, string(full), string(mt.sends[1])+string(mt.sends[2]))

	// Final sent notification completes the buffer; nothing more goes out.
	e.HandleEvent(Event{Type: EventSent})
	assert.Len(t, mt.sends, 3)
}

func TestSentAfterDisconnectIgnored(t *testing.T) {
	e, mt := readyEngine(t)
	require.NoError(t, e.AddPort(net.IPv4(192, 168, 1, 50), 80, 9876))
	e.HandleEvent(Event{Type: EventConnected, Addr: net.IPv4(192, 168, 1, 1)})
	sends := len(mt.sends)

	// Disconnect clears the outbound buffer; a late sent notification for
	// the torn-down connection must not trigger another send.
	e.HandleEvent(Event{Type: EventDisconnected})
	e.HandleEvent(Event{Type: EventSent})
	assert.Len(t, mt.sends, sends)
	assert.Equal(t, StateReady, e.State())
}

func TestConnectFailedLeavesStateStuck(t *testing.T) {
	e, mt := newTestEngine(t)
	e.Scan()
	e.HandleEvent(Event{Type: EventDatagramReceived, Data: []byte(ssdpResponse)})

	e.HandleEvent(Event{Type: EventConnectFailed, Err: assert.AnError})
	assert.Equal(t, StateGatewayFound, e.State())

	// Only a new scan recovers.
	assert.Equal(t, uint32(0), e.Scan())
	assert.Equal(t, StateDiscovering, e.State())
	assert.Len(t, mt.datagrams, 2)
}

func TestBeginSessionResets(t *testing.T) {
	e, _ := readyEngine(t)

	e.BeginSession()

	assert.Equal(t, StateIdle, e.State())
	assert.Nil(t, e.Gateway())
	assert.ErrorIs(t, e.RemovePort(9876), ErrNoGateway)
}

func TestObserverNotifications(t *testing.T) {
	var transitions int
	var locations []string
	var external net.IP

	mt := newMockTransport()
	e := New(Config{
		Transport: mt,
		Observers: []Observer{FuncObserver{
			StateChanged: func(State, State) { transitions++ },
			GatewayFound: func(l string) { locations = append(locations, l) },
			ExternalAddress: func(a net.IP) { external = a },
		}},
	})

	e.Scan()
	e.HandleEvent(Event{Type: EventDatagramReceived, Data: []byte(ssdpResponse)})
	e.HandleEvent(Event{Type: EventConnected, Addr: net.IPv4(192, 168, 1, 1)})
	e.HandleEvent(Event{Type: EventSent})
	e.HandleEvent(Event{Type: EventReceived, Data: []byte(descriptionDocument)})
	e.HandleEvent(Event{Type: EventDisconnected})

	_, err := e.ExternalAddress()
	require.NoError(t, err)
	e.HandleEvent(Event{Type: EventConnected, Addr: net.IPv4(192, 168, 1, 1)})
	e.HandleEvent(Event{Type: EventSent})
	e.HandleEvent(Event{Type: EventReceived, Data: []byte(
		"<NewExternalIPAddress>213.49.166.224</NewExternalIPAddress>")})

	assert.Equal(t, []string{"http://192.168.1.1:8000/desc.xml"}, locations)
	assert.Equal(t, net.IPv4(213, 49, 166, 224).To4(), external)
	assert.Greater(t, transitions, 3)
}
