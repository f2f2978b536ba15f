// Package testutil provides test infrastructure for the UPnP client: a
// loopback mock Internet Gateway Device serving SSDP discovery, the
// description document, and the WAN connection SOAP actions.
package testutil

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

const (
	searchTarget = "urn:schemas-upnp-org:device:InternetGatewayDevice:1"
	serviceID    = "urn:upnp-org:serviceId:WANPPPConn1"
	serviceType  = "urn:schemas-upnp-org:service:WANPPPConnection:1"

	descriptionPath = "/rootDesc.xml"
	controlPath     = "/ctl/IPConn"
)

// Mapping is one port forwarding rule recorded by the mock gateway.
type Mapping struct {
	ExternalPort   uint16
	InternalPort   uint16
	InternalClient string
	Protocol       string
	Description    string
}

// TestIGD is a mock Internet Gateway Device. It answers SSDP searches on a
// loopback UDP socket with a LOCATION pointing at an embedded HTTP server,
// which serves the description document and the SOAP control endpoint.
type TestIGD struct {
	mu sync.RWMutex

	udpConn net.PacketConn
	httpSrv *httptest.Server
	usn     string

	// Configurable responses (protected by mu)
	externalIP  net.IP
	failProbe   bool // don't respond to M-SEARCH
	failMapping bool // reject SOAP mapping actions
	omitService bool // serve a description without the WAN service

	mappings []Mapping

	// Counters
	Counters IGDCounters

	closed atomic.Bool
}

// IGDCounters tracks request arrivals for assertions.
type IGDCounters struct {
	mu sync.Mutex

	SearchRecv       int
	DescriptionRecv  int
	AddMappingRecv   int
	DeleteRecv       int
	ExternalAddrRecv int
	FailedWrites     int
}

func (c *IGDCounters) inc(p *int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	(*p)++
}

// Snapshot returns a copy of the counters.
func (c *IGDCounters) Snapshot() IGDCounters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return IGDCounters{
		SearchRecv:       c.SearchRecv,
		DescriptionRecv:  c.DescriptionRecv,
		AddMappingRecv:   c.AddMappingRecv,
		DeleteRecv:       c.DeleteRecv,
		ExternalAddrRecv: c.ExternalAddrRecv,
		FailedWrites:     c.FailedWrites,
	}
}

// NewTestIGD creates and starts a mock gateway on loopback sockets.
func NewTestIGD() (*TestIGD, error) {
	igd := &TestIGD{
		externalIP: net.ParseIP("203.0.113.5"),
		usn:        "uuid:" + uuid.NewString(),
	}

	var err error
	igd.udpConn, err = net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.HandleFunc(descriptionPath, igd.serveDescription)
	mux.HandleFunc(controlPath, igd.serveControl)
	igd.httpSrv = httptest.NewServer(mux)

	go igd.serveDiscovery()
	return igd, nil
}

// SSDPAddr returns the loopback address the mock answers M-SEARCH on. Point
// the transport's multicast address here.
func (igd *TestIGD) SSDPAddr() string {
	return igd.udpConn.LocalAddr().String()
}

// Location returns the LOCATION URL the mock announces.
func (igd *TestIGD) Location() string {
	return igd.httpSrv.URL + descriptionPath
}

// Close shuts down the mock gateway.
func (igd *TestIGD) Close() error {
	igd.closed.Store(true)
	igd.udpConn.Close()
	igd.httpSrv.Close()
	return nil
}

// SetFailProbe sets whether M-SEARCH queries go unanswered.
func (igd *TestIGD) SetFailProbe(fail bool) {
	igd.mu.Lock()
	defer igd.mu.Unlock()
	igd.failProbe = fail
}

// SetFailMapping sets whether SOAP mapping actions are rejected.
func (igd *TestIGD) SetFailMapping(fail bool) {
	igd.mu.Lock()
	defer igd.mu.Unlock()
	igd.failMapping = fail
}

// SetOmitService sets whether the description document omits the WAN
// connection service entirely.
func (igd *TestIGD) SetOmitService(omit bool) {
	igd.mu.Lock()
	defer igd.mu.Unlock()
	igd.omitService = omit
}

// SetExternalIP sets the external address reported by the mock.
func (igd *TestIGD) SetExternalIP(ip net.IP) {
	igd.mu.Lock()
	defer igd.mu.Unlock()
	igd.externalIP = ip
}

// Mappings returns a copy of the recorded forwarding rules.
func (igd *TestIGD) Mappings() []Mapping {
	igd.mu.RLock()
	defer igd.mu.RUnlock()
	out := make([]Mapping, len(igd.mappings))
	copy(out, igd.mappings)
	return out
}

// serveDiscovery answers M-SEARCH datagrams until the socket closes.
func (igd *TestIGD) serveDiscovery() {
	buf := make([]byte, 1500)
	for {
		n, addr, err := igd.udpConn.ReadFrom(buf)
		if err != nil {
			return
		}
		msg := string(buf[:n])
		if !strings.HasPrefix(msg, "M-SEARCH") || !strings.Contains(msg, searchTarget) {
			continue
		}
		igd.Counters.inc(&igd.Counters.SearchRecv)

		igd.mu.RLock()
		fail := igd.failProbe
		igd.mu.RUnlock()
		if fail {
			continue
		}

		resp := "HTTP/1.1 200 OK\r\n" +
			"CACHE-CONTROL: max-age=1800\r\n" +
			"ST: " + searchTarget + "\r\n" +
			"USN: " + igd.usn + "::" + searchTarget + "\r\n" +
			"LOCATION: " + igd.Location() + "\r\n" +
			"SERVER: testutil/1.0 UPnP/1.0\r\n" +
			"\r\n"
		if _, err := igd.udpConn.WriteTo([]byte(resp), addr); err != nil {
			igd.Counters.inc(&igd.Counters.FailedWrites)
		}
	}
}

func (igd *TestIGD) serveDescription(w http.ResponseWriter, r *http.Request) {
	igd.Counters.inc(&igd.Counters.DescriptionRecv)

	igd.mu.RLock()
	omit := igd.omitService
	igd.mu.RUnlock()

	service := ""
	if !omit {
		service = "<service>\n" +
			"<serviceType>" + serviceType + "</serviceType>\n" +
			"<serviceId>" + serviceID + "</serviceId>\n" +
			"<controlURL>" + controlPath + "</controlURL>\n" +
			"<eventSubURL>/evt/IPConn</eventSubURL>\n" +
			"<SCPDURL>/WANPPPCn.xml</SCPDURL>\n" +
			"</service>\n"
	}

	doc := "<?xml version=\"1.0\"?>\n" +
		"<root xmlns=\"urn:schemas-upnp-org:device-1-0\">\n" +
		"<device>\n" +
		"<deviceType>urn:schemas-upnp-org:device:InternetGatewayDevice:1</deviceType>\n" +
		"<friendlyName>Test IGD</friendlyName>\n" +
		"<UDN>" + igd.usn + "</UDN>\n" +
		"<deviceList>\n" +
		"<device>\n" +
		"<deviceType>urn:schemas-upnp-org:device:WANDevice:1</deviceType>\n" +
		"<deviceList>\n" +
		"<device>\n" +
		"<deviceType>urn:schemas-upnp-org:device:WANConnectionDevice:1</deviceType>\n" +
		"<serviceList>\n" +
		service +
		"</serviceList>\n" +
		"</device>\n" +
		"</deviceList>\n" +
		"</device>\n" +
		"</deviceList>\n" +
		"</device>\n" +
		"</root>\n"

	w.Header().Set("Content-Type", "text/xml")
	io.WriteString(w, doc)
}

func (igd *TestIGD) serveControl(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read failed", http.StatusBadRequest)
		return
	}
	action := soapAction(r.Header.Get("SOAPAction"))

	switch action {
	case "AddPortMapping":
		igd.Counters.inc(&igd.Counters.AddMappingRecv)
		igd.handleAddMapping(w, string(body))

	case "DeletePortMapping":
		igd.Counters.inc(&igd.Counters.DeleteRecv)
		igd.handleDeleteMapping(w, string(body))

	case "GetExternalIPAddress":
		igd.Counters.inc(&igd.Counters.ExternalAddrRecv)
		igd.handleExternalAddr(w)

	default:
		http.Error(w, "unknown action", http.StatusBadRequest)
	}
}

func (igd *TestIGD) handleAddMapping(w http.ResponseWriter, body string) {
	igd.mu.Lock()
	fail := igd.failMapping
	igd.mu.Unlock()
	if fail {
		writeSOAPFault(w)
		return
	}

	m := Mapping{
		ExternalPort:   parsePortElement(body, "NewExternalPort"),
		InternalPort:   parsePortElement(body, "NewInternalPort"),
		InternalClient: elementText(body, "NewInternalClient"),
		Protocol:       elementText(body, "NewProtocol"),
		Description:    elementText(body, "NewPortMappingDescription"),
	}

	igd.mu.Lock()
	igd.mappings = append(igd.mappings, m)
	igd.mu.Unlock()

	writeSOAPResponse(w, "<u:AddPortMappingResponse xmlns:u=\""+serviceType+"\"/>")
}

func (igd *TestIGD) handleDeleteMapping(w http.ResponseWriter, body string) {
	igd.mu.Lock()
	fail := igd.failMapping
	igd.mu.Unlock()
	if fail {
		writeSOAPFault(w)
		return
	}

	port := parsePortElement(body, "NewExternalPort")

	igd.mu.Lock()
	kept := igd.mappings[:0]
	for _, m := range igd.mappings {
		if m.ExternalPort != port {
			kept = append(kept, m)
		}
	}
	igd.mappings = kept
	igd.mu.Unlock()

	writeSOAPResponse(w, "<u:DeletePortMappingResponse xmlns:u=\""+serviceType+"\"/>")
}

func (igd *TestIGD) handleExternalAddr(w http.ResponseWriter) {
	igd.mu.RLock()
	ip := igd.externalIP
	igd.mu.RUnlock()

	writeSOAPResponse(w,
		"<u:GetExternalIPAddressResponse xmlns:u=\""+serviceType+"\">"+
			"<NewExternalIPAddress>"+ip.String()+"</NewExternalIPAddress>"+
			"</u:GetExternalIPAddressResponse>")
}

// soapAction strips the quoted service URN prefix from a SOAPAction header,
// leaving the bare action name.
func soapAction(header string) string {
	header = strings.Trim(header, "\"")
	if i := strings.LastIndex(header, "#"); i >= 0 {
		return header[i+1:]
	}
	return header
}

func writeSOAPResponse(w http.ResponseWriter, inner string) {
	w.Header().Set("Content-Type", "text/xml")
	io.WriteString(w, "<?xml version=\"1.0\"?>\n"+
		"<s:Envelope xmlns:s=\"http://schemas.xmlsoap.org/soap/envelope/\">"+
		"<s:Body>"+inner+"</s:Body></s:Envelope>\n")
}

func writeSOAPFault(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusInternalServerError)
	io.WriteString(w, "<?xml version=\"1.0\"?>\n"+
		"<s:Envelope xmlns:s=\"http://schemas.xmlsoap.org/soap/envelope/\">"+
		"<s:Body><s:Fault><faultcode>s:Client</faultcode>"+
		"<faultstring>UPnPError</faultstring></s:Fault></s:Body></s:Envelope>\n")
}

func elementText(body, name string) string {
	open := "<" + name + ">"
	closing := "</" + name + ">"
	i := strings.Index(body, open)
	if i < 0 {
		return ""
	}
	rest := body[i+len(open):]
	j := strings.Index(rest, closing)
	if j < 0 {
		return ""
	}
	return rest[:j]
}

func parsePortElement(body, name string) uint16 {
	var port uint16
	fmt.Sscanf(elementText(body, name), "%d", &port)
	return port
}
