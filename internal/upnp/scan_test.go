package upnp

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractLocation(t *testing.T) {
	tests := []struct {
		name  string
		data  string
		want  string
		found bool
	}{
		{
			name: "typical response",
			data: "HTTP/1.1 200 OK\r\n" +
				"LOCATION: http://192.168.1.1:8000/desc.xml\r\n" +
				"ST: upnp:rootdevice\r\n\r\n",
			want:  "http://192.168.1.1:8000/desc.xml",
			found: true,
		},
		{
			name:  "lower case header",
			data:  "HTTP/1.1 200 OK\r\nlocation: http://10.0.0.1/d.xml\r\n\r\n",
			want:  "http://10.0.0.1/d.xml",
			found: true,
		},
		{
			name:  "no space after colon",
			data:  "HTTP/1.1 200 OK\r\nLOCATION:http://10.0.0.1/d.xml\r\n\r\n",
			want:  "http://10.0.0.1/d.xml",
			found: true,
		},
		{
			name:  "not anchored at line start",
			data:  "HTTP/1.1 200 OK\r\nX-LOCATION: http://evil/d.xml\r\n\r\n",
			found: false,
		},
		{
			name:  "header absent",
			data:  "HTTP/1.1 200 OK\r\nST: upnp:rootdevice\r\n\r\n",
			found: false,
		},
		{
			name:  "value truncated before CR",
			data:  "HTTP/1.1 200 OK\r\nLOCATION: http://192.168.1.1/d",
			want:  "http://192.168.1.1/d",
			found: true,
		},
		{
			name:  "empty value",
			data:  "HTTP/1.1 200 OK\r\nLOCATION: \r\n\r\n",
			found: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractLocation([]byte(tt.data))
			assert.Equal(t, tt.found, ok)
			if tt.found {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

const serviceDoc = "<root>" +
	"<device>" +
	"<serviceList>" +
	"<service>" +
	"<serviceId>urn:upnp-org:serviceId:Layer3Forwarding1</serviceId>" +
	"<controlURL>/ctl/L3F</controlURL>" +
	"</service>" +
	"</serviceList>" +
	"<deviceList>" +
	"<device>" +
	"<serviceList>" +
	"<service>" +
	"<serviceId>urn:upnp-org:serviceId:WANPPPConn1</serviceId>" +
	"<controlURL>/ctl/IPConn</controlURL>" +
	"</service>" +
	"</serviceList>" +
	"</device>" +
	"</deviceList>" +
	"</device>" +
	"</root>"

func TestExtractControlURL(t *testing.T) {
	url, ok := ExtractControlURL([]byte(serviceDoc), "urn:upnp-org:serviceId:WANPPPConn1")
	require.True(t, ok)
	assert.Equal(t, "/ctl/IPConn", url)
}

func TestExtractControlURLSkipsOtherServices(t *testing.T) {
	// The first controlURL in document order belongs to another service and
	// must not be returned for the WAN service id.
	url, ok := ExtractControlURL([]byte(serviceDoc), "urn:upnp-org:serviceId:Layer3Forwarding1")
	require.True(t, ok)
	assert.Equal(t, "/ctl/L3F", url)
}

func TestExtractControlURLUnknownService(t *testing.T) {
	_, ok := ExtractControlURL([]byte(serviceDoc), "urn:upnp-org:serviceId:WANIPConn1")
	assert.False(t, ok)
}

func TestExtractControlURLIncompleteValue(t *testing.T) {
	// The buffer ends inside the controlURL text; the scan must report not
	// found so a rescan over a longer buffer can succeed later.
	doc := "<service><serviceId>urn:upnp-org:serviceId:WANPPPConn1</serviceId><controlURL>/ctl/IP"
	_, ok := ExtractControlURL([]byte(doc), "urn:upnp-org:serviceId:WANPPPConn1")
	assert.False(t, ok)

	full := doc + "Conn</controlURL></service>"
	url, ok := ExtractControlURL([]byte(full), "urn:upnp-org:serviceId:WANPPPConn1")
	require.True(t, ok)
	assert.Equal(t, "/ctl/IPConn", url)
}

func TestExtractControlURLCaseInsensitiveTags(t *testing.T) {
	doc := "<SERVICE><serviceId>urn:upnp-org:serviceId:WANPPPConn1</serviceId>" +
		"<CONTROLURL>/ctl/IPConn</CONTROLURL></SERVICE>"
	url, ok := ExtractControlURL([]byte(doc), "urn:upnp-org:serviceId:WANPPPConn1")
	require.True(t, ok)
	assert.Equal(t, "/ctl/IPConn", url)
}

func TestExtractExternalAddress(t *testing.T) {
	data := "HTTP/1.1 200 OK\r\n\r\n" +
		"<u:GetExternalIPAddressResponse>" +
		"<NewExternalIPAddress>213.49.166.224</NewExternalIPAddress>" +
		"</u:GetExternalIPAddressResponse>"

	ip, ok := ExtractExternalAddress([]byte(data))
	require.True(t, ok)
	assert.Equal(t, net.IPv4(213, 49, 166, 224).To4(), ip)
}

func TestExtractExternalAddressIncomplete(t *testing.T) {
	_, ok := ExtractExternalAddress([]byte("<NewExternalIPAddress>213.49."))
	assert.False(t, ok)
}

func TestExtractExternalAddressNotAnAddress(t *testing.T) {
	_, ok := ExtractExternalAddress([]byte("<NewExternalIPAddress>unknown</NewExternalIPAddress>"))
	assert.False(t, ok)
}
