package upnp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLocation(t *testing.T) {
	tests := []struct {
		name     string
		location string
		host     string
		port     uint16
		path     string
	}{
		{
			name:     "host port and path",
			location: "http://192.168.1.1:8000/desc.xml",
			host:     "192.168.1.1",
			port:     8000,
			path:     "/desc.xml",
		},
		{
			name:     "port defaults to 80",
			location: "http://192.168.1.1/desc.xml",
			host:     "192.168.1.1",
			port:     80,
			path:     "/desc.xml",
		},
		{
			name:     "no path",
			location: "http://gateway.local:49152",
			host:     "gateway.local",
			port:     49152,
			path:     "",
		},
		{
			name:     "bare host",
			location: "http://192.168.1.1",
			host:     "192.168.1.1",
			port:     80,
			path:     "",
		},
		{
			name:     "hostname with deep path",
			location: "http://fritz.box:49000/igddesc/root.xml",
			host:     "fritz.box",
			port:     49000,
			path:     "/igddesc/root.xml",
		},
		{
			name:     "port out of range falls back to 80",
			location: "http://192.168.1.1:99999/desc.xml",
			host:     "192.168.1.1",
			port:     80,
			path:     "/desc.xml",
		},
		{
			name:     "empty string",
			location: "",
			host:     "",
			port:     80,
			path:     "",
		},
		{
			name:     "truncated scheme",
			location: "http:/",
			host:     "",
			port:     80,
			path:     "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, port, path := ParseLocation(tt.location)
			assert.Equal(t, tt.host, host)
			assert.Equal(t, tt.port, port)
			assert.Equal(t, tt.path, path)
		})
	}
}

func TestParseLocationRoundTripThroughSession(t *testing.T) {
	s := newSession()
	s.setLocation("http://192.168.1.1:8000/desc.xml")

	assert.Equal(t, "192.168.1.1", s.Host)
	assert.Equal(t, uint16(8000), s.ControlPort)
	assert.Equal(t, "/desc.xml", s.Path)
	assert.Equal(t, uint32(0xc0a80101), s.GatewayAddr(), "IP literal host is known immediately")
}

func TestSetLocationHostnameLeavesGatewayUnknown(t *testing.T) {
	s := newSession()
	s.setLocation("http://fritz.box:49000/desc.xml")

	assert.Nil(t, s.RemoteIP)
	assert.Equal(t, uint32(0), s.GatewayAddr())
}
