package upnp

import (
	"net"
	"strings"
)

// ExtractLocation scans a raw SSDP datagram for a LOCATION header and
// returns its value. The match is anchored on a preceding CRLF so a
// LOCATION substring inside another header value is not picked up; the
// value runs to the next CR. Header names are matched case-insensitively.
func ExtractLocation(data []byte) (string, bool) {
	const marker = "\r\nLOCATION:"
	for i := 0; i+len(marker) <= len(data); i++ {
		if !matchFold(data, i, marker) {
			continue
		}
		j := i + len(marker)
		for j < len(data) && (data[j] == ' ' || data[j] == '\t') {
			j++
		}
		k := j
		for k < len(data) && data[k] != '\r' {
			k++
		}
		if k == j {
			return "", false
		}
		return string(data[j:k]), true
	}
	return "", false
}

// ExtractControlURL scans a description document for the control URL of the
// service with the given service id. It tracks <service> nesting depth,
// remembers the depth at which the service id appears, and returns the text
// of the next <controlURL> element seen at that same depth. Tags are
// matched case-insensitively; the scan never assumes a complete document,
// so it can be re-run over a growing buffer until it succeeds.
func ExtractControlURL(data []byte, serviceID string) (string, bool) {
	depth := 0
	want := -1
	for i := 0; i < len(data); i++ {
		switch {
		case matchFold(data, i, "<service>"):
			depth++
		case matchFold(data, i, "</service>"):
			depth--
		case matchFold(data, i, serviceID):
			want = depth
		case want >= 0 && depth == want && matchFold(data, i, "<controlURL>"):
			j := i + len("<controlURL>")
			k := j
			for k < len(data) && data[k] != '<' {
				k++
			}
			if k == len(data) {
				// Value not fully received yet.
				return "", false
			}
			return string(data[j:k]), true
		}
	}
	return "", false
}

// ExtractExternalAddress scans a SOAP response for the
// <NewExternalIPAddress> element and parses its text as a dotted-decimal
// IPv4 address.
func ExtractExternalAddress(data []byte) (net.IP, bool) {
	const tag = "<NewExternalIPAddress>"
	for i := 0; i+len(tag) <= len(data); i++ {
		if !matchFold(data, i, tag) {
			continue
		}
		j := i + len(tag)
		k := j
		for k < len(data) && data[k] != '<' {
			k++
		}
		if k == len(data) {
			return nil, false
		}
		ip := net.ParseIP(strings.TrimSpace(string(data[j:k])))
		if ip == nil || ip.To4() == nil {
			return nil, false
		}
		return ip.To4(), true
	}
	return nil, false
}

// matchFold reports whether data[i:] begins with s, ignoring ASCII case.
func matchFold(data []byte, i int, s string) bool {
	if i+len(s) > len(data) {
		return false
	}
	for j := 0; j < len(s); j++ {
		a := data[i+j]
		b := s[j]
		if a == b {
			continue
		}
		if 'A' <= a && a <= 'Z' {
			a += 'a' - 'A'
		}
		if 'A' <= b && b <= 'Z' {
			b += 'a' - 'A'
		}
		if a != b {
			return false
		}
	}
	return true
}
