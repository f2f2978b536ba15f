package upnp

// defaultControlPort is used when the LOCATION URL carries no explicit port.
const defaultControlPort = 80

// ParseLocation decomposes an SSDP LOCATION URL of the form
// http://host[:port]/path into its parts. The port defaults to 80 when
// absent; the path is empty when the URL has no slash after the host.
// Malformed input never reads past the string's end.
func ParseLocation(location string) (host string, port uint16, path string) {
	port = defaultControlPort

	// Skip the scheme prefix. Anything shorter is hostless.
	const scheme = "http://"
	if len(location) < len(scheme) {
		return "", port, ""
	}
	rest := location[len(scheme):]

	hostEnd := len(rest)
	i := 0
	for ; i < len(rest); i++ {
		if rest[i] == ':' || rest[i] == '/' {
			hostEnd = i
			break
		}
	}
	host = rest[:hostEnd]

	if i < len(rest) && rest[i] == ':' {
		i++
		var p int
		for ; i < len(rest) && rest[i] >= '0' && rest[i] <= '9'; i++ {
			p = p*10 + int(rest[i]-'0')
		}
		if p > 0 && p <= 0xffff {
			port = uint16(p)
		}
	}

	// Everything from the first slash onward is the path.
	for ; i < len(rest); i++ {
		if rest[i] == '/' {
			path = rest[i:]
			break
		}
	}

	return host, port, path
}
