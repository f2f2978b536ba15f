package upnp

// Common errors.
var (
	// ErrNoGateway is returned when an operation requires a discovered
	// gateway and none is known.
	ErrNoGateway = upnpError("no gateway known")

	// ErrNotReady is returned when an operation is requested while the
	// engine is not in the ready state.
	ErrNotReady = upnpError("engine not ready")

	// ErrNoTransport is returned when the engine has no transport attached.
	ErrNoTransport = upnpError("no transport attached")
)

type upnpError string

func (e upnpError) Error() string { return string(e) }
