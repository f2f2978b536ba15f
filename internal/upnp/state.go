// Package upnp implements a minimal UPnP Internet Gateway Device (IGD)
// client: SSDP multicast discovery, description-document control URL
// extraction, and the three WANPPPConnection SOAP actions (add port mapping,
// delete port mapping, query external IP). All protocol progress is driven
// by an explicit state machine fed with transport events.
package upnp

// State represents the current state of the protocol engine.
type State int

const (
	// StateIdle is the initial state before a scan begins.
	StateIdle State = iota

	// StateDiscovering indicates the SSDP search has been multicast and the
	// engine is waiting for a gateway to announce its LOCATION.
	StateDiscovering

	// StateGatewayFound indicates a LOCATION was parsed and the description
	// document fetch is in flight on a TCP session.
	StateGatewayFound

	// StateReady indicates the description fetch completed and the engine
	// accepts port-mapping operations.
	StateReady

	// StateAddingPort indicates an AddPortMapping SOAP exchange is in flight.
	StateAddingPort

	// StateRemovingPort indicates a DeletePortMapping SOAP exchange is in flight.
	StateRemovingPort

	// StateQueryingAddress indicates a GetExternalIPAddress SOAP exchange is
	// in flight or its result is waiting to be collected by the caller.
	StateQueryingAddress
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDiscovering:
		return "discovering"
	case StateGatewayFound:
		return "gatewayFound"
	case StateReady:
		return "ready"
	case StateAddingPort:
		return "addingPort"
	case StateRemovingPort:
		return "removingPort"
	case StateQueryingAddress:
		return "queryingAddress"
	default:
		return "unknown"
	}
}

// CanTransitionTo returns true if transitioning from this state to the
// target state is valid. A fresh scan may restart discovery from any state,
// so every state accepts StateIdle.
func (s State) CanTransitionTo(target State) bool {
	if target == StateIdle {
		return true
	}
	switch s {
	case StateIdle:
		return target == StateDiscovering

	case StateDiscovering:
		return target == StateGatewayFound

	case StateGatewayFound:
		// Description TCP session closed.
		return target == StateReady

	case StateReady:
		return target == StateAddingPort ||
			target == StateRemovingPort ||
			target == StateQueryingAddress

	case StateAddingPort, StateRemovingPort:
		// SOAP session ran to completion (disconnect).
		return target == StateReady

	case StateQueryingAddress:
		// Result collected by the caller.
		return target == StateReady

	default:
		return false
	}
}
