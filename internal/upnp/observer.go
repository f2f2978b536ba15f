package upnp

import "net"

// Observer is notified of engine progress. Observers are called with the
// engine lock held and must not call back into the engine.
type Observer interface {
	// OnStateChanged is called when the engine transitions between states.
	OnStateChanged(oldState, newState State)

	// OnGatewayFound is called when discovery parses a LOCATION header.
	OnGatewayFound(location string)

	// OnExternalAddress is called when an external-address query resolves.
	OnExternalAddress(addr net.IP)
}

// NoOpObserver is an Observer that does nothing.
type NoOpObserver struct{}

func (NoOpObserver) OnStateChanged(State, State) {}
func (NoOpObserver) OnGatewayFound(string)       {}
func (NoOpObserver) OnExternalAddress(net.IP)    {}

// FuncObserver wraps callback functions into an Observer.
type FuncObserver struct {
	StateChanged    func(oldState, newState State)
	GatewayFound    func(location string)
	ExternalAddress func(addr net.IP)
}

func (f FuncObserver) OnStateChanged(oldState, newState State) {
	if f.StateChanged != nil {
		f.StateChanged(oldState, newState)
	}
}

func (f FuncObserver) OnGatewayFound(location string) {
	if f.GatewayFound != nil {
		f.GatewayFound(location)
	}
}

func (f FuncObserver) OnExternalAddress(addr net.IP) {
	if f.ExternalAddress != nil {
		f.ExternalAddress(addr)
	}
}
