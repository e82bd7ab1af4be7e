// Package net is the transport and RMI engine of the game server. It frames
// client traffic, unwraps compressed and encrypted envelopes, keeps one
// Session per connection, coordinates UDP holepunching and P2P groups, and
// dispatches decoded messages to guarded application handlers.
package net

import "net"

// Transport is a listener that hands accepted connections to a ConnHandler.
type Transport interface {
	// Start binds the listener and begins accepting.
	Start(TransportOption) error

	// Stop closes the listener. Connections already handed off stay open.
	Stop() error
}

// ConnHandler takes ownership of accepted connections.
type ConnHandler interface {
	OnAccept(conn net.Conn)
}

// TransportOption carries what a transport needs at Start.
type TransportOption struct {
	Handler ConnHandler
}
