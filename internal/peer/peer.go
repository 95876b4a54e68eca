// Package peer holds the set of remote clients that have an admitted,
// active session with the server.
package peer

import (
	"net"
	"time"
)

// ID uniquely identifies a peer for the lifetime of its connection. IDs are
// assigned by the transport.
type ID string

func (id ID) String() string { return string(id) }

// State is the lifecycle state of a Peer.
type State int

const (
	Disconnected State = iota
	Connected
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Peer represents one remote endpoint across its session lifetime.
type Peer struct {
	ID       ID
	Endpoint net.Addr
	State    State
	JoinedAt time.Time
}

// EndpointString returns the remote address or "unknown" if the transport did
// not provide one.
func (p Peer) EndpointString() string {
	if p.Endpoint == nil {
		return "unknown"
	}
	return p.Endpoint.String()
}
