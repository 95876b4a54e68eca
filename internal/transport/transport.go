// Package transport defines the capability the server consumes from the
// underlying datagram transport and the events the transport raises.
package transport

import (
	"errors"

	"github.com/dcrodman/gameport/internal/peer"
)

var (
	// ErrUnknownPeer is returned when sending to or disconnecting a peer the
	// transport no longer has a connection for.
	ErrUnknownPeer = errors.New("peer is not connected")
	// ErrNotStarted is returned by operations that require a started transport.
	ErrNotStarted = errors.New("transport is not started")
	// ErrSendQueueFull is returned when a peer's outbound buffer is full.
	ErrSendQueueFull = errors.New("send queue is full")
)

// DeliveryMethod selects the guarantees a message is sent with.
type DeliveryMethod int

const (
	// ReliableOrdered messages arrive once, in the order they were sent, or the
	// recipient is reported disconnected.
	ReliableOrdered DeliveryMethod = iota
	// Unreliable messages may be lost or reordered.
	Unreliable
)

func (m DeliveryMethod) String() string {
	switch m {
	case ReliableOrdered:
		return "reliable_ordered"
	case Unreliable:
		return "unreliable"
	default:
		return "unknown"
	}
}

// Transport is the datagram transport the server runs on top of.
//
// Implementations may receive on as many goroutines as they like but must
// buffer everything they receive into one ordered queue, which PollEvents
// drains. Send and Disconnect must not block on network I/O.
type Transport interface {
	// Start binds the listening socket. A bind failure is returned here.
	Start(port int) error

	// PollEvents returns every event queued since the previous call, oldest first.
	PollEvents() []Event

	// Send queues payload for delivery to the peer.
	Send(id peer.ID, payload []byte, method DeliveryMethod) error

	// Disconnect closes the connection to the peer, telling it why.
	Disconnect(id peer.ID, reason string) error

	// Stop closes all peer connections and releases the listening socket.
	Stop() error
}
