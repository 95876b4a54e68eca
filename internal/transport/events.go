package transport

import (
	"errors"
	"net"
	"sync"

	"github.com/dcrodman/gameport/internal/peer"
)

// ErrAlreadyResolved is returned when a ConnectionRequest is accepted or
// rejected more than once.
var ErrAlreadyResolved = errors.New("connection request already resolved")

// Kind tags the concrete type of an Event.
type Kind int

const (
	KindConnectionRequest Kind = iota
	KindPeerConnected
	KindPeerDisconnected
	KindDataReceived
)

func (k Kind) String() string {
	switch k {
	case KindConnectionRequest:
		return "connection_request"
	case KindPeerConnected:
		return "peer_connected"
	case KindPeerDisconnected:
		return "peer_disconnected"
	case KindDataReceived:
		return "data_received"
	default:
		return "unknown"
	}
}

// Event is one of *ConnectionRequest, PeerConnected, PeerDisconnected or
// DataReceived.
type Event interface {
	Kind() Kind
	// PeerID is the identity the event concerns.
	PeerID() peer.ID

	event()
}

// Resolver receives the outcome of a ConnectionRequest. reason is empty when
// the request was accepted.
type Resolver func(accepted bool, reason string)

// ConnectionRequest is a single join attempt. It must be resolved exactly once
// with Accept or Reject while its event is being handled.
type ConnectionRequest struct {
	// Identity the peer will carry if the request is accepted.
	Identity peer.ID
	// Key claimed by the client.
	Key      string
	Endpoint net.Addr

	mu       sync.Mutex
	resolved bool
	resolver Resolver
}

// NewConnectionRequest returns a request whose outcome is delivered to resolver.
func NewConnectionRequest(id peer.ID, key string, endpoint net.Addr, resolver Resolver) *ConnectionRequest {
	return &ConnectionRequest{
		Identity: id,
		Key:      key,
		Endpoint: endpoint,
		resolver: resolver,
	}
}

func (r *ConnectionRequest) Kind() Kind      { return KindConnectionRequest }
func (r *ConnectionRequest) PeerID() peer.ID { return r.Identity }
func (r *ConnectionRequest) event()          {}

// Accept lets the transport complete the connection.
func (r *ConnectionRequest) Accept() error {
	return r.resolve(true, "")
}

// Reject refuses the connection. The reason may be shown to the client.
func (r *ConnectionRequest) Reject(reason string) error {
	return r.resolve(false, reason)
}

// Resolved reports whether Accept or Reject has been called.
func (r *ConnectionRequest) Resolved() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolved
}

func (r *ConnectionRequest) resolve(accepted bool, reason string) error {
	r.mu.Lock()
	if r.resolved {
		r.mu.Unlock()
		return ErrAlreadyResolved
	}
	r.resolved = true
	r.mu.Unlock()

	if r.resolver != nil {
		r.resolver(accepted, reason)
	}
	return nil
}

// EndpointString returns the source address or "unknown".
func (r *ConnectionRequest) EndpointString() string {
	if r.Endpoint == nil {
		return "unknown"
	}
	return r.Endpoint.String()
}

// PeerConnected is raised once the transport has completed the connection of
// an accepted request.
type PeerConnected struct {
	Identity peer.ID
	Endpoint net.Addr
}

func (e PeerConnected) Kind() Kind      { return KindPeerConnected }
func (e PeerConnected) PeerID() peer.ID { return e.Identity }
func (PeerConnected) event()            {}

// PeerDisconnected is raised when a connection ends for any reason, including
// accepted connections that failed before PeerConnected was raised.
type PeerDisconnected struct {
	Identity peer.ID
	Reason   string
}

func (e PeerDisconnected) Kind() Kind      { return KindPeerDisconnected }
func (e PeerDisconnected) PeerID() peer.ID { return e.Identity }
func (PeerDisconnected) event()            {}

// DataReceived carries a message sent by a connected peer.
type DataReceived struct {
	Identity peer.ID
	Payload  []byte
}

func (e DataReceived) Kind() Kind      { return KindDataReceived }
func (e DataReceived) PeerID() peer.ID { return e.Identity }
func (DataReceived) event()            {}
