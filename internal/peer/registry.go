package peer

import (
	"errors"
	"fmt"
	"sort"

	gocache "github.com/patrickmn/go-cache"
)

// ErrDuplicateIdentity is returned by Add when a peer with the same ID is
// already registered.
var ErrDuplicateIdentity = errors.New("peer identity already registered")

// Registry maps peer IDs to connected peers. Only peers in the Connected state
// are ever stored.
//
// Reads are safe from any goroutine. Writes are expected to come from a single
// goroutine (the event dispatcher) so that a Count followed by an Add is never
// interleaved with another writer.
type Registry struct {
	peers *gocache.Cache
}

func NewRegistry() *Registry {
	// Entries never expire; peers leave only through Remove.
	return &Registry{peers: gocache.New(gocache.NoExpiration, 0)}
}

// Add registers p as connected.
func (r *Registry) Add(p Peer) error {
	p.State = Connected
	if err := r.peers.Add(string(p.ID), p, gocache.NoExpiration); err != nil {
		return fmt.Errorf("adding peer %s: %w", p.ID, ErrDuplicateIdentity)
	}
	return nil
}

// Remove unregisters the peer with the given ID, returning the removed peer
// (now in the Disconnected state) and whether it was present. Removing an
// unknown ID is a no-op.
func (r *Registry) Remove(id ID) (Peer, bool) {
	p, ok := r.Get(id)
	if !ok {
		return Peer{}, false
	}
	r.peers.Delete(string(id))

	p.State = Disconnected
	return p, true
}

// Get returns a copy of the peer registered under id.
func (r *Registry) Get(id ID) (Peer, bool) {
	v, ok := r.peers.Get(string(id))
	if !ok {
		return Peer{}, false
	}
	return v.(Peer), true
}

func (r *Registry) Contains(id ID) bool {
	_, ok := r.peers.Get(string(id))
	return ok
}

// Count returns the number of connected peers.
func (r *Registry) Count() int {
	return r.peers.ItemCount()
}

// Peers returns a snapshot of all connected peers ordered by join time.
func (r *Registry) Peers() []Peer {
	items := r.peers.Items()

	peers := make([]Peer, 0, len(items))
	for _, item := range items {
		peers = append(peers, item.Object.(Peer))
	}
	sort.Slice(peers, func(i, j int) bool {
		if peers[i].JoinedAt.Equal(peers[j].JoinedAt) {
			return peers[i].ID < peers[j].ID
		}
		return peers[i].JoinedAt.Before(peers[j].JoinedAt)
	})
	return peers
}
