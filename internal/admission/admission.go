// Package admission decides whether inbound connection requests are allowed
// to join the server.
package admission

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	gocache "github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/dcrodman/gameport/internal/peer"
	"github.com/dcrodman/gameport/internal/transport"
)

// Reason explains a rejected request.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonCapacity
	ReasonAuthentication
)

func (r Reason) String() string {
	switch r {
	case ReasonCapacity:
		return "capacity"
	case ReasonAuthentication:
		return "authentication"
	default:
		return "none"
	}
}

var reasonMessages = map[Reason]string{
	ReasonCapacity:       "server is full",
	ReasonAuthentication: "invalid connection key",
}

// Message returns the text shown to a client rejected for this reason.
func (r Reason) Message() string {
	return cases.Title(language.English).String(reasonMessages[r])
}

// Decision is the outcome of evaluating one ConnectionRequest.
type Decision struct {
	Accepted bool
	Reason   Reason
}

// Counter reports the number of connected peers.
type Counter interface {
	Count() int
}

type Config struct {
	MaxPeers int
	Key      string
	// ReservationTTL bounds how long an accepted request holds a slot before
	// its peer connects. Zero keeps the slot until Confirm or Release.
	ReservationTTL time.Duration
	// RejectionMemory is the number of client hosts whose repeated rejections
	// are counted for logging. The port is ignored since every retry arrives
	// from a new source port.
	RejectionMemory int
}

// Controller makes accept/reject decisions against the live peer count and
// the shared connection key.
//
// An accepted request reserves a slot until its peer connects (Confirm) or
// goes away without connecting (Release). The capacity check counts both
// connected peers and reserved slots, so two requests racing for the last
// slot cannot both be admitted. Decide, Confirm and Release are serialized by
// one mutex, which makes the check-then-reserve step atomic even if several
// goroutines share a Controller.
type Controller struct {
	mu           sync.Mutex
	peers        Counter
	maxPeers     int
	key          []byte
	reservations *gocache.Cache
	rejections   *lru.Cache[string, int]
	logger       *logrus.Entry
}

func New(cfg Config, peers Counter, logger *logrus.Logger) (*Controller, error) {
	if cfg.MaxPeers < 1 {
		return nil, fmt.Errorf("invalid max peers %d", cfg.MaxPeers)
	}
	if cfg.Key == "" {
		return nil, errors.New("connection key must not be empty")
	}
	if cfg.RejectionMemory < 1 {
		cfg.RejectionMemory = 1
	}

	rejections, err := lru.New[string, int](cfg.RejectionMemory)
	if err != nil {
		return nil, fmt.Errorf("creating rejection memory: %w", err)
	}

	reservations := gocache.New(gocache.NoExpiration, 0)
	if cfg.ReservationTTL > 0 {
		reservations = gocache.New(cfg.ReservationTTL, cfg.ReservationTTL)
	}

	return &Controller{
		peers:        peers,
		maxPeers:     cfg.MaxPeers,
		key:          []byte(cfg.Key),
		reservations: reservations,
		rejections:   rejections,
		logger:       logger.WithField("component", "admission"),
	}, nil
}

// Decide evaluates req. Capacity is checked before the key, so a full server
// rejects every request regardless of the key it carries. On acceptance a
// slot is reserved under req.Identity.
func (c *Controller) Decide(req *transport.ConnectionRequest) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	connected := c.peers.Count()
	pending := c.pendingLocked()

	var decision Decision
	switch {
	case connected+pending >= c.maxPeers:
		decision = Decision{Accepted: false, Reason: ReasonCapacity}
	case subtle.ConstantTimeCompare([]byte(req.Key), c.key) != 1:
		decision = Decision{Accepted: false, Reason: ReasonAuthentication}
	default:
		decision = Decision{Accepted: true}
	}

	entry := c.logger.WithFields(logrus.Fields{
		"peer":      req.Identity,
		"endpoint":  req.EndpointString(),
		"connected": connected,
		"pending":   pending,
		"max_peers": c.maxPeers,
	})

	host := endpointHost(req.Endpoint)
	if decision.Accepted {
		c.reservations.SetDefault(string(req.Identity), req.EndpointString())
		c.rejections.Remove(host)
		entry.Info("accepted connection request")
		return decision
	}

	attempt := 1
	if n, ok := c.rejections.Get(host); ok {
		attempt = n + 1
	}
	c.rejections.Add(host, attempt)

	entry = entry.WithFields(logrus.Fields{"reason": decision.Reason, "attempt": attempt})
	if decision.Reason == ReasonAuthentication {
		entry.Warn("rejected connection request")
	} else {
		entry.Info("rejected connection request")
	}
	return decision
}

// Confirm converts the reservation held by id into a connected peer, reporting
// whether one existed.
func (c *Controller) Confirm(id peer.ID) bool {
	return c.dropReservation(id)
}

// Release frees the slot reserved for a peer that disconnected before it
// finished connecting, reporting whether one existed.
func (c *Controller) Release(id peer.ID) bool {
	released := c.dropReservation(id)
	if released {
		c.logger.WithField("peer", id).Info("released reservation for peer that never connected")
	}
	return released
}

func (c *Controller) dropReservation(id peer.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.reservations.Get(string(id)); !ok {
		return false
	}
	c.reservations.Delete(string(id))
	return true
}

// Pending returns the number of accepted requests whose peers have not yet
// connected.
func (c *Controller) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingLocked()
}

// MaxPeers returns the configured capacity.
func (c *Controller) MaxPeers() int {
	return c.maxPeers
}

func (c *Controller) pendingLocked() int {
	// Items omits entries that have expired but not yet been cleaned up.
	return len(c.reservations.Items())
}

// endpointHost returns the IP of addr without its port.
func endpointHost(addr net.Addr) string {
	if addr == nil {
		return "unknown"
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
