// Package transporttest provides a scripted in-memory Transport for tests.
package transporttest

import (
	"fmt"
	"net"
	"sync"

	"github.com/dcrodman/gameport/internal/peer"
	"github.com/dcrodman/gameport/internal/transport"
)

// Sent records one call to Send.
type Sent struct {
	ID      peer.ID
	Payload []byte
	Method  transport.DeliveryMethod
}

// Disconnect records one call to Disconnect.
type Disconnect struct {
	ID     peer.ID
	Reason string
}

// Outcome records how a ConnectionRequest created by Request was resolved.
type Outcome struct {
	mu       sync.Mutex
	calls    int
	accepted bool
	reason   string
}

// Result returns the resolution and how many times the resolver ran.
func (o *Outcome) Result() (accepted bool, reason string, calls int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.accepted, o.reason, o.calls
}

// Transport is a transport.Transport whose events are queued by the test and
// whose outbound calls are recorded instead of hitting the network.
type Transport struct {
	// StartErr is returned from Start when set.
	StartErr error
	// SendErr, when set, decides the error returned for each Send.
	SendErr func(id peer.ID) error
	// OnPoll runs at the start of every PollEvents call.
	OnPoll func(polls int)

	mu          sync.Mutex
	port        int
	started     bool
	stops       int
	polls       int
	queue       []transport.Event
	sent        []Sent
	disconnects []Disconnect
	connected   map[peer.ID]bool
}

var _ transport.Transport = (*Transport)(nil)

func New() *Transport {
	return &Transport{connected: make(map[peer.ID]bool)}
}

func (t *Transport) Start(port int) error {
	if t.StartErr != nil {
		return t.StartErr
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.port = port
	t.started = true
	return nil
}

// Push queues events to be returned by the next PollEvents.
func (t *Transport) Push(events ...transport.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range events {
		switch ev := e.(type) {
		case transport.PeerConnected:
			t.connected[ev.Identity] = true
		case transport.PeerDisconnected:
			delete(t.connected, ev.Identity)
		}
	}
	t.queue = append(t.queue, events...)
}

// Request builds a ConnectionRequest whose resolution is captured in the
// returned Outcome.
func (t *Transport) Request(id peer.ID, key string) (*transport.ConnectionRequest, *Outcome) {
	outcome := &Outcome{}
	endpoint := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000 + len(id)}
	req := transport.NewConnectionRequest(id, key, endpoint, func(accepted bool, reason string) {
		outcome.mu.Lock()
		defer outcome.mu.Unlock()
		outcome.calls++
		outcome.accepted = accepted
		outcome.reason = reason
	})
	return req, outcome
}

func (t *Transport) PollEvents() []transport.Event {
	t.mu.Lock()
	t.polls++
	polls := t.polls
	t.mu.Unlock()

	if t.OnPoll != nil {
		t.OnPoll(polls)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	events := t.queue
	t.queue = nil
	return events
}

func (t *Transport) Send(id peer.ID, payload []byte, method transport.DeliveryMethod) error {
	if t.SendErr != nil {
		if err := t.SendErr(id); err != nil {
			return err
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		return transport.ErrNotStarted
	}
	t.sent = append(t.sent, Sent{ID: id, Payload: append([]byte(nil), payload...), Method: method})
	return nil
}

func (t *Transport) Disconnect(id peer.ID, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnects = append(t.disconnects, Disconnect{ID: id, Reason: reason})
	if !t.connected[id] {
		return fmt.Errorf("disconnecting %s: %w", id, transport.ErrUnknownPeer)
	}
	delete(t.connected, id)
	return nil
}

func (t *Transport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stops++
	t.started = false
	return nil
}

// Started reports whether Start succeeded and Stop has not been called since.
func (t *Transport) Started() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.started
}

func (t *Transport) Port() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port
}

func (t *Transport) Stops() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stops
}

func (t *Transport) Polls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.polls
}

// Sent returns a copy of every recorded Send call.
func (t *Transport) Sent() []Sent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Sent(nil), t.sent...)
}

// Disconnects returns a copy of every recorded Disconnect call.
func (t *Transport) Disconnects() []Disconnect {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Disconnect(nil), t.disconnects...)
}
