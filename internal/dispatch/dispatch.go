// Package dispatch routes transport events to the components that own them.
package dispatch

import (
	"errors"
	"runtime/debug"

	"github.com/benbjohnson/clock"
	"github.com/davecgh/go-spew/spew"
	"github.com/sirupsen/logrus"

	"github.com/dcrodman/gameport/internal/admission"
	"github.com/dcrodman/gameport/internal/handshake"
	"github.com/dcrodman/gameport/internal/metrics"
	"github.com/dcrodman/gameport/internal/peer"
	"github.com/dcrodman/gameport/internal/transport"
)

// internalErrorReason is sent to a client whose request could not be
// evaluated because handling it panicked.
const internalErrorReason = "Internal Server Error"

// DataHandler receives application payloads from connected peers.
type DataHandler interface {
	HandleData(p peer.Peer, payload []byte) error
}

// DataHandlerFunc adapts a function to a DataHandler.
type DataHandlerFunc func(p peer.Peer, payload []byte) error

func (f DataHandlerFunc) HandleData(p peer.Peer, payload []byte) error {
	return f(p, payload)
}

// Options are the optional collaborators of a Dispatcher.
type Options struct {
	// Data receives DataReceived payloads. Defaults to discarding them.
	Data DataHandler
	// Metrics may be nil.
	Metrics *metrics.Metrics
	// Clock stamps peers with their join time. Defaults to the wall clock.
	Clock clock.Clock
	// EventLogging dumps every event at debug level.
	EventLogging bool
}

// Dispatcher handles one event at a time. It is the only writer of the peer
// registry and must only be driven from a single goroutine.
type Dispatcher struct {
	transport transport.Transport
	registry  *peer.Registry
	admission *admission.Controller
	sender    *handshake.Sender
	data      DataHandler
	metrics   *metrics.Metrics
	clock     clock.Clock
	logEvents bool
	logger    *logrus.Entry

	handlers map[transport.Kind]func(transport.Event)
}

func New(
	t transport.Transport,
	registry *peer.Registry,
	controller *admission.Controller,
	sender *handshake.Sender,
	logger *logrus.Logger,
	opts Options,
) *Dispatcher {
	d := &Dispatcher{
		transport: t,
		registry:  registry,
		admission: controller,
		sender:    sender,
		data:      opts.Data,
		metrics:   opts.Metrics,
		clock:     opts.Clock,
		logEvents: opts.EventLogging,
		logger:    logger.WithField("component", "dispatch"),
	}
	if d.clock == nil {
		d.clock = clock.New()
	}
	if d.data == nil {
		d.data = discardData(d.logger)
	}

	d.handlers = map[transport.Kind]func(transport.Event){
		transport.KindConnectionRequest: d.onConnectionRequest,
		transport.KindPeerConnected:     d.onPeerConnected,
		transport.KindPeerDisconnected:  d.onPeerDisconnected,
		transport.KindDataReceived:      d.onDataReceived,
	}
	return d
}

// Dispatch fully handles ev before returning. A panic in a handler is
// recovered and logged so the caller can continue with the next event.
func (d *Dispatcher) Dispatch(ev transport.Event) {
	defer d.recoverEvent(ev)

	d.metrics.ObserveEvent(ev.Kind().String())
	if d.logEvents {
		d.logger.Debugf("%s event:\n%s", ev.Kind(), dumpEvent(ev))
	}

	handler, ok := d.handlers[ev.Kind()]
	if !ok {
		d.logger.WithField("kind", ev.Kind()).Warn("no handler registered for event")
		return
	}
	handler(ev)
}

func (d *Dispatcher) recoverEvent(ev transport.Event) {
	err := recover()
	if err == nil {
		return
	}

	d.logger.Errorf("error handling %s event for peer %s: error=%v, trace: %s",
		ev.Kind(), ev.PeerID(), err, debug.Stack())

	// Any slot the request reserved is returned, even after Accept. A peer
	// that connects anyway goes through the unadmitted path.
	req, ok := ev.(*transport.ConnectionRequest)
	if !ok {
		return
	}
	d.admission.Release(req.Identity)
	// Never leave a client waiting on a decision nobody will make.
	if !req.Resolved() {
		_ = req.Reject(internalErrorReason)
	}
}

func (d *Dispatcher) onConnectionRequest(ev transport.Event) {
	req := ev.(*transport.ConnectionRequest)
	entry := d.logger.WithFields(logrus.Fields{"peer": req.Identity, "endpoint": req.EndpointString()})

	if req.Resolved() {
		entry.Warn("ignoring connection request that was already resolved")
		return
	}

	decision := d.admission.Decide(req)
	d.metrics.ObserveDecision(decision.Accepted, decision.Reason.String())

	if !decision.Accepted {
		if err := req.Reject(decision.Reason.Message()); err != nil {
			entry.WithError(err).Warn("failed to reject connection request")
		}
		return
	}

	if err := req.Accept(); err != nil {
		entry.WithError(err).Warn("failed to accept connection request")
		d.admission.Release(req.Identity)
	}
}

func (d *Dispatcher) onPeerConnected(ev transport.Event) {
	e := ev.(transport.PeerConnected)
	entry := d.logger.WithFields(logrus.Fields{"peer": e.Identity, "endpoint": endpointString(e)})

	if !d.admission.Confirm(e.Identity) && d.isServerFull() {
		entry.Warn("disconnecting peer that connected without an admission while the server is full")
		d.metrics.InvariantViolated()
		if err := d.transport.Disconnect(e.Identity, admission.ReasonCapacity.Message()); err != nil {
			entry.WithError(err).Warn("failed to disconnect unadmitted peer")
		}
		return
	}

	p := peer.Peer{ID: e.Identity, Endpoint: e.Endpoint, State: peer.Connected, JoinedAt: d.clock.Now()}
	if err := d.registry.Add(p); err != nil {
		d.metrics.InvariantViolated()
		if errors.Is(err, peer.ErrDuplicateIdentity) {
			// Logged at fatal level without exiting; the existing session is kept.
			entry.WithError(err).Log(logrus.FatalLevel, "transport reported a connection for an identity that is already connected")
			return
		}
		entry.WithError(err).Error("failed to register peer")
		return
	}
	entry.WithField("connected", d.registry.Count()).Info("peer connected")

	if !d.sender.OnPeerConnected(p) {
		d.metrics.HandshakeFailed()
	}
}

func (d *Dispatcher) onPeerDisconnected(ev transport.Event) {
	e := ev.(transport.PeerDisconnected)
	entry := d.logger.WithFields(logrus.Fields{"peer": e.Identity, "reason": e.Reason})

	if p, ok := d.registry.Remove(e.Identity); ok {
		entry.WithFields(logrus.Fields{
			"endpoint":  p.EndpointString(),
			"session":   d.clock.Since(p.JoinedAt).String(),
			"connected": d.registry.Count(),
		}).Info("peer disconnected")
		return
	}
	if d.admission.Release(e.Identity) {
		return
	}
	entry.Debug("ignoring disconnect for unknown peer")
}

func (d *Dispatcher) onDataReceived(ev transport.Event) {
	e := ev.(transport.DataReceived)

	p, ok := d.registry.Get(e.Identity)
	if !ok {
		d.logger.WithFields(logrus.Fields{"peer": e.Identity, "bytes": len(e.Payload)}).
			Debug("dropping data from unknown peer")
		return
	}

	if err := d.data.HandleData(p, e.Payload); err != nil {
		d.logger.WithFields(logrus.Fields{"peer": p.ID, "endpoint": p.EndpointString()}).
			WithError(err).Error("error handling data from peer")
	}
}

// isServerFull counts reserved slots as taken so that an unadmitted peer
// cannot claim a slot promised to an accepted request.
func (d *Dispatcher) isServerFull() bool {
	return d.registry.Count()+d.admission.Pending() >= d.admission.MaxPeers()
}

func endpointString(e transport.PeerConnected) string {
	if e.Endpoint == nil {
		return "unknown"
	}
	return e.Endpoint.String()
}

func dumpEvent(ev transport.Event) string {
	// Connection keys are secrets and stay out of the logs.
	if req, ok := ev.(*transport.ConnectionRequest); ok {
		return spew.Sdump(struct {
			Identity peer.ID
			Endpoint string
			KeyBytes int
		}{req.Identity, req.EndpointString(), len(req.Key)})
	}
	return spew.Sdump(ev)
}

func discardData(logger *logrus.Entry) DataHandler {
	return DataHandlerFunc(func(p peer.Peer, payload []byte) error {
		logger.WithField("peer", p.ID).Debugf("discarding %d bytes", len(payload))
		return nil
	})
}
