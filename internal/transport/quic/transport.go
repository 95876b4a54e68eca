// Package quic implements transport.Transport over QUIC.
//
// Every client opens one bidirectional stream which carries length-prefixed
// frames in both directions. The first frame a client sends is its connection
// key. Unreliable messages travel as QUIC datagrams.
package quic

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/dcrodman/gameport/internal/peer"
	"github.com/dcrodman/gameport/internal/transport"
)

// Application error codes used when the server closes a connection.
const (
	CodeClosed       quic.ApplicationErrorCode = 0x00
	CodeRejected     quic.ApplicationErrorCode = 0x10
	CodeDisconnected quic.ApplicationErrorCode = 0x11
	CodeShutdown     quic.ApplicationErrorCode = 0x12
	CodeProtocol     quic.ApplicationErrorCode = 0x13
)

type Config struct {
	// Host is the address to bind to. Empty binds all interfaces.
	Host             string
	MaxIdleTimeout   time.Duration
	KeepAlivePeriod  time.Duration
	HandshakeTimeout time.Duration
	// SendQueueSize is the number of reliable messages buffered per peer.
	SendQueueSize int
	TLS           *tls.Config
}

// Transport accepts QUIC connections on a single UDP socket and turns their
// lifecycle into transport events. Events are produced by per-connection
// goroutines and queued until the next PollEvents.
type Transport struct {
	cfg    Config
	logger *logrus.Entry

	mu       sync.Mutex
	listener *quic.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	started  bool
	stopped  bool
	sessions map[peer.ID]*session

	eventsMu sync.Mutex
	events   []transport.Event

	wg sync.WaitGroup
}

var _ transport.Transport = (*Transport)(nil)

func New(cfg Config, logger *logrus.Logger) *Transport {
	if cfg.SendQueueSize < 1 {
		cfg.SendQueueSize = 64
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	return &Transport{
		cfg:      cfg,
		logger:   logger.WithField("component", "quic"),
		sessions: make(map[peer.ID]*session),
	}
}

// Start binds the UDP socket and begins accepting connections.
func (t *Transport) Start(port int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started || t.stopped {
		return errors.New("transport cannot be started twice")
	}
	if t.cfg.TLS == nil {
		return errors.New("a TLS configuration is required")
	}

	addr := net.JoinHostPort(t.cfg.Host, strconv.Itoa(port))
	listener, err := quic.ListenAddr(addr, t.cfg.TLS, t.quicConfig())
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", addr, err)
	}

	t.listener = listener
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.started = true

	t.wg.Add(1)
	go t.acceptConnections()

	t.logger.Infof("listening for QUIC connections on %s", listener.Addr())
	return nil
}

// Addr returns the bound socket address, or nil before Start.
func (t *Transport) Addr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *Transport) quicConfig() *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout: t.cfg.HandshakeTimeout,
		MaxIdleTimeout:       t.cfg.MaxIdleTimeout,
		KeepAlivePeriod:      t.cfg.KeepAlivePeriod,
		EnableDatagrams:      true,
	}
}

// PollEvents returns every event queued since the previous call, in the order
// they were raised.
func (t *Transport) PollEvents() []transport.Event {
	t.eventsMu.Lock()
	defer t.eventsMu.Unlock()
	events := t.events
	t.events = nil
	return events
}

func (t *Transport) push(ev transport.Event) {
	t.eventsMu.Lock()
	defer t.eventsMu.Unlock()
	t.events = append(t.events, ev)
}

// Send queues payload for id without blocking. Reliable messages are written
// in order by the peer's writer goroutine; unreliable ones are sent as
// datagrams immediately.
func (t *Transport) Send(id peer.ID, payload []byte, method transport.DeliveryMethod) error {
	sess, err := t.session(id)
	if err != nil {
		return err
	}

	switch method {
	case transport.ReliableOrdered:
		return sess.enqueue(payload)
	case transport.Unreliable:
		if err := sess.conn.SendDatagram(payload); err != nil {
			return fmt.Errorf("error sending datagram to %s: %w", id, err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported delivery method %s", method)
	}
}

// Disconnect closes the peer's connection. A PeerDisconnected event follows
// once the connection's goroutines observe the close.
func (t *Transport) Disconnect(id peer.ID, reason string) error {
	sess, err := t.session(id)
	if err != nil {
		return err
	}
	return sess.close(CodeDisconnected, reason)
}

func (t *Transport) session(id peer.ID) (*session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.started || t.stopped {
		return nil, transport.ErrNotStarted
	}
	sess, ok := t.sessions[id]
	if !ok {
		return nil, fmt.Errorf("peer %s: %w", id, transport.ErrUnknownPeer)
	}
	return sess, nil
}

// Stop closes every connection and the socket, then waits for all connection
// goroutines to exit. Events still queued are discarded.
func (t *Transport) Stop() error {
	t.mu.Lock()
	if !t.started || t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	t.cancel()

	var err error
	for _, sess := range t.sessions {
		err = multierr.Append(err, sess.close(CodeShutdown, "server shutting down"))
	}
	err = multierr.Append(err, t.listener.Close())
	t.mu.Unlock()

	t.wg.Wait()

	t.eventsMu.Lock()
	t.events = nil
	t.eventsMu.Unlock()

	t.logger.Info("stopped QUIC transport")
	return err
}

func (t *Transport) acceptConnections() {
	defer t.wg.Done()

	for {
		conn, err := t.listener.Accept(t.ctx)
		if err != nil {
			if t.ctx.Err() == nil {
				t.logger.WithError(err).Error("stopped accepting connections")
			}
			return
		}

		t.wg.Add(1)
		go t.handleConnection(conn)
	}
}

// handleConnection runs for the lifetime of one client connection.
func (t *Transport) handleConnection(conn *quic.Conn) {
	defer t.wg.Done()

	stop := context.AfterFunc(t.ctx, func() {
		_ = conn.CloseWithError(CodeShutdown, "server shutting down")
	})
	defer stop()

	entry := t.logger.WithField("endpoint", conn.RemoteAddr())

	stream, key, err := t.readKey(conn)
	if err != nil {
		entry.WithError(err).Debug("client did not complete the handshake")
		_ = conn.CloseWithError(CodeProtocol, "expected connection key")
		return
	}

	id := peer.ID(uuid.NewString())
	entry = entry.WithField("peer", id)

	type outcome struct {
		accepted bool
		reason   string
	}
	decided := make(chan outcome, 1)
	t.push(transport.NewConnectionRequest(id, key, conn.RemoteAddr(), func(accepted bool, reason string) {
		decided <- outcome{accepted, reason}
	}))

	var result outcome
	select {
	case result = <-decided:
	case <-t.ctx.Done():
		return
	}

	if !result.accepted {
		entry.WithField("reason", result.reason).Debug("closing rejected connection")
		_ = conn.CloseWithError(CodeRejected, result.reason)
		return
	}

	sess := newSession(id, conn, stream, t.cfg.SendQueueSize)
	if !t.register(sess) {
		_ = sess.close(CodeShutdown, "server shutting down")
		return
	}

	// The client may have gone away while the request was being decided. The
	// slot it was granted still has to be given back.
	if conn.Context().Err() != nil {
		t.unregister(id)
		t.push(transport.PeerDisconnected{Identity: id, Reason: "connection lost before connecting"})
		return
	}

	t.push(transport.PeerConnected{Identity: id, Endpoint: conn.RemoteAddr()})
	entry.Debug("connection established")

	t.wg.Add(2)
	go func() {
		defer t.wg.Done()
		sess.writeLoop()
	}()
	go func() {
		defer t.wg.Done()
		t.receiveDatagrams(sess)
	}()

	reason := t.readLoop(sess)

	_ = sess.close(CodeClosed, "")
	t.unregister(id)
	t.push(transport.PeerDisconnected{Identity: id, Reason: reason})
	entry.WithField("reason", reason).Debug("connection closed")
}

func (t *Transport) readKey(conn *quic.Conn) (*quic.Stream, string, error) {
	ctx, cancel := context.WithTimeout(t.ctx, t.cfg.HandshakeTimeout)
	defer cancel()

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("error accepting stream: %w", err)
	}

	_ = stream.SetReadDeadline(time.Now().Add(t.cfg.HandshakeTimeout))
	key, err := readFrame(stream)
	if err != nil {
		return nil, "", fmt.Errorf("error reading connection key: %w", err)
	}
	_ = stream.SetReadDeadline(time.Time{})

	return stream, string(key), nil
}

// readLoop turns inbound frames into DataReceived events until the stream
// fails, returning a description of why it stopped.
func (t *Transport) readLoop(sess *session) string {
	for {
		payload, err := readFrame(sess.stream)
		if err != nil {
			return disconnectReason(err)
		}
		t.push(transport.DataReceived{Identity: sess.id, Payload: payload})
	}
}

func (t *Transport) receiveDatagrams(sess *session) {
	for {
		payload, err := sess.conn.ReceiveDatagram(sess.conn.Context())
		if err != nil {
			return
		}
		t.push(transport.DataReceived{Identity: sess.id, Payload: payload})
	}
}

func (t *Transport) register(sess *session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	t.sessions[sess.id] = sess
	return true
}

func (t *Transport) unregister(id peer.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, id)
}

func disconnectReason(err error) string {
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) {
		if appErr.ErrorMessage != "" {
			return appErr.ErrorMessage
		}
		return "connection closed"
	}
	var idleErr *quic.IdleTimeoutError
	if errors.As(err, &idleErr) {
		return "timed out"
	}
	return err.Error()
}
