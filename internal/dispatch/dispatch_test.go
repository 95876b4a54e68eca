package dispatch

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-test/deep"
	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/dcrodman/gameport/internal/admission"
	"github.com/dcrodman/gameport/internal/handshake"
	"github.com/dcrodman/gameport/internal/peer"
	"github.com/dcrodman/gameport/internal/transport"
	"github.com/dcrodman/gameport/internal/transport/transporttest"
)

const welcome = "Hello client!"

type harness struct {
	transport  *transporttest.Transport
	registry   *peer.Registry
	admission  *admission.Controller
	dispatcher *Dispatcher
	hook       *logtest.Hook
	clock      *clock.Mock
}

func newHarness(t *testing.T, maxPeers int, key string, opts Options) *harness {
	t.Helper()
	return newHarnessWith(t, admission.Config{MaxPeers: maxPeers, Key: key}, nil, opts)
}

// newHarnessWith builds a harness whose admission controller counts peers with
// counter, or with the registry when counter is nil.
func newHarnessWith(t *testing.T, cfg admission.Config, counter admission.Counter, opts Options) *harness {
	t.Helper()

	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	tr := transporttest.New()
	if err := tr.Start(7777); err != nil {
		t.Fatalf("error starting transport: %v", err)
	}

	registry := peer.NewRegistry()
	if counter == nil {
		counter = registry
	}
	controller, err := admission.New(cfg, counter, logger)
	if err != nil {
		t.Fatalf("error creating admission controller: %v", err)
	}

	mock := clock.NewMock()
	if opts.Clock == nil {
		opts.Clock = mock
	}
	sender := handshake.NewSender(tr, []byte(welcome), logger)

	return &harness{
		transport:  tr,
		registry:   registry,
		admission:  controller,
		dispatcher: New(tr, registry, controller, sender, logger, opts),
		hook:       hook,
		clock:      mock,
	}
}

// run queues events on the transport and dispatches whatever the next poll
// returns, the same way the poll loop does.
func (h *harness) run(events ...transport.Event) {
	h.transport.Push(events...)
	for _, ev := range h.transport.PollEvents() {
		h.dispatcher.Dispatch(ev)
	}
}

// admit sends a connection request for id and returns the outcome.
func (h *harness) admit(id peer.ID, key string) *transporttest.Outcome {
	req, outcome := h.transport.Request(id, key)
	h.run(req)
	return outcome
}

func (h *harness) connect(id peer.ID) {
	h.run(transport.PeerConnected{Identity: id})
}

func (h *harness) disconnect(id peer.ID) {
	h.run(transport.PeerDisconnected{Identity: id, Reason: "remote closed"})
}

func (h *harness) peerIDs() []peer.ID {
	var ids []peer.ID
	for _, p := range h.registry.Peers() {
		ids = append(ids, p.ID)
	}
	return ids
}

func (h *harness) fatalEntries() int {
	n := 0
	for _, e := range h.hook.AllEntries() {
		if e.Level == logrus.FatalLevel {
			n++
		}
	}
	return n
}

func (h *harness) sendsTo(id peer.ID) int {
	n := 0
	for _, s := range h.transport.Sent() {
		if s.ID == id {
			n++
		}
	}
	return n
}

func TestDispatcher_CapacityScenario(t *testing.T) {
	h := newHarness(t, 2, "K", Options{})

	for _, id := range []peer.ID{"A", "B"} {
		outcome := h.admit(id, "K")
		if accepted, reason, _ := outcome.Result(); !accepted {
			t.Fatalf("expected %s to be accepted, got rejected: %s", id, reason)
		}
		h.clock.Add(time.Second)
		h.connect(id)
	}

	outcome := h.admit("C", "K")
	accepted, reason, calls := outcome.Result()
	if accepted {
		t.Error("expected C to be rejected while the server is full")
	}
	if reason != "Server Is Full" {
		t.Errorf("expected reason %q, got %q", "Server Is Full", reason)
	}
	if calls != 1 {
		t.Errorf("expected the request to be resolved once, got %d", calls)
	}

	if diff := deep.Equal(h.peerIDs(), []peer.ID{"A", "B"}); diff != nil {
		t.Errorf("registry did not match expected: %v", diff)
	}
}

func TestDispatcher_AuthenticationScenario(t *testing.T) {
	h := newHarness(t, 10, "K1", Options{})

	outcome := h.admit("A", "K2")
	accepted, reason, _ := outcome.Result()
	if accepted {
		t.Fatal("expected a request with the wrong key to be rejected")
	}
	if reason != "Invalid Connection Key" {
		t.Errorf("expected reason %q, got %q", "Invalid Connection Key", reason)
	}
	if h.registry.Count() != 0 || h.admission.Pending() != 0 {
		t.Errorf("expected no peers or reservations, got %d connected and %d pending",
			h.registry.Count(), h.admission.Pending())
	}
}

func TestDispatcher_HandshakeOnConnect(t *testing.T) {
	h := newHarness(t, 10, "K", Options{})

	h.admit("A", "K")
	h.connect("A")

	want := []transporttest.Sent{{ID: "A", Payload: []byte(welcome), Method: transport.ReliableOrdered}}
	if diff := cmp.Diff(want, h.transport.Sent()); diff != "" {
		t.Errorf("sent messages did not match expected; diff:\n%s", diff)
	}
}

func TestDispatcher_DisconnectAfterHandshake(t *testing.T) {
	h := newHarness(t, 10, "K", Options{})

	h.admit("A", "K")
	h.connect("A")
	h.disconnect("A")

	if h.sendsTo("A") != 1 {
		t.Errorf("expected one welcome send, got %d", h.sendsTo("A"))
	}
	if h.registry.Contains("A") {
		t.Error("registry still contains A after it disconnected")
	}
	if n := h.fatalEntries(); n != 0 {
		t.Errorf("expected no fatal log entries, got %d", n)
	}
}

func TestDispatcher_HandshakeToDepartedPeer(t *testing.T) {
	h := newHarness(t, 10, "K", Options{})
	h.transport.SendErr = func(peer.ID) error {
		return fmt.Errorf("sending: %w", transport.ErrUnknownPeer)
	}

	h.admit("A", "K")
	h.connect("A")
	h.disconnect("A")

	if h.registry.Count() != 0 {
		t.Errorf("expected an empty registry, got %d peers", h.registry.Count())
	}
	if n := h.fatalEntries(); n != 0 {
		t.Errorf("expected no fatal log entries, got %d", n)
	}
}

func TestDispatcher_DuplicateDisconnectIsNoop(t *testing.T) {
	h := newHarness(t, 10, "K", Options{})

	h.admit("A", "K")
	h.admit("B", "K")
	h.connect("A")
	h.connect("B")
	h.disconnect("A")
	h.disconnect("A")

	if diff := deep.Equal(h.peerIDs(), []peer.ID{"B"}); diff != nil {
		t.Errorf("registry did not match expected: %v", diff)
	}
	for _, e := range h.hook.AllEntries() {
		if e.Level <= logrus.ErrorLevel {
			t.Errorf("unexpected %s entry: %s", e.Level, e.Message)
		}
	}
}

func TestDispatcher_DuplicateIdentity(t *testing.T) {
	h := newHarness(t, 10, "K", Options{})

	h.admit("A", "K")
	h.connect("A")
	h.connect("A")

	if h.registry.Count() != 1 {
		t.Errorf("expected one peer, got %d", h.registry.Count())
	}
	if n := h.fatalEntries(); n != 1 {
		t.Errorf("expected one fatal log entry, got %d", n)
	}
	if h.sendsTo("A") != 1 {
		t.Errorf("expected a single welcome send, got %d", h.sendsTo("A"))
	}

	// The server keeps running after the violation.
	h.admit("B", "K")
	h.connect("B")
	if !h.registry.Contains("B") {
		t.Error("expected B to connect after the duplicate identity was reported")
	}
}

func TestDispatcher_UnadmittedPeerWhileFull(t *testing.T) {
	h := newHarness(t, 1, "K", Options{})

	h.admit("A", "K")
	h.connect("A")
	h.connect("intruder")

	want := []transporttest.Disconnect{{ID: "intruder", Reason: "Server Is Full"}}
	if diff := cmp.Diff(want, h.transport.Disconnects()); diff != "" {
		t.Errorf("disconnects did not match expected; diff:\n%s", diff)
	}
	if diff := deep.Equal(h.peerIDs(), []peer.ID{"A"}); diff != nil {
		t.Errorf("registry did not match expected: %v", diff)
	}
	if h.sendsTo("intruder") != 0 {
		t.Error("unadmitted peer received a welcome message")
	}
}

func TestDispatcher_UnadmittedPeerWithRoom(t *testing.T) {
	h := newHarness(t, 2, "K", Options{})

	h.connect("A")

	if !h.registry.Contains("A") {
		t.Error("expected A to be registered while the server has room")
	}
	if len(h.transport.Disconnects()) != 0 {
		t.Errorf("unexpected disconnects: %v", h.transport.Disconnects())
	}
}

func TestDispatcher_EarlyDisconnectReleasesSlot(t *testing.T) {
	h := newHarness(t, 1, "K", Options{})

	h.admit("A", "K")
	if accepted, _, _ := h.admit("B", "K").Result(); accepted {
		t.Fatal("expected B to be rejected while A holds the only slot")
	}

	h.disconnect("A")
	if h.admission.Pending() != 0 {
		t.Errorf("expected the reservation to be released, %d pending", h.admission.Pending())
	}

	if accepted, reason, _ := h.admit("B", "K").Result(); !accepted {
		t.Errorf("expected B's retry to be accepted, got rejected: %s", reason)
	}
}

func TestDispatcher_DataReceived(t *testing.T) {
	var got []string
	handler := DataHandlerFunc(func(p peer.Peer, payload []byte) error {
		got = append(got, fmt.Sprintf("%s:%s", p.ID, payload))
		if string(payload) == "bad" {
			return errors.New("malformed message")
		}
		return nil
	})
	h := newHarness(t, 10, "K", Options{Data: handler})

	h.admit("A", "K")
	h.connect("A")
	h.run(
		transport.DataReceived{Identity: "A", Payload: []byte("move")},
		transport.DataReceived{Identity: "ghost", Payload: []byte("move")},
		transport.DataReceived{Identity: "A", Payload: []byte("bad")},
	)

	if diff := cmp.Diff([]string{"A:move", "A:bad"}, got); diff != "" {
		t.Errorf("handled payloads did not match expected; diff:\n%s", diff)
	}
	if entry := h.hook.LastEntry(); entry == nil || entry.Level != logrus.ErrorLevel {
		t.Errorf("expected the handler error to be logged at error level, got %v", entry)
	}
}

func TestDispatcher_RecoversPanics(t *testing.T) {
	handler := DataHandlerFunc(func(peer.Peer, []byte) error {
		panic("corrupt state")
	})
	h := newHarness(t, 10, "K", Options{Data: handler})

	h.admit("A", "K")
	h.connect("A")
	h.run(transport.DataReceived{Identity: "A", Payload: []byte("x")})

	var logged bool
	for _, e := range h.hook.AllEntries() {
		if e.Level == logrus.ErrorLevel && strings.Contains(e.Message, "corrupt state") {
			logged = true
		}
	}
	if !logged {
		t.Error("expected the panic to be logged")
	}

	h.admit("B", "K")
	h.connect("B")
	if h.registry.Count() != 2 {
		t.Errorf("expected dispatch to continue after a panic, got %d peers", h.registry.Count())
	}
}

// brokenCounter panics whenever the connected peer count is read.
type brokenCounter struct{}

func (brokenCounter) Count() int { panic("peer count unavailable") }

func TestDispatcher_PanickingRequestIsRejected(t *testing.T) {
	h := newHarnessWith(t, admission.Config{MaxPeers: 1, Key: "K"}, brokenCounter{}, Options{})

	accepted, reason, calls := h.admit("A", "K").Result()
	if accepted {
		t.Error("expected the request to be rejected")
	}
	if reason != "Internal Server Error" {
		t.Errorf("expected reason %q, got %q", "Internal Server Error", reason)
	}
	if calls != 1 {
		t.Errorf("expected the request to be resolved once, got %d", calls)
	}
	if h.admission.Pending() != 0 {
		t.Errorf("expected no reservations, %d pending", h.admission.Pending())
	}
}

func TestDispatcher_PanickingAcceptReleasesSlot(t *testing.T) {
	h := newHarness(t, 1, "K", Options{})

	req := transport.NewConnectionRequest("A", "K", nil, func(accepted bool, _ string) {
		if accepted {
			panic("connection vanished")
		}
	})
	h.run(req)

	if !req.Resolved() {
		t.Error("expected the request to be resolved")
	}
	if h.admission.Pending() != 0 {
		t.Errorf("expected the reservation to be released, %d pending", h.admission.Pending())
	}
	if accepted, reason, _ := h.admit("B", "K").Result(); !accepted {
		t.Errorf("expected B to take the freed slot, got rejected: %s", reason)
	}
}

func TestDispatcher_ExpiredReservation(t *testing.T) {
	h := newHarnessWith(t, admission.Config{MaxPeers: 1, Key: "K", ReservationTTL: 20 * time.Millisecond}, nil, Options{})

	if accepted, _, _ := h.admit("A", "K").Result(); !accepted {
		t.Fatal("expected A to be accepted")
	}
	time.Sleep(60 * time.Millisecond)
	if h.admission.Pending() != 0 {
		t.Fatalf("expected A's reservation to expire, %d pending", h.admission.Pending())
	}

	if accepted, reason, _ := h.admit("B", "K").Result(); !accepted {
		t.Fatalf("expected B to take the expired slot, got rejected: %s", reason)
	}
	h.connect("B")
	h.connect("A")

	want := []transporttest.Disconnect{{ID: "A", Reason: "Server Is Full"}}
	if diff := cmp.Diff(want, h.transport.Disconnects()); diff != "" {
		t.Errorf("disconnects did not match expected; diff:\n%s", diff)
	}
	if diff := deep.Equal(h.peerIDs(), []peer.ID{"B"}); diff != nil {
		t.Errorf("registry did not match expected: %v", diff)
	}
	if h.sendsTo("A") != 0 {
		t.Error("peer with an expired reservation received a welcome message")
	}
}

func TestDispatcher_EventLoggingHidesKey(t *testing.T) {
	h := newHarness(t, 10, "super-secret", Options{EventLogging: true})

	h.admit("A", "super-secret")

	var dumped bool
	for _, e := range h.hook.AllEntries() {
		if strings.Contains(e.Message, "connection_request event") {
			dumped = true
		}
		if strings.Contains(e.Message, "super-secret") {
			t.Errorf("connection key leaked into the log: %s", e.Message)
		}
	}
	if !dumped {
		t.Error("expected the connection request to be dumped at debug level")
	}
}

func TestDispatcher_RandomSequencesRespectCapacity(t *testing.T) {
	const maxPeers = 3
	ids := []peer.ID{"p0", "p1", "p2", "p3", "p4", "p5", "p6"}

	for seed := int64(1); seed <= 20; seed++ {
		t.Run(fmt.Sprintf("seed_%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))
			h := newHarness(t, maxPeers, "K", Options{})

			for step := 0; step < 300; step++ {
				id := ids[rng.Intn(len(ids))]

				switch rng.Intn(4) {
				case 0:
					key := "K"
					if rng.Intn(4) == 0 {
						key = "wrong"
					}
					taken := h.registry.Count() + h.admission.Pending()
					accepted, _, _ := h.admit(id, key).Result()

					switch {
					case key != "K" && accepted:
						t.Fatalf("step %d: request with an invalid key was accepted", step)
					case key == "K" && accepted != (taken < maxPeers):
						t.Fatalf("step %d: accepted=%v with %d of %d slots taken", step, accepted, taken, maxPeers)
					}
				case 1:
					sentBefore := h.sendsTo(id)
					wasConnected := h.registry.Contains(id)
					h.connect(id)
					if !wasConnected && h.registry.Contains(id) && h.sendsTo(id) != sentBefore+1 {
						t.Fatalf("step %d: %s connected without exactly one welcome send", step, id)
					}
				case 2:
					h.disconnect(id)
					if h.registry.Contains(id) {
						t.Fatalf("step %d: %s still registered after disconnecting", step, id)
					}
				case 3:
					h.run(transport.DataReceived{Identity: id, Payload: []byte("tick")})
				}

				if n := h.registry.Count(); n > maxPeers {
					t.Fatalf("step %d: registry holds %d peers, capacity is %d", step, n, maxPeers)
				}
			}
		})
	}
}
