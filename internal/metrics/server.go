package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/dcrodman/gameport/internal/peer"
)

// PeerLister returns a snapshot of the connected peers.
type PeerLister interface {
	Peers() []peer.Peer
}

// Server is the internal HTTP API used by operators and orchestration:
// /health and /healthz for liveness, /metrics for Prometheus and /peers for a
// JSON list of connected peers.
type Server struct {
	httpServer      *http.Server
	shutdownTimeout time.Duration
	logger          *logrus.Entry
}

func NewServer(addr string, gatherer prometheus.Gatherer, peers PeerLister, shutdownTimeout time.Duration, logger *logrus.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           Handler(gatherer, peers),
			ReadHeaderTimeout: 5 * time.Second,
		},
		shutdownTimeout: shutdownTimeout,
		logger:          logger.WithField("component", "internal_api"),
	}
}

// Handler builds the internal API routes.
func Handler(gatherer prometheus.Gatherer, peers PeerLister) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", handleHealth)
	mux.HandleFunc("/healthz", handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/peers", func(w http.ResponseWriter, r *http.Request) {
		handlePeers(w, peers)
	})
	return mux
}

// ListenAndServe blocks until the server is shut down. A clean shutdown
// returns nil.
func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", s.httpServer.Addr, err)
	}
	s.logger.Infof("started internal API on %s", listener.Addr())

	if err := s.httpServer.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown waits up to the configured timeout for in-flight requests.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	s.logger.Info("stopping internal API")
	return s.httpServer.Shutdown(ctx)
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type peerView struct {
	ID       string    `json:"id"`
	Endpoint string    `json:"endpoint"`
	JoinedAt time.Time `json:"joined_at"`
}

func handlePeers(w http.ResponseWriter, peers PeerLister) {
	views := make([]peerView, 0)
	for _, p := range peers.Peers() {
		views = append(views, peerView{ID: p.ID.String(), Endpoint: p.EndpointString(), JoinedAt: p.JoinedAt})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(views)
}
