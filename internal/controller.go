package internal

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dcrodman/gameport/internal/admission"
	"github.com/dcrodman/gameport/internal/core"
	"github.com/dcrodman/gameport/internal/core/debug"
	"github.com/dcrodman/gameport/internal/dispatch"
	"github.com/dcrodman/gameport/internal/handshake"
	"github.com/dcrodman/gameport/internal/metrics"
	"github.com/dcrodman/gameport/internal/peer"
	"github.com/dcrodman/gameport/internal/server"
	"github.com/dcrodman/gameport/internal/transport/quic"
)

// Controller is the main entrypoint for gameport. It's responsible for initializing
// any shared resources (such as logging and metrics), wiring the admission pipeline
// together, and running it until the context is cancelled.
type Controller struct {
	Config *core.Config
	// DataHandler receives payloads from connected peers. Defaults to discarding them.
	DataHandler dispatch.DataHandler
	// Logger overrides the logger built from Config.
	Logger *logrus.Logger
}

// Start blocks until ctx is cancelled or one of the servers fails. A failure
// to bind the game port is returned without the poll loop ever running.
func (c *Controller) Start(ctx context.Context) error {
	logger := c.Logger
	if logger == nil {
		var err error
		// Set up the logger, which will be used by all components.
		if logger, err = core.NewLogger(c.Config); err != nil {
			return fmt.Errorf("error initializing logger: %w", err)
		}
	}

	// Start any debug utilities if we're configured to do so.
	if c.Config.Debugging.PprofEnabled {
		debug.StartUtilities(logger, c.Config.Debugging.PprofPort)
	}

	tlsConf, err := quic.ServerTLSConfig(c.Config.Transport.CertificateFile, c.Config.Transport.KeyFile)
	if err != nil {
		return fmt.Errorf("error loading TLS configuration: %w", err)
	}
	tr := quic.New(quic.Config{
		Host:             c.Config.Hostname,
		MaxIdleTimeout:   c.Config.Transport.MaxIdleTimeout,
		KeepAlivePeriod:  c.Config.Transport.KeepAlivePeriod,
		HandshakeTimeout: c.Config.Transport.HandshakeTimeout,
		SendQueueSize:    c.Config.Transport.SendQueueSize,
		TLS:              tlsConf,
	}, logger)

	registry := peer.NewRegistry()
	controller, err := admission.New(admission.Config{
		MaxPeers:        c.Config.MaxPeers,
		Key:             c.Config.ConnectionKey,
		ReservationTTL:  c.Config.Admission.ReservationTTL,
		RejectionMemory: c.Config.Admission.RejectionMemory,
	}, registry, logger)
	if err != nil {
		return fmt.Errorf("error initializing admission: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	serverMetrics := metrics.New(reg, metrics.Gauges{
		ConnectedPeers:      func() float64 { return float64(registry.Count()) },
		PendingReservations: func() float64 { return float64(controller.Pending()) },
	})

	sender := handshake.NewSender(tr, c.Config.WelcomePayload(), logger)
	dispatcher := dispatch.New(tr, registry, controller, sender, logger, dispatch.Options{
		Data:         c.DataHandler,
		Metrics:      serverMetrics,
		EventLogging: c.Config.Debugging.EventLoggingEnabled,
	})

	logger.Infof("starting gameport on %s with room for %d peers", c.Config.ListenAddress(), c.Config.MaxPeers)
	loop := &server.Loop{
		Port:       c.Config.Port,
		Interval:   c.Config.PollInterval,
		Transport:  tr,
		Dispatcher: dispatcher,
		Logger:     logger,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return loop.Run(gctx)
	})

	if c.Config.InternalAPI.Enabled {
		api := metrics.NewServer(
			c.Config.InternalAPIAddress(),
			reg,
			registry,
			c.Config.InternalAPI.GracefulShutdownTimeout,
			logger,
		)
		g.Go(api.ListenAndServe)
		g.Go(func() error {
			<-gctx.Done()
			return api.Shutdown()
		})
	}

	return g.Wait()
}
