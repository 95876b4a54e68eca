// Package server drives the transport: it binds the socket, then drains and
// dispatches events on a fixed interval until its context is cancelled.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/dcrodman/gameport/internal/transport"
)

// DefaultPollInterval is used when Loop.Interval is zero.
const DefaultPollInterval = 15 * time.Millisecond

// ErrAlreadyStarted is returned when Run is called on a Loop that has
// already run.
var ErrAlreadyStarted = errors.New("poll loop already started")

// State is the lifecycle state of a Loop. A Loop only moves forward through
// the states and cannot be restarted.
type State int32

const (
	Idle State = iota
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Dispatcher fully handles a single event.
type Dispatcher interface {
	Dispatch(ev transport.Event)
}

// Loop is the single worker that owns event handling. Every event returned by
// a poll is dispatched, in order, before the loop waits for the next tick or
// checks for cancellation.
type Loop struct {
	Port       int
	Interval   time.Duration
	Transport  transport.Transport
	Dispatcher Dispatcher
	Logger     *logrus.Logger
	// Clock drives the poll ticker. Defaults to the wall clock.
	Clock clock.Clock

	state atomic.Int32
}

// State returns the current lifecycle state.
func (l *Loop) State() State {
	return State(l.state.Load())
}

// Run starts the transport and blocks until ctx is cancelled, after which the
// transport is stopped. An error starting the transport is returned before
// any event is polled.
func (l *Loop) Run(ctx context.Context) error {
	if !l.state.CompareAndSwap(int32(Idle), int32(Running)) {
		return ErrAlreadyStarted
	}

	clk := l.Clock
	if clk == nil {
		clk = clock.New()
	}
	interval := l.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	if err := l.Transport.Start(l.Port); err != nil {
		l.state.Store(int32(Stopped))
		return fmt.Errorf("error starting transport on port %d: %w", l.Port, err)
	}
	l.Logger.Infof("server started on port %d, polling every %v", l.Port, interval)

	ticker := clk.Ticker(interval)
	defer ticker.Stop()

	for ctx.Err() == nil {
		l.drain()

		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
	}

	return l.stop()
}

func (l *Loop) drain() {
	for _, ev := range l.Transport.PollEvents() {
		l.Dispatcher.Dispatch(ev)
	}
}

func (l *Loop) stop() error {
	l.state.Store(int32(Stopping))
	l.Logger.Info("stopping server")

	err := l.Transport.Stop()
	l.state.Store(int32(Stopped))
	if err != nil {
		return fmt.Errorf("error stopping transport: %w", err)
	}

	l.Logger.Info("server stopped")
	return nil
}
