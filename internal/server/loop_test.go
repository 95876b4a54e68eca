package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/go-cmp/cmp"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/dcrodman/gameport/internal/peer"
	"github.com/dcrodman/gameport/internal/transport"
	"github.com/dcrodman/gameport/internal/transport/transporttest"
)

type recordingDispatcher struct {
	ids []peer.ID
}

func (r *recordingDispatcher) Dispatch(ev transport.Event) {
	r.ids = append(r.ids, ev.PeerID())
}

func newTestLoop(tr *transporttest.Transport, d Dispatcher, clk clock.Clock) *Loop {
	logger, _ := logtest.NewNullLogger()
	return &Loop{
		Port:       7777,
		Interval:   15 * time.Millisecond,
		Transport:  tr,
		Dispatcher: d,
		Logger:     logger,
		Clock:      clk,
	}
}

func TestLoop_StartError(t *testing.T) {
	bindErr := errors.New("address already in use")
	tr := transporttest.New()
	tr.StartErr = bindErr

	loop := newTestLoop(tr, &recordingDispatcher{}, clock.NewMock())
	err := loop.Run(context.Background())

	if !errors.Is(err, bindErr) {
		t.Fatalf("expected Run to return the bind error, got %v", err)
	}
	if tr.Polls() != 0 {
		t.Errorf("expected no polls after a failed start, got %d", tr.Polls())
	}
	if tr.Stops() != 0 {
		t.Errorf("expected Stop not to be called, got %d calls", tr.Stops())
	}
	if loop.State() != Stopped {
		t.Errorf("expected state %s, got %s", Stopped, loop.State())
	}
}

func TestLoop_CancelFinishesDrain(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := transporttest.New()
	tr.Push(
		transport.PeerConnected{Identity: "a"},
		transport.DataReceived{Identity: "a", Payload: []byte("x")},
		transport.PeerDisconnected{Identity: "a"},
	)
	tr.OnPoll = func(polls int) {
		if polls == 1 {
			cancel()
		}
	}

	d := &recordingDispatcher{}
	loop := newTestLoop(tr, d, clock.NewMock())
	if err := loop.Run(ctx); err != nil {
		t.Fatalf("Run returned an unexpected error: %v", err)
	}

	if diff := cmp.Diff([]peer.ID{"a", "a", "a"}, d.ids); diff != "" {
		t.Errorf("dispatched events did not match expected; diff:\n%s", diff)
	}
	if tr.Polls() != 1 {
		t.Errorf("expected a single poll, got %d", tr.Polls())
	}
	if tr.Stops() != 1 {
		t.Errorf("expected Stop to be called once, got %d", tr.Stops())
	}
	if loop.State() != Stopped {
		t.Errorf("expected state %s, got %s", Stopped, loop.State())
	}
}

func TestLoop_PollsOnEveryTick(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mock := clock.NewMock()
	tr := transporttest.New()
	tr.OnPoll = func(polls int) {
		switch polls {
		case 2:
			tr.Push(transport.DataReceived{Identity: "b"})
		case 3:
			cancel()
		}
	}

	d := &recordingDispatcher{}
	loop := newTestLoop(tr, d, mock)

	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("Run returned an unexpected error: %v", err)
			}
			if tr.Polls() != 3 {
				t.Errorf("expected 3 polls, got %d", tr.Polls())
			}
			if diff := cmp.Diff([]peer.ID{"b"}, d.ids); diff != "" {
				t.Errorf("dispatched events did not match expected; diff:\n%s", diff)
			}
			return
		case <-deadline:
			t.Fatal("timed out waiting for the loop to stop")
		default:
			mock.Add(loop.Interval)
			time.Sleep(time.Millisecond)
		}
	}
}

func TestLoop_RunOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	loop := newTestLoop(transporttest.New(), &recordingDispatcher{}, clock.NewMock())
	if err := loop.Run(ctx); err != nil {
		t.Fatalf("Run returned an unexpected error: %v", err)
	}
	if err := loop.Run(ctx); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("expected ErrAlreadyStarted from a second Run, got %v", err)
	}
}
